package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store[S] for multi-process
// deployments. Schema matches SQLiteStore; the optimistic-concurrency
// check relies on the (run_id, version) primary key plus an explicit
// stream-head read inside the commit transaction.
//
// DSN format follows go-sql-driver/mysql, e.g.
// "user:pass@tcp(localhost:3306)/agentflow?parseTime=true".
type MySQLStore[S any] struct {
	db *sql.DB
}

// NewMySQLStore opens (and migrates) a MySQL-backed store.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore[S]{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore[S]) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_events (
			run_id VARCHAR(191) NOT NULL,
			version INT NOT NULL,
			type VARCHAR(64) NOT NULL,
			payload LONGTEXT NOT NULL,
			committed_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, version)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS workflow_snapshots (
			run_id VARCHAR(191) PRIMARY KEY,
			version INT NOT NULL,
			state LONGTEXT NOT NULL,
			runtime LONGTEXT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS step_cache (
			step_id VARCHAR(191) NOT NULL,
			fingerprint VARCHAR(64) NOT NULL,
			delta LONGTEXT NOT NULL,
			tokens BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (step_id, fingerprint)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			not_before BIGINT NOT NULL,
			leased_until BIGINT NOT NULL DEFAULT 0,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			INDEX idx_outbox_visible (not_before, leased_until)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS agent_beliefs (
			agent_id VARCHAR(128) NOT NULL,
			task_category VARCHAR(64) NOT NULL,
			alpha DOUBLE NOT NULL,
			beta DOUBLE NOT NULL,
			observations INT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (agent_id, task_category)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS approvals_pending (
			run_id VARCHAR(191) PRIMARY KEY,
			node_id VARCHAR(191) NOT NULL,
			approver_id VARCHAR(128) NOT NULL,
			options TEXT NOT NULL,
			deadline BIGINT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS named_checkpoints (
			label VARCHAR(191) PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			version INT NOT NULL,
			state LONGTEXT NOT NULL,
			runtime LONGTEXT NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *MySQLStore[S]) Close() error { return s.db.Close() }

// CommitTick persists one tick in a single transaction. The stream head is
// read FOR UPDATE so concurrent commits for the same run serialize.
func (s *MySQLStore[S]) CommitTick(ctx context.Context, c TickCommit[S]) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), -1) FROM workflow_events WHERE run_id = ? FOR UPDATE", c.RunID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read stream head: %w", err)
	}
	if last != c.ExpectedVersion {
		return ErrConflict
	}

	for _, ev := range c.Events {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO workflow_events (run_id, version, type, payload, committed_at) VALUES (?, ?, ?, ?, ?)",
			ev.RunID, ev.Version, ev.Type, string(ev.Payload), ev.CommittedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if c.Snapshot != nil {
		stateJSON, err := json.Marshal(c.Snapshot.State)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_snapshots (run_id, version, state, runtime) VALUES (?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE version=VALUES(version), state=VALUES(state), runtime=VALUES(runtime)`,
			c.Snapshot.RunID, c.Snapshot.Version, string(stateJSON), string(c.Snapshot.Runtime)); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}

	if c.CacheEntry != nil {
		deltaJSON, err := json.Marshal(c.CacheEntry.Delta)
		if err != nil {
			return fmt.Errorf("failed to marshal cached delta: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_cache (step_id, fingerprint, delta, tokens, expires_at) VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE delta=VALUES(delta), tokens=VALUES(tokens), expires_at=VALUES(expires_at)`,
			c.CacheEntry.StepID, c.CacheEntry.Fingerprint, string(deltaJSON),
			c.CacheEntry.Tokens, unixOrZero(c.CacheEntry.ExpiresAt)); err != nil {
			return fmt.Errorf("failed to cache step result: %w", err)
		}
	}

	for _, cmd := range c.Enqueue {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO outbox (id, run_id, node_id, kind, not_before, last_error) VALUES (?, ?, ?, ?, ?, '')",
			cmd.ID, cmd.RunID, cmd.NodeID, cmd.Kind, unixOrZero(cmd.NotBefore)); err != nil {
			return fmt.Errorf("failed to enqueue command: %w", err)
		}
	}
	if c.CompleteCommandID != "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", c.CompleteCommandID); err != nil {
			return fmt.Errorf("failed to complete command: %w", err)
		}
	}

	if c.Approval != nil {
		optJSON, err := json.Marshal(c.Approval.Options)
		if err != nil {
			return fmt.Errorf("failed to marshal approval options: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO approvals_pending (run_id, node_id, approver_id, options, deadline) VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE node_id=VALUES(node_id), approver_id=VALUES(approver_id), options=VALUES(options), deadline=VALUES(deadline)`,
			c.Approval.RunID, c.Approval.NodeID, c.Approval.ApproverID, string(optJSON),
			unixOrZero(c.Approval.Deadline)); err != nil {
			return fmt.Errorf("failed to save pending approval: %w", err)
		}
	}
	if c.DeleteApprovalRun != "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM approvals_pending WHERE run_id = ?", c.DeleteApprovalRun); err != nil {
			return fmt.Errorf("failed to delete pending approval: %w", err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot returns the latest snapshot for a run.
func (s *MySQLStore[S]) LoadSnapshot(ctx context.Context, runID string) (Snapshot[S], error) {
	var (
		snap      Snapshot[S]
		stateJSON string
		runtime   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT run_id, version, state, runtime FROM workflow_snapshots WHERE run_id = ?", runID).
		Scan(&snap.RunID, &snap.Version, &stateJSON, &runtime)
	if err == sql.ErrNoRows {
		return Snapshot[S]{}, ErrNotFound
	}
	if err != nil {
		return Snapshot[S]{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return Snapshot[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	snap.Runtime = []byte(runtime)
	return snap, nil
}

// LoadEvents returns the run's events from the given version onward.
func (s *MySQLStore[S]) LoadEvents(ctx context.Context, runID string, fromVersion int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, version, type, payload, committed_at FROM workflow_events WHERE run_id = ? AND version >= ? ORDER BY version",
		runID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			payload   string
			committed int64
		)
		if err := rows.Scan(&ev.RunID, &ev.Version, &ev.Type, &payload, &committed); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.CommittedAt = timeOrZero(committed)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// GetCachedStep looks up a memoized step result, deleting expired rows on
// touch.
func (s *MySQLStore[S]) GetCachedStep(ctx context.Context, stepID, fingerprint string, now time.Time) (CachedStep[S], error) {
	var (
		entry     CachedStep[S]
		deltaJSON string
		expires   int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT step_id, fingerprint, delta, tokens, expires_at FROM step_cache WHERE step_id = ? AND fingerprint = ?",
		stepID, fingerprint).
		Scan(&entry.StepID, &entry.Fingerprint, &deltaJSON, &entry.Tokens, &expires)
	if err == sql.ErrNoRows {
		return CachedStep[S]{}, ErrNotFound
	}
	if err != nil {
		return CachedStep[S]{}, fmt.Errorf("failed to load cache entry: %w", err)
	}
	if expires != 0 && !now.Before(timeOrZero(expires)) {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM step_cache WHERE step_id = ? AND fingerprint = ?", stepID, fingerprint)
		return CachedStep[S]{}, ErrNotFound
	}
	if err := json.Unmarshal([]byte(deltaJSON), &entry.Delta); err != nil {
		return CachedStep[S]{}, fmt.Errorf("failed to unmarshal cached delta: %w", err)
	}
	entry.ExpiresAt = timeOrZero(expires)
	return entry, nil
}

// LeaseCommands selects visible commands FOR UPDATE SKIP LOCKED so parallel
// dispatchers never contend on the same rows, then leases them.
func (s *MySQLStore[S]) LeaseCommands(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, run_id, node_id, kind, not_before, attempts, COALESCE(last_error, '') FROM outbox
		 WHERE not_before <= ? AND leased_until <= ? ORDER BY not_before, id LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		now.UnixNano(), now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select commands: %w", err)
	}

	var out []Command
	for rows.Next() {
		var (
			cmd       Command
			notBefore int64
		)
		if err := rows.Scan(&cmd.ID, &cmd.RunID, &cmd.NodeID, &cmd.Kind, &notBefore, &cmd.Attempts, &cmd.LastError); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmd.NotBefore = timeOrZero(notBefore)
		out = append(out, cmd)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	until := now.Add(lease).UnixNano()
	for i := range out {
		out[i].Attempts++
		if _, err := tx.ExecContext(ctx,
			"UPDATE outbox SET leased_until = ?, attempts = attempts + 1 WHERE id = ?",
			until, out[i].ID); err != nil {
			return nil, fmt.Errorf("failed to lease command: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseCommand re-queues a leased command with a backoff delay.
func (s *MySQLStore[S]) ReleaseCommand(ctx context.Context, id string, now time.Time, backoff time.Duration, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET leased_until = 0, not_before = ?, last_error = ? WHERE id = ?",
		now.Add(backoff).UnixNano(), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to release command: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// GetBelief returns the stored belief for an (agent, category) pair.
func (s *MySQLStore[S]) GetBelief(ctx context.Context, agentID, category string) (Belief, error) {
	var (
		b       Belief
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT agent_id, task_category, alpha, beta, observations, updated_at FROM agent_beliefs WHERE agent_id = ? AND task_category = ?",
		agentID, category).
		Scan(&b.AgentID, &b.TaskCategory, &b.Alpha, &b.Beta, &b.Observations, &updated)
	if err == sql.ErrNoRows {
		return Belief{}, ErrNotFound
	}
	if err != nil {
		return Belief{}, fmt.Errorf("failed to load belief: %w", err)
	}
	b.UpdatedAt = timeOrZero(updated)
	return b, nil
}

// CompareAndSwapBelief writes the belief only when the stored alpha/beta
// still match the expected values.
func (s *MySQLStore[S]) CompareAndSwapBelief(ctx context.Context, b Belief, expectedAlpha, expectedBeta float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var alpha, beta float64
	err = tx.QueryRowContext(ctx,
		"SELECT alpha, beta FROM agent_beliefs WHERE agent_id = ? AND task_category = ? FOR UPDATE",
		b.AgentID, b.TaskCategory).Scan(&alpha, &beta)
	switch {
	case err == sql.ErrNoRows:
		// First observation for this cell; expected values are the prior.
	case err != nil:
		return false, fmt.Errorf("failed to read belief: %w", err)
	case alpha != expectedAlpha || beta != expectedBeta:
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_beliefs (agent_id, task_category, alpha, beta, observations, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE alpha=VALUES(alpha), beta=VALUES(beta), observations=VALUES(observations), updated_at=VALUES(updated_at)`,
		b.AgentID, b.TaskCategory, b.Alpha, b.Beta, b.Observations, unixOrZero(b.UpdatedAt)); err != nil {
		return false, fmt.Errorf("failed to write belief: %w", err)
	}
	return true, tx.Commit()
}

// ExpiredApprovals returns pending approvals whose deadline has passed.
func (s *MySQLStore[S]) ExpiredApprovals(ctx context.Context, now time.Time) ([]PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, node_id, approver_id, options, deadline FROM approvals_pending WHERE deadline > 0 AND deadline <= ? ORDER BY run_id",
		now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to select approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []PendingApproval{}
	for rows.Next() {
		var (
			pa       PendingApproval
			optJSON  string
			deadline int64
		)
		if err := rows.Scan(&pa.RunID, &pa.NodeID, &pa.ApproverID, &optJSON, &deadline); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		if err := json.Unmarshal([]byte(optJSON), &pa.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
		pa.Deadline = timeOrZero(deadline)
		out = append(out, pa)
	}
	return out, rows.Err()
}

// SaveNamedCheckpoint labels a snapshot copy; same-label saves overwrite.
func (s *MySQLStore[S]) SaveNamedCheckpoint(ctx context.Context, label string, snap Snapshot[S]) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO named_checkpoints (label, run_id, version, state, runtime) VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE run_id=VALUES(run_id), version=VALUES(version), state=VALUES(state), runtime=VALUES(runtime)`,
		label, snap.RunID, snap.Version, string(stateJSON), string(snap.Runtime))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadNamedCheckpoint returns a labeled snapshot copy.
func (s *MySQLStore[S]) LoadNamedCheckpoint(ctx context.Context, label string) (Snapshot[S], error) {
	var (
		snap      Snapshot[S]
		stateJSON string
		runtime   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT run_id, version, state, runtime FROM named_checkpoints WHERE label = ?", label).
		Scan(&snap.RunID, &snap.Version, &stateJSON, &runtime)
	if err == sql.ErrNoRows {
		return Snapshot[S]{}, ErrNotFound
	}
	if err != nil {
		return Snapshot[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return Snapshot[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	snap.Runtime = []byte(runtime)
	return snap, nil
}
