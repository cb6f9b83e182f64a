package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store[S].
//
// Designed for:
//   - Testing and development
//   - Single-process workflows where durability isn't required
//
// MemStore is thread-safe. Atomicity of CommitTick is provided by a single
// mutex held across the whole commit.
//
// For production persistence use SQLiteStore or MySQLStore.
type MemStore[S any] struct {
	mu sync.RWMutex

	events      map[string][]Event         // runID -> ordered events
	snapshots   map[string]Snapshot[S]     // runID -> latest snapshot
	cache       map[string]CachedStep[S]   // stepID+"\x00"+fingerprint
	outbox      map[string]*outboxRow      // command ID -> row
	beliefs     map[string]Belief          // agentID+"\x00"+category
	approvals   map[string]PendingApproval // runID
	checkpoints map[string]Snapshot[S]     // label -> snapshot copy
}

type outboxRow struct {
	cmd         Command
	leasedUntil time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		events:      make(map[string][]Event),
		snapshots:   make(map[string]Snapshot[S]),
		cache:       make(map[string]CachedStep[S]),
		outbox:      make(map[string]*outboxRow),
		beliefs:     make(map[string]Belief),
		approvals:   make(map[string]PendingApproval),
		checkpoints: make(map[string]Snapshot[S]),
	}
}

func cacheKey(stepID, fingerprint string) string { return stepID + "\x00" + fingerprint }

func beliefKey(agentID, category string) string { return agentID + "\x00" + category }

// CommitTick persists one tick atomically under the store mutex.
func (m *MemStore[S]) CommitTick(_ context.Context, c TickCommit[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.events[c.RunID]
	last := -1
	if len(stream) > 0 {
		last = stream[len(stream)-1].Version
	}
	if last != c.ExpectedVersion {
		return ErrConflict
	}

	next := c.ExpectedVersion + 1
	for i, ev := range c.Events {
		if ev.Version != next+i {
			return ErrConflict
		}
	}

	m.events[c.RunID] = append(stream, c.Events...)
	if c.Snapshot != nil {
		m.snapshots[c.RunID] = *c.Snapshot
	}
	if c.CacheEntry != nil {
		m.cache[cacheKey(c.CacheEntry.StepID, c.CacheEntry.Fingerprint)] = *c.CacheEntry
	}
	for _, cmd := range c.Enqueue {
		m.outbox[cmd.ID] = &outboxRow{cmd: cmd}
	}
	if c.CompleteCommandID != "" {
		delete(m.outbox, c.CompleteCommandID)
	}
	if c.Approval != nil {
		m.approvals[c.Approval.RunID] = *c.Approval
	}
	if c.DeleteApprovalRun != "" {
		delete(m.approvals, c.DeleteApprovalRun)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot for a run.
func (m *MemStore[S]) LoadSnapshot(_ context.Context, runID string) (Snapshot[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[runID]
	if !ok {
		return Snapshot[S]{}, ErrNotFound
	}
	return snap, nil
}

// LoadEvents returns the run's events from the given version onward.
func (m *MemStore[S]) LoadEvents(_ context.Context, runID string, fromVersion int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, ok := m.events[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Event, 0, len(stream))
	for _, ev := range stream {
		if ev.Version >= fromVersion {
			out = append(out, ev)
		}
	}
	return out, nil
}

// GetCachedStep looks up a memoized step result, lazily evicting expired
// entries on touch.
func (m *MemStore[S]) GetCachedStep(_ context.Context, stepID, fingerprint string, now time.Time) (CachedStep[S], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey(stepID, fingerprint)
	entry, ok := m.cache[key]
	if !ok {
		return CachedStep[S]{}, ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
		delete(m.cache, key)
		return CachedStep[S]{}, ErrNotFound
	}
	return entry, nil
}

// LeaseCommands returns visible commands in NotBefore order and leases them.
func (m *MemStore[S]) LeaseCommands(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	visible := make([]*outboxRow, 0, len(m.outbox))
	for _, row := range m.outbox {
		if row.cmd.NotBefore.After(now) || row.leasedUntil.After(now) {
			continue
		}
		visible = append(visible, row)
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].cmd.NotBefore.Equal(visible[j].cmd.NotBefore) {
			return visible[i].cmd.ID < visible[j].cmd.ID
		}
		return visible[i].cmd.NotBefore.Before(visible[j].cmd.NotBefore)
	})

	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}
	out := make([]Command, 0, len(visible))
	for _, row := range visible {
		row.leasedUntil = now.Add(lease)
		row.cmd.Attempts++
		out = append(out, row.cmd)
	}
	return out, nil
}

// ReleaseCommand returns a leased command to the queue with a backoff delay.
func (m *MemStore[S]) ReleaseCommand(_ context.Context, id string, now time.Time, backoff time.Duration, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	row.leasedUntil = time.Time{}
	row.cmd.NotBefore = now.Add(backoff)
	row.cmd.LastError = lastError
	return nil
}

// GetBelief returns the stored belief for an (agent, category) pair.
func (m *MemStore[S]) GetBelief(_ context.Context, agentID, category string) (Belief, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.beliefs[beliefKey(agentID, category)]
	if !ok {
		return Belief{}, ErrNotFound
	}
	return b, nil
}

// CompareAndSwapBelief updates a belief cell only when alpha/beta still
// match the expected values.
func (m *MemStore[S]) CompareAndSwapBelief(_ context.Context, b Belief, expectedAlpha, expectedBeta float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := beliefKey(b.AgentID, b.TaskCategory)
	current, ok := m.beliefs[key]
	if ok && (current.Alpha != expectedAlpha || current.Beta != expectedBeta) {
		return false, nil
	}
	m.beliefs[key] = b
	return true, nil
}

// ExpiredApprovals returns pending approvals whose deadline has passed.
func (m *MemStore[S]) ExpiredApprovals(_ context.Context, now time.Time) ([]PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []PendingApproval{}
	for _, pa := range m.approvals {
		if !pa.Deadline.IsZero() && !now.Before(pa.Deadline) {
			out = append(out, pa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// SaveNamedCheckpoint labels a snapshot copy. Same-label saves overwrite.
func (m *MemStore[S]) SaveNamedCheckpoint(_ context.Context, label string, snap Snapshot[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[label] = snap
	return nil
}

// LoadNamedCheckpoint returns a labeled snapshot copy.
func (m *MemStore[S]) LoadNamedCheckpoint(_ context.Context, label string) (Snapshot[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.checkpoints[label]
	if !ok {
		return Snapshot[S]{}, ErrNotFound
	}
	return snap, nil
}
