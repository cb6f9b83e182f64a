package flow

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhollis/agentflow-go/flow/store"
)

// Runner is the outbox dispatcher: a pool of workers that lease commands,
// tick the engine, and release failures with backoff, plus a scanner that
// sweeps approvals past their deadline. Multiple Runner processes can share
// one store; leasing keeps them from double-delivering and the engine's
// version check makes any race harmless.
type Runner[S any] struct {
	engine *Engine[S]

	// Workers is the dispatch concurrency. Default 4.
	Workers int

	// BatchSize is how many commands one poll leases. Default 16.
	BatchSize int

	// Lease is how long a leased command stays invisible. It must exceed
	// the slowest expected tick. Default 30s.
	Lease time.Duration

	// PollInterval is the idle sleep between empty polls. Default 100ms.
	PollInterval time.Duration
}

// NewRunner creates a dispatcher for the engine with default tuning.
func NewRunner[S any](eng *Engine[S]) *Runner[S] {
	return &Runner[S]{
		engine:       eng,
		Workers:      4,
		BatchSize:    16,
		Lease:        30 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Start runs the worker pool and the approval sweeper until the context is
// cancelled. It always returns the context's error.
func (r *Runner[S]) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.Workers; i++ {
		g.Go(func() error { return r.dispatchLoop(ctx) })
	}
	g.Go(func() error { return r.sweepLoop(ctx) })
	return g.Wait()
}

func (r *Runner[S]) dispatchLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.DispatchOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			select {
			case <-time.After(r.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// DispatchOnce leases and ticks one batch of commands, returning how many
// it processed. Tick failures release the command with backoff; a version
// conflict releases immediately since the competing tick already advanced
// the run.
func (r *Runner[S]) DispatchOnce(ctx context.Context) (int, error) {
	eng := r.engine
	cmds, err := eng.store.LeaseCommands(ctx, eng.clock(), r.BatchSize, r.Lease)
	if err != nil {
		return 0, WrapError(KindInternal, "runner.dispatch", err)
	}
	eng.metrics.SetOutboxDepth(len(cmds))
	for _, cmd := range cmds {
		if err := eng.Tick(ctx, cmd); err != nil {
			backoff := time.Duration(0)
			if !errors.Is(err, store.ErrConflict) {
				backoff = eng.backoff(cmd.Attempts)
			}
			_ = eng.store.ReleaseCommand(ctx, cmd.ID, eng.clock(), backoff, err.Error())
		}
	}
	return len(cmds), nil
}

func (r *Runner[S]) sweepLoop(ctx context.Context) error {
	interval := r.PollInterval * 10
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
		_ = r.SweepApprovals(ctx)
	}
}

// SweepApprovals times out approvals past their deadline. The engine arms a
// durable timeout command when it suspends, so the sweep is a safety net
// for commands lost to operator intervention; a no-op sweep is the normal
// case.
func (r *Runner[S]) SweepApprovals(ctx context.Context) error {
	eng := r.engine
	expired, err := eng.store.ExpiredApprovals(ctx, eng.clock())
	if err != nil {
		return WrapError(KindInternal, "runner.sweep", err)
	}
	eng.metrics.SetApprovalsPending(len(expired))
	for _, pa := range expired {
		cmd := store.Command{
			RunID:  pa.RunID,
			NodeID: pa.NodeID,
			Kind:   store.CommandApprovalTimeout,
		}
		if err := eng.Tick(ctx, cmd); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}
