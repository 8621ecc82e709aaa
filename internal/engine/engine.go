// Package engine is the explicit context object of a tether process. Open
// builds every component once; commands, hooks and the daemon go through
// the returned Engine rather than package-level state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/checkpoint"
	"github.com/dohr-michael/tether/internal/config"
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/index"
	"github.com/dohr-michael/tether/internal/memory"
	"github.com/dohr-michael/tether/internal/scheduler"
	"github.com/dohr-michael/tether/internal/storage"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// Engine owns the components of one process.
type Engine struct {
	cfg    *config.Config
	layout config.Layout
	now    func() time.Time

	bus         *events.Bus
	journal     *storage.Journal
	locks       *lockfile.Locker
	store       *agents.Store
	index       *index.Index
	sched       *scheduler.Scheduler
	sessions    *scheduler.SessionStore
	memory      *memory.WorkingMemory
	checkpoints *checkpoint.Manager

	finalKind checkpoint.Kind
	closeOnce sync.Once
	closeErr  error
}

// Option configures Open.
type Option func(*Engine)

// WithClock injects the clock used by every component.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithFinalCheckpoint makes Close take a checkpoint of kind.
func WithFinalCheckpoint(kind checkpoint.Kind) Option {
	return func(e *Engine) { e.finalKind = kind }
}

// Open wires the components rooted at root and heals a desynced index.
func Open(ctx context.Context, cfg *config.Config, root string, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{cfg: cfg, layout: config.Layout{Root: root}, now: time.Now}
	for _, o := range opts {
		o(e)
	}

	if err := os.MkdirAll(e.layout.AgentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	recordTimeout := cfg.Locks.RecordTimeout.Duration()
	stateTimeout := cfg.Locks.StateTimeout.Duration()
	weights := cfg.Scheduler.Weights

	e.bus = events.NewBus(cfg.Events.BufferSize)
	e.journal = storage.NewJournal(e.layout.JournalDir(), e.bus)
	e.locks = lockfile.New(e.layout.LocksDir())
	e.store = agents.NewStore(e.layout.AgentsDir(), e.locks,
		agents.WithClock(e.now),
		agents.WithLockTimeout(recordTimeout),
		agents.WithScorer(func(a *agents.Agent, now time.Time) float64 {
			return scheduler.CalculatePriority(a, now, weights)
		}),
	)
	e.index = index.New(e.layout.IndexFile(), e.store, e.locks, stateTimeout)
	e.sched = scheduler.New(e.store, e.index, cfg.Scheduler, scheduler.WithClock(e.now))
	e.sessions = scheduler.NewSessionStore(e.layout.SchedulerFile(), e.locks, stateTimeout, cfg.Scheduler.RecentSwitches, e.now)
	e.memory = memory.New(memory.Config{
		Path:        e.layout.WorkingMemoryFile(),
		MaxAgents:   cfg.Memory.MaxHotAgents,
		TokenBudget: cfg.Memory.TokenBudget,
		LockTimeout: stateTimeout,
		Now:         e.now,
	}, e.locks, memorySource{e})
	e.checkpoints = checkpoint.NewManager(checkpoint.Config{
		Dir: e.layout.CheckpointsDir(),
		Files: map[string]string{
			"index.json":          e.layout.IndexFile(),
			"scheduler.json":      e.layout.SchedulerFile(),
			"working_memory.json": e.layout.WorkingMemoryFile(),
		},
		Retention:   cfg.Checkpoint.Retention,
		LockTimeout: cfg.Checkpoint.LockTimeout.Duration(),
		Now:         e.now,
	}, e.locks)

	e.ensureIndex(ctx)
	return e, nil
}

// Config returns the loaded configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Layout returns the data root layout.
func (e *Engine) Layout() config.Layout { return e.layout }

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Journal returns the event journal.
func (e *Engine) Journal() *storage.Journal { return e.journal }

// Checkpoints returns the checkpoint manager.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Close takes the final checkpoint if one was requested, then drains the
// event bus into the journal. Safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		if e.finalKind != "" {
			if _, err := e.Snapshot(ctx, e.finalKind); err != nil {
				if lockfile.IsTimeout(err) {
					slog.Info("final checkpoint skipped, state lock busy", "error", err)
				} else {
					e.closeErr = fmt.Errorf("final checkpoint: %w", err)
				}
			}
		}
		e.bus.Close()
		e.journal.Close()
		if n := e.bus.Dropped(); n > 0 {
			slog.Warn("event buffer overflowed, journal is missing events", "dropped", n, "buffer_size", e.cfg.Events.BufferSize)
		}
	})
	return e.closeErr
}

// sessionID returns the running session, if any, for event attribution.
func (e *Engine) sessionID() string {
	s, err := e.sessions.Read()
	if err != nil || !s.Open() {
		return ""
	}
	return s.SessionID
}

func (e *Engine) publish(source events.EventSource, payload events.EventPayload) {
	e.bus.Publish(events.NewTypedEventWithSession(source, payload, e.sessionID()))
}

// skipped logs derived-state work that lost the race for the state lock.
// It reports whether err was such a timeout.
func skipped(what string, err error) bool {
	if !lockfile.IsTimeout(err) {
		return false
	}
	slog.Info(what+" skipped, state lock busy", "error", err)
	return true
}

// memorySource adapts the store, scheduler and session to memory.Source.
type memorySource struct{ e *Engine }

func (s memorySource) Score(id string) (float64, bool) {
	a, err := s.e.store.Load(id)
	if err != nil {
		return 0, false
	}
	return s.e.sched.Score(a), true
}

func (s memorySource) EstimateTokens(id string) (int, error) {
	a, err := s.e.store.Load(id)
	if err != nil {
		return 0, err
	}
	return memory.AgentTokens(a), nil
}

func (s memorySource) ActiveAgentID() string {
	sess, err := s.e.sessions.Read()
	if err != nil {
		return ""
	}
	return sess.CurrentAgentID
}

// lookup resolves dependency statuses without locking.
func (e *Engine) lookup(id string) (agents.Status, bool) {
	a, err := e.store.Load(id)
	if err != nil {
		return "", false
	}
	return a.State.Status, true
}

// ensureIndex runs the desync check and reports what a rebuild found.
// Index trouble is never fatal: the store stays authoritative.
func (e *Engine) ensureIndex(ctx context.Context) {
	res, err := e.index.Ensure(ctx)
	if err != nil {
		if !skipped("index check", err) {
			slog.Warn("index check failed", "error", err)
		}
		return
	}
	if res != nil {
		e.afterRebuild(ctx, res)
	}
}

func (e *Engine) afterRebuild(ctx context.Context, res *index.RebuildResult) {
	if res.Desync != nil {
		detail := ""
		if res.Desync.Err != nil {
			detail = res.Desync.Err.Error()
		}
		slog.Warn("index desync healed", "index_total", res.Desync.Indexed, "store_total", res.Desync.OnDisk)
		e.publish(events.SourceIndex, events.IndexDesyncPayload{Indexed: res.Desync.Indexed, OnDisk: res.Desync.OnDisk, Detail: detail})
	}
	for _, q := range res.Quarantined {
		e.publish(events.SourceStore, events.RecordQuarantinedPayload{AgentID: q.AgentID, Path: q.Path, Reason: q.Err.Error()})
	}
	e.publish(events.SourceIndex, events.IndexRebuiltPayload{Total: res.Total, Quarantined: len(res.Quarantined)})

	if len(res.Quarantined) > 0 {
		if _, err := e.Snapshot(ctx, checkpoint.KindCorruption); err != nil && !skipped("corruption checkpoint", err) {
			slog.Error("corruption checkpoint failed", "error", err)
		}
	}
}

// upsertIndex refreshes a's index entry; failures heal on the next rebuild.
func (e *Engine) upsertIndex(ctx context.Context, a *agents.Agent) {
	if err := e.index.Upsert(ctx, a); err != nil && !skipped("index update", err) {
		slog.Warn("index update failed", "agent_id", a.ID, "error", err)
	}
}

// RebuildIndex rebuilds index.json from the store.
func (e *Engine) RebuildIndex(ctx context.Context) (*index.RebuildResult, error) {
	res, err := e.index.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	e.afterRebuild(ctx, res)
	return res, nil
}

// IndexFile returns the current index.
func (e *Engine) IndexFile() (*index.File, error) { return e.index.Read() }

// CheckIndex reports a desync without repairing it.
func (e *Engine) CheckIndex() error { return e.index.Check() }

// LockStatus reports the state lock and every agent lock file present.
func (e *Engine) LockStatus() ([]lockfile.Status, error) {
	all, err := e.locks.StatusAll()
	if err != nil {
		return nil, err
	}
	for _, st := range all {
		if st.Resource == lockfile.StateResource {
			return all, nil
		}
	}
	st, err := e.locks.Status(lockfile.StateResource)
	if err != nil {
		return nil, err
	}
	return append([]lockfile.Status{st}, all...), nil
}

// isNotFound reports whether err names an unknown agent.
func isNotFound(err error) bool { return errors.Is(err, agents.ErrNotFound) }
