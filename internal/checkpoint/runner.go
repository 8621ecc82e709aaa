package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// Request asks for one checkpoint. SessionID names the session that asked,
// when it is known at request time.
type Request struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
}

// SnapshotFunc takes one requested checkpoint.
type SnapshotFunc func(ctx context.Context, req Request) (*Info, error)

// Schedule yields the standard checkpoint ticks.
type Schedule interface {
	Next(t time.Time) time.Time
	Interval(t time.Time) time.Duration
}

// Catalog is the read/prune side of a Manager.
type Catalog interface {
	Latest(kinds ...Kind) (*Info, error)
	Prune(ctx context.Context) ([]string, error)
}

// servedOrder is the order pending triggers are honored in.
var servedOrder = []Kind{KindPreCompaction, KindSessionEnd, KindCorruption, KindStandard}

const defaultRetryDelay = time.Second

// Runner turns schedule ticks and external triggers into snapshots. A
// snapshot that cannot take the state lock in time is skipped and left
// pending for the next attempt.
type Runner struct {
	snapshot   SnapshotFunc
	catalog    Catalog
	schedule   Schedule
	now        func() time.Time
	retryDelay time.Duration

	mu      sync.Mutex
	pending map[Kind]Request
	tick    bool
	wake    chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerClock injects the clock used for due checks.
func WithRunnerClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

// WithRetryDelay sets how long a skipped trigger waits before retrying.
func WithRetryDelay(d time.Duration) RunnerOption { return func(r *Runner) { r.retryDelay = d } }

// NewRunner creates a Runner.
func NewRunner(snapshot SnapshotFunc, catalog Catalog, schedule Schedule, opts ...RunnerOption) *Runner {
	r := &Runner{
		snapshot:   snapshot,
		catalog:    catalog,
		schedule:   schedule,
		now:        time.Now,
		retryDelay: defaultRetryDelay,
		pending:    make(map[Kind]Request),
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Submit queues req. Requests are always honored, even when the interval
// has not elapsed. Repeated requests of one kind coalesce, and a known
// session id is kept over an unknown one.
func (r *Runner) Submit(req Request) {
	r.mu.Lock()
	if prev, ok := r.pending[req.Kind]; ok && req.SessionID == "" {
		req.SessionID = prev.SessionID
	}
	r.pending[req.Kind] = req
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending reports the kinds waiting to be served.
func (r *Runner) Pending() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Kind
	for _, k := range servedOrder {
		if _, ok := r.pending[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Run serves ticks and triggers until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("checkpoint runner started", "next", r.schedule.Next(r.now()))
	timer := time.NewTimer(r.untilNextTick())
	defer timer.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("checkpoint runner stopped")
			return nil
		case <-timer.C:
			r.mu.Lock()
			r.tick = true
			r.mu.Unlock()
			timer.Reset(r.untilNextTick())
		case <-r.wake:
		case <-retry.C:
		}
		if !r.Process(ctx) {
			retry.Reset(r.retryDelay)
		}
	}
}

func (r *Runner) untilNextTick() time.Duration {
	now := r.now()
	d := r.schedule.Next(now).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// Process serves everything pending, highest priority first. It returns
// false when some work was skipped and should be retried.
func (r *Runner) Process(ctx context.Context) bool {
	done := true
	for _, kind := range servedOrder {
		r.mu.Lock()
		req, want := r.pending[kind]
		delete(r.pending, kind)
		r.mu.Unlock()
		if !want {
			continue
		}
		if !r.take(ctx, req) {
			r.mu.Lock()
			if _, again := r.pending[kind]; !again {
				r.pending[kind] = req
			}
			r.mu.Unlock()
			done = false
		}
	}

	r.mu.Lock()
	tick := r.tick
	r.tick = false
	r.mu.Unlock()
	if tick {
		// A missed tick is not retried; the next one covers it.
		r.SnapshotIfDue(ctx)
	}
	return done
}

// SnapshotIfDue takes a standard checkpoint unless the newest checkpoint is
// younger than the schedule interval.
func (r *Runner) SnapshotIfDue(ctx context.Context) bool {
	now := r.now()
	latest, err := r.catalog.Latest()
	if err != nil {
		slog.Warn("checkpoint catalog unreadable", "error", err)
	}
	if latest != nil && now.Sub(latest.CreatedAt) < r.schedule.Interval(now) {
		slog.Debug("checkpoint not due", "latest", latest.ID)
		return false
	}
	return r.take(ctx, Request{Kind: KindStandard})
}

func (r *Runner) take(ctx context.Context, req Request) bool {
	kind := req.Kind
	info, err := r.snapshot(ctx, req)
	if err != nil {
		if lockfile.IsTimeout(err) {
			slog.Info("checkpoint skipped, state lock busy", "kind", kind, "error", err)
		} else {
			slog.Error("checkpoint failed", "kind", kind, "error", err)
		}
		return false
	}
	slog.Info("checkpoint created", "id", info.ID, "kind", kind)

	if kind.prunable() {
		removed, err := r.catalog.Prune(ctx)
		switch {
		case lockfile.IsTimeout(err):
			slog.Info("checkpoint prune skipped, state lock busy")
		case err != nil:
			slog.Warn("checkpoint prune failed", "error", err)
		case len(removed) > 0:
			slog.Info("checkpoints pruned", "removed", removed)
		}
	}
	return true
}
