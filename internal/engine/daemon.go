package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dohr-michael/tether/internal/checkpoint"
	"github.com/dohr-michael/tether/internal/heartbeat"
	"github.com/dohr-michael/tether/internal/scheduler"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// DaemonAlive reports whether a daemon heartbeat is fresh.
func (e *Engine) DaemonAlive() bool {
	st, _, err := heartbeat.Check(e.layout.HeartbeatFile(), heartbeat.MaxAge)
	return err == nil && st == heartbeat.StatusAlive
}

// CheckpointRequest reports how a requested checkpoint was handled.
type CheckpointRequest struct {
	Kind       checkpoint.Kind  `json:"kind"`
	SessionID  string           `json:"session_id,omitempty"`
	Checkpoint *checkpoint.Info `json:"checkpoint,omitempty"` // taken in-process
	Signal     string           `json:"signal,omitempty"`     // left for the daemon
	Delegated  bool             `json:"delegated"`            // a live daemon serves it
	Deferred   bool             `json:"deferred,omitempty"`   // state lock busy; served when a daemon next runs
}

// RequestCheckpoint asks the running daemon for a checkpoint of kind,
// attributed to the current session. When no daemon is alive it snapshots
// in-process, and when the state lock is busy the request is left as a
// signal so it is never lost.
func (e *Engine) RequestCheckpoint(ctx context.Context, kind checkpoint.Kind) (*CheckpointRequest, error) {
	req := checkpoint.Request{Kind: kind, SessionID: e.sessionID()}
	out := &CheckpointRequest{Kind: kind, SessionID: req.SessionID}

	if e.DaemonAlive() {
		path, err := checkpoint.DropSignal(e.layout.SignalsDir(), req)
		if err == nil {
			out.Signal, out.Delegated = path, true
			return out, nil
		}
		slog.Warn("signal drop failed, snapshotting in-process", "error", err)
	}

	info, err := e.snapshotRequest(ctx, req)
	if err == nil {
		out.Checkpoint = info
		return out, nil
	}
	if !lockfile.IsTimeout(err) {
		return nil, err
	}
	path, serr := checkpoint.DropSignal(e.layout.SignalsDir(), req)
	if serr != nil {
		return nil, fmt.Errorf("%w (and deferring failed: %v)", err, serr)
	}
	slog.Info("checkpoint deferred, state lock busy", "kind", kind, "signal", path)
	out.Signal, out.Deferred = path, true
	return out, nil
}

// PendingCheckpoints lists the checkpoint requests waiting for a daemon.
func (e *Engine) PendingCheckpoints() ([]checkpoint.Kind, error) {
	return checkpoint.PendingSignals(e.layout.SignalsDir())
}

// RunDaemon serves scheduled and signaled checkpoints and keeps the
// heartbeat fresh until ctx is done.
func (e *Engine) RunDaemon(ctx context.Context) error {
	schedule, err := scheduler.ParseCron(e.cfg.Checkpoint.Schedule)
	if err != nil {
		return fmt.Errorf("checkpoint.schedule: %w", err)
	}
	if n, err := e.checkpoints.CleanStaging(); err != nil {
		slog.Warn("staging cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("removed interrupted checkpoints", "count", n)
	}

	var (
		runner *checkpoint.Runner
		hb     *heartbeat.Writer
	)
	snapshot := func(ctx context.Context, req checkpoint.Request) (*checkpoint.Info, error) {
		e.ensureIndex(ctx)
		info, err := e.snapshotRequest(ctx, req)
		if err == nil {
			hb.Beat()
		}
		return info, err
	}
	runner = checkpoint.NewRunner(snapshot, e.checkpoints, schedule)
	hb = heartbeat.NewWriter(e.layout.HeartbeatFile(), heartbeat.DefaultInterval, func() heartbeat.Report {
		rep := heartbeat.Report{Schedule: schedule.String()}
		if c, err := e.checkpoints.Latest(); err == nil && c != nil {
			rep.LastCheckpoint = c.ID
		}
		for _, k := range runner.Pending() {
			rep.Pending = append(rep.Pending, string(k))
		}
		return rep
	})
	watcher := checkpoint.NewSignalWatcher(e.layout.SignalsDir(), runner.Submit)

	hb.Start()
	defer hb.Stop()
	slog.Info("daemon started", "root", e.layout.Root, "schedule", schedule.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, run := range []func(context.Context) error{runner.Run, watcher.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errs <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errs)

	slog.Info("daemon stopped")
	return <-errs
}
