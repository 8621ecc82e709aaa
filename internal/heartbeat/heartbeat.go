// Package heartbeat records daemon liveness in daemon.json so hooks and
// `tether status` can tell whether a checkpoint daemon is running.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dohr-michael/tether/internal/storage/dirstore"
)

// Status is the daemon liveness state.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultInterval is how often the daemon refreshes its heartbeat.
const DefaultInterval = 30 * time.Second

// MaxAge is the age after which a heartbeat counts as stale.
const MaxAge = 3 * DefaultInterval

// Report is the daemon-supplied part of a heartbeat.
type Report struct {
	Schedule       string   `json:"schedule,omitempty"`
	LastCheckpoint string   `json:"last_checkpoint,omitempty"`
	Pending        []string `json:"pending,omitempty"`
}

// Heartbeat is the content of daemon.json.
type Heartbeat struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Report
}

// Writer periodically rewrites the heartbeat file.
type Writer struct {
	path     string
	interval time.Duration
	report   func() Report
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer for path. report may be nil.
func NewWriter(path string, interval time.Duration, report func() Report) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if report == nil {
		report = func() Report { return Report{} }
	}
	return &Writer{path: path, interval: interval, report: report}
}

// Start writes a first heartbeat and keeps refreshing it in the background.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.Beat()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.Beat()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the writer and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("remove heartbeat", "error", err)
	}
}

// Beat writes the heartbeat now, for instance right after a checkpoint.
func (w *Writer) Beat() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: w.started.UTC(),
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
		Report:    w.report(),
	}
	if err := dirstore.WriteJSONFile(w.path, hb); err != nil {
		slog.Warn("write heartbeat", "error", err)
	}
}

// Check reads a heartbeat file and classifies its age against maxAge.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	var hb Heartbeat
	if err := dirstore.ReadJSONFile(path, &hb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
