package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dohr-michael/tether/internal/storage/dirstore"
)

var signalKinds = map[string]Kind{
	"checkpoint":  KindStandard,
	"pre-compact": KindPreCompaction,
	"session-end": KindSessionEnd,
}

// SignalName returns the signal file name requesting a checkpoint of kind.
func SignalName(kind Kind) (string, bool) {
	for name, k := range signalKinds {
		if k == kind {
			return name, true
		}
	}
	return "", false
}

// signalFile is the content of a signal file.
type signalFile struct {
	Request
	RequestedAt time.Time `json:"requested_at"`
}

// DropSignal asks a daemon for the checkpoint req by creating a file in the
// signals directory. A signal left while no daemon runs is served when the
// next one starts.
func DropSignal(dir string, req Request) (string, error) {
	name, ok := SignalName(req.Kind)
	if !ok {
		return "", fmt.Errorf("no signal for checkpoint kind %q", req.Kind)
	}
	path := filepath.Join(dir, name)
	if err := dirstore.WriteJSONFile(path, signalFile{Request: req, RequestedAt: time.Now().UTC()}); err != nil {
		return "", fmt.Errorf("drop signal %s: %w", name, err)
	}
	return path, nil
}

// PendingSignals lists the kinds with a signal file waiting in dir.
func PendingSignals(dir string) ([]Kind, error) {
	var out []Kind
	for _, kind := range servedOrder {
		name, ok := SignalName(kind)
		if !ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			out = append(out, kind)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return out, nil
}

// SignalWatcher converts signal files into runner triggers. Each file is
// consumed (removed) before its trigger fires.
type SignalWatcher struct {
	dir     string
	trigger func(Request)
}

// NewSignalWatcher creates a watcher over dir.
func NewSignalWatcher(dir string, trigger func(Request)) *SignalWatcher {
	return &SignalWatcher{dir: dir, trigger: trigger}
}

// Run watches the signals directory until ctx is done. Signals dropped
// while nothing was watching are served at start.
func (w *SignalWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.Scan()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.handle(filepath.Base(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("signal watcher error", "error", err)
		}
	}
}

// Scan serves every signal file currently present.
func (w *SignalWatcher) Scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("scan signals", "error", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.handle(e.Name())
		}
	}
}

func (w *SignalWatcher) handle(name string) {
	kind, ok := signalKinds[name]
	if !ok {
		return
	}
	path := filepath.Join(w.dir, name)
	req := Request{Kind: kind}
	var sig signalFile
	if err := dirstore.ReadJSONFile(path, &sig); err == nil {
		req.SessionID = sig.SessionID
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("consume signal", "signal", name, "error", err)
		}
		return
	}
	slog.Info("checkpoint signal received", "signal", name, "kind", kind, "session", req.SessionID)
	w.trigger(req)
}
