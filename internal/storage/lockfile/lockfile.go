// Package lockfile provides short-held advisory file locks shared between
// every tether process (CLI invocations, hooks and the daemon).
//
// Each lockable resource maps to <dir>/<resource>.lock. Acquisition is
// bounded: callers pass a timeout and get a *TimeoutError instead of
// blocking indefinitely. The holder writes its PID and acquisition time
// into the lock file so Status can report who holds it.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// StateResource guards the derived state bundle: index, scheduler session,
// working memory and checkpoint publication.
const StateResource = "state"

// AgentResource returns the resource name guarding one agent record.
func AgentResource(id string) string {
	return "agent-" + id
}

const (
	minPoll = 5 * time.Millisecond
	maxPoll = 100 * time.Millisecond
)

// Holder describes the process holding a lock.
type Holder struct {
	PID        int       `json:"pid"`
	Resource   string    `json:"resource"`
	AcquiredAt time.Time `json:"acquired_at"`
	Purpose    string    `json:"purpose,omitempty"`
}

// Status is the externally visible state of one lock.
type Status struct {
	Resource string  `json:"resource"`
	Held     bool    `json:"held"`
	Holder   *Holder `json:"holder,omitempty"`
}

// TimeoutError reports that a lock could not be acquired in time. The
// operation was not performed.
type TimeoutError struct {
	Resource string
	Waited   time.Duration
	Holder   *Holder
}

func (e *TimeoutError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %q busy after %s (held by pid %d since %s)",
			e.Resource, e.Waited, e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("lock %q busy after %s", e.Resource, e.Waited)
}

// Remediation suggests what to do about a busy lock.
func (e *TimeoutError) Remediation() string {
	return "retry shortly, or inspect holders with `tether locks`"
}

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Locker hands out locks under a single directory. A Locker also
// serializes goroutines of the same process, since flock(2) does not
// exclude two descriptors opened by one process reliably.
type Locker struct {
	dir string

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates a Locker storing lock files in dir.
func New(dir string) *Locker {
	return &Locker{dir: dir, slots: make(map[string]chan struct{})}
}

// Dir returns the lock directory.
func (l *Locker) Dir() string { return l.dir }

func (l *Locker) path(resource string) string {
	return filepath.Join(l.dir, resource+".lock")
}

func (l *Locker) slot(resource string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[resource]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[resource] = ch
	}
	return ch
}

// Lock is a held advisory lock. Release it exactly once.
type Lock struct {
	resource string
	file     *os.File
	slot     chan struct{}
	once     sync.Once
}

// Resource returns the locked resource name.
func (lk *Lock) Resource() string { return lk.resource }

// Release drops the lock. Safe to call more than once.
func (lk *Lock) Release() error {
	var err error
	lk.once.Do(func() {
		_ = lk.file.Truncate(0)
		err = unlockFile(lk.file)
		if cerr := lk.file.Close(); err == nil {
			err = cerr
		}
		<-lk.slot
	})
	return err
}

// Acquire takes an exclusive lock on resource, waiting at most timeout.
// A zero timeout means a single non-blocking attempt.
func (l *Locker) Acquire(ctx context.Context, resource, purpose string, timeout time.Duration) (*Lock, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	slot := l.slot(resource)
	select {
	case slot <- struct{}{}:
	default:
		select {
		case slot <- struct{}{}:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, &TimeoutError{Resource: resource, Waited: time.Since(start)}
		}
	}

	f, err := l.open(resource)
	if err != nil {
		<-slot
		return nil, err
	}

	poll := minPoll
	for {
		ok, err := tryLockFile(f, true)
		if err != nil {
			f.Close()
			<-slot
			return nil, fmt.Errorf("lock %s: %w", resource, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(poll)
		select {
		case <-timer.C:
		case <-waitCtx.Done():
			timer.Stop()
			holder := readHolder(f)
			f.Close()
			<-slot
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, &TimeoutError{Resource: resource, Waited: time.Since(start), Holder: holder}
		}
		if poll *= 2; poll > maxPoll {
			poll = maxPoll
		}
	}

	lk := &Lock{resource: resource, file: f, slot: slot}
	if err := writeHolder(f, Holder{PID: os.Getpid(), Resource: resource, AcquiredAt: time.Now().UTC(), Purpose: purpose}); err != nil {
		lk.Release()
		return nil, fmt.Errorf("record lock holder %s: %w", resource, err)
	}
	return lk, nil
}

// With runs fn while holding resource.
func (l *Locker) With(ctx context.Context, resource, purpose string, timeout time.Duration, fn func() error) error {
	lk, err := l.Acquire(ctx, resource, purpose, timeout)
	if err != nil {
		return err
	}
	defer lk.Release()
	return fn()
}

// Status reports whether resource is currently held, by any process,
// without waiting.
func (l *Locker) Status(resource string) (Status, error) {
	st := Status{Resource: resource}

	slot := l.slot(resource)
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	default:
		st.Held = true
		st.Holder = &Holder{PID: os.Getpid(), Resource: resource}
	}

	f, err := os.OpenFile(l.path(resource), os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("open lock %s: %w", resource, err)
	}
	defer f.Close()

	if st.Held {
		if h := readHolder(f); h != nil {
			st.Holder = h
		}
		return st, nil
	}

	ok, err := tryLockFile(f, false)
	if err != nil {
		return st, fmt.Errorf("probe lock %s: %w", resource, err)
	}
	if ok {
		_ = unlockFile(f)
		return st, nil
	}
	st.Held = true
	st.Holder = readHolder(f)
	return st, nil
}

// StatusAll reports every lock file present in the directory, sorted by
// resource name.
func (l *Locker) StatusAll() ([]Status, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list locks: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".lock") {
			names = append(names, strings.TrimSuffix(e.Name(), ".lock"))
		}
	}
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		st, err := l.Status(name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (l *Locker) open(resource string) (*os.File, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path(resource), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", resource, err)
	}
	return f, nil
}

func writeHolder(f *os.File, h Holder) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt(data, 0)
	return err
}

func readHolder(f *os.File) *Holder {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return nil
	}
	buf := make([]byte, info.Size())
	n, _ := f.ReadAt(buf, 0)
	var h Holder
	if err := json.Unmarshal(buf[:n], &h); err != nil {
		return nil
	}
	return &h
}
