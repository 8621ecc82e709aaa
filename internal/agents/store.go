package agents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/tether/internal/storage/dirstore"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// ErrNotFound is matched by every *NotFoundError.
var ErrNotFound = errors.New("agent not found")

// NotFoundError reports an unknown agent id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("agent %s not found", e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Remediation() string {
	return "list known agents with `tether agents list --all`"
}

// CorruptRecordError reports an agent file that cannot be decoded or fails
// the record schema.
type CorruptRecordError struct {
	ID            string
	Path          string
	QuarantinedTo string
	Err           error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("agent record %s is corrupt: %v", e.ID, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

func (e *CorruptRecordError) Remediation() string {
	if e.QuarantinedTo != "" {
		return fmt.Sprintf("the file was moved to %s; repair it, move it back and run `tether index rebuild`", e.QuarantinedTo)
	}
	return fmt.Sprintf("repair %s by hand, or run `tether index rebuild` to quarantine it", e.Path)
}

// Scorer computes the cached score written with each record.
type Scorer func(a *Agent, now time.Time) float64

// Store is the file-backed AgentStore: one JSON file per agent. Writes to
// one record are serialized across processes by that record's lock.
type Store struct {
	ds          *dirstore.DirStore
	locks       *lockfile.Locker
	lockTimeout time.Duration
	now         func() time.Time
	scorer      Scorer
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithScorer sets the function filling priority.computed_score on write.
func WithScorer(fn Scorer) Option { return func(s *Store) { s.scorer = fn } }

// WithLockTimeout bounds per-record lock acquisition.
func WithLockTimeout(d time.Duration) Option { return func(s *Store) { s.lockTimeout = d } }

// NewStore creates a Store rooted at dir.
func NewStore(dir string, locks *lockfile.Locker, opts ...Option) *Store {
	s := &Store{
		ds:          dirstore.NewDirStore(dir, "agent"),
		locks:       locks,
		lockTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the records directory.
func (s *Store) Dir() string { return s.ds.BaseDir() }

// Path returns the record file of id.
func (s *Store) Path(id string) string { return s.ds.Path(id) }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// Create writes a new record and returns its id. An empty ID is generated.
func (s *Store) Create(ctx context.Context, a *Agent) (string, error) {
	if a.ID == "" {
		a.ID = GenerateAgentID()
	}
	err := s.locks.With(ctx, lockfile.AgentResource(a.ID), "create", s.lockTimeout, func() error {
		if s.ds.Exists(a.ID) {
			return fmt.Errorf("agent %s already exists", a.ID)
		}
		return s.write(a)
	})
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}
	return a.ID, nil
}

// Load reads one record.
func (s *Store) Load(id string) (*Agent, error) {
	data, err := s.ds.ReadRaw(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	a, err := Decode(data)
	if err != nil {
		return nil, &CorruptRecordError{ID: id, Path: s.ds.Path(id), Err: err}
	}
	if a.ID != id {
		return nil, &CorruptRecordError{ID: id, Path: s.ds.Path(id), Err: fmt.Errorf("record id %q does not match file name", a.ID)}
	}
	return a, nil
}

// Update performs an atomic read-modify-write of one record. Terminal
// records are never rewritten: Update fails with *TransitionError.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Agent) error) (*Agent, error) {
	var out *Agent
	err := s.locks.With(ctx, lockfile.AgentResource(id), "update", s.lockTimeout, func() error {
		cur, err := s.Load(id)
		if err != nil {
			return err
		}
		if cur.State.Status.Terminal() {
			return &TransitionError{ID: id, From: cur.State.Status, To: cur.State.Status}
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if next.ID != id {
			return fmt.Errorf("agent id is immutable (%s → %s)", id, next.ID)
		}
		if err := s.write(next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) write(a *Agent) error {
	now := s.now().UTC()
	a.Timing.UpdatedAt = now
	if a.Timing.CreatedAt.IsZero() {
		a.Timing.CreatedAt = now
	}
	if a.Timing.LastActive.IsZero() {
		a.Timing.LastActive = a.Timing.CreatedAt
	}
	if s.scorer != nil {
		a.Priority.ComputedScore = s.scorer(a, now)
	}
	if err := s.ds.EnsureDir(); err != nil {
		return err
	}
	return s.ds.WriteJSON(a.ID, a)
}

// IDs lists record ids, sorted.
func (s *Store) IDs() ([]string, error) { return s.ds.ListIDs() }

// Count returns the number of record files.
func (s *Store) Count() (int, error) { return s.ds.Count() }

// Quarantine moves a record file aside so it no longer counts as a record.
func (s *Store) Quarantine(ctx context.Context, id string) (string, error) {
	var dest string
	err := s.locks.With(ctx, lockfile.AgentResource(id), "quarantine", s.lockTimeout, func() error {
		var err error
		dest, err = s.ds.Quarantine(id, s.now())
		return err
	})
	return dest, err
}

// Quarantined lists quarantined file names.
func (s *Store) Quarantined() ([]string, error) { return s.ds.ListQuarantined() }

// Filter selects agents in List.
type Filter struct {
	Statuses []Status
	// Project is matched as a doublestar glob ("infra/**").
	Project string
	// Terminal, when set, keeps only terminal (true) or live (false) agents.
	Terminal *bool
}

// TerminalFilter selects completed and cancelled agents.
func TerminalFilter() Filter {
	t := true
	return Filter{Terminal: &t}
}

// LiveFilter selects agents that are not terminal.
func LiveFilter() Filter {
	f := false
	return Filter{Terminal: &f}
}

// Validate checks the project pattern.
func (f Filter) Validate() error {
	if f.Project != "" && !doublestar.ValidatePattern(f.Project) {
		return fmt.Errorf("invalid project pattern %q", f.Project)
	}
	return nil
}

// Match reports whether a passes the filter.
func (f Filter) Match(a *Agent) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.State.Status) {
		return false
	}
	if f.Terminal != nil && a.State.Status.Terminal() != *f.Terminal {
		return false
	}
	if f.Project != "" {
		ok, err := doublestar.Match(f.Project, a.Project)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// List yields matching agents in id order. The directory is listed anew on
// each range, so the sequence is restartable. A corrupt record yields a
// nil agent with a *CorruptRecordError; ranging may continue past it.
func (s *Store) List(filter Filter) iter.Seq2[*Agent, error] {
	return func(yield func(*Agent, error) bool) {
		if err := filter.Validate(); err != nil {
			yield(nil, err)
			return
		}
		ids, err := s.ds.ListIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			a, err := s.Load(id)
			if errors.Is(err, ErrNotFound) {
				continue // removed since listing
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !filter.Match(a) {
				continue
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}
