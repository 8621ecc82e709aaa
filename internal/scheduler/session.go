package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/tether/internal/storage/dirstore"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// Switch is one focus change.
type Switch struct {
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

// Session is the scheduler state persisted in scheduler.json.
type Session struct {
	SessionID      string     `json:"session_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CurrentAgentID string     `json:"current_agent_id,omitempty"`
	LastSwitchAt   *time.Time `json:"last_switch_at,omitempty"`
	SwitchCount    int        `json:"switch_count"`
	Recent         []Switch   `json:"recent"`
}

// Open reports whether a session is running.
func (s *Session) Open() bool {
	return s.SessionID != "" && s.EndedAt == nil
}

// GenerateSessionID creates a unique session identifier.
func GenerateSessionID() string {
	u := uuid.New().String()
	return "ses_" + strings.ReplaceAll(u[:8], "-", "")
}

// SessionStore reads and writes scheduler.json under the state lock.
type SessionStore struct {
	path        string
	locks       *lockfile.Locker
	lockTimeout time.Duration
	keep        int
	now         func() time.Time
}

// NewSessionStore creates a SessionStore keeping at most keep switches.
func NewSessionStore(path string, locks *lockfile.Locker, lockTimeout time.Duration, keep int, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{path: path, locks: locks, lockTimeout: lockTimeout, keep: keep, now: now}
}

// Path returns scheduler.json's path.
func (ss *SessionStore) Path() string { return ss.path }

// Read loads the session state. A missing file reads as an empty state.
func (ss *SessionStore) Read() (*Session, error) {
	var s Session
	if err := dirstore.ReadJSONFile(ss.path, &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Session{Recent: []Switch{}}, nil
		}
		return nil, fmt.Errorf("read scheduler state: %w", err)
	}
	if s.Recent == nil {
		s.Recent = []Switch{}
	}
	return &s, nil
}

func (ss *SessionStore) update(ctx context.Context, purpose string, fn func(*Session) error) (*Session, error) {
	var out *Session
	err := ss.locks.With(ctx, lockfile.StateResource, purpose, ss.lockTimeout, func() error {
		s, err := ss.Read()
		if err != nil {
			// scheduler.json is a cache; an unreadable one starts over.
			s = &Session{Recent: []Switch{}}
		}
		if err := fn(s); err != nil {
			return err
		}
		if err := dirstore.WriteJSONFile(ss.path, s); err != nil {
			return fmt.Errorf("write scheduler state: %w", err)
		}
		out = s
		return nil
	})
	return out, err
}

// Start opens a session, or resumes the running one. The focused agent
// carries over between sessions.
func (ss *SessionStore) Start(ctx context.Context) (s *Session, resumed bool, err error) {
	s, err = ss.update(ctx, "session start", func(s *Session) error {
		if s.Open() {
			resumed = true
			return nil
		}
		now := ss.now().UTC()
		s.SessionID = GenerateSessionID()
		s.StartedAt = &now
		s.EndedAt = nil
		s.SwitchCount = 0
		return nil
	})
	return s, resumed, err
}

// End closes the running session. Ending with no open session is a no-op.
func (ss *SessionStore) End(ctx context.Context) (*Session, error) {
	return ss.update(ctx, "session end", func(s *Session) error {
		if !s.Open() {
			return nil
		}
		now := ss.now().UTC()
		s.EndedAt = &now
		return nil
	})
}

// Focus records a switch to agentID and returns the previous focus.
// Focusing the current agent again is not a switch.
func (ss *SessionStore) Focus(ctx context.Context, agentID, reason string) (s *Session, previous string, err error) {
	s, err = ss.update(ctx, "focus", func(s *Session) error {
		previous = s.CurrentAgentID
		if agentID == s.CurrentAgentID {
			return nil
		}
		now := ss.now().UTC()
		s.CurrentAgentID = agentID
		if agentID == "" {
			return nil
		}
		s.LastSwitchAt = &now
		s.SwitchCount++
		s.Recent = append(s.Recent, Switch{AgentID: agentID, At: now, Reason: reason})
		if ss.keep > 0 && len(s.Recent) > ss.keep {
			s.Recent = append([]Switch{}, s.Recent[len(s.Recent)-ss.keep:]...)
		}
		return nil
	})
	return s, previous, err
}
