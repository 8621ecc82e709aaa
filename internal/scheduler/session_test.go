package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

func newSessionStore(t *testing.T, keep int) (*SessionStore, *time.Time) {
	t.Helper()
	root := t.TempDir()
	now := t0
	ss := NewSessionStore(filepath.Join(root, "scheduler.json"), lockfile.New(filepath.Join(root, "locks")),
		time.Second, keep, func() time.Time { return now })
	return ss, &now
}

func TestSessionLifecycle(t *testing.T) {
	ss, now := newSessionStore(t, 10)
	ctx := context.Background()

	s, err := ss.Read()
	if err != nil || s.Open() {
		t.Fatalf("empty Read = %+v, %v", s, err)
	}

	s, resumed, err := ss.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resumed || !s.Open() || s.SessionID == "" {
		t.Errorf("Start = %+v, resumed %v", s, resumed)
	}
	first := s.SessionID

	s, resumed, err = ss.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed || s.SessionID != first {
		t.Errorf("second Start should resume %s, got %+v", first, s)
	}

	*now = now.Add(time.Hour)
	s, err = ss.End(ctx)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if s.Open() || s.EndedAt == nil || !s.EndedAt.Equal(*now) {
		t.Errorf("End = %+v", s)
	}

	s, resumed, err = ss.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resumed || s.SessionID == first {
		t.Errorf("Start after End = %+v, resumed %v", s, resumed)
	}
}

func TestFocus(t *testing.T) {
	ss, now := newSessionStore(t, 2)
	ctx := context.Background()
	if _, _, err := ss.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i, id := range []string{"agt_a", "agt_b", "agt_b", "agt_c"} {
		*now = now.Add(time.Minute)
		_, prev, err := ss.Focus(ctx, id, "test")
		if err != nil {
			t.Fatalf("Focus %d: %v", i, err)
		}
		if i == 3 && prev != "agt_b" {
			t.Errorf("previous = %q, want agt_b", prev)
		}
	}

	s, err := ss.Read()
	if err != nil {
		t.Fatal(err)
	}
	if s.CurrentAgentID != "agt_c" {
		t.Errorf("current = %s", s.CurrentAgentID)
	}
	if s.SwitchCount != 3 {
		t.Errorf("SwitchCount = %d, want 3 (refocus is not a switch)", s.SwitchCount)
	}
	if len(s.Recent) != 2 || s.Recent[0].AgentID != "agt_b" || s.Recent[1].AgentID != "agt_c" {
		t.Errorf("Recent = %+v", s.Recent)
	}

	if _, prev, err := ss.Focus(ctx, "", "completed"); err != nil || prev != "agt_c" {
		t.Errorf("unfocus: prev %q, %v", prev, err)
	}
	s, _ = ss.Read()
	if s.CurrentAgentID != "" || s.SwitchCount != 3 {
		t.Errorf("after unfocus: %+v", s)
	}
}

func TestFocusLockTimeout(t *testing.T) {
	ss, _ := newSessionStore(t, 2)
	ctx := context.Background()

	other := lockfile.New(ss.locks.Dir())
	lk, err := other.Acquire(ctx, lockfile.StateResource, "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Release()

	ss.lockTimeout = 20 * time.Millisecond
	if _, _, err := ss.Focus(ctx, "agt_a", ""); !lockfile.IsTimeout(err) {
		t.Errorf("Focus = %v, want lock timeout", err)
	}
}
