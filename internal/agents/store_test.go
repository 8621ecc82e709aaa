package agents

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	root := t.TempDir()
	return NewStore(filepath.Join(root, "agents"), lockfile.New(filepath.Join(root, "locks")), opts...)
}

func spawn(t *testing.T, s *Store, spec Spec) *Agent {
	t.Helper()
	a, err := New(spec, s.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestCreateLoad(t *testing.T) {
	s := newTestStore(t, WithScorer(func(*Agent, time.Time) float64 { return 0.42 }))
	a := spawn(t, s, Spec{Title: "index desync", Project: "core", Value: 0.7})

	got, err := s.Load(a.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Task.Title != "index desync" || got.Project != "core" || got.Priority.Value != 0.7 {
		t.Errorf("Load = %+v", got)
	}
	if got.Priority.ComputedScore != 0.42 {
		t.Errorf("ComputedScore = %v, want 0.42", got.Priority.ComputedScore)
	}

	if _, err := s.Create(context.Background(), got); err == nil {
		t.Error("Create with existing id should fail")
	}
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("agt_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "agt_missing" {
		t.Errorf("err = %#v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"agt_bad":    "{not json",
		"agt_range":  `{"id":"agt_range","task":{"title":"x"},"priority":{"urgency":3},"timing":{"created_at":"2026-01-01T00:00:00Z"}}`,
		"agt_status": `{"id":"agt_status","task":{"title":"x"},"state":{"status":"done"},"timing":{"created_at":"2026-01-01T00:00:00Z"}}`,
		"agt_other":  `{"id":"agt_x","task":{"title":"x"},"timing":{"created_at":"2026-01-01T00:00:00Z"}}`,
	}
	for id, content := range cases {
		if err := os.WriteFile(s.Path(id), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := s.Load(id)
		var ce *CorruptRecordError
		if !errors.As(err, &ce) {
			t.Errorf("%s: err = %v, want *CorruptRecordError", id, err)
			continue
		}
		if ce.Remediation() == "" {
			t.Errorf("%s: empty remediation", id)
		}
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	a := spawn(t, s, Spec{Title: "x"})

	got, err := s.Update(context.Background(), a.ID, func(a *Agent) error {
		return Transition(a, StatusPaused, "lunch", s.Now())
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.State.Status != StatusPaused || got.State.Reason != "lunch" {
		t.Errorf("State = %+v", got.State)
	}

	reloaded, err := s.Load(a.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.State.Status != StatusPaused {
		t.Errorf("persisted status = %s", reloaded.State.Status)
	}
}

func TestUpdateMutatorErrorLeavesRecord(t *testing.T) {
	s := newTestStore(t)
	a := spawn(t, s, Spec{Title: "x"})
	boom := errors.New("boom")

	_, err := s.Update(context.Background(), a.ID, func(a *Agent) error {
		a.Task.Title = "changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.Load(a.ID)
	if got.Task.Title != "x" {
		t.Errorf("Title = %q, record was modified", got.Task.Title)
	}
}

func TestUpdateTerminalRefused(t *testing.T) {
	s := newTestStore(t)
	a := spawn(t, s, Spec{Title: "x"})
	ctx := context.Background()

	if _, err := s.Update(ctx, a.ID, func(a *Agent) error {
		return Transition(a, StatusCompleted, "done", s.Now())
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before, err := os.ReadFile(s.Path(a.ID))
	if err != nil {
		t.Fatal(err)
	}

	called := false
	_, err = s.Update(ctx, a.ID, func(a *Agent) error {
		called = true
		return nil
	})
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransitionError", err)
	}
	if called {
		t.Error("mutator ran on a terminal record")
	}
	after, _ := os.ReadFile(s.Path(a.ID))
	if string(before) != string(after) {
		t.Error("terminal record was rewritten")
	}
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(10*time.Second))
	a := spawn(t, s, Spec{Title: "counter"})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), a.ID, func(a *Agent) error {
				a.EstimatedTokens++
				return nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Load(a.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.EstimatedTokens != n {
		t.Errorf("EstimatedTokens = %d, want %d", got.EstimatedTokens, n)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := spawn(t, s, Spec{Title: "a", Project: "infra/net"})
	b := spawn(t, s, Spec{Title: "b", Project: "infra/db"})
	c := spawn(t, s, Spec{Title: "c", Project: "app"})
	if _, err := s.Update(ctx, c.ID, func(x *Agent) error { return Transition(x, StatusCancelled, "", s.Now()) }); err != nil {
		t.Fatal(err)
	}

	collect := func(f Filter) map[string]bool {
		out := map[string]bool{}
		for ag, err := range s.List(f) {
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			out[ag.ID] = true
		}
		return out
	}

	if got := collect(Filter{Project: "infra/**"}); len(got) != 2 || !got[a.ID] || !got[b.ID] {
		t.Errorf("infra/** = %v", got)
	}
	if got := collect(TerminalFilter()); len(got) != 1 || !got[c.ID] {
		t.Errorf("terminal = %v", got)
	}
	if got := collect(LiveFilter()); len(got) != 2 || got[c.ID] {
		t.Errorf("live = %v", got)
	}
	if got := collect(Filter{Statuses: []Status{StatusCancelled, StatusPaused}}); len(got) != 1 {
		t.Errorf("statuses = %v", got)
	}

	for _, err := range s.List(Filter{Project: "[bad"}) {
		if err == nil {
			t.Error("expected pattern error")
		}
	}
}

func TestListRestartableAndSkipsCorrupt(t *testing.T) {
	s := newTestStore(t)
	spawn(t, s, Spec{Title: "a"})
	spawn(t, s, Spec{Title: "b"})
	if err := os.WriteFile(s.Path("agt_zzzzzzzz"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	seq := s.List(Filter{})
	for round := 0; round < 2; round++ {
		var ok, corrupt int
		for ag, err := range seq {
			var ce *CorruptRecordError
			switch {
			case errors.As(err, &ce):
				corrupt++
			case err != nil:
				t.Fatalf("List: %v", err)
			case ag != nil:
				ok++
			}
		}
		if ok != 2 || corrupt != 1 {
			t.Errorf("round %d: ok=%d corrupt=%d", round, ok, corrupt)
		}
	}

	// Early stop.
	n := 0
	for range seq {
		n++
		break
	}
	if n != 1 {
		t.Errorf("early stop yielded %d", n)
	}
}

func TestQuarantine(t *testing.T) {
	s := newTestStore(t)
	a := spawn(t, s, Spec{Title: "a"})

	dest, err := s.Quarantine(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}
	if n, _ := s.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	names, _ := s.Quarantined()
	if len(names) != 1 {
		t.Errorf("Quarantined = %v", names)
	}
}

func TestUpdatePreservesNestedUnknownKeys(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	raw := `{
		"id": "agt_future",
		"task": {"title": "from a newer version", "x_future_task_field": [1, 2]},
		"state": {"status": "active"},
		"timing": {"created_at": "2026-01-01T00:00:00Z", "x_future_timing_field": "keep"},
		"x_top": true
	}`
	if err := os.WriteFile(s.Path("agt_future"), []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := s.Update(context.Background(), "agt_future", func(*Agent) error { return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	data, err := os.ReadFile(s.Path("agt_future"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var back struct {
		Task   map[string]any `json:"task"`
		Timing map[string]any `json:"timing"`
		Top    any            `json:"x_top"`
	}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff([]any{1.0, 2.0}, back.Task["x_future_task_field"]); diff != "" {
		t.Errorf("task.x_future_task_field mismatch (-want +got):\n%s", diff)
	}
	if got := back.Timing["x_future_timing_field"]; got != "keep" {
		t.Errorf("timing.x_future_timing_field = %v, want keep", got)
	}
	if back.Top != true {
		t.Errorf("x_top = %v, want true", back.Top)
	}
}
