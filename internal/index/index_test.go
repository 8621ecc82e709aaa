package index

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

type fixture struct {
	store *agents.Store
	index *Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	locks := lockfile.New(filepath.Join(root, "locks"))
	clock := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	store := agents.NewStore(filepath.Join(root, "agents"), locks,
		agents.WithClock(func() time.Time { return clock }),
		agents.WithScorer(func(a *agents.Agent, _ time.Time) float64 { return a.Priority.Value }))
	return &fixture{
		store: store,
		index: New(filepath.Join(root, "index.json"), store, locks, time.Second),
	}
}

func (f *fixture) spawn(t *testing.T, title, project string, value float64) *agents.Agent {
	t.Helper()
	a, err := agents.New(agents.Spec{Title: title, Project: project, Value: value}, f.store.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := f.store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestRebuildIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.spawn(t, "a", "core", 0.1)
	f.spawn(t, "b", "core", 0.5)
	f.spawn(t, "c", "docs", 0.9)

	if _, err := f.index.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	first, err := os.ReadFile(f.index.Path())
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.index.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Desync != nil {
		t.Errorf("second rebuild reported desync: %v", res.Desync)
	}
	second, err := os.ReadFile(f.index.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("rebuild not idempotent:\n%s", cmp.Diff(string(first), string(second)))
	}
}

func TestRebuildContents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.spawn(t, "a", "core", 0.1)
	b := f.spawn(t, "b", "core", 0.5)
	c := f.spawn(t, "c", "docs", 0.9)
	if _, err := f.store.Update(ctx, b.ID, func(x *agents.Agent) error {
		return agents.Transition(x, agents.StatusCompleted, "", f.store.Now())
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.index.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	file, err := f.index.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if file.TotalAgents != 3 {
		t.Errorf("TotalAgents = %d, want 3", file.TotalAgents)
	}
	e, ok := file.Entry(c.ID)
	if !ok || e.Project != "docs" || e.ScoreCache != 0.9 {
		t.Errorf("Entry(c) = %+v, %v", e, ok)
	}
	if got := len(file.ByProject["core"]); got != 2 {
		t.Errorf("by_project[core] = %d, want 2", got)
	}
	if got := file.ByStatus["completed"]; len(got) != 1 || got[0] != b.ID {
		t.Errorf("by_status[completed] = %v", got)
	}
	live := file.LiveIDs()
	if len(live) != 2 {
		t.Errorf("LiveIDs = %v", live)
	}
	for _, id := range live {
		if id != a.ID && id != c.ID {
			t.Errorf("unexpected live id %s", id)
		}
	}
}

func TestDesyncNPlusOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.spawn(t, "x", "", 0)
	}
	if _, err := f.index.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := f.index.Check(); err != nil {
		t.Fatalf("Check after rebuild: %v", err)
	}

	// A write that never reached the index: N indexed, N+1 on disk.
	f.spawn(t, "late", "", 0)

	var de *DesyncError
	if err := f.index.Check(); !errors.As(err, &de) {
		t.Fatalf("Check = %v, want *DesyncError", err)
	}
	if de.Indexed != 3 || de.OnDisk != 4 {
		t.Errorf("DesyncError = %+v", de)
	}

	res, err := f.index.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Total != 4 {
		t.Errorf("Total = %d, want 4", res.Total)
	}
	if res.Desync == nil || res.Desync.Indexed != 3 || res.Desync.OnDisk != 4 {
		t.Errorf("Desync = %+v", res.Desync)
	}
	if err := f.index.Check(); err != nil {
		t.Errorf("Check after heal: %v", err)
	}
}

func TestEnsure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.index.Ensure(ctx)
	if err != nil || res != nil {
		t.Fatalf("Ensure on empty root = %+v, %v", res, err)
	}

	f.spawn(t, "x", "", 0)
	res, err = f.index.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if res == nil || res.Total != 1 || res.Desync == nil {
		t.Errorf("Ensure = %+v", res)
	}
}

func TestRebuildQuarantinesCorrupt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := f.spawn(t, "good", "", 0.3)
	if err := os.WriteFile(f.store.Path("agt_broken"), []byte(`{"id":`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.index.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Total)
	}
	if len(res.Quarantined) != 1 || res.Quarantined[0].AgentID != "agt_broken" {
		t.Fatalf("Quarantined = %+v", res.Quarantined)
	}
	var ce *agents.CorruptRecordError
	if !errors.As(res.Quarantined[0].Err, &ce) || ce.QuarantinedTo == "" {
		t.Errorf("quarantine error = %v", res.Quarantined[0].Err)
	}

	file, _ := f.index.Read()
	if _, ok := file.Entry(good.ID); !ok {
		t.Error("good record missing from index")
	}
	if len(file.Quarantined) != 1 {
		t.Errorf("index quarantined = %v", file.Quarantined)
	}
	if err := f.index.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestUpsertMatchesRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.spawn(t, "a", "core", 0.2)
	if _, err := f.index.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	b := f.spawn(t, "b", "core", 0.6)
	if err := f.index.Upsert(ctx, b); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	updated, err := f.store.Update(ctx, a.ID, func(x *agents.Agent) error {
		return agents.Transition(x, agents.StatusPaused, "", f.store.Now())
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.index.Upsert(ctx, updated); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	incremental, _ := os.ReadFile(f.index.Path())

	if _, err := f.index.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	rebuilt, _ := os.ReadFile(f.index.Path())
	if !bytes.Equal(incremental, rebuilt) {
		t.Errorf("upsert and rebuild disagree:\n%s", cmp.Diff(string(incremental), string(rebuilt)))
	}
}

func TestUpsertLockTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.spawn(t, "a", "", 0)

	other := lockfile.New(f.index.locks.Dir())
	lk, err := other.Acquire(ctx, lockfile.StateResource, "checkpoint", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Release()

	ix := New(f.index.Path(), f.store, f.index.locks, 20*time.Millisecond)
	if err := ix.Upsert(ctx, a); !lockfile.IsTimeout(err) {
		t.Errorf("Upsert = %v, want lock timeout", err)
	}
}

func TestReadUnreadableIndexIsDesync(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.index.Path(), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	var de *DesyncError
	if err := f.index.Check(); !errors.As(err, &de) || de.Err == nil {
		t.Errorf("Check = %v", err)
	}
	res, err := f.index.Ensure(context.Background())
	if err != nil || res == nil || res.Desync == nil {
		t.Errorf("Ensure = %+v, %v", res, err)
	}
}
