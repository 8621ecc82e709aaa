package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

type fakeSource struct {
	scores map[string]float64
	tokens map[string]int
	active string
}

func newFakeSource() *fakeSource {
	return &fakeSource{scores: map[string]float64{}, tokens: map[string]int{}}
}

func (f *fakeSource) Score(id string) (float64, bool) {
	s, ok := f.scores[id]
	return s, ok
}

func (f *fakeSource) EstimateTokens(id string) (int, error) {
	t, ok := f.tokens[id]
	if !ok {
		return 0, fmt.Errorf("agent %s not found", id)
	}
	return t, nil
}

func (f *fakeSource) ActiveAgentID() string { return f.active }

func (f *fakeSource) add(id string, score float64, tokens int) {
	f.scores[id] = score
	f.tokens[id] = tokens
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newWM(t *testing.T, src Source) *WorkingMemory {
	t.Helper()
	root := t.TempDir()
	c := &clock{t: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	return New(Config{
		Path:        filepath.Join(root, "working_memory.json"),
		MaxAgents:   5,
		TokenBudget: 8000,
		LockTimeout: time.Second,
		Now:         c.now,
	}, lockfile.New(filepath.Join(root, "locks")), src)
}

func residentIDs(t *testing.T, wm *WorkingMemory) []string {
	t.Helper()
	slots, err := wm.Slots()
	if err != nil {
		t.Fatalf("Slots: %v", err)
	}
	ids := make([]string, len(slots))
	for i, s := range slots {
		ids[i] = s.AgentID
	}
	return ids
}

func mustLoad(t *testing.T, wm *WorkingMemory, id string) *LoadResult {
	t.Helper()
	res, err := wm.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%s): %v", id, err)
	}
	return res
}

func TestLoadSixthEvictsLowest(t *testing.T) {
	src := newFakeSource()
	for id, score := range map[string]float64{"a": 0.5, "b": 0.4, "c": 0.3, "d": 0.6, "e": 0.7} {
		src.add(id, score, 100)
	}
	src.add("f", 0.9, 100)
	wm := newWM(t, src)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustLoad(t, wm, id)
	}

	res := mustLoad(t, wm, "f")
	if len(res.Evicted) != 1 || res.Evicted[0].AgentID != "c" {
		t.Fatalf("Evicted = %+v, want exactly c", res.Evicted)
	}
	got := residentIDs(t, wm)
	if !slices.Equal(got, []string{"a", "b", "d", "e", "f"}) {
		t.Errorf("residents = %v", got)
	}
}

func TestLoadResidentIsNoop(t *testing.T) {
	src := newFakeSource()
	src.add("a", 0.5, 100)
	wm := newWM(t, src)
	first := mustLoad(t, wm, "a")
	again := mustLoad(t, wm, "a")
	if !again.Resident || !again.Slot.LoadedAt.Equal(first.Slot.LoadedAt) {
		t.Errorf("second load = %+v", again)
	}
}

func TestOversizedAgentRaisesCapacityError(t *testing.T) {
	src := newFakeSource()
	src.add("big", 1, 9000)
	src.add("a", 0.1, 100)
	wm := newWM(t, src)

	_, err := wm.Load(context.Background(), "big")
	var ce *CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CapacityError", err)
	}
	if ce.Tokens != 9000 || ce.TokenBudget != 8000 || ce.Pinned != "" {
		t.Errorf("CapacityError = %+v", ce)
	}

	mustLoad(t, wm, "a")
	if _, err := wm.Load(context.Background(), "big"); !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
	if got := residentIDs(t, wm); !slices.Equal(got, []string{"a"}) {
		t.Errorf("residents = %v, nothing should have been evicted", got)
	}
}

func TestTokenBudgetEvictsSeveral(t *testing.T) {
	src := newFakeSource()
	src.add("a", 0.1, 3000)
	src.add("b", 0.2, 3000)
	src.add("c", 0.3, 1500)
	src.add("n", 0.5, 6000)
	wm := newWM(t, src)
	for _, id := range []string{"a", "b", "c"} {
		mustLoad(t, wm, id)
	}

	res := mustLoad(t, wm, "n")
	var evicted []string
	for _, s := range res.Evicted {
		evicted = append(evicted, s.AgentID)
	}
	if !slices.Equal(evicted, []string{"a", "b"}) {
		t.Errorf("evicted = %v, want [a b]", evicted)
	}
	u, _ := wm.Usage()
	if u.Tokens != 7500 {
		t.Errorf("tokens = %d, want 7500", u.Tokens)
	}
}

func TestActiveAgentNeverEvicted(t *testing.T) {
	src := newFakeSource()
	src.add("active", 0.01, 100)
	for i, id := range []string{"b", "c", "d", "e"} {
		src.add(id, 0.5+float64(i)/10, 100)
	}
	src.add("new", 0.9, 100)
	src.active = "active"
	wm := newWM(t, src)
	for _, id := range []string{"active", "b", "c", "d", "e"} {
		mustLoad(t, wm, id)
	}

	res := mustLoad(t, wm, "new")
	if len(res.Evicted) != 1 || res.Evicted[0].AgentID != "b" {
		t.Errorf("Evicted = %+v, want b", res.Evicted)
	}
	if !slices.Contains(residentIDs(t, wm), "active") {
		t.Error("active agent was evicted")
	}
}

func TestOnlyActiveLeft(t *testing.T) {
	src := newFakeSource()
	src.add("active", 0.1, 7000)
	src.add("new", 0.9, 2000)
	src.active = "active"
	wm := newWM(t, src)
	mustLoad(t, wm, "active")

	_, err := wm.Load(context.Background(), "new")
	var ce *CapacityError
	if !errors.As(err, &ce) || ce.Pinned != "active" {
		t.Fatalf("err = %v, want CapacityError pinned by active", err)
	}
	if ce.Remediation() == "" {
		t.Error("empty remediation")
	}
}

func TestEvictionTieBreaks(t *testing.T) {
	src := newFakeSource()
	for _, id := range []string{"e", "d", "c", "b", "a"} {
		src.add(id, 0.5, 100)
	}
	src.add("x", 0.5, 100)
	wm := newWM(t, src)
	// Loaded in order e, d, c, b, a: e is the oldest.
	for _, id := range []string{"e", "d", "c", "b", "a"} {
		mustLoad(t, wm, id)
	}
	res := mustLoad(t, wm, "x")
	if res.Evicted[0].AgentID != "e" {
		t.Errorf("evicted %s, want oldest e", res.Evicted[0].AgentID)
	}
}

func TestEvictionTieOnIDs(t *testing.T) {
	slots := []Slot{
		{AgentID: "b", LoadedAt: time.Unix(10, 0)},
		{AgentID: "a", LoadedAt: time.Unix(10, 0)},
		{AgentID: "c", LoadedAt: time.Unix(5, 0)},
	}
	src := newFakeSource()
	for _, s := range slots {
		src.add(s.AgentID, 0.5, 1)
	}
	wm := &WorkingMemory{source: src}
	got := wm.victimOrder(slots)
	if got[0].AgentID != "c" || got[1].AgentID != "a" || got[2].AgentID != "b" {
		t.Errorf("victim order = %+v", got)
	}
}

func TestVanishedResidentEvictedFirst(t *testing.T) {
	src := newFakeSource()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		src.add(id, 0.2, 100)
	}
	src.add("f", 0.1, 100)
	wm := newWM(t, src)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustLoad(t, wm, id)
	}
	delete(src.scores, "d")

	res := mustLoad(t, wm, "f")
	if res.Evicted[0].AgentID != "d" {
		t.Errorf("evicted %s, want vanished d", res.Evicted[0].AgentID)
	}
}

func TestEvictionDeterministic(t *testing.T) {
	run := func() []string {
		src := newFakeSource()
		for i := 0; i < 12; i++ {
			src.add(fmt.Sprintf("agt_%02d", i), float64(i%4)/4, 900+100*(i%3))
		}
		wm := newWM(t, src)
		var evicted []string
		for i := 0; i < 12; i++ {
			res := mustLoad(t, wm, fmt.Sprintf("agt_%02d", i))
			for _, e := range res.Evicted {
				evicted = append(evicted, e.AgentID)
			}
		}
		return append(evicted, residentIDs(t, wm)...)
	}
	first := run()
	for i := 0; i < 5; i++ {
		if got := run(); !slices.Equal(got, first) {
			t.Fatalf("run %d = %v, want %v", i, got, first)
		}
	}
}

func TestInvariantsUnderRandomOps(t *testing.T) {
	src := newFakeSource()
	r := rand.New(rand.NewPCG(7, 11))
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("agt_%02d", i)
		src.add(ids[i], r.Float64(), r.IntN(9500))
	}
	wm := newWM(t, src)
	ctx := context.Background()

	for step := 0; step < 300; step++ {
		id := ids[r.IntN(len(ids))]
		if r.IntN(4) == 0 {
			if _, err := wm.Unload(ctx, id); err != nil {
				t.Fatalf("Unload: %v", err)
			}
		} else {
			src.active = ids[r.IntN(len(ids))]
			_, err := wm.Load(ctx, id)
			var ce *CapacityError
			if err != nil && !errors.As(err, &ce) {
				t.Fatalf("Load: %v", err)
			}
		}
		u, err := wm.Usage()
		if err != nil {
			t.Fatal(err)
		}
		if len(u.Slots) > 5 || u.Tokens > 8000 {
			t.Fatalf("step %d: %d slots, %d tokens", step, len(u.Slots), u.Tokens)
		}
	}
}

func TestUnloadAndClear(t *testing.T) {
	src := newFakeSource()
	src.add("a", 0.5, 10)
	src.add("b", 0.5, 10)
	wm := newWM(t, src)
	ctx := context.Background()
	mustLoad(t, wm, "a")
	mustLoad(t, wm, "b")

	if ok, err := wm.Unload(ctx, "a"); err != nil || !ok {
		t.Errorf("Unload(a) = %v, %v", ok, err)
	}
	if ok, _ := wm.Unload(ctx, "a"); ok {
		t.Error("second Unload(a) reported removal")
	}
	if err := wm.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if got := residentIDs(t, wm); len(got) != 0 {
		t.Errorf("after Clear: %v", got)
	}
}

func TestReloadNeverEvictsEarlierIDs(t *testing.T) {
	src := newFakeSource()
	src.add("a", 0.9, 5000)
	src.add("b", 0.8, 4000)
	src.add("c", 0.7, 2000)
	src.add("gone", 0, 0)
	delete(src.tokens, "gone")
	wm := newWM(t, src)

	res, err := wm.Reload(context.Background(), []string{"a", "b", "c", "gone"})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := residentIDs(t, wm); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("residents = %v, want [a c]", got)
	}
	if _, ok := res.Skipped["b"]; !ok {
		t.Error("b should be skipped")
	}
	if _, ok := res.Skipped["gone"]; !ok {
		t.Error("gone should be skipped")
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("empty should be 0")
	}
	if got := EstimateTokens("one two three"); got != 3 {
		t.Errorf("words = %d, want 3", got)
	}
	if got := EstimateTokens("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); got != 10 {
		t.Errorf("chars = %d, want 10", got)
	}
}
