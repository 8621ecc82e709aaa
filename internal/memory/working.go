// Package memory implements the working memory: a small, persisted set of
// "hot" agents bounded by both a slot count and a token budget.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/dohr-michael/tether/internal/storage/dirstore"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// Version is the working_memory.json format version.
const Version = 1

// Slot is one resident agent.
type Slot struct {
	AgentID         string    `json:"agent_id"`
	LoadedAt        time.Time `json:"loaded_at"`
	EstimatedTokens int       `json:"estimated_tokens"`
}

type stateFile struct {
	Version int    `json:"version"`
	Slots   []Slot `json:"slots"`
}

func (s *stateFile) tokens() int {
	total := 0
	for _, sl := range s.Slots {
		total += sl.EstimatedTokens
	}
	return total
}

func (s *stateFile) index(id string) int {
	return slices.IndexFunc(s.Slots, func(sl Slot) bool { return sl.AgentID == id })
}

// Source supplies what eviction needs to know about agents.
type Source interface {
	// Score returns the current score of id; false when the record is gone.
	Score(id string) (float64, bool)
	// EstimateTokens sizes id for admission.
	EstimateTokens(id string) (int, error)
	// ActiveAgentID names the agent that must never be evicted, if any.
	ActiveAgentID() string
}

// vanishedScore ranks residents whose record disappeared below any real
// score, so they are evicted first.
const vanishedScore = -1

// CapacityError reports an agent that cannot fit even after maximal
// eviction. Nothing was evicted.
type CapacityError struct {
	AgentID     string
	Tokens      int
	TokenBudget int
	MaxAgents   int
	// Pinned is set when only the active agent stands in the way.
	Pinned string
}

func (e *CapacityError) Error() string {
	if e.Pinned != "" {
		return fmt.Sprintf("cannot fit agent %s (%d tokens): only the active agent %s is left to evict", e.AgentID, e.Tokens, e.Pinned)
	}
	if e.Tokens <= e.TokenBudget {
		return fmt.Sprintf("no room left for agent %s (%d tokens) in working memory", e.AgentID, e.Tokens)
	}
	return fmt.Sprintf("agent %s needs %d tokens, more than the working memory budget of %d", e.AgentID, e.Tokens, e.TokenBudget)
}

func (e *CapacityError) Remediation() string {
	if e.Pinned != "" {
		return fmt.Sprintf("switch focus away from %s, or raise memory.token_budget / memory.max_hot_agents in config.jsonc", e.Pinned)
	}
	return "lower the agent's estimated_tokens or raise memory.token_budget in config.jsonc"
}

// LoadResult describes a Load.
type LoadResult struct {
	Slot     Slot   `json:"slot"`
	Evicted  []Slot `json:"evicted,omitempty"`
	Resident bool   `json:"resident"` // already resident; nothing changed
}

// Usage summarizes occupancy.
type Usage struct {
	Slots       []Slot `json:"slots"`
	Tokens      int    `json:"tokens"`
	MaxAgents   int    `json:"max_agents"`
	TokenBudget int    `json:"token_budget"`
}

// WorkingMemory persists its slots in one file guarded by the state lock.
type WorkingMemory struct {
	path        string
	locks       *lockfile.Locker
	lockTimeout time.Duration
	maxAgents   int
	tokenBudget int
	source      Source
	now         func() time.Time
}

// Config sizes a WorkingMemory.
type Config struct {
	Path        string
	MaxAgents   int
	TokenBudget int
	LockTimeout time.Duration
	Now         func() time.Time
}

// New creates a WorkingMemory.
func New(cfg Config, locks *lockfile.Locker, source Source) *WorkingMemory {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &WorkingMemory{
		path:        cfg.Path,
		locks:       locks,
		lockTimeout: cfg.LockTimeout,
		maxAgents:   cfg.MaxAgents,
		tokenBudget: cfg.TokenBudget,
		source:      source,
		now:         now,
	}
}

// Path returns working_memory.json's path.
func (wm *WorkingMemory) Path() string { return wm.path }

func (wm *WorkingMemory) read() (*stateFile, error) {
	var st stateFile
	if err := dirstore.ReadJSONFile(wm.path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &stateFile{Version: Version, Slots: []Slot{}}, nil
		}
		return nil, fmt.Errorf("read working memory: %w", err)
	}
	if st.Slots == nil {
		st.Slots = []Slot{}
	}
	return &st, nil
}

func (wm *WorkingMemory) write(st *stateFile) error {
	st.Version = Version
	slices.SortFunc(st.Slots, func(a, b Slot) int { return cmp.Compare(a.AgentID, b.AgentID) })
	return dirstore.WriteJSONFile(wm.path, st)
}

func (wm *WorkingMemory) update(ctx context.Context, purpose string, fn func(*stateFile) error) error {
	return wm.locks.With(ctx, lockfile.StateResource, purpose, wm.lockTimeout, func() error {
		st, err := wm.read()
		if err != nil {
			// The file is a cache; an unreadable one starts empty.
			st = &stateFile{Version: Version, Slots: []Slot{}}
		}
		if err := fn(st); err != nil {
			return err
		}
		return wm.write(st)
	})
}

// Slots returns the resident slots, sorted by agent id.
func (wm *WorkingMemory) Slots() ([]Slot, error) {
	st, err := wm.read()
	if err != nil {
		return nil, err
	}
	return st.Slots, nil
}

// Usage reports occupancy against both limits.
func (wm *WorkingMemory) Usage() (*Usage, error) {
	st, err := wm.read()
	if err != nil {
		return nil, err
	}
	return &Usage{Slots: st.Slots, Tokens: st.tokens(), MaxAgents: wm.maxAgents, TokenBudget: wm.tokenBudget}, nil
}

// Load makes id resident, evicting the lowest-scoring residents until both
// limits hold. Loading a resident agent is a no-op.
func (wm *WorkingMemory) Load(ctx context.Context, id string) (*LoadResult, error) {
	var res *LoadResult
	err := wm.update(ctx, "memory load", func(st *stateFile) error {
		var err error
		res, err = wm.admit(st, id, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// admit applies a load to st. Without evict, an agent that does not fit
// in the free room is refused. On error st is left untouched.
func (wm *WorkingMemory) admit(st *stateFile, id string, evict bool) (*LoadResult, error) {
	if i := st.index(id); i >= 0 {
		return &LoadResult{Slot: st.Slots[i], Resident: true}, nil
	}

	tokens, err := wm.source.EstimateTokens(id)
	if err != nil {
		return nil, err
	}
	if tokens > wm.tokenBudget {
		return nil, &CapacityError{AgentID: id, Tokens: tokens, TokenBudget: wm.tokenBudget, MaxAgents: wm.maxAgents}
	}

	victims := wm.victimOrder(st.Slots)
	count, used := len(st.Slots), st.tokens()
	var evicted []Slot
	for count+1 > wm.maxAgents || used+tokens > wm.tokenBudget {
		if !evict {
			return nil, &CapacityError{AgentID: id, Tokens: tokens, TokenBudget: wm.tokenBudget, MaxAgents: wm.maxAgents}
		}
		if len(victims) == 0 {
			return nil, &CapacityError{
				AgentID: id, Tokens: tokens, TokenBudget: wm.tokenBudget, MaxAgents: wm.maxAgents,
				Pinned: wm.source.ActiveAgentID(),
			}
		}
		v := victims[0]
		victims = victims[1:]
		evicted = append(evicted, v)
		count--
		used -= v.EstimatedTokens
	}

	for _, v := range evicted {
		st.Slots = slices.DeleteFunc(st.Slots, func(sl Slot) bool { return sl.AgentID == v.AgentID })
	}
	slot := Slot{AgentID: id, LoadedAt: wm.now().UTC(), EstimatedTokens: tokens}
	st.Slots = append(st.Slots, slot)
	return &LoadResult{Slot: slot, Evicted: evicted}, nil
}

// victimOrder returns evictable residents, first victim first: lowest
// score, then oldest loaded_at, then id. The active agent is excluded.
func (wm *WorkingMemory) victimOrder(slots []Slot) []Slot {
	active := wm.source.ActiveAgentID()
	type candidate struct {
		slot  Slot
		score float64
	}
	var cands []candidate
	for _, sl := range slots {
		if sl.AgentID == active {
			continue
		}
		score, ok := wm.source.Score(sl.AgentID)
		if !ok {
			score = vanishedScore
		}
		cands = append(cands, candidate{slot: sl, score: score})
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}
		if c := a.slot.LoadedAt.Compare(b.slot.LoadedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.slot.AgentID, b.slot.AgentID)
	})
	out := make([]Slot, len(cands))
	for i, c := range cands {
		out[i] = c.slot
	}
	return out
}

// Unload removes id. It reports whether id was resident.
func (wm *WorkingMemory) Unload(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := wm.update(ctx, "memory unload", func(st *stateFile) error {
		n := len(st.Slots)
		st.Slots = slices.DeleteFunc(st.Slots, func(sl Slot) bool { return sl.AgentID == id })
		removed = len(st.Slots) != n
		return nil
	})
	return removed, err
}

// Clear empties the working memory.
func (wm *WorkingMemory) Clear(ctx context.Context) error {
	return wm.update(ctx, "memory clear", func(st *stateFile) error {
		st.Slots = []Slot{}
		return nil
	})
}

// ReloadResult describes a Reload.
type ReloadResult struct {
	Loaded  []Slot           `json:"loaded"`
	Skipped map[string]error `json:"-"`
}

// Reload clears the working memory and loads ids in order, skipping those
// that do not fit in the room left or cannot be sized. Nothing loaded by
// Reload is evicted by a later id. Used after a restore, where working
// memory is rebuilt from the ranking rather than restored verbatim.
func (wm *WorkingMemory) Reload(ctx context.Context, ids []string) (*ReloadResult, error) {
	res := &ReloadResult{Skipped: map[string]error{}}
	err := wm.update(ctx, "memory reload", func(st *stateFile) error {
		st.Slots = []Slot{}
		res.Loaded = nil
		clear(res.Skipped)
		for _, id := range ids {
			lr, err := wm.admit(st, id, false)
			if err != nil {
				res.Skipped[id] = err
				continue
			}
			if !lr.Resident {
				res.Loaded = append(res.Loaded, lr.Slot)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
