// Package index maintains index.json, a derived lookup of agents by status
// and project. Everything in it is rebuilt from the AgentStore alone, so a
// lost or stale index is repaired by Rebuild rather than trusted.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/storage/dirstore"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// Version is the index file format version.
const Version = 1

// Entry is the derived view of one agent.
type Entry struct {
	AgentID    string        `json:"agent_id"`
	Status     agents.Status `json:"status"`
	Project    string        `json:"project"`
	ScoreCache float64       `json:"score_cache"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// File is the on-disk index. It deliberately has no generation timestamp,
// so rebuilding unchanged records yields identical bytes.
type File struct {
	Version     int                 `json:"version"`
	TotalAgents int                 `json:"total_agents"`
	Entries     []Entry             `json:"entries"`
	ByStatus    map[string][]string `json:"by_status"`
	ByProject   map[string][]string `json:"by_project"`
	Quarantined []string            `json:"quarantined"`
}

// Entry returns the entry for id.
func (f *File) Entry(id string) (Entry, bool) {
	i, ok := slices.BinarySearchFunc(f.Entries, id, func(e Entry, id string) int {
		return cmpString(e.AgentID, id)
	})
	if !ok {
		return Entry{}, false
	}
	return f.Entries[i], true
}

// LiveIDs returns the ids of non-terminal agents, sorted.
func (f *File) LiveIDs() []string {
	var ids []string
	for _, e := range f.Entries {
		if !e.Status.Terminal() {
			ids = append(ids, e.AgentID)
		}
	}
	return ids
}

// CountByStatus returns how many entries hold each status.
func (f *File) CountByStatus() map[agents.Status]int {
	out := make(map[agents.Status]int, len(agents.AllStatuses))
	for _, e := range f.Entries {
		out[e.Status]++
	}
	return out
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func entryFor(a *agents.Agent) Entry {
	return Entry{
		AgentID:    a.ID,
		Status:     a.State.Status,
		Project:    a.Project,
		ScoreCache: a.Priority.ComputedScore,
		UpdatedAt:  a.Timing.UpdatedAt.UTC(),
	}
}

// build assembles a File from entries, filling every derived field the same
// way regardless of how the entries were gathered.
func build(entries []Entry, quarantined []string) *File {
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })
	f := &File{
		Version:     Version,
		TotalAgents: len(entries),
		Entries:     entries,
		ByStatus:    make(map[string][]string),
		ByProject:   make(map[string][]string),
		Quarantined: append([]string{}, quarantined...),
	}
	if f.Entries == nil {
		f.Entries = []Entry{}
	}
	for _, e := range entries {
		f.ByStatus[string(e.Status)] = append(f.ByStatus[string(e.Status)], e.AgentID)
		f.ByProject[e.Project] = append(f.ByProject[e.Project], e.AgentID)
	}
	sort.Strings(f.Quarantined)
	return f
}

// DesyncError reports that the index no longer matches the record store.
// It is healed by a rebuild and only ever surfaced as a warning.
type DesyncError struct {
	Indexed int
	OnDisk  int
	Err     error
}

func (e *DesyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("index desync: index unreadable: %v", e.Err)
	}
	return fmt.Sprintf("index desync: index lists %d agents, store holds %d", e.Indexed, e.OnDisk)
}

func (e *DesyncError) Unwrap() error { return e.Err }

func (e *DesyncError) Remediation() string {
	return "run `tether index rebuild` (done automatically on the next command)"
}

// Quarantine records a corrupt record moved aside during a rebuild.
type Quarantine struct {
	AgentID string
	Path    string
	Err     error
}

// RebuildResult summarizes a rebuild.
type RebuildResult struct {
	Total       int
	Quarantined []Quarantine
	// Desync is set when the previous index disagreed with the store.
	Desync *DesyncError
}

// Index reads and writes index.json.
type Index struct {
	path        string
	store       *agents.Store
	locks       *lockfile.Locker
	lockTimeout time.Duration
}

// New creates an Index at path derived from store.
func New(path string, store *agents.Store, locks *lockfile.Locker, lockTimeout time.Duration) *Index {
	return &Index{path: path, store: store, locks: locks, lockTimeout: lockTimeout}
}

// Path returns the index file path.
func (ix *Index) Path() string { return ix.path }

// Read loads the current index. A missing file reads as an empty index.
func (ix *Index) Read() (*File, error) {
	var f File
	if err := dirstore.ReadJSONFile(ix.path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return build(nil, nil), nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	return &f, nil
}

// Check compares the record file count with total_agents.
func (ix *Index) Check() error {
	onDisk, err := ix.store.Count()
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	f, err := ix.Read()
	if err != nil {
		return &DesyncError{OnDisk: onDisk, Err: err}
	}
	if f.TotalAgents != onDisk || len(f.Entries) != f.TotalAgents {
		return &DesyncError{Indexed: f.TotalAgents, OnDisk: onDisk}
	}
	return nil
}

// Ensure rebuilds the index when Check reports a desync. It returns nil,
// nil when the index was already consistent.
func (ix *Index) Ensure(ctx context.Context) (*RebuildResult, error) {
	err := ix.Check()
	var de *DesyncError
	if err == nil {
		return nil, nil
	}
	if !errors.As(err, &de) {
		return nil, err
	}
	slog.Warn("index desync detected, rebuilding", "index_total", de.Indexed, "store_total", de.OnDisk, "error", de.Err)
	return ix.Rebuild(ctx)
}

// Rebuild rescans every record and rewrites the index under the state
// lock. Corrupt records are quarantined and left out.
func (ix *Index) Rebuild(ctx context.Context) (*RebuildResult, error) {
	var res *RebuildResult
	err := ix.locks.With(ctx, lockfile.StateResource, "index rebuild", ix.lockTimeout, func() error {
		var err error
		res, err = ix.rebuild(ctx)
		return err
	})
	return res, err
}

func (ix *Index) rebuild(ctx context.Context) (*RebuildResult, error) {
	prev, prevErr := ix.Read()

	// The id list is the point-in-time view; each record file is complete
	// thanks to atomic renames, so no store-wide lock is needed.
	ids, err := ix.store.IDs()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	res := &RebuildResult{}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := ix.store.Load(id)
		var ce *agents.CorruptRecordError
		switch {
		case err == nil:
			entries = append(entries, entryFor(a))
		case errors.Is(err, agents.ErrNotFound):
			// removed after listing
		case errors.As(err, &ce):
			dest, qerr := ix.store.Quarantine(ctx, id)
			if qerr != nil {
				return nil, fmt.Errorf("quarantine %s: %w", id, qerr)
			}
			ce.QuarantinedTo = dest
			slog.Warn("corrupt agent record quarantined", "agent_id", id, "path", dest, "error", ce.Err)
			res.Quarantined = append(res.Quarantined, Quarantine{AgentID: id, Path: dest, Err: ce})
		default:
			return nil, err
		}
	}

	quarantined, err := ix.store.Quarantined()
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}

	f := build(entries, quarantined)
	if err := dirstore.WriteJSONFile(ix.path, f); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}

	res.Total = f.TotalAgents
	switch {
	case prevErr != nil:
		res.Desync = &DesyncError{OnDisk: len(ids), Err: prevErr}
	case prev.TotalAgents != len(ids):
		res.Desync = &DesyncError{Indexed: prev.TotalAgents, OnDisk: len(ids)}
	}
	return res, nil
}

// Upsert refreshes the entry of one agent. Callers treat a lock timeout as
// a skipped update: the next Ensure or Rebuild repairs it.
func (ix *Index) Upsert(ctx context.Context, a *agents.Agent) error {
	return ix.locks.With(ctx, lockfile.StateResource, "index upsert", ix.lockTimeout, func() error {
		f, err := ix.Read()
		if err != nil {
			return err
		}
		entries := slices.DeleteFunc(slices.Clone(f.Entries), func(e Entry) bool { return e.AgentID == a.ID })
		entries = append(entries, entryFor(a))
		return dirstore.WriteJSONFile(ix.path, build(entries, f.Quarantined))
	})
}
