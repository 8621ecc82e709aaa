// Package checkpoint snapshots the derived state bundle (index, scheduler
// session, working memory) into immutable, timestamp-named directories and
// restores it after a crash or a context loss.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dohr-michael/tether/internal/storage/dirstore"
	"github.com/dohr-michael/tether/internal/storage/lockfile"
)

// Kind says why a checkpoint was taken.
type Kind string

const (
	KindStandard      Kind = "standard"
	KindPreCompaction Kind = "pre-compaction"
	KindSessionEnd    Kind = "session-end"
	KindCorruption    Kind = "corruption"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindStandard, KindPreCompaction, KindSessionEnd, KindCorruption:
		return k, nil
	}
	return "", fmt.Errorf("unknown checkpoint kind %q (want standard, pre-compaction, session-end or corruption)", s)
}

// prunable kinds are subject to retention; the others are kept until
// removed by hand.
func (k Kind) prunable() bool {
	return k == KindStandard || k == KindSessionEnd
}

const (
	manifestName = "manifest.json"
	// corruptMarker is written into a checkpoint that failed verification.
	corruptMarker = "CORRUPT"
	stagingPrefix = ".staging-"
	idLayout      = "20060102T150405.000000000Z"
)

// FileDigest records one snapshotted file.
type FileDigest struct {
	Blake3 string `json:"blake3"`
	Size   int64  `json:"size"`
}

// Manifest is written last into every checkpoint.
type Manifest struct {
	ID        string                `json:"id"`
	Kind      Kind                  `json:"kind"`
	CreatedAt time.Time             `json:"created_at"`
	SessionID string                `json:"session_id,omitempty"`
	Files     map[string]FileDigest `json:"files"`
}

// Info describes a stored checkpoint.
type Info struct {
	Manifest
	Path    string `json:"path"`
	Corrupt bool   `json:"corrupt"`
	// Problem explains why Corrupt is set.
	Problem string `json:"problem,omitempty"`
}

// CorruptError reports a checkpoint that failed verification. The
// checkpoint is kept for inspection and never pruned.
type CorruptError struct {
	ID     string
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("checkpoint %s is corrupt: %s", e.ID, e.Reason)
}

func (e *CorruptError) Remediation() string {
	return fmt.Sprintf("it is preserved at %s; restore an earlier checkpoint (`tether checkpoint list`) or run `tether index rebuild`", e.Path)
}

// NotFoundError reports an unknown checkpoint id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("checkpoint %s not found", e.ID) }

func (e *NotFoundError) Remediation() string { return "list checkpoints with `tether checkpoint list`" }

// Manager owns the checkpoints directory.
type Manager struct {
	dir         string
	files       map[string]string // snapshot name → live path
	locks       *lockfile.Locker
	lockTimeout time.Duration
	retention   int
	now         func() time.Time
}

// Config configures a Manager.
type Config struct {
	Dir string
	// Files maps the name stored in a checkpoint to the live file path.
	Files       map[string]string
	Retention   int
	LockTimeout time.Duration
	Now         func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg Config, locks *lockfile.Locker) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		dir:         cfg.Dir,
		files:       cfg.Files,
		locks:       locks,
		lockTimeout: cfg.LockTimeout,
		retention:   cfg.Retention,
		now:         now,
	}
}

// Dir returns the checkpoints directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) names() []string {
	names := make([]string, 0, len(m.files))
	for n := range m.files {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Snapshot copies the live state files into a new checkpoint under the
// state lock. The checkpoint only becomes visible once complete.
func (m *Manager) Snapshot(ctx context.Context, kind Kind, sessionID string) (*Info, error) {
	var info *Info
	err := m.locks.With(ctx, lockfile.StateResource, "checkpoint "+string(kind), m.lockTimeout, func() error {
		var err error
		info, err = m.snapshot(kind, sessionID)
		return err
	})
	return info, err
}

func (m *Manager) snapshot(kind Kind, sessionID string) (*Info, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoints dir: %w", err)
	}
	staging, err := os.MkdirTemp(m.dir, stagingPrefix)
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(staging)
		}
	}()

	created := m.now().UTC()
	man := Manifest{Kind: kind, CreatedAt: created, SessionID: sessionID, Files: map[string]FileDigest{}}
	for _, name := range m.names() {
		data, err := os.ReadFile(m.files[name])
		if errors.Is(err, fs.ErrNotExist) {
			continue // absent live files are absent in the checkpoint too
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := dirstore.WriteFileAtomic(filepath.Join(staging, name), data); err != nil {
			return nil, err
		}
		man.Files[name] = FileDigest{Blake3: Digest(data), Size: int64(len(data))}
	}

	id, final, err := m.reserveID(created)
	if err != nil {
		return nil, err
	}
	man.ID = id
	if err := dirstore.WriteJSONFile(filepath.Join(staging, manifestName), man); err != nil {
		return nil, err
	}
	if err := os.Rename(staging, final); err != nil {
		return nil, fmt.Errorf("publish checkpoint %s: %w", id, err)
	}
	published = true
	if err := dirstore.SyncDir(m.dir); err != nil {
		return nil, fmt.Errorf("sync checkpoints dir: %w", err)
	}
	return &Info{Manifest: man, Path: final}, nil
}

// reserveID picks the timestamp id, suffixing a zero-padded -NNN on
// collision so ids keep sorting in creation order.
func (m *Manager) reserveID(t time.Time) (string, string, error) {
	base := t.Format(idLayout)
	for n := 0; n < 1000; n++ {
		id := base
		if n > 0 {
			id = fmt.Sprintf("%s-%03d", base, n)
		}
		path := filepath.Join(m.dir, id)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return id, path, nil
		}
	}
	return "", "", fmt.Errorf("no free checkpoint id at %s", base)
}

// List returns every published checkpoint, oldest first.
func (m *Manager) List() ([]*Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []*Info
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, m.info(e.Name()))
	}
	slices.SortFunc(out, func(a, b *Info) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// info reads a checkpoint's manifest. Unreadable manifests yield a
// corrupt Info rather than an error.
func (m *Manager) info(id string) *Info {
	path := filepath.Join(m.dir, id)
	info := &Info{Manifest: Manifest{ID: id}, Path: path}
	if err := dirstore.ReadJSONFile(filepath.Join(path, manifestName), &info.Manifest); err != nil {
		info.ID = id
		info.Corrupt = true
		info.Problem = "unreadable manifest: " + err.Error()
		return info
	}
	if info.ID != id {
		info.Corrupt = true
		info.Problem = fmt.Sprintf("manifest id %q does not match directory", info.ID)
		info.ID = id
	}
	if reason, err := os.ReadFile(filepath.Join(path, corruptMarker)); err == nil {
		info.Corrupt = true
		info.Problem = strings.TrimSpace(string(reason))
	}
	return info
}

// Get returns one checkpoint.
func (m *Manager) Get(id string) (*Info, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, &NotFoundError{ID: id}
	}
	st, err := os.Stat(filepath.Join(m.dir, id))
	if err != nil || !st.IsDir() {
		return nil, &NotFoundError{ID: id}
	}
	return m.info(id), nil
}

// Latest returns the newest sound checkpoint of the given kinds (any kind
// when none are given), or nil when there is none.
func (m *Manager) Latest(kinds ...Kind) (*Info, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		c := all[i]
		if c.Corrupt {
			continue
		}
		if len(kinds) == 0 || slices.Contains(kinds, c.Kind) {
			return c, nil
		}
	}
	return nil, nil
}

// Verify recomputes every digest in the manifest.
func (m *Manager) Verify(id string) error {
	info, err := m.Get(id)
	if err != nil {
		return err
	}
	if info.Corrupt {
		return &CorruptError{ID: id, Path: info.Path, Reason: info.Problem}
	}
	for _, name := range m.names() {
		want, ok := info.Files[name]
		if !ok {
			continue
		}
		got, size, err := digestFile(filepath.Join(info.Path, name))
		if err != nil {
			return &CorruptError{ID: id, Path: info.Path, Reason: fmt.Sprintf("%s: %v", name, err)}
		}
		if got != want.Blake3 || size != want.Size {
			return &CorruptError{ID: id, Path: info.Path, Reason: fmt.Sprintf("%s digest mismatch", name)}
		}
	}
	return nil
}

// Restore verifies a checkpoint and overwrites the live files from it. A
// file absent from the checkpoint is removed from the live state. A
// checkpoint failing verification is marked CORRUPT and left in place.
func (m *Manager) Restore(ctx context.Context, id string) (*Info, error) {
	if err := m.Verify(id); err != nil {
		var ce *CorruptError
		if errors.As(err, &ce) {
			m.markCorrupt(ce)
		}
		return nil, err
	}
	info, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	err = m.locks.With(ctx, lockfile.StateResource, "checkpoint restore", m.lockTimeout, func() error {
		for _, name := range m.names() {
			live := m.files[name]
			if _, ok := info.Files[name]; !ok {
				if err := os.Remove(live); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("remove %s: %w", name, err)
				}
				continue
			}
			data, err := os.ReadFile(filepath.Join(info.Path, name))
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			if Digest(data) != info.Files[name].Blake3 {
				ce := &CorruptError{ID: id, Path: info.Path, Reason: fmt.Sprintf("%s changed during restore", name)}
				m.markCorrupt(ce)
				return ce
			}
			if err := dirstore.WriteFileAtomic(live, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) markCorrupt(ce *CorruptError) {
	if ce.Path == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(ce.Path, corruptMarker), []byte(ce.Reason+"\n"), 0o644)
}

// Prune removes the oldest standard and session-end checkpoints beyond the
// retention count. Pre-compaction, corruption and CORRUPT-marked
// checkpoints are never removed.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	var removed []string
	err := m.locks.With(ctx, lockfile.StateResource, "checkpoint prune", m.lockTimeout, func() error {
		all, err := m.List()
		if err != nil {
			return err
		}
		var candidates []*Info
		for _, c := range all {
			if !c.Corrupt && c.Kind.prunable() {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) <= m.retention {
			return nil
		}
		for _, c := range candidates[:len(candidates)-m.retention] {
			if err := os.RemoveAll(c.Path); err != nil {
				return fmt.Errorf("remove checkpoint %s: %w", c.ID, err)
			}
			removed = append(removed, c.ID)
		}
		return nil
	})
	return removed, err
}

// CleanStaging removes leftovers of interrupted snapshots.
func (m *Manager) CleanStaging() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), stagingPrefix) {
			if err := os.RemoveAll(filepath.Join(m.dir, e.Name())); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
