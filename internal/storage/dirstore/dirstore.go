package dirstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	fileExt       = ".json"
	quarantineDir = ".quarantine"
)

// DirStore keeps one JSON file per entity in a flat directory:
//
//	<base>/<id>.json
//	<base>/.quarantine/<id>.<unixnano>.json
//
// DirStore itself is not locked; callers serialize writers per entity.
// Writes are atomic (tmp + fsync + rename) so readers never observe a
// partially written file.
type DirStore struct {
	baseDir    string
	entityName string // for error messages: "agent"
}

// NewDirStore creates a DirStore rooted at baseDir.
func NewDirStore(baseDir, entityName string) *DirStore {
	return &DirStore{baseDir: baseDir, entityName: entityName}
}

// BaseDir returns the store root.
func (ds *DirStore) BaseDir() string { return ds.baseDir }

// Path returns the file path for a given entity ID.
func (ds *DirStore) Path(id string) string {
	return filepath.Join(ds.baseDir, id+fileExt)
}

// QuarantineDir returns the directory holding quarantined entity files.
func (ds *DirStore) QuarantineDir() string {
	return filepath.Join(ds.baseDir, quarantineDir)
}

// EnsureDir creates the store root (and parents) if it doesn't exist.
func (ds *DirStore) EnsureDir() error {
	if err := os.MkdirAll(ds.baseDir, 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}
	return nil
}

// Exists reports whether an entity file is present.
func (ds *DirStore) Exists(id string) bool {
	_, err := os.Stat(ds.Path(id))
	return err == nil
}

// ListIDs returns the IDs of all entity files, sorted. Hidden files and
// in-flight temp files are ignored.
func (ds *DirStore) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss dir: %w", ds.entityName, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of entity files.
func (ds *DirStore) Count() (int, error) {
	ids, err := ds.ListIDs()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// WriteJSON atomically writes v as the entity's file.
func (ds *DirStore) WriteJSON(id string, v any) error {
	if err := ds.EnsureDir(); err != nil {
		return err
	}
	return WriteJSONFile(ds.Path(id), v)
}

// ReadRaw returns the raw bytes of an entity file. A missing entity yields
// an error wrapping fs.ErrNotExist.
func (ds *DirStore) ReadRaw(id string) ([]byte, error) {
	data, err := os.ReadFile(ds.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found: %s: %w", ds.entityName, id, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s %s: %w", ds.entityName, id, err)
	}
	return data, nil
}

// Quarantine moves an entity file out of the listing into the quarantine
// directory and returns its new path. The original bytes are preserved.
func (ds *DirStore) Quarantine(id string, now time.Time) (string, error) {
	if err := os.MkdirAll(ds.QuarantineDir(), 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dest := filepath.Join(ds.QuarantineDir(), id+"."+strconv.FormatInt(now.UnixNano(), 10)+fileExt)
	if err := os.Rename(ds.Path(id), dest); err != nil {
		return "", fmt.Errorf("quarantine %s %s: %w", ds.entityName, id, err)
	}
	syncDir(ds.baseDir)
	return dest, nil
}

// ListQuarantined returns the file names in the quarantine directory.
func (ds *DirStore) ListQuarantined() ([]string, error) {
	entries, err := os.ReadDir(ds.QuarantineDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// WriteJSONFile marshals v (indented, trailing newline) and writes it
// atomically to path.
func WriteJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// ReadJSONFile reads and unmarshals path into out. A missing file yields
// an error wrapping fs.ErrNotExist.
func ReadJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteFileAtomic writes content to a temporary file in the same
// directory, fsyncs it, renames it into place and fsyncs the directory.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create %s tmp: %w", filepath.Base(path), err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s tmp: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s tmp: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s tmp: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod %s tmp: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	syncDir(dir)
	return nil
}

// SyncDir fsyncs a directory so renames inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func syncDir(dir string) {
	_ = SyncDir(dir)
}

// AppendJSONL appends a JSON-encoded line to path, creating it if needed.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadJSONL reads all JSON lines from path, deserializing each into type T.
// Corrupted lines are skipped. A missing file yields nil, nil.
func LoadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue // skip corrupted lines
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return items, nil
}
