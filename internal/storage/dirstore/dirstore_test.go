package dirstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testMeta struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteReadJSON(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")

	want := testMeta{Name: "hello", Value: 42}
	if err := ds.WriteJSON("abc123", want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got testMeta
	if err := ReadJSONFile(ds.Path("abc123"), &got); err != nil {
		t.Fatalf("ReadJSONFile: %v", err)
	}
	if got != want {
		t.Errorf("ReadJSONFile = %+v, want %+v", got, want)
	}
}

func TestReadRawNotFound(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "widget")

	_, err := ds.ReadRaw("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing entity")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error %v does not wrap fs.ErrNotExist", err)
	}
	if !strings.HasPrefix(err.Error(), "widget not found: nonexistent") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestListIDsSkipsHiddenAndTemp(t *testing.T) {
	base := t.TempDir()
	ds := NewDirStore(base, "item")

	for _, id := range []string{"b", "a", "c"} {
		if err := ds.WriteJSON(id, testMeta{Name: id}); err != nil {
			t.Fatalf("WriteJSON %s: %v", id, err)
		}
	}
	for _, name := range []string{".a.json.123.tmp", "notes.txt", ".hidden.json"} {
		if err := os.WriteFile(filepath.Join(base, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(base, "sub.json"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	ids, err := ds.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	want := []string{"a", "b", "c"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("ListIDs = %v, want %v", ids, want)
	}

	n, err := ds.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestListIDsNonExistent(t *testing.T) {
	ds := NewDirStore(filepath.Join(t.TempDir(), "nope"), "item")

	ids, err := ds.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if ids != nil {
		t.Errorf("expected nil, got %v", ids)
	}
}

func TestQuarantine(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "item")
	if err := os.MkdirAll(ds.BaseDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ds.Path("bad"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dest, err := ds.Quarantine("bad", time.Unix(0, 42))
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if ds.Exists("bad") {
		t.Error("quarantined entity still listed")
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read quarantined: %v", err)
	}
	if string(data) != "{not json" {
		t.Errorf("quarantined content = %q", data)
	}
	names, err := ds.ListQuarantined()
	if err != nil {
		t.Fatalf("ListQuarantined: %v", err)
	}
	if len(names) != 1 || names[0] != "bad.42.json" {
		t.Errorf("ListQuarantined = %v", names)
	}
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("content = %q, want %q", got, "two")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

type testLine struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

func TestAppendAndLoadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "data.jsonl")

	lines := []testLine{
		{ID: 1, Text: "first"},
		{ID: 2, Text: "second"},
		{ID: 3, Text: "third"},
	}
	for _, l := range lines {
		if err := AppendJSONL(path, l); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	got, err := LoadJSONL[testLine](path)
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(got) != len(lines) {
		t.Fatalf("LoadJSONL returned %d items, want %d", len(got), len(lines))
	}
	for i, item := range got {
		if item != lines[i] {
			t.Errorf("item[%d] = %+v, want %+v", i, item, lines[i])
		}
	}
}

func TestLoadJSONLMissing(t *testing.T) {
	got, err := LoadJSONL[testLine](filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
