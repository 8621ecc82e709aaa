// Package storage persists the event journal: every domain event published
// on the bus, appended as JSONL to one file per session.
package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/storage/dirstore"
)

// globalJournal collects events emitted outside any session.
const globalJournal = "_global"

// Journal persists bus events to JSONL files organized by session.
type Journal struct {
	dir         string
	unsubscribe func()
}

// NewJournal creates a Journal that subscribes to all bus events and
// writes them to dir, one file per session.
func NewJournal(dir string, bus *events.Bus) *Journal {
	j := &Journal{dir: dir}
	j.unsubscribe = bus.Subscribe(j.handleEvent)
	return j
}

// Close unsubscribes the journal from the event bus.
func (j *Journal) Close() {
	if j.unsubscribe != nil {
		j.unsubscribe()
	}
}

func (j *Journal) handleEvent(e events.Event) {
	if err := dirstore.AppendJSONL(j.path(e.SessionID), e); err != nil {
		slog.Warn("journal append failed", "type", e.Type, "error", err)
	}
}

func (j *Journal) path(sessionID string) string {
	if sessionID == "" {
		sessionID = globalJournal
	}
	return filepath.Join(j.dir, sessionID+".jsonl")
}

// Read returns the events recorded for a session, oldest first. An empty
// session id reads the global journal.
func (j *Journal) Read(sessionID string) ([]events.Event, error) {
	return dirstore.LoadJSONL[events.Event](j.path(sessionID))
}

// Tail returns at most n of the most recent events of a session.
func (j *Journal) Tail(sessionID string, n int) ([]events.Event, error) {
	all, err := j.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Sessions lists the session ids that have a journal, sorted.
func (j *Journal) Sessions() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if id == globalJournal {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
