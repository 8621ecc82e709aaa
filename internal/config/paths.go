package config

import (
	"os"
	"path/filepath"
)

// TetherPath returns the root directory for tether data.
// It uses $TETHER_PATH if set, otherwise defaults to ~/.tether.
func TetherPath() string {
	if v := os.Getenv("TETHER_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tether")
	}
	return filepath.Join(home, ".tether")
}

// ConfigPath returns the path to the config file under root.
func ConfigPath(root string) string {
	return filepath.Join(root, "config.jsonc")
}

// Layout names every file and directory tether keeps under its root.
type Layout struct {
	Root string
}

func (l Layout) AgentsDir() string { return filepath.Join(l.Root, "agents") }
func (l Layout) IndexFile() string { return filepath.Join(l.Root, "index.json") }
func (l Layout) SchedulerFile() string { return filepath.Join(l.Root, "scheduler.json") }
func (l Layout) WorkingMemoryFile() string { return filepath.Join(l.Root, "working_memory.json") }
func (l Layout) CheckpointsDir() string { return filepath.Join(l.Root, "checkpoints") }
func (l Layout) LocksDir() string { return filepath.Join(l.Root, "locks") }
func (l Layout) SignalsDir() string { return filepath.Join(l.Root, "signals") }
func (l Layout) JournalDir() string { return filepath.Join(l.Root, "journal") }
func (l Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }
func (l Layout) HeartbeatFile() string { return filepath.Join(l.Root, "daemon.json") }
