package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTetherPath_Default(t *testing.T) {
	t.Setenv("TETHER_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := TetherPath()
	want := filepath.Join(home, ".tether")
	if got != want {
		t.Errorf("TetherPath() = %q, want %q", got, want)
	}
}

func TestTetherPath_EnvOverride(t *testing.T) {
	t.Setenv("TETHER_PATH", "/tmp/custom-tether")

	if got := TetherPath(); got != "/tmp/custom-tether" {
		t.Errorf("TetherPath() = %q, want %q", got, "/tmp/custom-tether")
	}
}

func TestLayout(t *testing.T) {
	l := Layout{Root: "/data"}
	cases := map[string]string{
		l.AgentsDir():         "/data/agents",
		l.IndexFile():         "/data/index.json",
		l.SchedulerFile():     "/data/scheduler.json",
		l.WorkingMemoryFile(): "/data/working_memory.json",
		l.CheckpointsDir():    "/data/checkpoints",
		l.LocksDir():          "/data/locks",
		l.SignalsDir():        "/data/signals",
		ConfigPath(l.Root):    "/data/config.jsonc",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
