package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/checkpoint"
)

// run executes one CLI invocation against root and returns stdout.
func run(t *testing.T, root string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.Writer = &out
	cmd.ErrWriter = &bytes.Buffer{}
	argv := append([]string{"tether", "--root", root}, args...)
	if err := cmd.Run(context.Background(), argv); err != nil {
		t.Fatalf("tether %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return v
}

func TestSpawnListNext(t *testing.T) {
	root := t.TempDir()

	low := decode[agents.Agent](t, run(t, root, "--json", "agents", "spawn", "--urgency", "0.1", "--value", "0.1", "Tidy notes"))
	high := decode[agents.Agent](t, run(t, root, "--json", "agents", "spawn", "--project", "infra/ci",
		"--urgency", "0.9", "--value", "0.9", "--criterion", "green build", "Fix CI"))

	if high.Project != "infra/ci" || high.Task.Title != "Fix CI" {
		t.Errorf("spawned = %+v", high)
	}
	if len(high.Task.AcceptanceCriteria) != 1 {
		t.Errorf("criteria = %v", high.Task.AcceptanceCriteria)
	}

	list := decode[[]agents.Agent](t, run(t, root, "--json", "agents", "list"))
	if len(list) != 2 {
		t.Fatalf("list returned %d agents, want 2", len(list))
	}

	filtered := decode[[]agents.Agent](t, run(t, root, "--json", "agents", "list", "--project", "infra/**"))
	if len(filtered) != 1 || filtered[0].ID != high.ID {
		t.Errorf("project filter = %+v", filtered)
	}

	type row struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	rows := decode[[]row](t, run(t, root, "--json", "next", "-n", "5"))
	if len(rows) != 2 {
		t.Fatalf("next returned %d rows, want 2", len(rows))
	}
	if rows[0].ID != high.ID || rows[1].ID != low.ID {
		t.Errorf("next order = %v, want %s then %s", rows, high.ID, low.ID)
	}
	if rows[0].Score <= rows[1].Score {
		t.Errorf("scores not descending: %v", rows)
	}
}

func TestCompleteDropsFromNext(t *testing.T) {
	root := t.TempDir()
	a := decode[agents.Agent](t, run(t, root, "--json", "agents", "spawn", "Ship release"))

	done := decode[agents.Agent](t, run(t, root, "--json", "agents", "complete", a.ID))
	if done.State.Status != agents.StatusCompleted {
		t.Errorf("status = %s, want completed", done.State.Status)
	}

	rows := decode[[]map[string]any](t, run(t, root, "--json", "next"))
	if len(rows) != 0 {
		t.Errorf("next after complete = %v, want empty", rows)
	}
	all := decode[[]agents.Agent](t, run(t, root, "--json", "agents", "list", "--all"))
	if len(all) != 1 {
		t.Errorf("list --all returned %d, want 1", len(all))
	}
}

func TestCheckpointCreateAndList(t *testing.T) {
	root := t.TempDir()
	run(t, root, "--json", "agents", "spawn", "Write docs")

	info := decode[checkpoint.Info](t, run(t, root, "--json", "checkpoint", "create", "--kind", "session-end"))
	if info.Kind != checkpoint.KindSessionEnd {
		t.Errorf("kind = %s, want session-end", info.Kind)
	}

	list := decode[[]checkpoint.Info](t, run(t, root, "--json", "checkpoint", "list"))
	if len(list) != 1 || list[0].ID != info.ID {
		t.Fatalf("list = %+v", list)
	}

	verified := decode[map[string]any](t, run(t, root, "--json", "checkpoint", "verify", info.ID))
	if verified["ok"] != true {
		t.Errorf("verify = %v", verified)
	}
}

func TestYAMLOutputUsesJSONNames(t *testing.T) {
	root := t.TempDir()
	run(t, root, "--json", "agents", "spawn", "Write docs")

	out := run(t, root, "--yaml", "status")
	for _, want := range []string{"total_agents: 1", "daemon: dead"} {
		if !strings.Contains(out, want) {
			t.Errorf("status yaml missing %q:\n%s", want, out)
		}
	}
}

func TestMissingArgument(t *testing.T) {
	cmd := NewRootCommand()
	cmd.Writer = &bytes.Buffer{}
	cmd.ErrWriter = &bytes.Buffer{}
	err := cmd.Run(context.Background(), []string{"tether", "--root", t.TempDir(), "--json", "agents", "show"})
	if err == nil || !strings.Contains(err.Error(), "missing <agent_id>") {
		t.Errorf("err = %v, want missing argument", err)
	}
}

func TestHookSessionLifecycle(t *testing.T) {
	root := t.TempDir()
	a := decode[agents.Agent](t, run(t, root, "--json", "agents", "spawn", "Review PR"))

	type brief struct {
		Session struct {
			SessionID string `json:"session_id"`
		} `json:"session"`
		Top []struct {
			ID string `json:"id"`
		} `json:"top"`
	}
	b := decode[brief](t, run(t, root, "--json", "hook", "session-start", "--k", "3"))
	if !strings.HasPrefix(b.Session.SessionID, "ses_") {
		t.Errorf("session id = %q", b.Session.SessionID)
	}
	if len(b.Top) != 1 || b.Top[0].ID != a.ID {
		t.Errorf("briefing top = %+v", b.Top)
	}

	pre := decode[map[string]any](t, run(t, root, "--json", "hook", "pre-compact"))
	if pre["delegated"] != false || pre["checkpoint"] == nil {
		t.Errorf("pre-compact = %v", pre)
	}

	run(t, root, "--json", "hook", "session-end")
	list := decode[[]checkpoint.Info](t, run(t, root, "--json", "checkpoint", "list"))
	if len(list) != 2 || list[0].Kind != checkpoint.KindPreCompaction || list[1].Kind != checkpoint.KindSessionEnd {
		t.Errorf("checkpoints = %+v", list)
	}
	for _, c := range list {
		if c.SessionID != b.Session.SessionID {
			t.Errorf("%s session = %q, want %q", c.Kind, c.SessionID, b.Session.SessionID)
		}
	}
}
