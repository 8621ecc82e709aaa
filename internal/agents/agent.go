// Package agents holds the Agent record, its lifecycle state machine and
// the file-backed AgentStore that is the single source of truth for them.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusActive, StatusPaused, StatusBlocked, StatusCompleted, StatusCancelled}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Switchable reports whether focus may move to an agent in this status.
func (s Status) Switchable() bool {
	return s == StatusActive || s == StatusPaused
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q (want one of active, paused, blocked, completed, cancelled)", s)
}

// Task describes the work an agent carries.
type Task struct {
	Title              string   `json:"title"`
	Goal               string   `json:"goal,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Blockers           []string `json:"blockers,omitempty"`

	Extra map[string]json.RawMessage `json:"-"` // unknown keys, written back unchanged
}

// State is the mutable lifecycle state.
type State struct {
	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`
	Reason    string `json:"reason,omitempty"` // why the last transition happened

	Extra map[string]json.RawMessage `json:"-"` // unknown keys, written back unchanged
}

// Priority holds the stored priority inputs, each within [0, 1].
// ComputedScore is a cache refreshed on every write and every ranking; it
// is never read back as an input.
type Priority struct {
	Urgency       float64 `json:"urgency"`
	Value         float64 `json:"value"`
	Novelty       float64 `json:"novelty"`
	UserSignal    float64 `json:"user_signal"`
	ComputedScore float64 `json:"computed_score"`

	Extra map[string]json.RawMessage `json:"-"` // unknown keys, written back unchanged
}

// Timing tracks creation and activity.
type Timing struct {
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastActive         time.Time  `json:"last_active"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	ActiveSince        *time.Time `json:"active_since,omitempty"`
	TotalActiveSeconds int64      `json:"total_active_seconds"`

	Extra map[string]json.RawMessage `json:"-"` // unknown keys, written back unchanged
}

// Agent is a tracked unit of work.
type Agent struct {
	ID              string   `json:"id"`
	Project         string   `json:"project"`
	Task            Task     `json:"task"`
	State           State    `json:"state"`
	Priority        Priority `json:"priority"`
	Timing          Timing   `json:"timing"`
	EstimatedTokens int      `json:"estimated_tokens,omitempty"`

	// Extra carries top-level keys this version does not know about. They
	// are written back unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON applies load defaults (status active, novelty 1) and keeps
// unknown keys in Extra.
func (a *Agent) UnmarshalJSON(data []byte) error {
	type alias Agent
	aux := alias{
		State:    State{Status: StatusActive},
		Priority: Priority{Novelty: 1},
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitUnknown(data, agentKeys)
	if err != nil {
		return err
	}
	*a = Agent(aux)
	a.Extra = extra
	return nil
}

// MarshalJSON merges Extra back in. Known fields win on key collisions.
func (a Agent) MarshalJSON() ([]byte, error) {
	type alias Agent
	data, err := json.Marshal(alias(a))
	if err != nil {
		return nil, err
	}
	return mergeUnknown(data, a.Extra)
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Task.AcceptanceCriteria = cloneStrings(a.Task.AcceptanceCriteria)
	c.Task.Dependencies = cloneStrings(a.Task.Dependencies)
	c.Task.Blockers = cloneStrings(a.Task.Blockers)
	if a.Timing.Deadline != nil {
		d := *a.Timing.Deadline
		c.Timing.Deadline = &d
	}
	if a.Timing.ActiveSince != nil {
		s := *a.Timing.ActiveSince
		c.Timing.ActiveSince = &s
	}
	c.Extra = cloneRaw(a.Extra)
	c.Task.Extra = cloneRaw(a.Task.Extra)
	c.State.Extra = cloneRaw(a.State.Extra)
	c.Priority.Extra = cloneRaw(a.Priority.Extra)
	c.Timing.Extra = cloneRaw(a.Timing.Extra)
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Brief renders the text a session would load for this agent. Token
// estimates are computed over it.
func (a *Agent) Brief() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n", a.ID, a.State.Status, a.Task.Title)
	if a.Project != "" {
		fmt.Fprintf(&b, "project: %s\n", a.Project)
	}
	if a.Task.Goal != "" {
		fmt.Fprintf(&b, "goal: %s\n", a.Task.Goal)
	}
	for _, c := range a.Task.AcceptanceCriteria {
		fmt.Fprintf(&b, "- [ ] %s\n", c)
	}
	if len(a.Task.Dependencies) > 0 {
		fmt.Fprintf(&b, "depends on: %s\n", strings.Join(a.Task.Dependencies, ", "))
	}
	if len(a.Task.Blockers) > 0 {
		fmt.Fprintf(&b, "blocked by: %s\n", strings.Join(a.Task.Blockers, ", "))
	}
	if a.State.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", a.State.LastError)
	}
	return b.String()
}

// Spec is the input of a spawn.
type Spec struct {
	Project            string
	Title              string
	Goal               string
	AcceptanceCriteria []string
	Dependencies       []string
	Urgency            float64
	Value              float64
	UserSignal         float64
	Deadline           *time.Time
	EstimatedTokens    int
}

// New builds an active agent from spec, stamped at now.
func New(spec Spec, now time.Time) (*Agent, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return nil, fmt.Errorf("agent title is required")
	}
	for name, v := range map[string]float64{"urgency": spec.Urgency, "value": spec.Value, "user_signal": spec.UserSignal} {
		if err := checkUnit(name, v); err != nil {
			return nil, err
		}
	}
	if spec.Deadline != nil && !spec.Deadline.After(now) {
		return nil, fmt.Errorf("deadline %s is not in the future", spec.Deadline.Format(time.RFC3339))
	}
	if spec.EstimatedTokens < 0 {
		return nil, fmt.Errorf("estimated_tokens must not be negative")
	}

	now = now.UTC()
	a := &Agent{
		ID:      GenerateAgentID(),
		Project: spec.Project,
		Task: Task{
			Title:              spec.Title,
			Goal:               spec.Goal,
			AcceptanceCriteria: cloneStrings(spec.AcceptanceCriteria),
			Dependencies:       cloneStrings(spec.Dependencies),
		},
		State: State{Status: StatusActive},
		Priority: Priority{
			Urgency:    spec.Urgency,
			Value:      spec.Value,
			Novelty:    1,
			UserSignal: spec.UserSignal,
		},
		Timing: Timing{
			CreatedAt:   now,
			UpdatedAt:   now,
			LastActive:  now,
			ActiveSince: &now,
		},
		EstimatedTokens: spec.EstimatedTokens,
	}
	if spec.Deadline != nil {
		d := spec.Deadline.UTC()
		a.Timing.Deadline = &d
	}
	return a, nil
}

func checkUnit(name string, v float64) error {
	if !(v >= 0 && v <= 1) {
		return fmt.Errorf("%s = %v: must be within [0, 1]", name, v)
	}
	return nil
}

// PriorityPatch updates stored priority inputs. Nil fields are untouched.
type PriorityPatch struct {
	Urgency    *float64
	Value      *float64
	Novelty    *float64
	UserSignal *float64
	// Deadline sets a deadline; ClearDeadline removes it.
	Deadline      *time.Time
	ClearDeadline bool
}

// Fields names the fields the patch touches.
func (p PriorityPatch) Fields() []string {
	var out []string
	if p.Urgency != nil {
		out = append(out, "urgency")
	}
	if p.Value != nil {
		out = append(out, "value")
	}
	if p.Novelty != nil {
		out = append(out, "novelty")
	}
	if p.UserSignal != nil {
		out = append(out, "user_signal")
	}
	if p.Deadline != nil || p.ClearDeadline {
		out = append(out, "deadline")
	}
	return out
}

// Apply validates and applies the patch.
func (p PriorityPatch) Apply(a *Agent) error {
	set := func(name string, dst *float64, v *float64) error {
		if v == nil {
			return nil
		}
		if err := checkUnit(name, *v); err != nil {
			return err
		}
		*dst = *v
		return nil
	}
	if err := set("urgency", &a.Priority.Urgency, p.Urgency); err != nil {
		return err
	}
	if err := set("value", &a.Priority.Value, p.Value); err != nil {
		return err
	}
	if err := set("novelty", &a.Priority.Novelty, p.Novelty); err != nil {
		return err
	}
	if err := set("user_signal", &a.Priority.UserSignal, p.UserSignal); err != nil {
		return err
	}
	switch {
	case p.ClearDeadline:
		a.Timing.Deadline = nil
	case p.Deadline != nil:
		d := p.Deadline.UTC()
		a.Timing.Deadline = &d
	}
	return nil
}

// GenerateAgentID creates a unique agent identifier.
func GenerateAgentID() string {
	u := uuid.New().String()
	return "agt_" + strings.ReplaceAll(u[:8], "-", "")
}
