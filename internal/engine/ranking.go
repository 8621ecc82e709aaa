package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/checkpoint"
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/memory"
	"github.com/dohr-michael/tether/internal/scheduler"
)

// NextN ranks the n best non-terminal agents. Index entries whose record
// is gone trigger a rebuild.
func (e *Engine) NextN(ctx context.Context, n int) (*scheduler.Ranking, error) {
	r, err := e.sched.NextN(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(r.Missing) > 0 {
		slog.Warn("index lists missing records, rebuilding", "missing", r.Missing)
		if _, err := e.RebuildIndex(ctx); err != nil && !skipped("index rebuild", err) {
			slog.Warn("index rebuild failed", "error", err)
		}
	}
	return r, nil
}

// Evaluate scores one agent with its factor breakdown.
func (e *Engine) Evaluate(id string) (scheduler.Ranked, error) {
	a, err := e.store.Load(id)
	if err != nil {
		return scheduler.Ranked{}, err
	}
	return e.sched.Evaluate(a), nil
}

// PreemptCheck compares candidate against current. An empty currentID
// compares against the focused agent, if any.
func (e *Engine) PreemptCheck(ctx context.Context, currentID, candidateID string) (*scheduler.PreemptDecision, error) {
	if currentID == "" {
		if s, err := e.sessions.Read(); err == nil {
			currentID = s.CurrentAgentID
		}
	}
	return e.sched.PreemptCheck(ctx, currentID, candidateID)
}

// Session returns the scheduler session state.
func (e *Engine) Session() (*scheduler.Session, error) { return e.sessions.Read() }

// StartSession opens or resumes a session.
func (e *Engine) StartSession(ctx context.Context) (*scheduler.Session, bool, error) {
	s, resumed, err := e.sessions.Start(ctx)
	if err != nil {
		return nil, false, err
	}
	e.publish(events.SourceScheduler, events.SessionStartedPayload{Resumed: resumed})
	return s, resumed, nil
}

// EndSession closes the running session.
func (e *Engine) EndSession(ctx context.Context) (*scheduler.Session, error) {
	open := e.sessionID()
	s, err := e.sessions.End(ctx)
	if err != nil {
		return nil, err
	}
	if open != "" {
		e.bus.Publish(events.NewTypedEventWithSession(events.SourceScheduler, events.SessionEndedPayload{SwitchCount: s.SwitchCount}, open))
	}
	return s, nil
}

// FocusResult describes a focus switch.
type FocusResult struct {
	Session  *scheduler.Session `json:"session"`
	Agent    *agents.Agent      `json:"agent"`
	Previous string             `json:"previous,omitempty"`
	Memory   *memory.LoadResult `json:"memory,omitempty"`
}

// Focus makes id the current agent: a paused agent is resumed, the agent
// is touched and loaded into working memory. A full working memory is
// reported in the log but does not fail the switch.
func (e *Engine) Focus(ctx context.Context, id, reason string) (*FocusResult, error) {
	a, err := e.store.Load(id)
	if err != nil {
		return nil, err
	}
	if !a.State.Status.Switchable() {
		return nil, fmt.Errorf("cannot focus agent %s: it is %s", id, a.State.Status)
	}
	if a.State.Status == agents.StatusPaused {
		if a, err = e.Transition(ctx, id, agents.StatusActive, "focused"); err != nil {
			return nil, err
		}
		if a.State.Status != agents.StatusActive {
			return nil, fmt.Errorf("cannot focus agent %s: it is %s (%s)", id, a.State.Status, a.State.Reason)
		}
	}

	s, previous, err := e.sessions.Focus(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	res := &FocusResult{Session: s, Previous: previous}
	if previous != id {
		slog.Info("focus switched", "agent_id", id, "previous", previous)
		e.publish(events.SourceScheduler, events.AgentFocusedPayload{AgentID: id, Previous: previous, Reason: reason})
	}

	if res.Agent, err = e.Touch(ctx, id); err != nil {
		return nil, err
	}
	if res.Memory, err = e.LoadMemory(ctx, id); err != nil {
		slog.Warn("focused agent not loaded into working memory", "agent_id", id, "error", err)
	}
	return res, nil
}

// Briefing is the top-k summary shown by session hooks.
type Briefing struct {
	Session    *scheduler.Session `json:"session"`
	Top        []BriefEntry       `json:"top"`
	Memory     *memory.Usage      `json:"memory,omitempty"`
	Checkpoint *checkpoint.Info   `json:"checkpoint,omitempty"`
}

// BriefEntry is one ranked agent in a briefing.
type BriefEntry struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Project string        `json:"project,omitempty"`
	Status  agents.Status `json:"status"`
	Score   float64       `json:"score"`
	Current bool          `json:"current,omitempty"`
}

// Briefing ranks the top k agents (the configured briefing size when
// k <= 0) together with the session, memory and checkpoint state.
func (e *Engine) Briefing(ctx context.Context, k int) (*Briefing, error) {
	if k <= 0 {
		k = e.cfg.Scheduler.BriefingSize
	}
	s, err := e.sessions.Read()
	if err != nil {
		return nil, err
	}
	r, err := e.NextN(ctx, k)
	if err != nil {
		return nil, err
	}
	b := &Briefing{Session: s, Top: make([]BriefEntry, 0, len(r.Agents))}
	for _, ra := range r.Agents {
		b.Top = append(b.Top, BriefEntry{
			ID:      ra.Agent.ID,
			Title:   ra.Agent.Task.Title,
			Project: ra.Agent.Project,
			Status:  ra.Agent.State.Status,
			Score:   ra.Score,
			Current: ra.Agent.ID == s.CurrentAgentID,
		})
	}
	if u, err := e.memory.Usage(); err == nil {
		b.Memory = u
	}
	if c, err := e.checkpoints.Latest(); err == nil {
		b.Checkpoint = c
	}
	return b, nil
}
