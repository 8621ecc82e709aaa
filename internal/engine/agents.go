package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/events"
)

// Spawn creates an agent. An agent whose dependencies are not completed
// starts blocked.
func (e *Engine) Spawn(ctx context.Context, spec agents.Spec) (*agents.Agent, error) {
	now := e.now()
	a, err := agents.New(spec, now)
	if err != nil {
		return nil, err
	}
	agents.ReconcileDependencies(a, e.lookup, now)

	if _, err := e.store.Create(ctx, a); err != nil {
		return nil, err
	}
	e.upsertIndex(ctx, a)

	slog.Info("agent spawned", "agent_id", a.ID, "project", a.Project, "status", a.State.Status)
	e.publish(events.SourceStore, events.AgentCreatedPayload{AgentID: a.ID, Project: a.Project, Title: a.Task.Title})
	if a.State.Status != agents.StatusActive {
		e.publish(events.SourceStore, events.AgentStatusPayload{
			AgentID: a.ID, From: string(agents.StatusActive), To: string(a.State.Status), Reason: a.State.Reason,
		})
	}
	return a, nil
}

// Get loads one agent.
func (e *Engine) Get(id string) (*agents.Agent, error) { return e.store.Load(id) }

// List iterates agents matching filter.
func (e *Engine) List(filter agents.Filter) iter.Seq2[*agents.Agent, error] {
	return e.store.List(filter)
}

// UpdatePriority applies a priority patch.
func (e *Engine) UpdatePriority(ctx context.Context, id string, patch agents.PriorityPatch) (*agents.Agent, error) {
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil, fmt.Errorf("no priority field to update")
	}
	a, err := e.store.Update(ctx, id, patch.Apply)
	if err != nil {
		return nil, err
	}
	e.upsertIndex(ctx, a)
	e.publish(events.SourceStore, events.AgentPriorityPayload{AgentID: id, Fields: fields})
	return a, nil
}

// Transition moves an agent to status to. Leaving blocked re-checks the
// dependencies, so an agent with unmet dependencies stays blocked. A
// terminal transition releases dependents and drops the focus.
func (e *Engine) Transition(ctx context.Context, id string, to agents.Status, reason string) (*agents.Agent, error) {
	var from agents.Status
	a, err := e.store.Update(ctx, id, func(a *agents.Agent) error {
		from = a.State.Status
		now := e.now()
		if err := agents.Transition(a, to, reason, now); err != nil {
			return err
		}
		if to == agents.StatusActive || to == agents.StatusPaused {
			agents.ReconcileDependencies(a, e.lookup, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.upsertIndex(ctx, a)

	if a.State.Status != from {
		slog.Info("agent status changed", "agent_id", id, "from", from, "to", a.State.Status)
		e.publish(events.SourceStore, events.AgentStatusPayload{
			AgentID: id, From: string(from), To: string(a.State.Status), Reason: a.State.Reason,
		})
	}

	if a.State.Status.Terminal() {
		if _, err := e.reconcileDependents(ctx, id); err != nil {
			slog.Warn("dependents not reconciled", "agent_id", id, "error", err)
		}
		if sess, err := e.sessions.Read(); err == nil && sess.CurrentAgentID == id {
			if _, _, err := e.sessions.Focus(ctx, "", string(a.State.Status)); err != nil && !skipped("unfocus", err) {
				slog.Warn("unfocus failed", "agent_id", id, "error", err)
			}
		}
	}
	return a, nil
}

// Touch records activity on an agent.
func (e *Engine) Touch(ctx context.Context, id string) (*agents.Agent, error) {
	a, err := e.store.Update(ctx, id, func(a *agents.Agent) error {
		return agents.Touch(a, e.now())
	})
	if err != nil {
		return nil, err
	}
	e.upsertIndex(ctx, a)
	e.publish(events.SourceStore, events.AgentTouchedPayload{AgentID: id})
	return a, nil
}

// RecordError sets an agent's last error, which boosts its priority. An
// empty message clears it.
func (e *Engine) RecordError(ctx context.Context, id, msg string) (*agents.Agent, error) {
	a, err := e.store.Update(ctx, id, func(a *agents.Agent) error {
		return agents.RecordError(a, msg)
	})
	if err != nil {
		return nil, err
	}
	e.upsertIndex(ctx, a)
	e.publish(events.SourceStore, events.AgentPriorityPayload{AgentID: id, Fields: []string{"last_error"}})
	return a, nil
}

// ReconcileDependencies re-evaluates every live agent's dependencies and
// returns the ids whose status or blockers changed.
func (e *Engine) ReconcileDependencies(ctx context.Context) ([]string, error) {
	return e.reconcile(ctx, func(a *agents.Agent) bool {
		return len(a.Task.Dependencies) > 0 || a.State.Status == agents.StatusBlocked
	})
}

func (e *Engine) reconcileDependents(ctx context.Context, id string) ([]string, error) {
	return e.reconcile(ctx, func(a *agents.Agent) bool {
		return slices.Contains(a.Task.Dependencies, id)
	})
}

func (e *Engine) reconcile(ctx context.Context, want func(*agents.Agent) bool) ([]string, error) {
	var changed []string
	for a, err := range e.store.List(agents.LiveFilter()) {
		if err != nil {
			slog.Warn("skipping unreadable agent", "error", err)
			continue
		}
		if !want(a) || !agents.ReconcileDependencies(a.Clone(), e.lookup, e.now()) {
			continue
		}
		var from agents.Status
		moved := false
		updated, err := e.store.Update(ctx, a.ID, func(cur *agents.Agent) error {
			from = cur.State.Status
			moved = agents.ReconcileDependencies(cur, e.lookup, e.now())
			return nil
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return changed, err
		}
		if !moved {
			continue
		}
		changed = append(changed, a.ID)
		e.upsertIndex(ctx, updated)
		if updated.State.Status != from {
			e.publish(events.SourceStore, events.AgentStatusPayload{
				AgentID: a.ID, From: string(from), To: string(updated.State.Status), Reason: updated.State.Reason,
			})
		}
	}
	return changed, nil
}
