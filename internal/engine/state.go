package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/checkpoint"
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/heartbeat"
	"github.com/dohr-michael/tether/internal/memory"
	"github.com/dohr-michael/tether/internal/scheduler"
)

// LoadMemory makes id resident in working memory, evicting as needed.
func (e *Engine) LoadMemory(ctx context.Context, id string) (*memory.LoadResult, error) {
	a, err := e.store.Load(id)
	if err != nil {
		return nil, err
	}
	res, err := e.memory.Load(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if res.Resident {
		return res, nil
	}
	for _, v := range res.Evicted {
		slog.Info("working memory eviction", "agent_id", v.AgentID, "for", id)
		e.publish(events.SourceMemory, events.MemoryEvictedPayload{AgentID: v.AgentID, For: id})
	}
	e.publish(events.SourceMemory, events.MemoryLoadedPayload{AgentID: id, Tokens: res.Slot.EstimatedTokens})
	return res, nil
}

// UnloadMemory removes id from working memory and reports whether it was
// resident.
func (e *Engine) UnloadMemory(ctx context.Context, id string) (bool, error) {
	removed, err := e.memory.Unload(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		e.publish(events.SourceMemory, events.MemoryUnloadedPayload{AgentID: id})
	}
	return removed, nil
}

// MemoryUsage reports working memory occupancy.
func (e *Engine) MemoryUsage() (*memory.Usage, error) { return e.memory.Usage() }

// ReloadMemory refills working memory from the current ranking.
func (e *Engine) ReloadMemory(ctx context.Context) (*memory.ReloadResult, error) {
	r, err := e.NextN(ctx, e.cfg.Memory.MaxHotAgents)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.Agents)+1)
	// The focused agent goes first so it is never the one left out.
	if s, err := e.sessions.Read(); err == nil && s.CurrentAgentID != "" {
		ids = append(ids, s.CurrentAgentID)
	}
	for _, ra := range r.Agents {
		ids = append(ids, ra.Agent.ID)
	}
	return e.memory.Reload(ctx, ids)
}

// Snapshot takes a checkpoint of kind for the current session.
func (e *Engine) Snapshot(ctx context.Context, kind checkpoint.Kind) (*checkpoint.Info, error) {
	return e.snapshotRequest(ctx, checkpoint.Request{Kind: kind})
}

// snapshotRequest takes the checkpoint req, attributed to req.SessionID or,
// when unset, to the current session.
func (e *Engine) snapshotRequest(ctx context.Context, req checkpoint.Request) (*checkpoint.Info, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = e.sessionID()
	}
	kind := req.Kind
	info, err := e.checkpoints.Snapshot(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}
	e.publish(events.SourceCheckpoint, events.CheckpointCreatedPayload{CheckpointID: info.ID, Kind: string(kind)})
	return info, nil
}

// RestoreResult describes a restore.
type RestoreResult struct {
	Checkpoint *checkpoint.Info      `json:"checkpoint"`
	Memory     *memory.ReloadResult `json:"memory,omitempty"`
}

// Restore puts the index and scheduler state of checkpoint id back in
// place. Working memory is rebuilt from the ranking rather than restored.
func (e *Engine) Restore(ctx context.Context, id string) (*RestoreResult, error) {
	info, err := e.checkpoints.Restore(ctx, id)
	if err != nil {
		var ce *checkpoint.CorruptError
		if errors.As(err, &ce) {
			slog.Error("corrupt checkpoint kept for inspection", "checkpoint", id, "path", ce.Path, "reason", ce.Reason)
		}
		return nil, err
	}
	slog.Info("checkpoint restored", "checkpoint", id)

	// Records changed after the snapshot are still authoritative.
	e.ensureIndex(ctx)

	res := &RestoreResult{Checkpoint: info}
	res.Memory, err = e.ReloadMemory(ctx)
	if err != nil {
		if !skipped("working memory reload", err) {
			slog.Warn("working memory reload failed", "error", err)
		}
	}
	reloaded := 0
	if res.Memory != nil {
		reloaded = len(res.Memory.Loaded)
	}
	e.publish(events.SourceCheckpoint, events.CheckpointRestoredPayload{CheckpointID: id, Reloaded: reloaded})
	return res, nil
}

// Prune applies checkpoint retention.
func (e *Engine) Prune(ctx context.Context) ([]string, error) {
	return e.checkpoints.Prune(ctx)
}

// StatusReport is the overview printed by `tether status`.
type StatusReport struct {
	Root        string                `json:"root"`
	Daemon      heartbeat.Status      `json:"daemon"`
	Heartbeat   *heartbeat.Heartbeat  `json:"heartbeat,omitempty"`
	Total       int                   `json:"total_agents"`
	ByStatus    map[agents.Status]int `json:"by_status"`
	Quarantined int                   `json:"quarantined"`
	IndexError  string                `json:"index_error,omitempty"`
	Session     *scheduler.Session    `json:"session,omitempty"`
	Memory      *memory.Usage         `json:"memory,omitempty"`
	Checkpoint  *checkpoint.Info      `json:"checkpoint,omitempty"`
	Pending     []checkpoint.Kind     `json:"pending_checkpoints,omitempty"`
}

// Status gathers a StatusReport. Parts that cannot be read are left empty.
func (e *Engine) Status() (*StatusReport, error) {
	r := &StatusReport{Root: e.layout.Root, ByStatus: map[agents.Status]int{}}

	st, hb, err := heartbeat.Check(e.layout.HeartbeatFile(), heartbeat.MaxAge)
	if err != nil {
		slog.Debug("heartbeat unreadable", "error", err)
	}
	r.Daemon, r.Heartbeat = st, hb

	f, err := e.index.Read()
	if err != nil {
		return nil, err
	}
	r.Total = f.TotalAgents
	r.ByStatus = f.CountByStatus()
	r.Quarantined = len(f.Quarantined)
	if err := e.index.Check(); err != nil {
		r.IndexError = err.Error()
	}
	if s, err := e.sessions.Read(); err == nil {
		r.Session = s
	}
	if u, err := e.memory.Usage(); err == nil {
		r.Memory = u
	}
	if c, err := e.checkpoints.Latest(); err == nil {
		r.Checkpoint = c
	}
	if p, err := e.PendingCheckpoints(); err == nil {
		r.Pending = p
	}
	return r, nil
}
