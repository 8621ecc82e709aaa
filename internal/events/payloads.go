package events

import "encoding/json"

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// AGENT EVENTS
// =============================================================================

type AgentCreatedPayload struct {
	AgentID string `json:"agent_id"`
	Project string `json:"project"`
	Title   string `json:"title"`
}

func (AgentCreatedPayload) EventType() EventType { return EventAgentCreated }

type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

func (AgentStatusPayload) EventType() EventType { return EventAgentStatus }

type AgentPriorityPayload struct {
	AgentID string   `json:"agent_id"`
	Fields  []string `json:"fields"`
}

func (AgentPriorityPayload) EventType() EventType { return EventAgentPriority }

type AgentTouchedPayload struct {
	AgentID string `json:"agent_id"`
}

func (AgentTouchedPayload) EventType() EventType { return EventAgentTouched }

type AgentFocusedPayload struct {
	AgentID  string `json:"agent_id"`
	Previous string `json:"previous,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (AgentFocusedPayload) EventType() EventType { return EventAgentFocused }

type RecordQuarantinedPayload struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
	Reason  string `json:"reason"`
}

func (RecordQuarantinedPayload) EventType() EventType { return EventRecordQuarantine }

// =============================================================================
// WORKING MEMORY EVENTS
// =============================================================================

type MemoryLoadedPayload struct {
	AgentID string `json:"agent_id"`
	Tokens  int    `json:"tokens"`
}

func (MemoryLoadedPayload) EventType() EventType { return EventMemoryLoaded }

type MemoryEvictedPayload struct {
	AgentID string `json:"agent_id"`
	For     string `json:"for"`
}

func (MemoryEvictedPayload) EventType() EventType { return EventMemoryEvicted }

type MemoryUnloadedPayload struct {
	AgentID string `json:"agent_id"`
}

func (MemoryUnloadedPayload) EventType() EventType { return EventMemoryUnloaded }

// =============================================================================
// INDEX EVENTS
// =============================================================================

type IndexRebuiltPayload struct {
	Total       int `json:"total"`
	Quarantined int `json:"quarantined"`
}

func (IndexRebuiltPayload) EventType() EventType { return EventIndexRebuilt }

type IndexDesyncPayload struct {
	Indexed int    `json:"indexed"`
	OnDisk  int    `json:"on_disk"`
	Detail  string `json:"detail,omitempty"`
}

func (IndexDesyncPayload) EventType() EventType { return EventIndexDesync }

// =============================================================================
// CHECKPOINT EVENTS
// =============================================================================

type CheckpointCreatedPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Kind         string `json:"kind"`
}

func (CheckpointCreatedPayload) EventType() EventType { return EventCheckpointCreated }

type CheckpointRestoredPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Reloaded     int    `json:"reloaded"`
}

func (CheckpointRestoredPayload) EventType() EventType { return EventCheckpointRestored }

// =============================================================================
// SESSION EVENTS
// =============================================================================

type SessionStartedPayload struct {
	Resumed bool `json:"resumed"`
}

func (SessionStartedPayload) EventType() EventType { return EventSessionStarted }

type SessionEndedPayload struct {
	SwitchCount int `json:"switch_count"`
}

func (SessionEndedPayload) EventType() EventType { return EventSessionEnded }

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewEvent(payload.EventType(), source, toMap(payload))
}

func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	e := NewTypedEvent(source, payload)
	e.SessionID = sessionID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event payload back into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
