package agents

import "encoding/json"

// Record sections keep keys this version does not know about and write them
// back unchanged, at every nesting level.

var (
	agentKeys    = []string{"id", "project", "task", "state", "priority", "timing", "estimated_tokens"}
	taskKeys     = []string{"title", "goal", "acceptance_criteria", "dependencies", "blockers"}
	stateKeys    = []string{"status", "last_error", "reason"}
	priorityKeys = []string{"urgency", "value", "novelty", "user_signal", "computed_score"}
	timingKeys   = []string{"created_at", "updated_at", "last_active", "deadline", "active_since", "total_active_seconds"}
)

// splitUnknown returns the keys of the JSON object data not listed in known,
// or nil when there are none.
func splitUnknown(data []byte, known []string) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// mergeUnknown adds extra to the encoded object data. Known fields win on
// key collisions.
func mergeUnknown(data []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	c := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		c[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// Section decoders start from the receiver's current value so defaults set
// by the caller survive absent keys.

func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	aux := alias(*t)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitUnknown(data, taskKeys)
	if err != nil {
		return err
	}
	*t = Task(aux)
	t.Extra = extra
	return nil
}

func (t Task) MarshalJSON() ([]byte, error) {
	type alias Task
	data, err := json.Marshal(alias(t))
	if err != nil {
		return nil, err
	}
	return mergeUnknown(data, t.Extra)
}

func (s *State) UnmarshalJSON(data []byte) error {
	type alias State
	aux := alias(*s)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitUnknown(data, stateKeys)
	if err != nil {
		return err
	}
	*s = State(aux)
	s.Extra = extra
	return nil
}

func (s State) MarshalJSON() ([]byte, error) {
	type alias State
	data, err := json.Marshal(alias(s))
	if err != nil {
		return nil, err
	}
	return mergeUnknown(data, s.Extra)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	type alias Priority
	aux := alias(*p)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitUnknown(data, priorityKeys)
	if err != nil {
		return err
	}
	*p = Priority(aux)
	p.Extra = extra
	return nil
}

func (p Priority) MarshalJSON() ([]byte, error) {
	type alias Priority
	data, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	return mergeUnknown(data, p.Extra)
}

func (tm *Timing) UnmarshalJSON(data []byte) error {
	type alias Timing
	aux := alias(*tm)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitUnknown(data, timingKeys)
	if err != nil {
		return err
	}
	*tm = Timing(aux)
	tm.Extra = extra
	return nil
}

func (tm Timing) MarshalJSON() ([]byte, error) {
	type alias Timing
	data, err := json.Marshal(alias(tm))
	if err != nil {
		return nil, err
	}
	return mergeUnknown(data, tm.Extra)
}
