package config

import (
	"fmt"
	"math"
	"time"
)

// Config is the root configuration for tether.
type Config struct {
	Log        LogConfig        `json:"log"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Memory     MemoryConfig     `json:"memory"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Locks      LocksConfig      `json:"locks"`
	Events     EventsConfig     `json:"events"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `json:"level"` // debug | info | warn | error
	Quiet bool   `json:"quiet"` // file only, nothing on stderr
}

// Weights are the priority factor weights. They must sum to 1.
type Weights struct {
	Urgency    float64 `json:"urgency"`
	Recency    float64 `json:"recency"`
	Value      float64 `json:"value"`
	Novelty    float64 `json:"novelty"`
	UserSignal float64 `json:"user_signal"`
	ErrorBoost float64 `json:"error_boost"`
}

// DefaultWeights returns the stock weight set.
func DefaultWeights() Weights {
	return Weights{
		Urgency:    0.25,
		Recency:    0.20,
		Value:      0.20,
		Novelty:    0.15,
		UserSignal: 0.15,
		ErrorBoost: 0.05,
	}
}

func (w Weights) isZero() bool { return w == Weights{} }

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Urgency + w.Recency + w.Value + w.Novelty + w.UserSignal + w.ErrorBoost
}

// weightTolerance absorbs float rounding in hand-written configs.
const weightTolerance = 1e-6

// Validate rejects negative, oversized or non-normalized weights.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"urgency": w.Urgency, "recency": w.Recency, "value": w.Value,
		"novelty": w.Novelty, "user_signal": w.UserSignal, "error_boost": w.ErrorBoost,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("weight %s = %v: must be within [0, 1]", name, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights sum to %.6f: must sum to 1.0", sum)
	}
	return nil
}

// SchedulerConfig holds ranking settings.
type SchedulerConfig struct {
	Weights             Weights `json:"weights"`
	PreemptionThreshold float64 `json:"preemption_threshold"`
	BriefingSize        int     `json:"briefing_size"`   // top-k shown by hooks
	RecentSwitches      int     `json:"recent_switches"` // switch history kept in scheduler.json
}

// MemoryConfig sizes the working memory.
type MemoryConfig struct {
	MaxHotAgents int `json:"max_hot_agents"`
	TokenBudget  int `json:"token_budget"`
}

// CheckpointConfig holds snapshot scheduling and retention.
type CheckpointConfig struct {
	Schedule    string   `json:"schedule"`  // cron spec, descriptors allowed ("@every 5m")
	Retention   int      `json:"retention"` // standard + session-end checkpoints kept
	LockTimeout Duration `json:"lock_timeout"`
}

// LocksConfig bounds lock acquisition.
type LocksConfig struct {
	RecordTimeout Duration `json:"record_timeout"`
	StateTimeout  Duration `json:"state_timeout"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if err := c.Scheduler.Weights.Validate(); err != nil {
		return fmt.Errorf("scheduler.weights: %w", err)
	}
	if t := c.Scheduler.PreemptionThreshold; t < 0 || t > 1 {
		return fmt.Errorf("scheduler.preemption_threshold = %v: must be within [0, 1]", t)
	}
	if c.Memory.MaxHotAgents < 1 {
		return fmt.Errorf("memory.max_hot_agents = %d: must be positive", c.Memory.MaxHotAgents)
	}
	if c.Memory.TokenBudget < 1 {
		return fmt.Errorf("memory.token_budget = %d: must be positive", c.Memory.TokenBudget)
	}
	if c.Checkpoint.Retention < 1 {
		return fmt.Errorf("checkpoint.retention = %d: must be positive", c.Checkpoint.Retention)
	}
	return nil
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
