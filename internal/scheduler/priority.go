// Package scheduler scores agents with a decay-weighted priority function,
// ranks them, and tracks which agent the current session is focused on.
// Rankings are advisory: nothing here changes an agent's status.
package scheduler

import (
	"math"
	"time"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/config"
)

const (
	// RecencyHalfLife halves the recency factor.
	RecencyHalfLife = 24 * time.Hour
	// NoveltyHalfLife halves the novelty factor.
	NoveltyHalfLife = 7 * 24 * time.Hour
	// ErrorBoostValue is the error factor of an agent with a recorded error.
	ErrorBoostValue = 0.3
)

// halfLife returns 0.5^(elapsed/period). It is exactly 1 at zero and
// exactly 0.5 at one period.
func halfLife(elapsed, period time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(elapsed)/float64(period))
}

// RecencyFactor decays with time since last activity.
func RecencyFactor(sinceActive time.Duration) float64 {
	return halfLife(sinceActive, RecencyHalfLife)
}

// NoveltyDecay decays with agent age.
func NoveltyDecay(age time.Duration) float64 {
	return halfLife(age, NoveltyHalfLife)
}

// UrgencyFactor derives urgency from the deadline when there is one, and
// falls back to the stored urgency otherwise.
func UrgencyFactor(a *agents.Agent, now time.Time) float64 {
	d := a.Timing.Deadline
	if d == nil {
		return clamp01(a.Priority.Urgency)
	}
	window := d.Sub(a.Timing.CreatedAt)
	if window <= 0 {
		return 1
	}
	remaining := d.Sub(now)
	return clamp01(1 - float64(remaining)/float64(window))
}

// ErrorBoost returns ErrorBoostValue when the agent has a last error.
func ErrorBoost(a *agents.Agent) float64 {
	if a.State.LastError != "" {
		return ErrorBoostValue
	}
	return 0
}

// Factors are the per-agent inputs of the weighted sum, each in [0, 1].
type Factors struct {
	Urgency    float64 `json:"urgency"`
	Recency    float64 `json:"recency"`
	Value      float64 `json:"value"`
	Novelty    float64 `json:"novelty"`
	UserSignal float64 `json:"user_signal"`
	ErrorBoost float64 `json:"error_boost"`
}

// ComputeFactors evaluates every factor of a at now.
func ComputeFactors(a *agents.Agent, now time.Time) Factors {
	return Factors{
		Urgency:    UrgencyFactor(a, now),
		Recency:    RecencyFactor(now.Sub(a.Timing.LastActive)),
		Value:      clamp01(a.Priority.Value),
		Novelty:    clamp01(a.Priority.Novelty) * NoveltyDecay(now.Sub(a.Timing.CreatedAt)),
		UserSignal: clamp01(a.Priority.UserSignal),
		ErrorBoost: ErrorBoost(a),
	}
}

// Score returns the weighted sum of f, clamped to [0, 1].
func (f Factors) Score(w config.Weights) float64 {
	s := w.Urgency*f.Urgency +
		w.Recency*f.Recency +
		w.Value*f.Value +
		w.Novelty*f.Novelty +
		w.UserSignal*f.UserSignal +
		w.ErrorBoost*f.ErrorBoost
	return clamp01(s)
}

// CalculatePriority scores a at now. The stored computed_score is never
// read.
func CalculatePriority(a *agents.Agent, now time.Time, w config.Weights) float64 {
	return ComputeFactors(a, now).Score(w)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
