package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/config"
	"github.com/dohr-michael/tether/internal/index"
)

// Ranked is an agent with its score at ranking time.
type Ranked struct {
	Agent   *agents.Agent
	Score   float64
	Factors Factors
}

// Ranking is the result of NextN.
type Ranking struct {
	Agents []Ranked
	// Missing lists indexed ids whose record is gone or unreadable. The
	// index needs a rebuild when it is not empty.
	Missing []string
}

// Scheduler ranks agents. It reads candidate ids from the index and always
// scores the freshly loaded record.
type Scheduler struct {
	store     *agents.Store
	index     *index.Index
	weights   config.Weights
	threshold float64
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a Scheduler. Weights are assumed validated by config loading.
func New(store *agents.Store, ix *index.Index, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		index:     ix,
		weights:   cfg.Weights,
		threshold: cfg.PreemptionThreshold,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Weights returns the active weight set.
func (s *Scheduler) Weights() config.Weights { return s.weights }

// Threshold returns the preemption threshold.
func (s *Scheduler) Threshold() float64 { return s.threshold }

// Score scores a at the scheduler clock.
func (s *Scheduler) Score(a *agents.Agent) float64 {
	return CalculatePriority(a, s.now(), s.weights)
}

// Evaluate returns a's score with its factor breakdown.
func (s *Scheduler) Evaluate(a *agents.Agent) Ranked {
	f := ComputeFactors(a, s.now())
	return Ranked{Agent: a, Score: f.Score(s.weights), Factors: f}
}

// compareRanked orders by score descending, then created_at ascending,
// then id ascending, so equal scores never reorder between runs.
func compareRanked(a, b Ranked) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := a.Agent.Timing.CreatedAt.Compare(b.Agent.Timing.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Agent.ID, b.Agent.ID)
}

// NextN returns the n highest-scoring non-terminal agents. n <= 0 returns
// all of them.
func (s *Scheduler) NextN(ctx context.Context, n int) (*Ranking, error) {
	file, err := s.index.Read()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	now := s.now()
	res := &Ranking{}
	for _, id := range file.LiveIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := s.store.Load(id)
		if err != nil {
			var ce *agents.CorruptRecordError
			if errors.Is(err, agents.ErrNotFound) || errors.As(err, &ce) {
				res.Missing = append(res.Missing, id)
				continue
			}
			return nil, err
		}
		if a.State.Status.Terminal() {
			continue // index is behind; the record wins
		}
		f := ComputeFactors(a, now)
		res.Agents = append(res.Agents, Ranked{Agent: a, Score: f.Score(s.weights), Factors: f})
	}

	slices.SortFunc(res.Agents, compareRanked)
	if n > 0 && len(res.Agents) > n {
		res.Agents = res.Agents[:n]
	}
	return res, nil
}

// PreemptDecision is the advisory outcome of PreemptCheck.
type PreemptDecision struct {
	CurrentID      string  `json:"current_id,omitempty"`
	CandidateID    string  `json:"candidate_id"`
	CurrentScore   float64 `json:"current_score"`
	CandidateScore float64 `json:"candidate_score"`
	Margin         float64 `json:"margin"`
	Threshold      float64 `json:"threshold"`
	Eligible       bool    `json:"eligible"`
	Preempt        bool    `json:"preempt"`
	Reason         string  `json:"reason"`
}

// PreemptCheck reports whether candidate outranks current by more than the
// threshold and may be switched to. An empty currentID scores 0. Nothing is
// mutated.
func (s *Scheduler) PreemptCheck(ctx context.Context, currentID, candidateID string) (*PreemptDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()

	cand, err := s.store.Load(candidateID)
	if err != nil {
		return nil, err
	}
	d := &PreemptDecision{
		CurrentID:      currentID,
		CandidateID:    candidateID,
		CandidateScore: CalculatePriority(cand, now, s.weights),
		Threshold:      s.threshold,
		Eligible:       cand.State.Status.Switchable(),
	}
	if currentID != "" {
		cur, err := s.store.Load(currentID)
		if err != nil {
			return nil, err
		}
		d.CurrentScore = CalculatePriority(cur, now, s.weights)
	}
	d.Margin = d.CandidateScore - d.CurrentScore
	d.Preempt = d.Eligible && d.Margin > d.Threshold

	switch {
	case !d.Eligible:
		d.Reason = fmt.Sprintf("candidate is %s", cand.State.Status)
	case d.Preempt:
		d.Reason = fmt.Sprintf("candidate leads by %.3f (threshold %.3f)", d.Margin, d.Threshold)
	default:
		d.Reason = fmt.Sprintf("lead of %.3f does not exceed threshold %.3f", d.Margin, d.Threshold)
	}
	return d, nil
}
