package agents

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DependencyBlockerPrefix marks blockers added by ReconcileDependencies.
const DependencyBlockerPrefix = "dependency:"

// ManualBlocker is recorded when an agent is blocked without a reason.
const ManualBlocker = "manual"

var transitions = map[Status][]Status{
	StatusActive:  {StatusPaused, StatusBlocked, StatusCompleted, StatusCancelled},
	StatusPaused:  {StatusActive, StatusBlocked, StatusCompleted, StatusCancelled},
	StatusBlocked: {StatusActive, StatusCompleted, StatusCancelled},
}

// TransitionError reports a status change the state machine forbids.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("agent %s is %s and can no longer change", e.ID, e.From)
	}
	return fmt.Sprintf("agent %s cannot move from %s to %s", e.ID, e.From, e.To)
}

// Remediation suggests what to do instead.
func (e *TransitionError) Remediation() string {
	if e.From.Terminal() {
		return "terminal agents are read-only; spawn a new agent to continue the work"
	}
	allowed := make([]string, 0, len(transitions[e.From]))
	for _, s := range transitions[e.From] {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("from %s the allowed statuses are: %s", e.From, strings.Join(allowed, ", "))
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Transition moves a to status to. Moving to the current status is a
// no-op. Entering blocked records the reason (or ManualBlocker) as a
// blocker; leaving blocked for active clears the blockers.
func Transition(a *Agent, to Status, reason string, now time.Time) error {
	from := a.State.Status
	if from.Terminal() {
		return &TransitionError{ID: a.ID, From: from, To: to}
	}
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{ID: a.ID, From: from, To: to}
	}

	now = now.UTC()
	if from == StatusActive {
		stopClock(a, now)
	}
	if to == StatusActive {
		a.Timing.ActiveSince = &now
		a.Timing.LastActive = now
	}
	switch {
	case to == StatusBlocked:
		blocker := reason
		if blocker == "" {
			blocker = ManualBlocker
		}
		a.Task.Blockers = appendUnique(a.Task.Blockers, blocker)
	case from == StatusBlocked && to == StatusActive:
		a.Task.Blockers = nil
	}

	a.State.Status = to
	a.State.Reason = reason
	return nil
}

func stopClock(a *Agent, now time.Time) {
	if a.Timing.ActiveSince == nil {
		return
	}
	if d := now.Sub(*a.Timing.ActiveSince); d > 0 {
		a.Timing.TotalActiveSeconds += int64(d / time.Second)
	}
	a.Timing.ActiveSince = nil
}

// ActiveSeconds returns accumulated active time including the running
// stretch, if any.
func ActiveSeconds(a *Agent, now time.Time) int64 {
	total := a.Timing.TotalActiveSeconds
	if a.State.Status == StatusActive && a.Timing.ActiveSince != nil {
		if d := now.Sub(*a.Timing.ActiveSince); d > 0 {
			total += int64(d / time.Second)
		}
	}
	return total
}

// Touch records activity. Terminal agents cannot be touched.
func Touch(a *Agent, now time.Time) error {
	if a.State.Status.Terminal() {
		return &TransitionError{ID: a.ID, From: a.State.Status, To: a.State.Status}
	}
	now = now.UTC()
	a.Timing.LastActive = now
	if a.State.Status == StatusActive && a.Timing.ActiveSince == nil {
		a.Timing.ActiveSince = &now
	}
	return nil
}

// RecordError sets or, with an empty message, clears the last error.
func RecordError(a *Agent, msg string) error {
	if a.State.Status.Terminal() {
		return &TransitionError{ID: a.ID, From: a.State.Status, To: a.State.Status}
	}
	a.State.LastError = strings.TrimSpace(msg)
	return nil
}

// StatusLookup resolves the current status of another agent.
type StatusLookup func(id string) (Status, bool)

// UnmetDependencies returns the dependencies of a that are not completed.
// Unknown ids count as unmet.
func UnmetDependencies(a *Agent, lookup StatusLookup) []string {
	var unmet []string
	for _, dep := range a.Task.Dependencies {
		if st, ok := lookup(dep); !ok || st != StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// ReconcileDependencies blocks a when a dependency is unmet and returns it
// to active once every dependency is completed and no manual blocker is
// left. It reports whether a changed.
func ReconcileDependencies(a *Agent, lookup StatusLookup, now time.Time) bool {
	if a.State.Status.Terminal() {
		return false
	}
	unmet := UnmetDependencies(a, lookup)

	var manual []string
	for _, b := range a.Task.Blockers {
		if !strings.HasPrefix(b, DependencyBlockerPrefix) {
			manual = append(manual, b)
		}
	}
	blockers := manual
	for _, dep := range unmet {
		blockers = append(blockers, DependencyBlockerPrefix+dep)
	}

	switch a.State.Status {
	case StatusActive, StatusPaused:
		if len(unmet) == 0 {
			return false
		}
		_ = Transition(a, StatusBlocked, "", now)
		a.Task.Blockers = blockers
		a.State.Reason = "waiting on " + strings.Join(unmet, ", ")
		return true
	case StatusBlocked:
		if len(unmet) == 0 && len(manual) == 0 {
			_ = Transition(a, StatusActive, "dependencies completed", now)
			return true
		}
		if slices.Equal(blockers, a.Task.Blockers) {
			return false
		}
		a.Task.Blockers = blockers
		return true
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
