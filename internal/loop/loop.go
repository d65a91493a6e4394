package loop

import (
	"fmt"
	"strings"

	"revflow/internal/hsm"
	"revflow/internal/model"
)

// BoundExceededError is fatal to the session: the fix loop reached its
// iteration cap with confirmed comments still unresolved. The unresolved set
// travels with the error so the failure is actionable.
type BoundExceededError struct {
	SessionID  string
	Iterations int
	Unresolved []string
}

func (e *BoundExceededError) Error() string {
	return fmt.Sprintf("session %s exceeded %d fix iterations with unresolved comments: %s",
		e.SessionID, e.Iterations, strings.Join(e.Unresolved, ", "))
}

// State is the loop's view of a session: where it is and how many
// trigger-to-fix iterations it has burned.
type State struct {
	SessionID     string
	Phase         model.SessionPhase
	Iteration     int
	MaxIterations int
}

// Event moves the loop forward. Each event corresponds to one completed
// orchestration step; the FSM only decides what phase comes next.
type Event interface{ loopEvent() }

type SessionStarted struct{}
type GatePassed struct{}
type GateExhausted struct{ Remaining int }
type RequestPosted struct{}
type CommentsReceived struct{}
type PollDeadlineElapsed struct{}
type FallbackGateClean struct{}
type Classified struct {
	Disputed  int
	Confirmed int
}
type VerdictsRecorded struct{ Confirmed int }
type BatchPushed struct{ Unresolved []string }
type RewritePlanned struct{}
type RewritePublished struct{}
type RewriteSkipped struct{}
type MergeAuthorized struct{}
type MergeBlocked struct{ Reason string }
type Fatal struct{ Reason string }

func (SessionStarted) loopEvent()      {}
func (GatePassed) loopEvent()          {}
func (GateExhausted) loopEvent()       {}
func (RequestPosted) loopEvent()       {}
func (CommentsReceived) loopEvent()    {}
func (PollDeadlineElapsed) loopEvent() {}
func (FallbackGateClean) loopEvent()   {}
func (Classified) loopEvent()          {}
func (VerdictsRecorded) loopEvent()    {}
func (BatchPushed) loopEvent()         {}
func (RewritePlanned) loopEvent()      {}
func (RewritePublished) loopEvent()    {}
func (RewriteSkipped) loopEvent()      {}
func (MergeAuthorized) loopEvent()     {}
func (MergeBlocked) loopEvent()        {}
func (Fatal) loopEvent()               {}

// Transition computes the next state for one event. It is pure: callers
// persist the result and perform side effects. An illegal event for the
// current phase is an error, as is exhausting the iteration bound.
func Transition(state State, event Event) (State, error) {
	next := state
	maxIterations := state.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	var target model.SessionPhase
	switch ev := event.(type) {
	case SessionStarted:
		target = model.SessionPhaseLocalReview
	case GatePassed:
		target = model.SessionPhaseTriggered
	case GateExhausted:
		target = model.SessionPhaseBlocked
	case RequestPosted:
		target = model.SessionPhasePolling
	case CommentsReceived:
		target = model.SessionPhaseClassifying
	case PollDeadlineElapsed:
		target = model.SessionPhaseLocalReview
	case FallbackGateClean:
		target = model.SessionPhaseMerging
	case Classified:
		switch {
		case ev.Disputed > 0:
			target = model.SessionPhaseArbitrating
		case ev.Confirmed > 0:
			target = model.SessionPhaseFixing
		default:
			target = model.SessionPhaseMerging
		}
	case VerdictsRecorded:
		if ev.Confirmed > 0 {
			target = model.SessionPhaseFixing
		} else {
			target = model.SessionPhaseMerging
		}
	case BatchPushed:
		next.Iteration = state.Iteration + 1
		if next.Iteration >= maxIterations {
			next.Phase = model.SessionPhaseAborted
			return next, &BoundExceededError{
				SessionID:  state.SessionID,
				Iterations: next.Iteration,
				Unresolved: ev.Unresolved,
			}
		}
		target = model.SessionPhaseTriggered
	case RewritePlanned:
		target = model.SessionPhaseRewriting
	case RewritePublished:
		target = model.SessionPhaseTriggered
	case RewriteSkipped:
		target = model.SessionPhaseMerging
	case MergeAuthorized:
		target = model.SessionPhaseMerged
	case MergeBlocked:
		target = model.SessionPhaseBlocked
	case Fatal:
		target = model.SessionPhaseAborted
	default:
		return state, fmt.Errorf("unknown loop event %T", event)
	}

	if !hsm.CanTransitionSession(state.Phase, target) {
		return state, fmt.Errorf("event %T illegal in phase %s", event, state.Phase)
	}
	next.Phase = target
	return next, nil
}
