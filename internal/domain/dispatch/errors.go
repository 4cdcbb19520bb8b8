package dispatch

import (
	"errors"
	"fmt"
)

// Error kinds returned by the dispatch core. Match with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrBookingNotFound      = fmt.Errorf("booking %w", ErrNotFound)
	ErrAgentNotFound        = fmt.Errorf("agent %w", ErrNotFound)
	ErrBookingNotAssignable = errors.New("booking is not assignable")
	ErrAgentUnavailable     = errors.New("agent is not available")
	ErrCapacityExceeded     = errors.New("agent daily capacity exceeded")
	ErrNoAvailableAgents    = errors.New("no available agents")
	ErrPreconditionFailed   = errors.New("booking changed concurrently")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrNotAssignedAgent     = errors.New("agent is not assigned to this booking")
	ErrInvalidInput         = errors.New("invalid input")
)

// Kind codes used in API responses.
const (
	KindNotFound             = "not_found"
	KindBookingNotFound      = "booking_not_found"
	KindAgentNotFound        = "agent_not_found"
	KindBookingNotAssignable = "booking_not_assignable"
	KindAgentUnavailable     = "agent_unavailable"
	KindCapacityExceeded     = "capacity_exceeded"
	KindNoAvailableAgents    = "no_available_agents"
	KindPreconditionFailed   = "precondition_failed"
	KindIllegalTransition    = "illegal_transition"
	KindNotAssignedAgent     = "not_assigned_agent"
	KindInvalidInput         = "invalid_input"
	KindInternal             = "internal"
)

// KindOf maps an error onto its stable kind code. The most specific kind wins.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBookingNotFound):
		return KindBookingNotFound
	case errors.Is(err, ErrAgentNotFound):
		return KindAgentNotFound
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBookingNotAssignable):
		return KindBookingNotAssignable
	case errors.Is(err, ErrAgentUnavailable):
		return KindAgentUnavailable
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrNoAvailableAgents):
		return KindNoAvailableAgents
	case errors.Is(err, ErrPreconditionFailed):
		return KindPreconditionFailed
	case errors.Is(err, ErrIllegalTransition):
		return KindIllegalTransition
	case errors.Is(err, ErrNotAssignedAgent):
		return KindNotAssignedAgent
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// isContention reports whether err is a lost race the auto-assign loop can
// absorb by moving on to the next candidate.
func isContention(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrAgentUnavailable) ||
		errors.Is(err, ErrPreconditionFailed)
}
