package dispatch

import "fmt"

var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:         {StatusConfirmed, StatusCancelled},
	StatusConfirmed:       {StatusSampleCollected, StatusCancelled},
	StatusSampleCollected: {StatusInTransit},
	StatusInTransit:       {StatusAtLab},
	StatusAtLab:           {StatusCompleted},
}

// agentStatuses are reached only by the assigned phlebotomist's own updates.
var agentStatuses = map[BookingStatus]bool{
	StatusSampleCollected: true,
	StatusInTransit:       true,
	StatusAtLab:           true,
	StatusCompleted:       true,
}

// releaseStatuses return the agent's capacity on entry. sample_collected is
// the canonical point; the others release idempotently.
var releaseStatuses = map[BookingStatus]bool{
	StatusSampleCollected: true,
	StatusCompleted:       true,
	StatusCancelled:       true,
}

// Transition describes a validated status change.
type Transition struct {
	From           BookingStatus
	To             BookingStatus
	AgentInitiated bool
	ReleasesAgent  bool
}

// CanTransition reports whether from -> to is in the adjacency table.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanAssignFrom reports whether an agent may be assigned in status s.
func CanAssignFrom(s BookingStatus) bool {
	return s == StatusPending || s == StatusConfirmed
}

// AssignableStatuses lists the statuses assignment may start from.
func AssignableStatuses() []BookingStatus {
	return []BookingStatus{StatusPending, StatusConfirmed}
}

// ValidateTransition checks a status update requested by agentID against the
// booking's current state. agentID may be empty for staff-initiated changes.
func ValidateTransition(b *Booking, to BookingStatus, agentID string) (Transition, error) {
	if !to.Valid() {
		return Transition{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	if !CanTransition(b.Status, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, b.Status, to)
	}
	tr := Transition{
		From:           b.Status,
		To:             to,
		AgentInitiated: agentStatuses[to],
		ReleasesAgent:  releaseStatuses[to],
	}
	if tr.AgentInitiated && b.CollectionType == CollectionHome {
		if !b.IsAssigned() || b.AgentID() != agentID {
			return Transition{}, fmt.Errorf("%w: booking %s", ErrNotAssignedAgent, b.ID)
		}
	}
	return tr, nil
}
