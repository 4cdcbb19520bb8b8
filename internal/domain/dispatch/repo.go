package dispatch

import (
	"context"
)

// AgentRepository is the agent directory. Reserve and Release are the only
// operations that change an agent's booking counter and each is atomic.
type AgentRepository interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// Reserve atomically checks availability and capacity and increments the
	// counter. A known agent without an availability row gets a default row.
	Reserve(ctx context.Context, id string) (*Agent, error)
	// Release decrements the counter, floored at zero.
	Release(ctx context.Context, id string) (*Agent, error)
	SetAvailability(ctx context.Context, id string, status AvailabilityStatus, loc *Location) (*Agent, error)
	// ListEligible returns matching agents ordered by current load, then id.
	ListEligible(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	UpsertAgent(ctx context.Context, p AgentProfile) (*Agent, error)
	Count(ctx context.Context, filter AgentFilter) (int, error)
}

// BookingRepository is the booking ledger. CompareAndSetStatus is the only
// mutator of status and assignment fields.
type BookingRepository interface {
	CreateBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id string) (*Booking, error)
	CompareAndSetStatus(ctx context.Context, id string, change StatusChange) (*Booking, error)
	// ClaimRelease flips the booking's capacity_released flag. claimed is
	// false when there is no agent or the capacity was already returned.
	ClaimRelease(ctx context.Context, id string) (agentID string, claimed bool, err error)
	// UndoRelease clears the flag set by ClaimRelease after the agent's
	// counter could not be decremented, so the release can be retried.
	UndoRelease(ctx context.Context, id string) error
	ListAssignable(ctx context.Context, limit int) ([]*Booking, error)
	ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Booking, int, error)
	History(ctx context.Context, id string) ([]*StatusHistoryEntry, error)
}

// Notifier receives assignment events. Delivery is best effort.
type Notifier interface {
	NotifyAssignment(ctx context.Context, evt AssignmentEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt AssignmentEvent) error

func (f NotifierFunc) NotifyAssignment(ctx context.Context, evt AssignmentEvent) error {
	return f(ctx, evt)
}

type nopNotifier struct{}

func (nopNotifier) NotifyAssignment(context.Context, AssignmentEvent) error { return nil }
