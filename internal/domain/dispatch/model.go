package dispatch

import (
	"time"
)

// AvailabilityStatus is a phlebotomist's self-reported field state.
type AvailabilityStatus string

const (
	AvailabilityAvailable AvailabilityStatus = "available"
	AvailabilityBusy      AvailabilityStatus = "busy"
	AvailabilityOnBreak   AvailabilityStatus = "on_break"
	AvailabilityOffline   AvailabilityStatus = "offline"
)

var validAvailability = map[AvailabilityStatus]bool{
	AvailabilityAvailable: true, AvailabilityBusy: true,
	AvailabilityOnBreak: true, AvailabilityOffline: true,
}

// Valid reports whether s is a known availability status.
func (s AvailabilityStatus) Valid() bool { return validAvailability[s] }

// BookingStatus is the lifecycle state of a collection request.
type BookingStatus string

const (
	StatusPending         BookingStatus = "pending"
	StatusConfirmed       BookingStatus = "confirmed"
	StatusSampleCollected BookingStatus = "sample_collected"
	StatusInTransit       BookingStatus = "in_transit"
	StatusAtLab           BookingStatus = "at_lab"
	StatusCompleted       BookingStatus = "completed"
	StatusCancelled       BookingStatus = "cancelled"
)

var validBookingStatuses = map[BookingStatus]bool{
	StatusPending: true, StatusConfirmed: true, StatusSampleCollected: true,
	StatusInTransit: true, StatusAtLab: true, StatusCompleted: true,
	StatusCancelled: true,
}

// Valid reports whether s is a known booking status.
func (s BookingStatus) Valid() bool { return validBookingStatuses[s] }

// CollectionType says where the sample is drawn.
type CollectionType string

const (
	CollectionHome   CollectionType = "home"
	CollectionWalkIn CollectionType = "walk_in"
)

// DefaultMaxBookingsPerDay is used for availability rows created on first touch.
const DefaultMaxBookingsPerDay = 10

// Location is the last reported position of an agent. It is informational
// and never used for eligibility.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Agent is a field phlebotomist joined with its availability row.
type Agent struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name,omitempty"`
	Phone                string             `json:"phone,omitempty"`
	Active               bool               `json:"active"`
	AvailabilityStatus   AvailabilityStatus `json:"availability_status"`
	MaxBookingsPerDay    int                `json:"max_bookings_per_day"`
	CurrentBookingsCount int                `json:"current_bookings_count"`
	LastLocation         *Location          `json:"last_location,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// HasCapacity reports whether one more booking fits under the daily limit.
func (a *Agent) HasCapacity() bool {
	return a.CurrentBookingsCount < a.MaxBookingsPerDay
}

// CanTakeBooking is the reservation predicate: active, available and under capacity.
func (a *Agent) CanTakeBooking() bool {
	return a.Active && a.AvailabilityStatus == AvailabilityAvailable && a.HasCapacity()
}

// AgentProfile is the admin-managed part of an agent record. It never
// carries the booking counter.
type AgentProfile struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Phone             string `json:"phone,omitempty"`
	Active            *bool  `json:"active,omitempty"`
	MaxBookingsPerDay *int   `json:"max_bookings_per_day,omitempty"`
}

// Booking is a collection request as seen by the dispatch core. Tests,
// pricing and addresses live in other services.
type Booking struct {
	ID               string         `json:"id"`
	BookingNumber    string         `json:"booking_number"`
	CustomerID       string         `json:"customer_id,omitempty"`
	Status           BookingStatus  `json:"status"`
	CollectionType   CollectionType `json:"collection_type"`
	AssignedAgentID  *string        `json:"assigned_agent_id,omitempty"`
	AssignedAt       *time.Time     `json:"assigned_at,omitempty"`
	AssignedBy       *string        `json:"assigned_by,omitempty"`
	CapacityReleased bool           `json:"capacity_released"`
	ScheduledFor     *time.Time     `json:"scheduled_for,omitempty"`
	CancelReason     *string        `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// AgentID returns the assigned agent or "".
func (b *Booking) AgentID() string {
	if b.AssignedAgentID == nil {
		return ""
	}
	return *b.AssignedAgentID
}

// IsAssigned reports whether an agent is linked to the booking.
func (b *Booking) IsAssigned() bool { return b.AgentID() != "" }

// Assignable reports whether the booking can take an agent right now.
func (b *Booking) Assignable() bool {
	return b.CollectionType == CollectionHome && CanAssignFrom(b.Status) && !b.IsAssigned()
}

// StatusChange is the input to BookingRepository.CompareAndSetStatus.
type StatusChange struct {
	From    []BookingStatus
	To      BookingStatus
	AgentID string // set only by assignment; requires the booking to be unassigned
	Actor   string
	Notes   string
}

func (c StatusChange) allows(current BookingStatus) bool {
	for _, s := range c.From {
		if s == current {
			return true
		}
	}
	return false
}

// StatusHistoryEntry records one committed status change.
type StatusHistoryEntry struct {
	BookingID  string        `json:"booking_id"`
	FromStatus BookingStatus `json:"from_status"`
	ToStatus   BookingStatus `json:"to_status"`
	ChangedBy  string        `json:"changed_by,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	ChangedAt  time.Time     `json:"changed_at"`
}

// AssignmentResult is returned by a successful assignment.
type AssignmentResult struct {
	BookingID     string        `json:"booking_id"`
	BookingNumber string        `json:"booking_number"`
	AgentID       string        `json:"agent_id"`
	Status        BookingStatus `json:"status"`
	AssignedAt    time.Time     `json:"assigned_at"`
	AssignedBy    string        `json:"assigned_by"`
	Mode          string        `json:"mode"`
	Attempts      int           `json:"attempts"`
}

const (
	ModeManual = "manual"
	ModeAuto   = "auto"
)

// AssignmentEvent is emitted to the notifier after a committed assignment.
type AssignmentEvent struct {
	BookingID     string    `json:"booking_id"`
	BookingNumber string    `json:"booking_number"`
	AgentID       string    `json:"agent_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// AgentFilter selects agents from the directory.
type AgentFilter struct {
	ActiveOnly        bool
	AvailableOnly     bool
	UnderCapacityOnly bool
	Limit             int
	Offset            int
}

func (f AgentFilter) matches(a *Agent) bool {
	if f.ActiveOnly && !a.Active {
		return false
	}
	if f.AvailableOnly && a.AvailabilityStatus != AvailabilityAvailable {
		return false
	}
	if f.UnderCapacityOnly && !a.HasCapacity() {
		return false
	}
	return true
}

// EligibleFilter is the preview of Reserve's predicate.
var EligibleFilter = AgentFilter{ActiveOnly: true, AvailableOnly: true, UnderCapacityOnly: true}

// SweepResult summarizes one auto-assign pass over pending bookings.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Assigned int `json:"assigned"`
	NoAgent  int `json:"no_agent"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
