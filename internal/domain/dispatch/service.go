package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pickmylab/dispatch/internal/domain/dispatch"

// maxStatusAttempts bounds re-validation when a status update loses a race.
const maxStatusAttempts = 3

// Options configures a Service. Zero values pick defaults.
type Options struct {
	Notifier         Notifier
	Logger           zerolog.Logger
	CandidateLimit   int
	SweepBatch       int
	SweepConcurrency int
	// Atomic, when set, runs the release claim and the counter decrement in
	// one transaction. Without it a failed decrement undoes the claim.
	Atomic func(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service is the assignment engine. It never holds a lock across the agent
// directory and the booking ledger; a failed booking update after a
// successful reservation is undone with a compensating release.
type Service struct {
	agents   AgentRepository
	bookings BookingRepository
	notifier Notifier
	atomic   func(ctx context.Context, fn func(ctx context.Context) error) error
	logger   zerolog.Logger
	tracer   trace.Tracer

	assignments   metric.Int64Counter
	compensations metric.Int64Counter
	releases      metric.Int64Counter

	candidateLimit   int
	sweepBatch       int
	sweepConcurrency int

	notifyWG sync.WaitGroup
	now      func() time.Time
}

func NewService(agents AgentRepository, bookings BookingRepository, opts Options) *Service {
	s := &Service{
		agents:           agents,
		bookings:         bookings,
		notifier:         opts.Notifier,
		atomic:           opts.Atomic,
		logger:           opts.Logger.With().Str("component", "dispatch").Logger(),
		tracer:           otel.Tracer(instrumentationName),
		candidateLimit:   opts.CandidateLimit,
		sweepBatch:       opts.SweepBatch,
		sweepConcurrency: opts.SweepConcurrency,
		now:              time.Now,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.sweepBatch <= 0 {
		s.sweepBatch = 50
	}
	if s.sweepConcurrency <= 0 {
		s.sweepConcurrency = 4
	}

	meter := otel.Meter(instrumentationName)
	s.assignments, _ = meter.Int64Counter("dispatch.assignments",
		metric.WithDescription("Committed booking assignments"))
	s.compensations, _ = meter.Int64Counter("dispatch.compensations",
		metric.WithDescription("Reservations rolled back after a failed booking update"))
	s.releases, _ = meter.Int64Counter("dispatch.releases",
		metric.WithDescription("Agent capacity returned on completion or cancellation"))
	return s
}

// WaitNotifications blocks until in-flight notifier calls return.
func (s *Service) WaitNotifications() { s.notifyWG.Wait() }

// -- Assignment --

// AssignManual links bookingID to agentID on behalf of actorID.
func (s *Service) AssignManual(ctx context.Context, bookingID, agentID, actorID string) (*AssignmentResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.AssignManual", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("agent.id", agentID),
		attribute.String("actor.id", actorID),
	))
	defer span.End()

	if bookingID == "" || agentID == "" {
		err := fmt.Errorf("%w: booking_id and agent_id are required", ErrInvalidInput)
		recordErr(span, err)
		return nil, err
	}

	res, err := s.assign(ctx, bookingID, agentID, actorID)
	if errors.Is(err, ErrPreconditionFailed) {
		err = changedDuringAssignment(bookingID, err)
	}
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	res.Mode = ModeManual
	res.Attempts = 1
	s.assignments.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", ModeManual)))
	return res, nil
}

// AssignAuto picks the least loaded eligible agent for bookingID. Losing a
// reservation race moves on to the next candidate; no agent is tried twice.
func (s *Service) AssignAuto(ctx context.Context, bookingID, actorID string) (*AssignmentResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.AssignAuto", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("actor.id", actorID),
	))
	defer span.End()

	res, err := s.assignAuto(ctx, bookingID, actorID)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("agent.id", res.AgentID), attribute.Int("attempts", res.Attempts))
	s.assignments.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", ModeAuto)))
	return res, nil
}

func (s *Service) assignAuto(ctx context.Context, bookingID, actorID string) (*AssignmentResult, error) {
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.Assignable() {
		return nil, notAssignable(b)
	}

	candidates, err := Eligible(ctx, b, s.agents, s.candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("list eligible agents: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: booking %s", ErrNoAvailableAgents, bookingID)
	}

	conflicted := false
	for i, c := range candidates {
		res, err := s.assign(ctx, bookingID, c.ID, actorID)
		if err == nil {
			res.Mode = ModeAuto
			res.Attempts = i + 1
			return res, nil
		}
		var ce *CompensationError
		if errors.As(err, &ce) {
			return nil, changedDuringAssignment(bookingID, err)
		}
		if isContention(err) {
			if errors.Is(err, ErrPreconditionFailed) {
				conflicted = true
			}
			s.logger.Debug().Err(err).
				Str("booking_id", bookingID).
				Str("agent_id", c.ID).
				Msg("candidate lost, trying next")
			continue
		}
		return nil, err
	}
	if conflicted {
		return nil, changedDuringAssignment(bookingID, nil)
	}
	return nil, fmt.Errorf("%w: booking %s, %d candidates exhausted", ErrNoAvailableAgents, bookingID, len(candidates))
}

// assign runs the reserve -> compare-and-set saga for one agent.
func (s *Service) assign(ctx context.Context, bookingID, agentID, actorID string) (*AssignmentResult, error) {
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.Assignable() {
		return nil, notAssignable(b)
	}

	if _, err := s.agents.Reserve(ctx, agentID); err != nil {
		return nil, err
	}

	updated, err := s.bookings.CompareAndSetStatus(ctx, bookingID, StatusChange{
		From:    AssignableStatuses(),
		To:      StatusConfirmed,
		AgentID: agentID,
		Actor:   actorID,
		Notes:   "assigned to " + agentID,
	})
	if err != nil {
		return nil, s.compensate(ctx, bookingID, agentID, err)
	}

	res := &AssignmentResult{
		BookingID:     updated.ID,
		BookingNumber: updated.BookingNumber,
		AgentID:       agentID,
		Status:        updated.Status,
		AssignedBy:    actorID,
	}
	if updated.AssignedAt != nil {
		res.AssignedAt = *updated.AssignedAt
	}
	s.emit(ctx, AssignmentEvent{
		BookingID:     updated.ID,
		BookingNumber: updated.BookingNumber,
		AgentID:       agentID,
		Timestamp:     res.AssignedAt,
	})
	s.logger.Info().
		Str("booking_id", bookingID).
		Str("agent_id", agentID).
		Str("actor_id", actorID).
		Msg("booking assigned")
	return res, nil
}

// compensate returns the capacity taken by a reservation whose booking
// update failed. It runs even if the caller's context is already done.
func (s *Service) compensate(ctx context.Context, bookingID, agentID string, cause error) error {
	rctx := context.WithoutCancel(ctx)
	if _, err := s.agents.Release(rctx, agentID); err != nil {
		s.logger.Error().Err(err).
			Str("booking_id", bookingID).
			Str("agent_id", agentID).
			AnErr("cause", cause).
			Msg("compensating release failed")
		return errors.Join(cause, &CompensationError{AgentID: agentID, Err: err})
	}
	s.compensations.Add(rctx, 1)
	s.logger.Warn().
		Str("booking_id", bookingID).
		Str("agent_id", agentID).
		AnErr("cause", cause).
		Msg("reservation rolled back")
	return cause
}

func (s *Service) emit(ctx context.Context, evt AssignmentEvent) {
	nctx := context.WithoutCancel(ctx)
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("booking_id", evt.BookingID).Msg("notifier panicked")
			}
		}()
		if err := s.notifier.NotifyAssignment(nctx, evt); err != nil {
			s.logger.Warn().Err(err).
				Str("booking_id", evt.BookingID).
				Str("agent_id", evt.AgentID).
				Msg("assignment notification failed")
		}
	}()
}

// ReleaseAgent returns the capacity held by bookingID's agent. Calling it
// again, or on an unassigned booking, is a no-op.
func (s *Service) ReleaseAgent(ctx context.Context, bookingID string) error {
	ctx, span := s.tracer.Start(ctx, "dispatch.ReleaseAgent", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
	))
	defer span.End()

	var agentID string
	err := s.atomically(ctx, func(ctx context.Context) error {
		id, claimed, err := s.bookings.ClaimRelease(ctx, bookingID)
		if err != nil || !claimed {
			return err
		}
		if _, err := s.agents.Release(ctx, id); err != nil {
			return s.undoClaim(ctx, bookingID, fmt.Errorf("release agent %s: %w", id, err))
		}
		agentID = id
		return nil
	})
	if err != nil {
		recordErr(span, err)
		s.logger.Error().Err(err).Str("booking_id", bookingID).Msg("capacity release failed")
		return err
	}
	if agentID == "" {
		return nil
	}
	span.SetAttributes(attribute.String("agent.id", agentID))
	s.releases.Add(ctx, 1)
	s.logger.Info().Str("booking_id", bookingID).Str("agent_id", agentID).Msg("agent capacity released")
	return nil
}

func (s *Service) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.atomic == nil {
		return fn(ctx)
	}
	return s.atomic(ctx, fn)
}

// undoClaim restores the release flag after a failed decrement. A
// transaction rolls the claim back on its own.
func (s *Service) undoClaim(ctx context.Context, bookingID string, cause error) error {
	if s.atomic != nil {
		return cause
	}
	if err := s.bookings.UndoRelease(ctx, bookingID); err != nil {
		return errors.Join(cause, fmt.Errorf("restore release claim on %s: %w", bookingID, err))
	}
	return cause
}

// -- Status updates --

// UpdateBookingStatus moves a booking along its lifecycle. Field statuses
// on home collections must come from the assigned agent.
func (s *Service) UpdateBookingStatus(ctx context.Context, bookingID, agentID, newStatus, notes string) (*Booking, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.UpdateBookingStatus", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("agent.id", agentID),
		attribute.String("status", newStatus),
	))
	defer span.End()

	b, err := s.transition(ctx, bookingID, BookingStatus(newStatus), agentID, agentID, notes)
	if err != nil {
		recordErr(span, err)
	}
	return b, err
}

// CancelBooking cancels a booking that has not reached sample collection and
// returns any capacity it held.
func (s *Service) CancelBooking(ctx context.Context, bookingID, actorID, reason string) (*Booking, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.CancelBooking", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("actor.id", actorID),
	))
	defer span.End()

	b, err := s.transition(ctx, bookingID, StatusCancelled, "", actorID, reason)
	if err != nil {
		recordErr(span, err)
	}
	return b, err
}

func (s *Service) transition(ctx context.Context, bookingID string, to BookingStatus, agentID, actorID, notes string) (*Booking, error) {
	var (
		updated *Booking
		tr      Transition
	)
	for attempt := 1; ; attempt++ {
		b, err := s.bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		tr, err = ValidateTransition(b, to, agentID)
		if err != nil {
			return nil, err
		}
		updated, err = s.bookings.CompareAndSetStatus(ctx, bookingID, StatusChange{
			From:  []BookingStatus{tr.From},
			To:    to,
			Actor: actorID,
			Notes: notes,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			return nil, err
		}
		if attempt == maxStatusAttempts {
			return nil, fmt.Errorf("%w: booking %s kept changing, retry the update", ErrPreconditionFailed, bookingID)
		}
	}

	s.logger.Info().
		Str("booking_id", bookingID).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("actor_id", actorID).
		Msg("booking status changed")

	if !tr.ReleasesAgent || !updated.IsAssigned() {
		return updated, nil
	}
	if err := s.ReleaseAgent(ctx, bookingID); err != nil {
		return updated, fmt.Errorf("status changed to %s but capacity release failed: %w", to, err)
	}
	return s.bookings.GetBooking(ctx, bookingID)
}

// -- Directory --

// SetAgentAvailability records an agent's self-reported state.
func (s *Service) SetAgentAvailability(ctx context.Context, agentID, status string, loc *Location) error {
	_, err := s.UpdateAvailability(ctx, agentID, status, loc)
	return err
}

// UpdateAvailability is SetAgentAvailability returning the stored agent.
func (s *Service) UpdateAvailability(ctx context.Context, agentID, status string, loc *Location) (*Agent, error) {
	st := AvailabilityStatus(status)
	if !st.Valid() {
		return nil, fmt.Errorf("%w: unknown availability status %q", ErrInvalidInput, status)
	}
	if loc != nil && (loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180) {
		return nil, fmt.Errorf("%w: location out of range", ErrInvalidInput)
	}
	return s.agents.SetAvailability(ctx, agentID, st, loc)
}

func (s *Service) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.agents.GetAgent(ctx, id)
}

// ListAgents pages through the directory in load order.
func (s *Service) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, int, error) {
	total, err := s.agents.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.agents.ListEligible(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Service) UpsertAgent(ctx context.Context, p AgentProfile) (*Agent, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return s.agents.UpsertAgent(ctx, p)
}

// -- Ledger --

var validCollectionTypes = map[CollectionType]bool{CollectionHome: true, CollectionWalkIn: true}

// CreateBooking registers a new booking in pending status.
func (s *Service) CreateBooking(ctx context.Context, b *Booking) error {
	if b.CollectionType == "" {
		b.CollectionType = CollectionHome
	}
	if !validCollectionTypes[b.CollectionType] {
		return fmt.Errorf("%w: invalid collection_type %q", ErrInvalidInput, b.CollectionType)
	}
	b.Status = StatusPending
	b.AssignedAgentID, b.AssignedAt, b.AssignedBy = nil, nil, nil
	b.CapacityReleased = false
	return s.bookings.CreateBooking(ctx, b)
}

func (s *Service) GetBooking(ctx context.Context, id string) (*Booking, error) {
	return s.bookings.GetBooking(ctx, id)
}

func (s *Service) BookingHistory(ctx context.Context, id string) ([]*StatusHistoryEntry, error) {
	return s.bookings.History(ctx, id)
}

func (s *Service) ListAgentBookings(ctx context.Context, agentID string, limit, offset int) ([]*Booking, int, error) {
	if _, err := s.agents.GetAgent(ctx, agentID); err != nil {
		return nil, 0, err
	}
	return s.bookings.ListByAgent(ctx, agentID, limit, offset)
}

// CompensationError reports a reservation that could not be rolled back.
// The agent's counter is one higher than it should be.
type CompensationError struct {
	AgentID string
	Err     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensating release of %s: %v", e.AgentID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// changedDuringAssignment replaces a lost booking race with
// ErrBookingNotAssignable, keeping any failed compensation attached.
func changedDuringAssignment(bookingID string, err error) error {
	out := fmt.Errorf("%w: booking %s changed during assignment", ErrBookingNotAssignable, bookingID)
	var ce *CompensationError
	if errors.As(err, &ce) {
		return errors.Join(out, ce)
	}
	return out
}

func notAssignable(b *Booking) error {
	switch {
	case b.CollectionType != CollectionHome:
		return fmt.Errorf("%w: booking %s is a %s collection", ErrBookingNotAssignable, b.ID, b.CollectionType)
	case b.IsAssigned():
		return fmt.Errorf("%w: booking %s is already assigned to %s", ErrBookingNotAssignable, b.ID, b.AgentID())
	default:
		return fmt.Errorf("%w: booking %s is %s", ErrBookingNotAssignable, b.ID, b.Status)
	}
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, KindOf(err))
}
