package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// AutoAssignPending runs AssignAuto over the oldest unassigned home
// bookings. A failure on one booking never stops the pass.
func (s *Service) AutoAssignPending(ctx context.Context, actorID string) (*SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.AutoAssignPending", trace.WithAttributes(
		attribute.String("actor.id", actorID),
		attribute.Int("batch", s.sweepBatch),
	))
	defer span.End()

	pending, err := s.bookings.ListAssignable(ctx, s.sweepBatch)
	if err != nil {
		recordErr(span, err)
		return nil, fmt.Errorf("list assignable bookings: %w", err)
	}

	res := &SweepResult{Scanned: len(pending)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)
	for _, b := range pending {
		bookingID := b.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.AssignAuto(gctx, bookingID, actorID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Assigned++
			case errors.Is(err, ErrNoAvailableAgents):
				res.NoAgent++
			case errors.Is(err, ErrBookingNotAssignable), errors.Is(err, ErrNotFound):
				res.Skipped++
			default:
				res.Failed++
				s.logger.Error().Err(err).Str("booking_id", bookingID).Msg("auto-assign failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		recordErr(span, err)
		return res, err
	}

	span.SetAttributes(
		attribute.Int("scanned", res.Scanned),
		attribute.Int("assigned", res.Assigned),
		attribute.Int("no_agent", res.NoAgent),
	)
	s.logger.Info().
		Int("scanned", res.Scanned).
		Int("assigned", res.Assigned).
		Int("no_agent", res.NoAgent).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("auto-assign sweep finished")
	return res, nil
}
