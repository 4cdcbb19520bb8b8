package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/pickmylab/dispatch/internal/domain/dispatch"
	"github.com/pickmylab/dispatch/internal/platform/notification"
	"github.com/pickmylab/dispatch/internal/platform/webhook"
)

// Sweeper runs one auto-assign pass.
type Sweeper interface {
	AutoAssignPending(ctx context.Context, actorID string) (*dispatch.SweepResult, error)
}

// AgentLookup resolves the phlebotomist a notice is addressed to.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*dispatch.Agent, error)
}

// Handlers holds the task handlers' collaborators.
type Handlers struct {
	Sweeper  Sweeper
	Agents   AgentLookup
	Notifier *notification.Manager
	// Webhooks is optional. Delivery failures are logged and never fail the
	// task.
	Webhooks *webhook.Manager
	Logger   zerolog.Logger
}

// NewServeMux routes task types to their handlers.
func NewServeMux(h *Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeAssignmentNotify, h.HandleAssignmentNotify)
	mux.HandleFunc(TypeAutoAssignSweep, h.HandleAutoAssignSweep)
	return mux
}

// HandleAssignmentNotify posts the booking.assigned webhook and sends the
// phlebotomist-assigned message. Payload and addressing problems skip
// retries; SMS delivery errors are retried by asynq.
func (h *Handlers) HandleAssignmentNotify(ctx context.Context, t *asynq.Task) error {
	var evt dispatch.AssignmentEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode assignment event: %v: %w", err, asynq.SkipRetry)
	}
	h.deliverWebhooks(ctx, evt)

	agent, err := h.Agents.GetAgent(ctx, evt.AgentID)
	if errors.Is(err, dispatch.ErrNotFound) {
		return fmt.Errorf("agent %s: %v: %w", evt.AgentID, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("lookup agent %s: %w", evt.AgentID, err)
	}

	_, err = h.Notifier.NotifyAgentAssigned(ctx, notification.AssignmentNotice{
		BookingID:     evt.BookingID,
		BookingNumber: evt.BookingNumber,
		AgentID:       agent.ID,
		AgentName:     agent.Name,
		Phone:         agent.Phone,
		AssignedAt:    evt.Timestamp,
	})
	if errors.Is(err, notification.ErrNoRecipient) {
		return fmt.Errorf("agent %s has no phone: %w", agent.ID, asynq.SkipRetry)
	}
	return err
}

// HandleAutoAssignSweep runs one auto-assign pass.
func (h *Handlers) HandleAutoAssignSweep(ctx context.Context, t *asynq.Task) error {
	var p SweepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Actor == "" {
		p.Actor = SweepActor
	}
	res, err := h.Sweeper.AutoAssignPending(ctx, p.Actor)
	if err != nil {
		return fmt.Errorf("auto-assign sweep: %w", err)
	}
	h.Logger.Debug().
		Int("scanned", res.Scanned).
		Int("assigned", res.Assigned).
		Msg("sweep task done")
	return nil
}

func (h *Handlers) deliverWebhooks(ctx context.Context, evt dispatch.AssignmentEvent) {
	if h.Webhooks == nil {
		return
	}
	results, err := h.Webhooks.Deliver(ctx, webhook.AssignedEvent(evt))
	if err != nil {
		h.Logger.Warn().Err(err).Str("booking_id", evt.BookingID).Msg("webhook delivery skipped")
		return
	}
	for _, r := range results {
		if !r.Success {
			h.Logger.Warn().
				Str("booking_id", evt.BookingID).
				Str("endpoint_id", r.EndpointID).
				Int("status_code", r.StatusCode).
				Int("attempts", r.Attempts).
				Str("error", r.Error).
				Msg("webhook delivery failed")
		}
	}
}
