// Package worker runs dispatch background jobs on asynq: assignment
// notifications fanned out from the engine and the periodic auto-assign sweep.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pickmylab/dispatch/internal/domain/dispatch"
)

const (
	TypeAssignmentNotify = "dispatch:assignment_notify"
	TypeAutoAssignSweep  = "dispatch:auto_assign_sweep"
)

const (
	QueueNotifications = "notifications"
	QueueSweeps        = "sweeps"
)

// SweepActor is recorded as assigned_by for bookings placed by the sweep.
const SweepActor = "system:auto-assign"

// SweepPayload is the body of a TypeAutoAssignSweep task.
type SweepPayload struct {
	Actor string `json:"actor"`
}

func NewAssignmentNotifyTask(evt dispatch.AssignmentEvent) (*asynq.Task, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal assignment event: %w", err)
	}
	return asynq.NewTask(TypeAssignmentNotify, b,
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	), nil
}

// NewSweepTask builds a sweep task. Unique keeps a slow sweep from piling up
// behind itself.
func NewSweepTask(actor string, interval time.Duration) (*asynq.Task, error) {
	if actor == "" {
		actor = SweepActor
	}
	b, err := json.Marshal(SweepPayload{Actor: actor})
	if err != nil {
		return nil, fmt.Errorf("marshal sweep payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(QueueSweeps),
		asynq.MaxRetry(0),
	}
	if interval > 0 {
		opts = append(opts, asynq.Unique(interval), asynq.Timeout(interval))
	}
	return asynq.NewTask(TypeAutoAssignSweep, b, opts...), nil
}
