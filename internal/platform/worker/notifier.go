package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/pickmylab/dispatch/internal/domain/dispatch"
)

// Enqueuer is the part of *asynq.Client the notifier uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueNotifier hands assignment events to the worker through Redis so the
// API process never waits on an SMS gateway.
type QueueNotifier struct {
	client Enqueuer
}

func NewQueueNotifier(client Enqueuer) *QueueNotifier {
	return &QueueNotifier{client: client}
}

func (n *QueueNotifier) NotifyAssignment(ctx context.Context, evt dispatch.AssignmentEvent) error {
	task, err := NewAssignmentNotifyTask(evt)
	if err != nil {
		return err
	}
	if _, err := n.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue assignment notification for %s: %w", evt.BookingID, err)
	}
	return nil
}

var _ dispatch.Notifier = (*QueueNotifier)(nil)
