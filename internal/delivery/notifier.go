// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/idempotency"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/queue"
	"github.com/google/uuid"
)

// TargetSource resolves registered destinations for an event type.
type TargetSource interface {
	ForEvent(ctx context.Context, eventType string) ([]domain.DeliveryTarget, error)
}

// TaskSink persists delivery obligations.
type TaskSink interface {
	Enqueue(ctx context.Context, actor domain.Actor, params domain.EnqueueParams) (*domain.DeliveryTask, bool, error)
}

// Notifier turns one business event into one durable delivery task per
// registered target. Enqueueing is the durable step; the queue wake is
// best-effort and only trims first-attempt latency.
type Notifier struct {
	targets     TargetSource
	tasks       TaskSink
	publisher   queue.Publisher
	wakeTopic   string
	maxAttempts int
	logger      *slog.Logger
}

func NewNotifier(targets TargetSource, tasks TaskSink, publisher queue.Publisher, wakeTopic string, maxAttempts int, logger *slog.Logger) *Notifier {
	return &Notifier{
		targets:     targets,
		tasks:       tasks,
		publisher:   publisher,
		wakeTopic:   wakeTopic,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// EventOccurred fans an event out to every target registered for its
// type. The idempotency key is derived from (event type, resource id,
// target), so replaying the same event is absorbed by the queue instead
// of producing duplicate notifications.
func (n *Notifier) EventOccurred(ctx context.Context, actor domain.Actor, eventType string, resourceID uuid.UUID, payload json.RawMessage) ([]domain.DeliveryTask, error) {
	targets, err := n.targets.ForEvent(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	tasks := make([]domain.DeliveryTask, 0, len(targets))
	for _, target := range targets {
		task, created, err := n.tasks.Enqueue(ctx, actor, domain.EnqueueParams{
			EventType:      eventType,
			Payload:        payload,
			Target:         target.URL,
			IdempotencyKey: idempotency.EventKeyV1(eventType, resourceID, target.URL),
			MaxAttempts:    n.maxAttempts,
		})
		if err != nil {
			return tasks, err
		}
		if !created {
			n.logger.Debug("delivery already owed, enqueue absorbed",
				"event_type", eventType,
				"resource_id", resourceID,
				"target", target.URL,
			)
			continue
		}
		tasks = append(tasks, *task)
	}

	if len(tasks) > 0 {
		n.wake(ctx, eventType, resourceID)
	}
	return tasks, nil
}

func (n *Notifier) wake(ctx context.Context, eventType string, resourceID uuid.UUID) {
	body, err := json.Marshal(map[string]string{
		"event_type":  eventType,
		"resource_id": resourceID.String(),
	})
	if err != nil {
		return
	}
	if err := n.publisher.Publish(ctx, n.wakeTopic, body); err != nil {
		// Worker poll loop picks the task up anyway.
		n.logger.Warn("delivery wake publish failed",
			"event_type", eventType,
			"error", err,
		)
	}
}
