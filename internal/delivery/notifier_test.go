// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/queue"
	"github.com/google/uuid"
)

type fakeTargets struct {
	targets []domain.DeliveryTarget
}

func (f *fakeTargets) ForEvent(context.Context, string) ([]domain.DeliveryTarget, error) {
	return f.targets, nil
}

type fakeSink struct {
	enqueued []domain.EnqueueParams
	existing map[string]bool
}

func (f *fakeSink) Enqueue(_ context.Context, _ domain.Actor, params domain.EnqueueParams) (*domain.DeliveryTask, bool, error) {
	created := !f.existing[params.IdempotencyKey]
	if created {
		f.enqueued = append(f.enqueued, params)
	}
	return &domain.DeliveryTask{
		ID:             uuid.New(),
		IdempotencyKey: params.IdempotencyKey,
		EventType:      params.EventType,
		Target:         params.Target,
		Status:         domain.DeliveryPending,
	}, created, nil
}

func TestNotifierFansOutPerTarget(t *testing.T) {
	targets := &fakeTargets{targets: []domain.DeliveryTarget{
		{ID: uuid.New(), EventType: "bundle.built", URL: "https://a.example/hook"},
		{ID: uuid.New(), EventType: "bundle.built", URL: "https://b.example/hook"},
	}}
	sink := &fakeSink{}
	var wakeBuf bytes.Buffer
	pub, _ := queue.NewPublisher(queue.Config{Driver: queue.DriverStdio, Writer: &wakeBuf})
	n := NewNotifier(targets, sink, pub, "wake", 5, slog.Default())

	resourceID := uuid.New()
	tasks, err := n.EventOccurred(context.Background(), domain.SystemActor(""), "bundle.built", resourceID, json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("EventOccurred: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if sink.enqueued[0].IdempotencyKey == sink.enqueued[1].IdempotencyKey {
		t.Fatal("different targets produced identical idempotency keys")
	}
	if wakeBuf.Len() == 0 {
		t.Fatal("no wake signal published")
	}
}

func TestNotifierAbsorbsDuplicates(t *testing.T) {
	targets := &fakeTargets{targets: []domain.DeliveryTarget{
		{ID: uuid.New(), EventType: "bundle.built", URL: "https://a.example/hook"},
	}}
	sink := &fakeSink{}
	pub, _ := queue.NewPublisher(queue.Config{Driver: queue.DriverNone})
	n := NewNotifier(targets, sink, pub, "wake", 5, slog.Default())
	resourceID := uuid.New()

	first, err := n.EventOccurred(context.Background(), domain.SystemActor(""), "bundle.built", resourceID, nil)
	if err != nil || len(first) != 1 {
		t.Fatalf("first EventOccurred = %v, %v", first, err)
	}

	sink.existing = map[string]bool{sink.enqueued[0].IdempotencyKey: true}
	second, err := n.EventOccurred(context.Background(), domain.SystemActor(""), "bundle.built", resourceID, nil)
	if err != nil {
		t.Fatalf("second EventOccurred: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("duplicate event produced %d new tasks, want 0", len(second))
	}
	if len(sink.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(sink.enqueued))
	}
}

func TestNotifierNoTargetsNoTasks(t *testing.T) {
	pub, _ := queue.NewPublisher(queue.Config{Driver: queue.DriverNone})
	n := NewNotifier(&fakeTargets{}, &fakeSink{}, pub, "wake", 5, slog.Default())

	tasks, err := n.EventOccurred(context.Background(), domain.SystemActor(""), "bundle.built", uuid.New(), nil)
	if err != nil {
		t.Fatalf("EventOccurred: %v", err)
	}
	if tasks != nil {
		t.Fatalf("tasks = %v, want nil", tasks)
	}
}
