package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/clinicore/rxrequest/internal/domain/request"
	"github.com/clinicore/rxrequest/internal/infrastructure/kafka"
	"github.com/clinicore/rxrequest/pkg/circuitbreaker"
	"github.com/clinicore/rxrequest/pkg/workerpool"
)

type captureDelivery struct {
	mu   sync.Mutex
	sent []Notification
}

func (d *captureDelivery) Deliver(_ context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *captureDelivery) all() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.sent))
	copy(out, d.sent)
	return out
}

func TestRenderRecipients(t *testing.T) {
	event := request.TransitionEvent{
		ID:        "ev-1",
		RequestID: "req-1",
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
	}

	tests := []struct {
		action        request.Action
		wantRecipient string
		wantRole      request.Role
	}{
		{request.ActionCreate, "doctor-1", request.RoleDoctor},
		{request.ActionTake, "patient-1", request.RolePatient},
		{request.ActionComplete, "patient-1", request.RolePatient},
		{request.ActionReject, "patient-1", request.RolePatient},
		{request.ActionCancel, "doctor-1", request.RoleDoctor},
	}

	for _, tt := range tests {
		event.Action = tt.action
		ns := Render(event)
		if len(ns) != 1 {
			t.Fatalf("%s: %d notifications, want 1", tt.action, len(ns))
		}
		if ns[0].Recipient != tt.wantRecipient || ns[0].Role != tt.wantRole {
			t.Errorf("%s: recipient %s/%s, want %s/%s",
				tt.action, ns[0].Recipient, ns[0].Role, tt.wantRecipient, tt.wantRole)
		}
		if ns[0].RequestID != "req-1" || ns[0].EventID != "ev-1" {
			t.Errorf("%s: event linkage lost: %+v", tt.action, ns[0])
		}
	}

	event.Action = request.Action("unknown")
	if ns := Render(event); ns != nil {
		t.Fatalf("unknown action produced %d notifications", len(ns))
	}
}

func newTestNotifier(t *testing.T, delivery Delivery) *Notifier {
	t.Helper()
	n, err := New(Config{
		Delivery: delivery,
		Pool: workerpool.Config{
			Workers: 2, QueueSize: 16, MaxRetries: 1,
			RetryDelay: time.Millisecond, GracefulShutdownTimeout: 5 * time.Second,
		},
		Breaker:  circuitbreaker.DefaultConfig("test-gateway"),
	})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	n.Start()
	t.Cleanup(func() { n.Stop() })
	return n
}

func TestHandleMessageDelivers(t *testing.T) {
	delivery := &captureDelivery{}
	n := newTestNotifier(t, delivery)

	event := request.TransitionEvent{
		ID:        "ev-1",
		RequestID: "req-1",
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		Action:    request.ActionComplete,
	}
	payload, _ := json.Marshal(event)

	err := n.HandleMessage(context.Background(), &kafka.ConsumedMessage{
		Topic: kafka.TopicTransitions,
		Value: payload,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		sent := delivery.all()
		if len(sent) == 1 {
			if sent[0].Recipient != "patient-1" {
				t.Fatalf("recipient = %s", sent[0].Recipient)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("notification never delivered, sent=%d", len(sent))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	delivery := &captureDelivery{}
	n := newTestNotifier(t, delivery)

	// Malformed payloads must not be redelivered forever.
	err := n.HandleMessage(context.Background(), &kafka.ConsumedMessage{
		Topic: kafka.TopicTransitions,
		Value: []byte("{not json"),
	})
	if err != nil {
		t.Fatalf("malformed payload should be dropped, got %v", err)
	}
	if len(delivery.all()) != 0 {
		t.Fatal("malformed payload produced a notification")
	}
}
