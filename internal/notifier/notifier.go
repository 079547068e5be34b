// Package notifier turns transition events into user notifications.
// Delivery is fire-and-forget with respect to the request lifecycle: the
// engine never waits on, or fails because of, a notification.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/domain/request"
	"github.com/clinicore/rxrequest/internal/infrastructure/kafka"
	"github.com/clinicore/rxrequest/internal/observability/metrics"
	"github.com/clinicore/rxrequest/pkg/circuitbreaker"
	"github.com/clinicore/rxrequest/pkg/idempotency"
	"github.com/clinicore/rxrequest/pkg/workerpool"
)

// Notification is one message to one recipient.
type Notification struct {
	Recipient string       `json:"recipient"`
	Role      request.Role `json:"role"`
	Subject   string       `json:"subject"`
	Body      string       `json:"body"`
	EventID   string       `json:"event_id"`
	RequestID string       `json:"request_id"`
}

// Delivery sends a notification to its recipient.
type Delivery interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogDelivery writes notifications to the log. Used in development and as
// the default when no gateway is configured.
type LogDelivery struct {
	Logger *zap.Logger
}

// Deliver logs the notification.
func (d LogDelivery) Deliver(ctx context.Context, n Notification) error {
	d.Logger.Info("notification",
		zap.String("recipient", n.Recipient),
		zap.String("role", string(n.Role)),
		zap.String("subject", n.Subject),
		zap.String("request_id", n.RequestID))
	return nil
}

// Notifier consumes transition events and dispatches notifications. The
// inbox deduplicates broker redeliveries; the worker pool bounds concurrent
// gateway calls; the breaker sheds load when the gateway is down.
type Notifier struct {
	delivery Delivery
	inbox    *idempotency.Inbox
	pool     *workerpool.Pool
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Config assembles a Notifier. Inbox and Metrics may be nil.
type Config struct {
	Delivery Delivery
	Inbox    *idempotency.Inbox
	Pool     workerpool.Config
	Breaker  circuitbreaker.Config
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// New creates a notifier. Call Start before handling messages.
func New(cfg Config) (*Notifier, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Delivery == nil {
		cfg.Delivery = LogDelivery{Logger: logger}
	}

	n := &Notifier{
		delivery: cfg.Delivery,
		inbox:    cfg.Inbox,
		breaker:  circuitbreaker.New(cfg.Breaker, logger),
		metrics:  cfg.Metrics,
		logger:   logger,
	}

	pool, err := workerpool.New(cfg.Pool, n.deliverTask, logger)
	if err != nil {
		return nil, err
	}
	n.pool = pool
	return n, nil
}

// Start launches the delivery workers.
func (n *Notifier) Start() {
	n.pool.Start()
}

// Stop drains the delivery workers.
func (n *Notifier) Stop() error {
	return n.pool.Stop()
}

// HandleMessage is the kafka consumer handler. It is idempotent per event id
// and returns an error only when the event should be redelivered.
func (n *Notifier) HandleMessage(ctx context.Context, msg *kafka.ConsumedMessage) error {
	var event request.TransitionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Unparseable events are logged and dropped; redelivery cannot fix
		// a malformed payload.
		n.logger.Error("dropping malformed transition event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	if n.inbox == nil {
		return n.dispatch(ctx, event)
	}

	_, err := n.inbox.Process(ctx, event.ID, "notifier", msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, n.dispatch(ctx, event)
		})
	if err != nil {
		if err == idempotency.ErrDuplicateEvent || err == idempotency.ErrEventInProgress {
			return nil
		}
		return err
	}
	return nil
}

// dispatch enqueues one notification per recipient of the event. Enqueue
// failure (pool saturated) is returned so the event is redelivered.
func (n *Notifier) dispatch(ctx context.Context, event request.TransitionEvent) error {
	for i, notification := range Render(event) {
		task := &workerpool.Task{
			ID:      fmt.Sprintf("%s-%d", event.ID, i),
			Payload: notification,
			Context: ctx,
		}
		if err := n.pool.Submit(task); err != nil {
			return fmt.Errorf("enqueue notification for %s: %w", notification.Recipient, err)
		}
	}
	return nil
}

func (n *Notifier) deliverTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	notification, ok := task.Payload.(Notification)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Success: false,
			Error: fmt.Errorf("invalid task payload %T", task.Payload)}
	}

	err := n.breaker.Execute(ctx, func() error {
		return n.delivery.Deliver(ctx, notification)
	})
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}

	if n.metrics != nil {
		n.metrics.NotificationsSent.Inc()
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

// Render maps a transition event onto the notifications it triggers. The
// counterparty of the acting side is notified; the actor already knows.
func Render(event request.TransitionEvent) []Notification {
	base := Notification{
		EventID:   event.ID,
		RequestID: event.RequestID,
	}

	switch event.Action {
	case request.ActionCreate:
		n := base
		n.Recipient = event.DoctorID
		n.Role = request.RoleDoctor
		n.Subject = "New prescription request"
		n.Body = "A patient has requested a prescription."
		return []Notification{n}
	case request.ActionTake:
		n := base
		n.Recipient = event.PatientID
		n.Role = request.RolePatient
		n.Subject = "Your request is being reviewed"
		n.Body = "Your doctor has started working on your prescription request."
		return []Notification{n}
	case request.ActionComplete:
		n := base
		n.Recipient = event.PatientID
		n.Role = request.RolePatient
		n.Subject = "Your prescription is ready"
		n.Body = "Your prescription request has been completed."
		return []Notification{n}
	case request.ActionReject:
		n := base
		n.Recipient = event.PatientID
		n.Role = request.RolePatient
		n.Subject = "Your request was declined"
		n.Body = "Your prescription request was declined. See the request for the reason."
		return []Notification{n}
	case request.ActionCancel:
		n := base
		n.Recipient = event.DoctorID
		n.Role = request.RoleDoctor
		n.Subject = "Request cancelled"
		n.Body = "A patient has cancelled a pending prescription request."
		return []Notification{n}
	}
	return nil
}
