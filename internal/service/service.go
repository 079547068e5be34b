// Package service implements the prescription request lifecycle engine:
// creation, claim coordination, fulfillment, rejection, cancellation, and
// role-scoped queries.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/domain/request"
	"github.com/clinicore/rxrequest/internal/observability/metrics"
)

// DefaultStoreTimeout bounds every store call. A timed-out mutation has an
// unknown outcome; callers must re-fetch before retrying.
const DefaultStoreTimeout = 5 * time.Second

// Service coordinates the request lifecycle on top of a request.Store.
type Service struct {
	store        request.Store
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
	storeTimeout time.Duration
	now          func() time.Time
}

// New creates a lifecycle service. metrics may be nil.
func New(store request.Store, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("request-service"),
		storeTimeout: DefaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput describes one requested medication.
type CreateInput struct {
	DoctorID      string `json:"doctor_id"`
	Description   string `json:"description"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

// CreateRequest creates a single prescription request for the calling
// patient. The request enters PENDING.
func (s *Service) CreateRequest(ctx context.Context, actor request.Actor, in CreateInput) (*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "create_request")
	defer span.End()
	defer s.observe(time.Now())

	if actor.Role != request.RolePatient {
		return nil, request.NewForbidden("only patients can create prescription requests")
	}

	r := s.newRequest(actor, "", in)
	if err := request.ValidateNew(r); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request_id", r.ID))

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.Create(ctx, r); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveCreated(1, false)
	s.logger.Info("request created",
		zap.String("request_id", r.ID),
		zap.String("doctor_id", r.DoctorID))
	return r, nil
}

// BatchCreateInput describes several medications requested from the same
// doctor in one patient action.
type BatchCreateInput struct {
	DoctorID string       `json:"doctor_id"`
	Items    []CreateItem `json:"items"`
}

// CreateItem is one medication of a batch.
type CreateItem struct {
	Description   string `json:"description"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

// CreateBatchRequest creates all items atomically. Items share a batch id
// only when there is more than one; a single-item submission degenerates to
// an individual request.
func (s *Service) CreateBatchRequest(ctx context.Context, actor request.Actor, in BatchCreateInput) ([]*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "create_batch_request",
		trace.WithAttributes(attribute.Int("items", len(in.Items))))
	defer span.End()
	defer s.observe(time.Now())

	if actor.Role != request.RolePatient {
		return nil, request.NewForbidden("only patients can create prescription requests")
	}
	if len(in.Items) == 0 {
		return nil, request.NewValidation("at least one medication is required")
	}

	batchID := ""
	if len(in.Items) > 1 {
		batchID = uuid.New().String()
	}

	rs := make([]*request.Request, 0, len(in.Items))
	for _, item := range in.Items {
		r := s.newRequest(actor, batchID, CreateInput{
			DoctorID:      in.DoctorID,
			Description:   item.Description,
			AttachmentURL: item.AttachmentURL,
		})
		if err := request.ValidateNew(r); err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.CreateBatch(ctx, rs); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveCreated(len(rs), batchID != "")
	s.logger.Info("batch created",
		zap.String("batch_id", batchID),
		zap.Int("members", len(rs)),
		zap.String("doctor_id", in.DoctorID))
	return rs, nil
}

func (s *Service) newRequest(actor request.Actor, batchID string, in CreateInput) *request.Request {
	return &request.Request{
		ID:            uuid.New().String(),
		PatientID:     actor.ID,
		PatientName:   actor.Name,
		DoctorID:      in.DoctorID,
		BatchID:       batchID,
		Description:   in.Description,
		AttachmentURL: in.AttachmentURL,
		Status:        request.StatusPending,
		CreatedAt:     s.now(),
	}
}

// Get returns a request the actor is allowed to see.
func (s *Service) Get(ctx context.Context, actor request.Actor, id string) (*request.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := request.CanRead(r, actor); err != nil {
		return nil, err
	}
	return r, nil
}

// Take claims a PENDING request for the assigned doctor. Under concurrent
// attempts at most one caller succeeds; the others get a Conflict.
func (s *Service) Take(ctx context.Context, actor request.Actor, id string) (*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "take_request",
		trace.WithAttributes(attribute.String("request_id", id)))
	defer span.End()
	defer s.observe(time.Now())

	r, err := s.transition(ctx, actor, id, transitionSpec{
		action: request.ActionTake,
		to:     request.StatusInProgress,
		check: func(r *request.Request) error {
			return request.CanTake(r, actor)
		},
	})
	if err != nil {
		if request.IsKind(err, request.KindConflict) {
			s.metrics.ObserveClaimConflict()
		}
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveTransition(string(request.ActionTake))
	s.logger.Info("request taken",
		zap.String("request_id", id),
		zap.String("doctor_id", actor.ID))
	return r, nil
}

// Complete fulfills a request with the doctor's prescription artifact.
func (s *Service) Complete(ctx context.Context, actor request.Actor, id string, f request.Fulfillment) (*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "complete_request",
		trace.WithAttributes(attribute.String("request_id", id)))
	defer span.End()
	defer s.observe(time.Now())

	r, err := s.transition(ctx, actor, id, transitionSpec{
		action:      request.ActionComplete,
		to:          request.StatusCompleted,
		fulfillment: &f,
		check: func(r *request.Request) error {
			return request.CanComplete(r, actor, f)
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveTransition(string(request.ActionComplete))
	s.logger.Info("request completed", zap.String("request_id", id))
	return r, nil
}

// Reject declines a request with a reason the patient will see.
func (s *Service) Reject(ctx context.Context, actor request.Actor, id, reason string) (*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "reject_request",
		trace.WithAttributes(attribute.String("request_id", id)))
	defer span.End()
	defer s.observe(time.Now())

	r, err := s.transition(ctx, actor, id, transitionSpec{
		action: request.ActionReject,
		to:     request.StatusRejected,
		reason: reason,
		check: func(r *request.Request) error {
			return request.CanReject(r, actor, reason)
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveTransition(string(request.ActionReject))
	s.logger.Info("request rejected", zap.String("request_id", id))
	return r, nil
}

// Cancel withdraws a still-PENDING request. Only the owning patient may
// cancel; the state is terminal.
func (s *Service) Cancel(ctx context.Context, actor request.Actor, id string) (*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "cancel_request",
		trace.WithAttributes(attribute.String("request_id", id)))
	defer span.End()
	defer s.observe(time.Now())

	r, err := s.transition(ctx, actor, id, transitionSpec{
		action: request.ActionCancel,
		to:     request.StatusCancelled,
		check: func(r *request.Request) error {
			return request.CanCancel(r, actor)
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveTransition(string(request.ActionCancel))
	s.logger.Info("request cancelled", zap.String("request_id", id))
	return r, nil
}

type transitionSpec struct {
	action      request.Action
	to          request.Status
	fulfillment *request.Fulfillment
	reason      string
	check       func(*request.Request) error
}

// transition validates then applies a conditional update keyed on the status
// the validation observed. Losing the race means the record moved under us:
// re-fetch once and re-validate so the caller gets the precise error, never
// a blind retry.
func (s *Service) transition(ctx context.Context, actor request.Actor, id string, spec transitionSpec) (*request.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if err := spec.check(r); err != nil {
			return nil, err
		}

		mut := request.Mutation{
			Action:         spec.action,
			To:             spec.to,
			Fulfillment:    spec.fulfillment,
			RejectedReason: spec.reason,
			Actor:          actor,
			At:             s.now(),
		}

		updated, err := s.store.Transition(ctx, id, r.Status, mut)
		if err == nil {
			return updated, nil
		}
		if !request.IsKind(err, request.KindConflict) || attempt > 0 {
			return nil, err
		}

		// Raced; one re-validation against fresh state decides between a
		// retry and a precise error.
		r, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
	}
}

func (s *Service) observe(start time.Time) {
	s.metrics.ObserveDuration(time.Since(start))
}
