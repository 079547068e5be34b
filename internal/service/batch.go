package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/domain/request"
)

// BatchFailure records why one member of a batch could not be acted on.
type BatchFailure struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// TakeBatchResult reports the per-member outcome of a batch take.
type TakeBatchResult struct {
	Taken    []*request.Request `json:"taken"`
	Skipped  []string           `json:"skipped,omitempty"`
	Failures []BatchFailure     `json:"failures,omitempty"`
}

// TakeBatch claims every PENDING member of a batch for the assigned doctor.
// The take is best-effort: members that cannot be claimed are reported, not
// fatal, so a doctor picking up a batch keeps whatever is still claimable.
// Members already IN_PROGRESS with this doctor are skipped as a no-op.
func (s *Service) TakeBatch(ctx context.Context, actor request.Actor, batchID string) (*TakeBatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "take_batch",
		trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()
	defer s.observe(time.Now())

	members, err := s.batchMembers(ctx, actor, batchID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &TakeBatchResult{}
	for _, m := range members {
		if m.Status == request.StatusInProgress && m.DoctorID == actor.ID {
			res.Skipped = append(res.Skipped, m.ID)
			continue
		}
		taken, err := s.Take(ctx, actor, m.ID)
		if err != nil {
			res.Failures = append(res.Failures, BatchFailure{RequestID: m.ID, Reason: err.Error()})
			continue
		}
		res.Taken = append(res.Taken, taken)
	}

	outcome := "ok"
	if len(res.Failures) > 0 {
		outcome = "partial"
	}
	s.metrics.ObserveBatchOperation("take", outcome)
	s.logger.Info("batch taken",
		zap.String("batch_id", batchID),
		zap.Int("taken", len(res.Taken)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

// CompleteBatch fulfills every member of a batch in one atomic step. All
// members must be PENDING or IN_PROGRESS; one ineligible member aborts the
// whole operation, because the batch represents a single prescription.
func (s *Service) CompleteBatch(ctx context.Context, actor request.Actor, batchID string, f request.Fulfillment) ([]*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "complete_batch",
		trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()
	defer s.observe(time.Now())

	members, err := s.batchMembers(ctx, actor, batchID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, m := range members {
		if err := request.CanComplete(m, actor, f); err != nil {
			s.metrics.ObserveBatchOperation("complete", "rejected")
			return nil, err
		}
	}

	mut := request.Mutation{
		Action:      request.ActionComplete,
		To:          request.StatusCompleted,
		Fulfillment: &f,
		Actor:       actor,
		At:          s.now(),
	}
	updated, err := s.store.TransitionBatch(ctx, batchID,
		[]request.Status{request.StatusPending, request.StatusInProgress}, mut)
	if err != nil {
		s.metrics.ObserveBatchOperation("complete", "failed")
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveBatchOperation("complete", "ok")
	s.logger.Info("batch completed",
		zap.String("batch_id", batchID),
		zap.Int("members", len(updated)))
	return updated, nil
}

// RejectBatch declines every member of a batch in one atomic step, with a
// single reason shown to the patient for all of them.
func (s *Service) RejectBatch(ctx context.Context, actor request.Actor, batchID, reason string) ([]*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "reject_batch",
		trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()
	defer s.observe(time.Now())

	members, err := s.batchMembers(ctx, actor, batchID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, m := range members {
		if err := request.CanReject(m, actor, reason); err != nil {
			s.metrics.ObserveBatchOperation("reject", "rejected")
			return nil, err
		}
	}

	mut := request.Mutation{
		Action:         request.ActionReject,
		To:             request.StatusRejected,
		RejectedReason: reason,
		Actor:          actor,
		At:             s.now(),
	}
	updated, err := s.store.TransitionBatch(ctx, batchID,
		[]request.Status{request.StatusPending, request.StatusInProgress}, mut)
	if err != nil {
		s.metrics.ObserveBatchOperation("reject", "failed")
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ObserveBatchOperation("reject", "ok")
	s.logger.Info("batch rejected",
		zap.String("batch_id", batchID),
		zap.Int("members", len(updated)))
	return updated, nil
}

// GetBatch returns the members of a batch the actor may see.
func (s *Service) GetBatch(ctx context.Context, actor request.Actor, batchID string) ([]*request.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.fetchBatch(ctx, actor, batchID)
}

// batchMembers loads a batch and verifies the doctor may act on it.
func (s *Service) batchMembers(ctx context.Context, actor request.Actor, batchID string) ([]*request.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if actor.Role != request.RoleDoctor {
		return nil, request.NewForbidden("only doctors can act on a batch")
	}
	members, err := s.fetchBatch(ctx, actor, batchID)
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Service) fetchBatch(ctx context.Context, actor request.Actor, batchID string) ([]*request.Request, error) {
	members, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, request.NewNotFound("batch %s not found", batchID)
	}
	for _, m := range members {
		if err := request.CanRead(m, actor); err != nil {
			return nil, err
		}
	}
	return members, nil
}
