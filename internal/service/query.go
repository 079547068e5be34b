package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicore/rxrequest/internal/domain/request"
)

// QueryInput narrows and pages a doctor queue query.
type QueryInput struct {
	Search  string
	Page    int
	PerPage int
	Grouped bool
}

// QueueResult is one page of a doctor queue, optionally grouped by batch.
type QueueResult struct {
	Items   []*request.Request `json:"items,omitempty"`
	Groups  []request.Group    `json:"groups,omitempty"`
	Total   int                `json:"total"`
	Page    int                `json:"page"`
	PerPage int                `json:"per_page"`
}

// SearchPending lists the doctor's open queue: PENDING requests assigned to
// them, oldest first, optionally filtered by patient name or description.
func (s *Service) SearchPending(ctx context.Context, actor request.Actor, in QueryInput) (*QueueResult, error) {
	return s.searchQueue(ctx, actor, "search_pending", in,
		[]request.Status{request.StatusPending})
}

// SearchHistory lists the doctor's closed requests: completed, rejected, and
// patient-cancelled. Cancelled requests stay visible so the doctor sees why
// an item left the queue.
func (s *Service) SearchHistory(ctx context.Context, actor request.Actor, in QueryInput) (*QueueResult, error) {
	return s.searchQueue(ctx, actor, "search_history", in,
		[]request.Status{request.StatusCompleted, request.StatusRejected, request.StatusCancelled})
}

func (s *Service) searchQueue(ctx context.Context, actor request.Actor, op string, in QueryInput, statuses []request.Status) (*QueueResult, error) {
	ctx, span := s.tracer.Start(ctx, op,
		trace.WithAttributes(attribute.Int("page", in.Page)))
	defer span.End()
	defer s.observe(time.Now())

	if actor.Role != request.RoleDoctor {
		return nil, request.NewForbidden("only doctors can query the request queue")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	page, err := s.store.ListByDoctor(ctx, actor.ID, request.Filter{
		Statuses: statuses,
		Search:   in.Search,
		Page:     in.Page,
		PerPage:  in.PerPage,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &QueueResult{
		Total:   page.Total,
		Page:    page.Page,
		PerPage: page.PerPage,
	}
	if in.Grouped {
		res.Groups = request.GroupRequests(page.Items)
	} else {
		res.Items = page.Items
	}
	return res, nil
}

// ListMine returns every request the calling patient has created, newest
// first as the store orders them.
func (s *Service) ListMine(ctx context.Context, actor request.Actor) ([]*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "list_mine")
	defer span.End()
	defer s.observe(time.Now())

	if actor.Role != request.RolePatient {
		return nil, request.NewForbidden("only patients can list their own requests")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rs, err := s.store.ListByPatient(ctx, actor.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rs, nil
}
