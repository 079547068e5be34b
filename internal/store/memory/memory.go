// Package memory provides an in-memory request store with the same
// transition semantics as the postgres store. It backs unit tests and
// local development without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/clinicore/rxrequest/internal/domain/request"
)

// Store is a mutex-guarded in-memory request.Store.
type Store struct {
	mu       sync.Mutex
	requests map[string]*request.Request
	order    []string
	events   []request.TransitionEvent
}

// New creates an empty store.
func New() *Store {
	return &Store{requests: make(map[string]*request.Request)}
}

// Create stores a new request.
func (s *Store) Create(_ context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(r)
}

// CreateBatch stores all requests or none.
func (s *Store) CreateBatch(_ context.Context, rs []*request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs {
		if _, exists := s.requests[r.ID]; exists {
			return request.NewConflict("request %s already exists", r.ID)
		}
	}
	for _, r := range rs {
		if err := s.create(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) create(r *request.Request) error {
	if _, exists := s.requests[r.ID]; exists {
		return request.NewConflict("request %s already exists", r.ID)
	}
	s.requests[r.ID] = r.Clone()
	s.order = append(s.order, r.ID)
	s.events = append(s.events, newEvent(r, request.Mutation{
		Action: request.ActionCreate,
		To:     r.Status,
		Actor:  request.Actor{ID: r.PatientID, Role: request.RolePatient},
		At:     r.CreatedAt,
	}, ""))
	return nil
}

// Get returns a copy of the request.
func (s *Store) Get(_ context.Context, id string) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, request.NewNotFound("request %s not found", id)
	}
	return r.Clone(), nil
}

// GetBatch returns all members of a batch in creation order.
func (s *Store) GetBatch(_ context.Context, batchID string) ([]*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.batchMembers(batchID)
	if len(members) == 0 {
		return nil, request.NewNotFound("batch %s not found", batchID)
	}
	return members, nil
}

func (s *Store) batchMembers(batchID string) []*request.Request {
	var members []*request.Request
	for _, id := range s.order {
		if r := s.requests[id]; r.BatchID == batchID && batchID != "" {
			members = append(members, r.Clone())
		}
	}
	return members
}

// Transition applies mut if the current status equals expect.
func (s *Store) Transition(_ context.Context, id string, expect request.Status, mut request.Mutation) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, request.NewNotFound("request %s not found", id)
	}
	if r.Status != expect {
		return nil, request.NewConflict("request %s changed concurrently", id)
	}
	from := r.Status
	mut.Apply(r)
	s.events = append(s.events, newEvent(r, mut, from))
	return r.Clone(), nil
}

// TransitionBatch applies mut to every member or to none.
func (s *Store) TransitionBatch(_ context.Context, batchID string, eligible []request.Status, mut request.Mutation) ([]*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var members []*request.Request
	for _, id := range s.order {
		if r := s.requests[id]; r.BatchID == batchID && batchID != "" {
			members = append(members, r)
		}
	}
	if len(members) == 0 {
		return nil, request.NewNotFound("batch %s not found", batchID)
	}

	for _, r := range members {
		if !statusIn(r.Status, eligible) {
			return nil, request.NewInvalidTransition("batch member %s is %s", r.ID, r.Status)
		}
	}

	out := make([]*request.Request, 0, len(members))
	for _, r := range members {
		from := r.Status
		mut.Apply(r)
		s.events = append(s.events, newEvent(r, mut, from))
		out = append(out, r.Clone())
	}
	return out, nil
}

// ListByDoctor returns one page of the doctor's requests, oldest first.
func (s *Store) ListByDoctor(_ context.Context, doctorID string, f request.Filter) (*request.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*request.Request
	for _, id := range s.order {
		r := s.requests[id]
		if r.DoctorID != doctorID {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(r.Status, f.Statuses) {
			continue
		}
		if f.Search != "" && !matchesSearch(r, f.Search) {
			continue
		}
		matched = append(matched, r.Clone())
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	page, perPage := request.NormalizePage(f.Page, f.PerPage)
	total := len(matched)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return &request.PageResult{
		Items:   matched[start:end],
		Total:   total,
		Page:    page,
		PerPage: perPage,
	}, nil
}

// ListByPatient returns all of the patient's requests, oldest first.
func (s *Store) ListByPatient(_ context.Context, patientID string) ([]*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*request.Request
	for _, id := range s.order {
		if r := s.requests[id]; r.PatientID == patientID {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Events returns every transition recorded so far, in order. Tests use it to
// assert audit history and notification emission.
func (s *Store) Events() []request.TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]request.TransitionEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newEvent(r *request.Request, mut request.Mutation, from request.Status) request.TransitionEvent {
	return request.TransitionEvent{
		ID:         uuid.New().String(),
		RequestID:  r.ID,
		BatchID:    r.BatchID,
		PatientID:  r.PatientID,
		DoctorID:   r.DoctorID,
		Action:     mut.Action,
		From:       from,
		To:         mut.To,
		ActorID:    mut.Actor.ID,
		ActorRole:  mut.Actor.Role,
		OccurredAt: mut.At,
	}
}

func statusIn(s request.Status, set []request.Status) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

func matchesSearch(r *request.Request, q string) bool {
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(r.PatientName), q) ||
		strings.Contains(strings.ToLower(r.Description), q)
}
