package request

import (
	"context"
	"time"
)

// Action names a lifecycle operation for audit and event purposes.
type Action string

const (
	ActionCreate   Action = "create"
	ActionTake     Action = "take"
	ActionComplete Action = "complete"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
)

// Mutation describes a single status transition to be applied atomically.
// Only the fields the transition specifies may change.
type Mutation struct {
	Action         Action
	To             Status
	Fulfillment    *Fulfillment
	RejectedReason string
	Actor          Actor
	At             time.Time
}

// Apply copies the mutation onto r. Used by stores after the conditional
// check has passed.
func (m Mutation) Apply(r *Request) {
	r.Status = m.To
	if m.Fulfillment != nil {
		r.PrescriptionURL = m.Fulfillment.PrescriptionURL
		r.PrescriptionLink = m.Fulfillment.PrescriptionLink
		r.DoctorNotes = m.Fulfillment.DoctorNotes
		at := m.At
		r.CompletedAt = &at
	}
	if m.RejectedReason != "" {
		r.RejectedReason = m.RejectedReason
	}
}

// TransitionEvent records one successful status transition. Events feed the
// audit history and, via the outbox, the notification pipeline.
type TransitionEvent struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	PatientID  string    `json:"patient_id"`
	DoctorID   string    `json:"doctor_id"`
	Action     Action    `json:"action"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	ActorID    string    `json:"actor_id"`
	ActorRole  Role      `json:"actor_role"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter narrows and pages a doctor-scoped listing.
type Filter struct {
	Statuses []Status
	// Search matches the patient name or the description, case-insensitively.
	Search  string
	Page    int
	PerPage int
}

// DefaultPerPage is the page size used when the caller does not set one.
const DefaultPerPage = 20

// MaxPerPage caps the page size a caller may request.
const MaxPerPage = 100

// NormalizePage clamps paging parameters to sane values.
func NormalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}

// PageResult is one page of a listing.
type PageResult struct {
	Items   []*Request `json:"items"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
}

// Store is the durable home of prescription requests.
//
// Transition applies mut only if the request's current status equals expect,
// in one atomic step, and persists the transition with its timestamp for
// history. A status mismatch yields a Conflict error; callers re-fetch and
// re-validate rather than retry blindly. TransitionBatch applies mut to every
// member of a batch or to none: any member whose status is not in eligible
// aborts the whole operation.
type Store interface {
	Create(ctx context.Context, r *Request) error
	CreateBatch(ctx context.Context, rs []*Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetBatch(ctx context.Context, batchID string) ([]*Request, error)
	Transition(ctx context.Context, id string, expect Status, mut Mutation) (*Request, error)
	TransitionBatch(ctx context.Context, batchID string, eligible []Status, mut Mutation) ([]*Request, error)
	ListByDoctor(ctx context.Context, doctorID string, f Filter) (*PageResult, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Request, error)
}
