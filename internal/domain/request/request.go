// Package request implements the prescription request lifecycle.
package request

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Status represents the lifecycle status of a prescription request
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusRejected   Status = "REJECTED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// Role identifies the kind of actor performing an operation
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Actor is the authenticated caller of an operation, as supplied by the
// identity layer. The engine trusts it. Name is a display snapshot used for
// queue search; it carries no authorization weight.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// MinDescriptionLen is the minimum length of a request description.
const MinDescriptionLen = 10

// MinRejectReasonLen is the minimum length of a rejection reason.
const MinRejectReasonLen = 10

// Request is a patient's ask for one medication prescription. Requests
// created together share a BatchID and represent one prescription covering
// several items.
type Request struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	PatientName      string     `json:"patient_name,omitempty"`
	DoctorID         string     `json:"doctor_id"`
	BatchID          string     `json:"batch_id,omitempty"`
	Description      string     `json:"description"`
	AttachmentURL    string     `json:"attachment_url,omitempty"`
	Status           Status     `json:"status"`
	PrescriptionURL  string     `json:"prescription_url,omitempty"`
	PrescriptionLink string     `json:"prescription_link,omitempty"`
	DoctorNotes      string     `json:"doctor_notes,omitempty"`
	RejectedReason   string     `json:"rejected_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ValidateNew checks the creation preconditions for a request.
func ValidateNew(r *Request) error {
	if r.PatientID == "" {
		return NewValidation("patient id is required")
	}
	if r.DoctorID == "" {
		return NewValidation("doctor id is required")
	}
	if utf8.RuneCountInString(strings.TrimSpace(r.Description)) < MinDescriptionLen {
		return NewValidation("description must be at least %d characters", MinDescriptionLen)
	}
	return nil
}

// Fulfillment is the artifact a doctor supplies on completion. At least one
// of URL or Link must be set.
type Fulfillment struct {
	PrescriptionURL  string
	PrescriptionLink string
	DoctorNotes      string
}

func (f Fulfillment) validate() error {
	if f.PrescriptionURL == "" && f.PrescriptionLink == "" {
		return NewValidation("a prescription file or an external link is required to complete a request")
	}
	return nil
}

// CanTake decides whether actor may claim the request. Only the assigned
// doctor may take, and only while the request is PENDING.
func CanTake(r *Request, actor Actor) error {
	if actor.Role != RoleDoctor || actor.ID != r.DoctorID {
		return NewForbidden("only the assigned doctor can take this request")
	}
	if r.Status.IsTerminal() {
		return NewInvalidTransition("request is already %s", r.Status)
	}
	if r.Status == StatusInProgress {
		return NewConflict("request already taken")
	}
	return nil
}

// CanComplete decides whether actor may complete the request with the given
// fulfillment. Completion is allowed from PENDING or IN_PROGRESS.
func CanComplete(r *Request, actor Actor, f Fulfillment) error {
	if actor.Role != RoleDoctor || actor.ID != r.DoctorID {
		return NewForbidden("only the assigned doctor can complete this request")
	}
	if r.Status != StatusPending && r.Status != StatusInProgress {
		return NewInvalidTransition("cannot complete a request that is %s", r.Status)
	}
	return f.validate()
}

// CanReject decides whether actor may reject the request with the given
// reason. Rejection is allowed from PENDING or IN_PROGRESS.
func CanReject(r *Request, actor Actor, reason string) error {
	if actor.Role != RoleDoctor || actor.ID != r.DoctorID {
		return NewForbidden("only the assigned doctor can reject this request")
	}
	if r.Status != StatusPending && r.Status != StatusInProgress {
		return NewInvalidTransition("cannot reject a request that is %s", r.Status)
	}
	if utf8.RuneCountInString(strings.TrimSpace(reason)) < MinRejectReasonLen {
		return NewValidation("rejection reason must be at least %d characters", MinRejectReasonLen)
	}
	return nil
}

// CanCancel decides whether actor may cancel the request. Only the owning
// patient may cancel, and only while the request is still PENDING.
func CanCancel(r *Request, actor Actor) error {
	if actor.Role != RolePatient || actor.ID != r.PatientID {
		return NewForbidden("only the requesting patient can cancel this request")
	}
	if r.Status != StatusPending {
		return NewInvalidTransition("cannot cancel a request that is %s", r.Status)
	}
	return nil
}

// CanRead decides whether actor may see the request at all.
func CanRead(r *Request, actor Actor) error {
	switch actor.Role {
	case RoleDoctor:
		if actor.ID == r.DoctorID {
			return nil
		}
	case RolePatient:
		if actor.ID == r.PatientID {
			return nil
		}
	}
	return NewForbidden("request belongs to another %s", actor.Role)
}
