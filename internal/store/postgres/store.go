// Package postgres persists prescription requests. All mutations are
// conditional updates keyed on the expected status, applied in one
// transaction together with the audit row and the outbox entry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/domain/request"
	"github.com/clinicore/rxrequest/internal/infrastructure/kafka"
	"github.com/clinicore/rxrequest/internal/infrastructure/outbox"
)

// Store implements request.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a postgres-backed store.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("request-store"),
	}
}

const requestCols = `id, patient_id, COALESCE(patient_name,''), doctor_id, COALESCE(batch_id,''),
	description, COALESCE(attachment_url,''), status, COALESCE(prescription_url,''),
	COALESCE(prescription_link,''), COALESCE(doctor_notes,''), COALESCE(rejected_reason,''),
	created_at, completed_at`

const insertRequestSQL = `
	INSERT INTO prescription_requests
	(id, patient_id, patient_name, doctor_id, batch_id, description, attachment_url, status, created_at)
	VALUES ($1, $2, NULLIF($3,''), $4, NULLIF($5,''), $6, NULLIF($7,''), $8, $9)
`

// Create persists a single new request with its creation audit entry.
func (s *Store) Create(ctx context.Context, r *request.Request) error {
	return s.CreateBatch(ctx, []*request.Request{r})
}

// CreateBatch persists all requests in one transaction. Requests sharing a
// batch id are created atomically.
func (s *Store) CreateBatch(ctx context.Context, rs []*request.Request) error {
	ctx, span := s.tracer.Start(ctx, "store_create_batch",
		trace.WithAttributes(attribute.Int("count", len(rs))))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return request.NewUnavailable(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	for _, r := range rs {
		_, err := tx.Exec(ctx, insertRequestSQL,
			r.ID, r.PatientID, r.PatientName, r.DoctorID, r.BatchID,
			r.Description, r.AttachmentURL, r.Status, r.CreatedAt,
		)
		if err != nil {
			span.RecordError(err)
			return request.NewUnavailable(err, "insert request")
		}

		ev := request.TransitionEvent{
			ID:         uuid.New().String(),
			RequestID:  r.ID,
			BatchID:    r.BatchID,
			PatientID:  r.PatientID,
			DoctorID:   r.DoctorID,
			Action:     request.ActionCreate,
			From:       "",
			To:         r.Status,
			ActorID:    r.PatientID,
			ActorRole:  request.RolePatient,
			OccurredAt: r.CreatedAt,
		}
		if err := s.recordTransition(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return request.NewUnavailable(err, "commit")
	}
	return nil
}

// Get retrieves a request by id.
func (s *Store) Get(ctx context.Context, id string) (*request.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM prescription_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, request.NewNotFound("request %s not found", id)
	}
	if err != nil {
		return nil, request.NewUnavailable(err, "get request")
	}
	return r, nil
}

// GetBatch retrieves all members of a batch in creation order.
func (s *Store) GetBatch(ctx context.Context, batchID string) ([]*request.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestCols+` FROM prescription_requests WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, request.NewUnavailable(err, "query batch")
	}
	defer rows.Close()

	members, err := scanRequests(rows)
	if err != nil {
		return nil, request.NewUnavailable(err, "scan batch")
	}
	if len(members) == 0 {
		return nil, request.NewNotFound("batch %s not found", batchID)
	}
	return members, nil
}

const transitionSQL = `
	UPDATE prescription_requests
	SET status = $1,
	    prescription_url = COALESCE(NULLIF($2,''), prescription_url),
	    prescription_link = COALESCE(NULLIF($3,''), prescription_link),
	    doctor_notes = COALESCE(NULLIF($4,''), doctor_notes),
	    rejected_reason = COALESCE(NULLIF($5,''), rejected_reason),
	    completed_at = COALESCE($6, completed_at)
	WHERE id = $7 AND status = $8
	RETURNING ` + requestCols

// Transition applies mut if and only if the request's current status equals
// expect. Losing the conditional update yields a Conflict; callers re-fetch
// before deciding how to report it.
func (s *Store) Transition(ctx context.Context, id string, expect request.Status, mut request.Mutation) (*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "store_transition",
		trace.WithAttributes(
			attribute.String("request_id", id),
			attribute.String("action", string(mut.Action)),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, request.NewUnavailable(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	r, err := s.transitionInTx(ctx, tx, id, expect, mut)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, request.NewUnavailable(err, "commit")
	}
	return r, nil
}

func (s *Store) transitionInTx(ctx context.Context, tx pgx.Tx, id string, expect request.Status, mut request.Mutation) (*request.Request, error) {
	args := mutationArgs(mut)
	row := tx.QueryRow(ctx, transitionSQL, append(args, id, expect)...)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the id is unknown or the status moved under us.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM prescription_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, request.NewUnavailable(err, "check request")
		}
		if !exists {
			return nil, request.NewNotFound("request %s not found", id)
		}
		return nil, request.NewConflict("request %s changed concurrently", id)
	}
	if err != nil {
		return nil, request.NewUnavailable(err, "transition request")
	}

	ev := transitionEvent(r, expect, mut)
	if err := s.recordTransition(ctx, tx, ev); err != nil {
		return nil, err
	}
	return r, nil
}

// TransitionBatch applies mut to every member of the batch or to none.
// Members are locked for the duration of the transaction so the eligibility
// check and the updates are one atomic step.
func (s *Store) TransitionBatch(ctx context.Context, batchID string, eligible []request.Status, mut request.Mutation) ([]*request.Request, error) {
	ctx, span := s.tracer.Start(ctx, "store_transition_batch",
		trace.WithAttributes(
			attribute.String("batch_id", batchID),
			attribute.String("action", string(mut.Action)),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, request.NewUnavailable(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT `+requestCols+` FROM prescription_requests
		 WHERE batch_id = $1 ORDER BY created_at, id FOR UPDATE`, batchID)
	if err != nil {
		return nil, request.NewUnavailable(err, "lock batch")
	}
	members, err := scanRequests(rows)
	if err != nil {
		return nil, request.NewUnavailable(err, "scan batch")
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
		updated, err := s.transitionInTx(ctx, tx, r.ID, r.Status, mut)
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, request.NewUnavailable(err, "commit")
	}
	return out, nil
}

// ListByDoctor returns one page of the doctor's requests, oldest first.
func (s *Store) ListByDoctor(ctx context.Context, doctorID string, f request.Filter) (*request.PageResult, error) {
	page, perPage := request.NormalizePage(f.Page, f.PerPage)

	where := `WHERE doctor_id = $1`
	args := []any{doctorID}
	if len(f.Statuses) > 0 {
		args = append(args, statusStrings(f.Statuses))
		where += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where += fmt.Sprintf(` AND (patient_name ILIKE $%d OR description ILIKE $%d)`, len(args), len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM prescription_requests `+where, args...).Scan(&total); err != nil {
		return nil, request.NewUnavailable(err, "count requests")
	}

	args = append(args, perPage, (page-1)*perPage)
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestCols+` FROM prescription_requests `+where+
			fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, request.NewUnavailable(err, "query requests")
	}
	defer rows.Close()

	items, err := scanRequests(rows)
	if err != nil {
		return nil, request.NewUnavailable(err, "scan requests")
	}

	return &request.PageResult{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

// ListByPatient returns all of the patient's requests, oldest first.
func (s *Store) ListByPatient(ctx context.Context, patientID string) ([]*request.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestCols+` FROM prescription_requests WHERE patient_id = $1 ORDER BY created_at, id`,
		patientID)
	if err != nil {
		return nil, request.NewUnavailable(err, "query requests")
	}
	defer rows.Close()

	items, err := scanRequests(rows)
	if err != nil {
		return nil, request.NewUnavailable(err, "scan requests")
	}
	return items, nil
}

// recordTransition writes the audit row and the outbox entry for ev within tx.
func (s *Store) recordTransition(ctx context.Context, tx pgx.Tx, ev request.TransitionEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO request_transitions
		(request_id, action, from_status, to_status, actor_id, actor_role, occurred_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7)`,
		ev.RequestID, ev.Action, string(ev.From), ev.To, ev.ActorID, ev.ActorRole, ev.OccurredAt,
	)
	if err != nil {
		return request.NewUnavailable(err, "record transition")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return request.NewUnavailable(err, "marshal event")
	}
	entry := &outbox.Entry{
		RequestID: ev.RequestID,
		EventType: string(ev.Action),
		Payload:   payload,
		Topic:     kafka.TopicTransitions,
		Key:       ev.RequestID,
	}
	if err := outbox.WriteEntry(ctx, tx, entry); err != nil {
		return request.NewUnavailable(err, "write outbox entry")
	}
	return nil
}

func mutationArgs(mut request.Mutation) []any {
	var url, link, notes string
	var completedAt any
	if mut.Fulfillment != nil {
		url = mut.Fulfillment.PrescriptionURL
		link = mut.Fulfillment.PrescriptionLink
		notes = mut.Fulfillment.DoctorNotes
		completedAt = mut.At
	}
	return []any{mut.To, url, link, notes, mut.RejectedReason, completedAt}
}

func transitionEvent(r *request.Request, from request.Status, mut request.Mutation) request.TransitionEvent {
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

func scanRequest(row pgx.Row) (*request.Request, error) {
	r := &request.Request{}
	err := row.Scan(
		&r.ID, &r.PatientID, &r.PatientName, &r.DoctorID, &r.BatchID,
		&r.Description, &r.AttachmentURL, &r.Status, &r.PrescriptionURL,
		&r.PrescriptionLink, &r.DoctorNotes, &r.RejectedReason,
		&r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRequests(rows pgx.Rows) ([]*request.Request, error) {
	defer rows.Close()
	var out []*request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func statusIn(s request.Status, set []request.Status) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

func statusStrings(set []request.Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}
