package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/clinicore/rxrequest/internal/domain/request"
	"github.com/clinicore/rxrequest/internal/store/memory"
)

var (
	patient      = request.Actor{ID: "patient-1", Name: "Ana Silva", Role: request.RolePatient}
	otherPatient = request.Actor{ID: "patient-2", Name: "Bruno Costa", Role: request.RolePatient}
	doctor       = request.Actor{ID: "doctor-1", Role: request.RoleDoctor}
	otherDoctor  = request.Actor{ID: "doctor-2", Role: request.RoleDoctor}
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, nil, nil), store
}

func createOne(t *testing.T, svc *Service) *request.Request {
	t.Helper()
	r, err := svc.CreateRequest(context.Background(), patient, CreateInput{
		DoctorID:    doctor.ID,
		Description: "Monthly blood pressure medication",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func createBatch(t *testing.T, svc *Service, n int) []*request.Request {
	t.Helper()
	items := make([]CreateItem, n)
	for i := range items {
		items[i] = CreateItem{Description: "Recurring medication item number " + strings.Repeat("x", i+1)}
	}
	rs, err := svc.CreateBatchRequest(context.Background(), patient, BatchCreateInput{
		DoctorID: doctor.ID,
		Items:    items,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return rs
}

func TestCreateRequest(t *testing.T) {
	svc, _ := newTestService(t)
	r := createOne(t, svc)

	if r.Status != request.StatusPending {
		t.Fatalf("status = %s, want PENDING", r.Status)
	}
	if r.BatchID != "" {
		t.Fatalf("individual request got batch id %s", r.BatchID)
	}
	if r.PatientName != patient.Name {
		t.Fatalf("patient name snapshot = %q", r.PatientName)
	}

	if _, err := svc.CreateRequest(context.Background(), doctor, CreateInput{
		DoctorID:    doctor.ID,
		Description: "Doctors cannot self-prescribe here",
	}); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("doctor create: expected forbidden, got %v", err)
	}

	if _, err := svc.CreateRequest(context.Background(), patient, CreateInput{
		DoctorID:    doctor.ID,
		Description: "short",
	}); !request.IsKind(err, request.KindValidation) {
		t.Fatalf("short description: expected validation error, got %v", err)
	}
}

func TestCreateBatchRequest(t *testing.T) {
	svc, _ := newTestService(t)

	rs := createBatch(t, svc, 3)
	if len(rs) != 3 {
		t.Fatalf("created %d, want 3", len(rs))
	}
	batchID := rs[0].BatchID
	if batchID == "" {
		t.Fatal("multi-item batch missing batch id")
	}
	for _, r := range rs {
		if r.BatchID != batchID {
			t.Fatalf("member %s has batch id %s, want %s", r.ID, r.BatchID, batchID)
		}
	}

	// A single item degenerates to an individual request.
	single := createBatch(t, svc, 1)
	if single[0].BatchID != "" {
		t.Fatalf("single-item submission got batch id %s", single[0].BatchID)
	}

	if _, err := svc.CreateBatchRequest(context.Background(), patient, BatchCreateInput{
		DoctorID: doctor.ID,
	}); !request.IsKind(err, request.KindValidation) {
		t.Fatalf("empty batch: expected validation error, got %v", err)
	}

	// One invalid item fails the whole submission.
	if _, err := svc.CreateBatchRequest(context.Background(), patient, BatchCreateInput{
		DoctorID: doctor.ID,
		Items: []CreateItem{
			{Description: "A perfectly valid medication request"},
			{Description: "nope"},
		},
	}); !request.IsKind(err, request.KindValidation) {
		t.Fatalf("invalid item: expected validation error, got %v", err)
	}
}

func TestTakeLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := createOne(t, svc)

	taken, err := svc.Take(ctx, doctor, r.ID)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if taken.Status != request.StatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", taken.Status)
	}

	// Second take is a conflict, not an invalid transition.
	if _, err := svc.Take(ctx, doctor, r.ID); !request.IsKind(err, request.KindConflict) {
		t.Fatalf("double take: expected conflict, got %v", err)
	}

	if _, err := svc.Take(ctx, otherDoctor, r.ID); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("foreign doctor take: expected forbidden, got %v", err)
	}
}

func TestConcurrentTakeExactlyOneWins(t *testing.T) {
	svc, _ := newTestService(t)
	r := createOne(t, svc)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Take(context.Background(), doctor, r.ID)
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !request.IsKind(err, request.KindConflict) {
			t.Fatalf("loser got %v, want conflict", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d winners, want exactly 1", wins)
	}
}

func TestComplete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Completion straight from PENDING, no take required.
	r := createOne(t, svc)
	done, err := svc.Complete(ctx, doctor, r.ID, request.Fulfillment{
		PrescriptionURL: "https://files.example/rx.pdf",
		DoctorNotes:     "take with food",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != request.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("completed request: %+v", done)
	}

	// No artifact, no completion.
	r2 := createOne(t, svc)
	if _, err := svc.Complete(ctx, doctor, r2.ID, request.Fulfillment{DoctorNotes: "notes only"}); !request.IsKind(err, request.KindValidation) {
		t.Fatalf("no artifact: expected validation error, got %v", err)
	}

	// Terminal requests cannot be completed again.
	if _, err := svc.Complete(ctx, doctor, r.ID, request.Fulfillment{PrescriptionURL: "u"}); !request.IsKind(err, request.KindInvalidTransition) {
		t.Fatalf("re-complete: expected invalid transition, got %v", err)
	}
}

func TestRejectAndCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r := createOne(t, svc)
	rejected, err := svc.Reject(ctx, doctor, r.ID, "Out of refills, book an appointment")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != request.StatusRejected || rejected.RejectedReason == "" {
		t.Fatalf("rejected request: %+v", rejected)
	}

	r2 := createOne(t, svc)
	if _, err := svc.Reject(ctx, doctor, r2.ID, "short"); !request.IsKind(err, request.KindValidation) {
		t.Fatalf("short reason: expected validation error, got %v", err)
	}

	cancelled, err := svc.Cancel(ctx, patient, r2.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != request.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}

	if _, err := svc.Cancel(ctx, otherPatient, r2.ID); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("foreign cancel: expected forbidden, got %v", err)
	}

	// Taken requests can no longer be cancelled.
	r3 := createOne(t, svc)
	if _, err := svc.Take(ctx, doctor, r3.ID); err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := svc.Cancel(ctx, patient, r3.ID); !request.IsKind(err, request.KindInvalidTransition) {
		t.Fatalf("cancel in progress: expected invalid transition, got %v", err)
	}
}

func TestTakeBatchBestEffort(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	rs := createBatch(t, svc, 3)
	batchID := rs[0].BatchID

	// One member already claimed, one cancelled.
	if _, err := svc.Take(ctx, doctor, rs[0].ID); err != nil {
		t.Fatalf("pre-take: %v", err)
	}
	if _, err := svc.Cancel(ctx, patient, rs[1].ID); err != nil {
		t.Fatalf("pre-cancel: %v", err)
	}

	res, err := svc.TakeBatch(ctx, doctor, batchID)
	if err != nil {
		t.Fatalf("take batch: %v", err)
	}
	if len(res.Taken) != 1 || res.Taken[0].ID != rs[2].ID {
		t.Fatalf("taken = %+v, want only %s", res.Taken, rs[2].ID)
	}
	// The member this doctor already holds is an idempotent no-op.
	if len(res.Skipped) != 1 || res.Skipped[0] != rs[0].ID {
		t.Fatalf("skipped = %v, want [%s]", res.Skipped, rs[0].ID)
	}
	if len(res.Failures) != 1 || res.Failures[0].RequestID != rs[1].ID {
		t.Fatalf("failures = %+v, want the cancelled member", res.Failures)
	}

	// The cancelled member was not resurrected.
	got, _ := store.Get(ctx, rs[1].ID)
	if got.Status != request.StatusCancelled {
		t.Fatalf("cancelled member status = %s", got.Status)
	}

	if _, err := svc.TakeBatch(ctx, patient, batchID); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("patient take batch: expected forbidden, got %v", err)
	}
	if _, err := svc.TakeBatch(ctx, doctor, "no-such-batch"); !request.IsKind(err, request.KindNotFound) {
		t.Fatalf("unknown batch: expected not found, got %v", err)
	}
}

func TestCompleteBatchAtomic(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	rs := createBatch(t, svc, 2)
	batchID := rs[0].BatchID

	updated, err := svc.CompleteBatch(ctx, doctor, batchID, request.Fulfillment{
		PrescriptionURL: "https://files.example/rx.pdf",
	})
	if err != nil {
		t.Fatalf("complete batch: %v", err)
	}
	for _, r := range updated {
		if r.Status != request.StatusCompleted {
			t.Fatalf("member %s = %s, want COMPLETED", r.ID, r.Status)
		}
	}

	// A batch with a terminal member aborts untouched.
	rs2 := createBatch(t, svc, 2)
	if _, err := svc.Cancel(ctx, patient, rs2[0].ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = svc.CompleteBatch(ctx, doctor, rs2[0].BatchID, request.Fulfillment{
		PrescriptionURL: "https://files.example/rx.pdf",
	})
	if !request.IsKind(err, request.KindInvalidTransition) {
		t.Fatalf("poisoned batch: expected invalid transition, got %v", err)
	}
	other, _ := store.Get(ctx, rs2[1].ID)
	if other.Status != request.StatusPending {
		t.Fatalf("sibling moved to %s during aborted batch", other.Status)
	}
}

func TestRejectBatchAtomic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rs := createBatch(t, svc, 2)
	updated, err := svc.RejectBatch(ctx, doctor, rs[0].BatchID, "Requires an in-person consultation")
	if err != nil {
		t.Fatalf("reject batch: %v", err)
	}
	for _, r := range updated {
		if r.Status != request.StatusRejected || r.RejectedReason == "" {
			t.Fatalf("member %s: %+v", r.ID, r)
		}
	}

	rs2 := createBatch(t, svc, 2)
	if _, err := svc.RejectBatch(ctx, doctor, rs2[0].BatchID, "short"); !request.IsKind(err, request.KindValidation) {
		t.Fatalf("short reason: expected validation error, got %v", err)
	}
	if _, err := svc.RejectBatch(ctx, otherDoctor, rs2[0].BatchID, "Requires an in-person consultation"); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("foreign doctor: expected forbidden, got %v", err)
	}
}

func TestQueries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rs := createBatch(t, svc, 2)
	single := createOne(t, svc)
	done := createOne(t, svc)
	if _, err := svc.Complete(ctx, doctor, done.ID, request.Fulfillment{PrescriptionURL: "u"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	gone := createOne(t, svc)
	if _, err := svc.Cancel(ctx, patient, gone.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	pending, err := svc.SearchPending(ctx, doctor, QueryInput{})
	if err != nil {
		t.Fatalf("search pending: %v", err)
	}
	if pending.Total != 3 {
		t.Fatalf("pending total = %d, want 3", pending.Total)
	}

	// Grouped view: the batch leads, the individual follows.
	grouped, err := svc.SearchPending(ctx, doctor, QueryInput{Grouped: true})
	if err != nil {
		t.Fatalf("grouped: %v", err)
	}
	if len(grouped.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(grouped.Groups))
	}
	if grouped.Groups[0].Kind != request.GroupBatch || grouped.Groups[0].BatchID != rs[0].BatchID {
		t.Fatalf("group 0 = %+v", grouped.Groups[0])
	}
	if grouped.Groups[1].Request.ID != single.ID {
		t.Fatalf("group 1 = %+v", grouped.Groups[1])
	}

	// History includes completed, rejected, and cancelled.
	history, err := svc.SearchHistory(ctx, doctor, QueryInput{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.Total != 2 {
		t.Fatalf("history total = %d, want 2", history.Total)
	}

	mine, err := svc.ListMine(ctx, patient)
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 5 {
		t.Fatalf("mine = %d, want 5", len(mine))
	}

	if _, err := svc.SearchPending(ctx, patient, QueryInput{}); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("patient pending query: expected forbidden, got %v", err)
	}
	if _, err := svc.ListMine(ctx, doctor); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("doctor list mine: expected forbidden, got %v", err)
	}
}

func TestGetVisibility(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := createOne(t, svc)

	if _, err := svc.Get(ctx, patient, r.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.Get(ctx, doctor, r.ID); err != nil {
		t.Fatalf("assigned doctor get: %v", err)
	}
	if _, err := svc.Get(ctx, otherPatient, r.ID); !request.IsKind(err, request.KindForbidden) {
		t.Fatalf("foreign get: expected forbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, patient, "missing"); !request.IsKind(err, request.KindNotFound) {
		t.Fatalf("missing get: expected not found, got %v", err)
	}
}

func TestTransitionEventsEmitted(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	r := createOne(t, svc)
	if _, err := svc.Take(ctx, doctor, r.ID); err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := svc.Complete(ctx, doctor, r.ID, request.Fulfillment{PrescriptionURL: "u"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events := store.Events()
	want := []request.Action{request.ActionCreate, request.ActionTake, request.ActionComplete}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, action := range want {
		if events[i].Action != action {
			t.Errorf("event %d action = %s, want %s", i, events[i].Action, action)
		}
	}
	if events[1].ActorID != doctor.ID || events[1].ActorRole != request.RoleDoctor {
		t.Errorf("take event actor = %s/%s", events[1].ActorID, events[1].ActorRole)
	}
}
