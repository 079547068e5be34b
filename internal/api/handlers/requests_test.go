package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/rxrequest/internal/api/middleware"
	"github.com/clinicore/rxrequest/internal/domain/request"
	"github.com/clinicore/rxrequest/internal/service"
	"github.com/clinicore/rxrequest/internal/store/memory"
)

var (
	testPatient = request.Actor{ID: "patient-1", Name: "Ana Silva", Role: request.RolePatient}
	testDoctor  = request.Actor{ID: "doctor-1", Role: request.RoleDoctor}
)

// newTestServer mounts the handler behind a middleware that injects the
// actor directly, sidestepping token minting in every test.
func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	svc := service.New(memory.New(), nil, nil)
	h := NewRequestHandler(svc, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			actorJSON := req.Header.Get("X-Test-Actor")
			if actorJSON != "" {
				var actor request.Actor
				if err := json.Unmarshal([]byte(actorJSON), &actor); err != nil {
					t.Fatalf("bad test actor: %v", err)
				}
				req = req.WithContext(middleware.WithActor(req.Context(), actor))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Mount("/requests", h.Routes())
	r.Mount("/batches", h.BatchRoutes())

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, svc
}

func doJSON(t *testing.T, ts *httptest.Server, actor request.Actor, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	actorJSON, _ := json.Marshal(map[string]string{"ID": actor.ID, "Name": actor.Name, "Role": string(actor.Role)})
	req.Header.Set("X-Test-Actor", string(actorJSON))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var raw map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&raw)
	return resp, raw
}

func TestCreateAndGetRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/requests",
		bytes.NewBufferString(`{"doctor_id":"doctor-1","description":"Monthly blood pressure medication"}`))
	if err != nil {
		t.Fatal(err)
	}
	actorJSON, _ := json.Marshal(map[string]string{"ID": testPatient.ID, "Name": testPatient.Name, "Role": "patient"})
	req.Header.Set("X-Test-Actor", string(actorJSON))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var created request.Request
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != request.StatusPending || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}

	getResp, _ := doJSON(t, ts, testPatient, http.MethodGet, "/requests/"+created.ID, nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}

	// A stranger is told forbidden, not given the record.
	stranger := request.Actor{ID: "patient-9", Role: request.RolePatient}
	strangeResp, _ := doJSON(t, ts, stranger, http.MethodGet, "/requests/"+created.ID, nil)
	if strangeResp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger get status = %d, want 403", strangeResp.StatusCode)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts, svc := newTestServer(t)

	r, err := svc.CreateRequest(context.Background(), testPatient, service.CreateInput{
		DoctorID:    testDoctor.ID,
		Description: "Monthly blood pressure medication",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	tests := []struct {
		name   string
		actor  request.Actor
		method string
		path   string
		body   any
		want   int
	}{
		{"validation 400", testPatient, http.MethodPost, "/requests", map[string]string{"doctor_id": "doctor-1", "description": "short"}, http.StatusBadRequest},
		{"not found 404", testDoctor, http.MethodPost, "/requests/missing/take", nil, http.StatusNotFound},
		{"forbidden 403", request.Actor{ID: "doctor-9", Role: request.RoleDoctor}, http.MethodPost, fmt.Sprintf("/requests/%s/take", r.ID), nil, http.StatusForbidden},
		{"take ok 200", testDoctor, http.MethodPost, fmt.Sprintf("/requests/%s/take", r.ID), nil, http.StatusOK},
		{"conflict 409", testDoctor, http.MethodPost, fmt.Sprintf("/requests/%s/take", r.ID), nil, http.StatusConflict},
		{"invalid transition 422", testPatient, http.MethodPost, fmt.Sprintf("/requests/%s/cancel", r.ID), nil, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, ts, tt.actor, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBatchEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, raw := doJSON(t, ts, testPatient, http.MethodPost, "/requests/batch", service.BatchCreateInput{
		DoctorID: testDoctor.ID,
		Items: []service.CreateItem{
			{Description: "First recurring medication"},
			{Description: "Second recurring medication"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create batch status = %d", resp.StatusCode)
	}
	var batchID string
	if err := json.Unmarshal(raw["batch_id"], &batchID); err != nil || batchID == "" {
		t.Fatalf("batch_id = %q, err %v", batchID, err)
	}

	takeResp, takeRaw := doJSON(t, ts, testDoctor, http.MethodPost, "/batches/"+batchID+"/take", nil)
	if takeResp.StatusCode != http.StatusOK {
		t.Fatalf("take batch status = %d", takeResp.StatusCode)
	}
	var taken []request.Request
	if err := json.Unmarshal(takeRaw["taken"], &taken); err != nil || len(taken) != 2 {
		t.Fatalf("taken = %v, err %v", taken, err)
	}

	completeResp, _ := doJSON(t, ts, testDoctor, http.MethodPost, "/batches/"+batchID+"/complete", CompleteBody{
		PrescriptionURL: "https://files.example/rx.pdf",
	})
	if completeResp.StatusCode != http.StatusOK {
		t.Fatalf("complete batch status = %d", completeResp.StatusCode)
	}

	// Terminal batch rejects further operations wholesale.
	rejectResp, _ := doJSON(t, ts, testDoctor, http.MethodPost, "/batches/"+batchID+"/reject", RejectBody{
		Reason: "Requires an in-person consultation",
	})
	if rejectResp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("reject completed batch status = %d, want 422", rejectResp.StatusCode)
	}
}

func TestQueueEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, ts, testPatient, http.MethodPost, "/requests", service.CreateInput{
			DoctorID:    testDoctor.ID,
			Description: fmt.Sprintf("Recurring medication number %d", i),
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed %d: status %d", i, resp.StatusCode)
		}
	}

	resp, raw := doJSON(t, ts, testDoctor, http.MethodGet, "/requests/pending?page=1&per_page=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending status = %d", resp.StatusCode)
	}
	var total int
	if err := json.Unmarshal(raw["total"], &total); err != nil || total != 3 {
		t.Fatalf("total = %d, err %v", total, err)
	}
	var items []request.Request
	if err := json.Unmarshal(raw["items"], &items); err != nil || len(items) != 2 {
		t.Fatalf("items = %d, err %v", len(items), err)
	}

	mineResp, mineRaw := doJSON(t, ts, testPatient, http.MethodGet, "/requests/mine", nil)
	if mineResp.StatusCode != http.StatusOK {
		t.Fatalf("mine status = %d", mineResp.StatusCode)
	}
	var mine []request.Request
	if err := json.Unmarshal(mineRaw["requests"], &mine); err != nil || len(mine) != 3 {
		t.Fatalf("mine = %d, err %v", len(mine), err)
	}

	// Doctors-only queue endpoints reject patients.
	forbidden, _ := doJSON(t, ts, testPatient, http.MethodGet, "/requests/pending", nil)
	if forbidden.StatusCode != http.StatusForbidden {
		t.Fatalf("patient pending status = %d, want 403", forbidden.StatusCode)
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/requests", "application/json",
		bytes.NewBufferString(`{"doctor_id":"doctor-1","description":"Monthly blood pressure medication"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
