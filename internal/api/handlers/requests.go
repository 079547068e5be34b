// Package handlers provides HTTP handlers for the request API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/api/middleware"
	"github.com/clinicore/rxrequest/internal/domain/request"
	"github.com/clinicore/rxrequest/internal/service"
)

// RequestHandler handles prescription request endpoints
type RequestHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewRequestHandler creates a new handler
func NewRequestHandler(svc *service.Service, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{svc: svc, logger: logger}
}

// Routes returns the /requests routes
func (h *RequestHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/batch", h.CreateBatch)
	r.Get("/pending", h.Pending)
	r.Get("/history", h.History)
	r.Get("/mine", h.Mine)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/take", h.Take)
	r.Post("/{id}/complete", h.Complete)
	r.Post("/{id}/reject", h.Reject)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// BatchRoutes returns the /batches routes
func (h *RequestHandler) BatchRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{batchID}", h.GetBatch)
	r.Post("/{batchID}/take", h.TakeBatch)
	r.Post("/{batchID}/complete", h.CompleteBatch)
	r.Post("/{batchID}/reject", h.RejectBatch)
	return r
}

// Create handles POST /requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var in service.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.svc.CreateRequest(ctx, actor, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// CreateBatch handles POST /requests/batch
func (h *RequestHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var in service.BatchCreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.svc.CreateBatchRequest(ctx, actor, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"batch_id": created[0].BatchID,
		"requests": created,
	})
}

// Get handles GET /requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	req, err := h.svc.Get(ctx, actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Take handles POST /requests/{id}/take
func (h *RequestHandler) Take(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx *requestCtx) (interface{}, error) {
		return h.svc.Take(ctx.ctx, ctx.actor, ctx.id)
	})
}

// CompleteBody is the request body for completing a request.
type CompleteBody struct {
	PrescriptionURL  string `json:"prescription_url,omitempty"`
	PrescriptionLink string `json:"prescription_link,omitempty"`
	DoctorNotes      string `json:"doctor_notes,omitempty"`
}

func (b CompleteBody) fulfillment() request.Fulfillment {
	return request.Fulfillment{
		PrescriptionURL:  b.PrescriptionURL,
		PrescriptionLink: b.PrescriptionLink,
		DoctorNotes:      b.DoctorNotes,
	}
}

// Complete handles POST /requests/{id}/complete
func (h *RequestHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var body CompleteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.transition(w, r, func(ctx *requestCtx) (interface{}, error) {
		return h.svc.Complete(ctx.ctx, ctx.actor, ctx.id, body.fulfillment())
	})
}

// RejectBody is the request body for rejecting a request.
type RejectBody struct {
	Reason string `json:"reason"`
}

// Reject handles POST /requests/{id}/reject
func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body RejectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.transition(w, r, func(ctx *requestCtx) (interface{}, error) {
		return h.svc.Reject(ctx.ctx, ctx.actor, ctx.id, body.Reason)
	})
}

// Cancel handles POST /requests/{id}/cancel
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx *requestCtx) (interface{}, error) {
		return h.svc.Cancel(ctx.ctx, ctx.actor, ctx.id)
	})
}

// GetBatch handles GET /batches/{batchID}
func (h *RequestHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	members, err := h.svc.GetBatch(ctx, actor, chi.URLParam(r, "batchID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": chi.URLParam(r, "batchID"),
		"requests": members,
	})
}

// TakeBatch handles POST /batches/{batchID}/take
func (h *RequestHandler) TakeBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	res, err := h.svc.TakeBatch(ctx, actor, chi.URLParam(r, "batchID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// CompleteBatch handles POST /batches/{batchID}/complete
func (h *RequestHandler) CompleteBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var body CompleteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.svc.CompleteBatch(ctx, actor, chi.URLParam(r, "batchID"), body.fulfillment())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": chi.URLParam(r, "batchID"),
		"requests": updated,
	})
}

// RejectBatch handles POST /batches/{batchID}/reject
func (h *RequestHandler) RejectBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var body RejectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.svc.RejectBatch(ctx, actor, chi.URLParam(r, "batchID"), body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": chi.URLParam(r, "batchID"),
		"requests": updated,
	})
}

// Pending handles GET /requests/pending
func (h *RequestHandler) Pending(w http.ResponseWriter, r *http.Request) {
	h.queue(w, r, h.svc.SearchPending)
}

// History handles GET /requests/history
func (h *RequestHandler) History(w http.ResponseWriter, r *http.Request) {
	h.queue(w, r, h.svc.SearchHistory)
}

// Mine handles GET /requests/mine
func (h *RequestHandler) Mine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	rs, err := h.svc.ListMine(ctx, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": rs})
}

type queueFn func(ctx context.Context, actor request.Actor, in service.QueryInput) (*service.QueueResult, error)

func (h *RequestHandler) queue(w http.ResponseWriter, r *http.Request, fn queueFn) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	grouped, _ := strconv.ParseBool(q.Get("grouped"))

	res, err := fn(ctx, actor, service.QueryInput{
		Search:  q.Get("q"),
		Page:    page,
		PerPage: perPage,
		Grouped: grouped,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type requestCtx struct {
	ctx   context.Context
	actor request.Actor
	id    string
}

func (h *RequestHandler) transition(w http.ResponseWriter, r *http.Request, fn func(*requestCtx) (interface{}, error)) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	res, err := fn(&requestCtx{ctx: ctx, actor: actor, id: chi.URLParam(r, "id")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// writeError maps domain error kinds onto HTTP status codes.
func (h *RequestHandler) writeError(w http.ResponseWriter, err error) {
	var derr *request.Error
	if !errors.As(err, &derr) {
		h.logger.Error("internal error", zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch derr.Kind {
	case request.KindValidation:
		status = http.StatusBadRequest
	case request.KindNotFound:
		status = http.StatusNotFound
	case request.KindForbidden:
		status = http.StatusForbidden
	case request.KindInvalidTransition:
		status = http.StatusUnprocessableEntity
	case request.KindConflict:
		status = http.StatusConflict
	case request.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	h.jsonError(w, derr.Msg, status)
}

func (h *RequestHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *RequestHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
