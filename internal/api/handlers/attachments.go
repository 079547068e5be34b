package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicore/rxrequest/internal/api/middleware"
	"github.com/clinicore/rxrequest/internal/attachments"
)

// AttachmentHandler handles attachment uploads
type AttachmentHandler struct {
	store  attachments.Store
	logger *zap.Logger
}

// NewAttachmentHandler creates a new handler
func NewAttachmentHandler(store attachments.Store, logger *zap.Logger) *AttachmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachmentHandler{store: store, logger: logger}
}

// Routes returns the /attachments routes
func (h *AttachmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Upload)
	return r
}

// Upload handles POST /attachments. Multipart form with a single "file"
// field; responds with the stored URL for the caller to reference on a
// request or fulfillment.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		h.jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxUploadSize)
	if err := r.ParseMultipartForm(attachments.MaxUploadSize); err != nil {
		h.jsonError(w, "file too large or malformed upload", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.jsonError(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if _, ok := attachments.AllowedContentType(contentType); !ok {
		h.jsonError(w, "only PDF, JPEG, and PNG uploads are accepted", http.StatusBadRequest)
		return
	}

	url, err := h.store.Upload(ctx, header.Filename, contentType, file)
	if err != nil {
		h.logger.Error("attachment upload failed",
			zap.String("actor_id", actor.ID),
			zap.Error(err))
		h.jsonError(w, "failed to store attachment", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (h *AttachmentHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *AttachmentHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
