package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/econaxis/imgrepo/internal/analytics"
	"github.com/econaxis/imgrepo/internal/docstore"
	"github.com/econaxis/imgrepo/internal/ingestion"
	"github.com/econaxis/imgrepo/internal/ingestion/validator"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/logger"
)

// Tracker receives upload, delete and flush events.
type Tracker interface {
	Track(ev analytics.Event)
}

type Handler struct {
	service        *ingestion.Service
	maxUploadBytes int64
	tracker        Tracker
	logger         *slog.Logger
}

type Option func(*Handler)

func WithTracker(t Tracker) Option {
	return func(h *Handler) { h.tracker = t }
}

func New(service *ingestion.Service, maxUploadBytes int64, opts ...Option) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}
	h := &Handler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
		logger:         slog.Default().With("component", "ingestion-handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) track(r *http.Request, ev analytics.Event) {
	if h.tracker == nil {
		return
	}
	ev.RequestID = logger.RequestID(r.Context())
	h.tracker.Track(ev)
}

// Register mounts the picture and index routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/pictures", h.Upload)
	mux.HandleFunc("GET /api/v1/pictures", h.List)
	mux.HandleFunc("GET /api/v1/pictures/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/pictures/{id}", h.Delete)
	mux.HandleFunc("POST /api/v1/index/flush", h.Flush)
	mux.HandleFunc("GET /api/v1/index/stats", h.Stats)
}

// Upload takes a multipart form with a "file" part and a "description"
// field. flush=1 flushes the index before responding so the picture is
// immediately searchable.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	req, err := readUpload(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidateUpload(&req); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.service.Post(ctx, req)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("upload failed", "filename", req.Filename, "error", err, "status_code", statusCode)
		h.writeError(w, statusCode, "upload failed")
		return
	}
	resp := ingestion.UploadResponse{ID: id, Filename: req.Filename}

	if r.FormValue("flush") == "1" {
		if err := h.service.Flush(ctx); err != nil {
			log.Error("flush after upload failed", "id", id, "error", err)
		} else {
			resp.Flushed = true
		}
	}
	log.Info("picture uploaded", "id", id, "filename", req.Filename, "flushed", resp.Flushed)
	h.track(r, analytics.Event{Type: analytics.EventUpload, PictureID: id, Filename: req.Filename, SizeBytes: len(req.Payload)})
	h.writeJSON(w, http.StatusCreated, resp)
}

func readUpload(r *http.Request) (ingestion.UploadRequest, error) {
	req := ingestion.UploadRequest{Description: r.FormValue("description")}
	file, header, err := r.FormFile("file")
	if err != nil {
		return req, fmt.Errorf("form field 'file' is required")
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		return req, fmt.Errorf("reading uploaded file: %w", err)
	}
	req.Filename = header.Filename
	req.Mimetype = header.Header.Get("Content-Type")
	if req.Mimetype == "" || req.Mimetype == "application/octet-stream" {
		req.Mimetype = http.DetectContentType(payload)
	}
	req.Payload = payload
	return req, nil
}

// Get writes the picture bytes with their stored mimetype.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "get picture", err)
		return
	}
	mimetype := doc.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Payload); err != nil {
		h.logger.Error("failed to write picture", "id", id, "error", err)
	}
}

// List answers ?name= with every live picture of that filename, otherwise
// the first ?limit= pictures in id order.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		docs []docstore.Document
		err  error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		docs, err = h.service.ByName(ctx, name)
	} else {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			limit, err = strconv.Atoi(s)
			if err != nil || limit < 0 {
				h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
		}
		docs, err = h.service.List(ctx, limit)
	}
	if err != nil {
		h.writeServiceError(w, r, "list pictures", err)
		return
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"pictures": docs, "count": len(docs)})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "delete picture", err)
		return
	}
	h.track(r, analytics.Event{Type: analytics.EventDelete, PictureID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Flush(r.Context()); err != nil {
		h.writeServiceError(w, r, "flush", err)
		return
	}
	st := h.service.Stats()
	h.track(r, analytics.Event{Type: analytics.EventFlush, Generation: st.Generation})
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Stats())
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status == http.StatusNotFound {
		h.writeError(w, status, "picture not found")
		return
	}
	logger.FromContext(r.Context()).Error(op+" failed", "error", err, "status_code", status)
	h.writeError(w, status, op+" failed")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
