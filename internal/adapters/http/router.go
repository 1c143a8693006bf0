package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/config"
	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

const maxSubmitBodyBytes = 1 << 20

// SubmissionRecorder counts submission results; HTTPServerMetrics satisfies it.
type SubmissionRecorder interface {
	RecordSubmission(service, result string)
}

type Router struct {
	submitter ports.DocumentSubmitter
	status    ports.StatusQuery
	metrics   SubmissionRecorder
	metricsH  http.Handler

	rateLimitRPS      float64
	rateLimitBurst    int
	backpressureLimit int
	backpressureWait  time.Duration
}

type RouterOption func(*Router)

// WithMetrics mounts handler on /metrics and counts submissions on rec.
func WithMetrics(rec SubmissionRecorder, handler http.Handler) RouterOption {
	return func(rt *Router) {
		rt.metrics = rec
		rt.metricsH = handler
	}
}

func NewRouter(cfg config.Config, submitter ports.DocumentSubmitter, status ports.StatusQuery, opts ...RouterOption) *Router {
	rt := &Router{
		submitter:         submitter,
		status:            status,
		rateLimitRPS:      cfg.APIRateLimitRPS,
		rateLimitBurst:    cfg.APIRateLimitBurst,
		backpressureLimit: 64,
		backpressureWait:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.submitDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocumentStatus)
	mux.HandleFunc("GET /v1/documents/{id}/events", rt.listDocumentEvents)
	mux.HandleFunc("POST /v1/documents/{id}/cancel", rt.cancelDocument)
	if rt.metricsH != nil {
		mux.Handle("GET /metrics", rt.metricsH)
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.backpressureLimit, rt.backpressureWait)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) submitDocument(w http.ResponseWriter, r *http.Request) {
	var req ports.SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		rt.recordSubmission("rejected")
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode submit request", errors.New("invalid json")))
		return
	}

	doc, err := rt.submitter.Submit(r.Context(), req)
	if err != nil {
		if mapErrorToHTTPStatus(err) < http.StatusInternalServerError {
			rt.recordSubmission("rejected")
		} else {
			rt.recordSubmission("error")
		}
		writeError(w, r, err)
		return
	}
	rt.recordSubmission("accepted")
	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) getDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	view, err := rt.status.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) listDocumentEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	events, err := rt.status.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "events": events})
}

func (rt *Router) cancelDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	if err := rt.submitter.RequestCancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": id, "status": "cancel_requested"})
}

func (rt *Router) recordSubmission(result string) {
	if rt.metrics != nil {
		rt.metrics.RecordSubmission("api", result)
	}
}

func documentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id is required"})
		return "", false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_error",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
