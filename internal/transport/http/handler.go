package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"intake/internal/audit"
	"intake/internal/hitl"
	"intake/pkg/fault"
	"intake/pkg/sentinel"
)

// Handler exposes audit verification and the correction sink.
type Handler struct {
	audit  *audit.Logger
	sink   *hitl.Sink
	logger *slog.Logger
}

func NewHandler(auditLogger *audit.Logger, sink *hitl.Sink, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{audit: auditLogger, sink: sink, logger: logger}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadChain(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	runID := chi.URLParam(r, "runID")
	events, err := h.audit.ReadChain(r.Context(), messageID, runID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	runID := chi.URLParam(r, "runID")
	verification, err := h.audit.Verify(r.Context(), messageID, runID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !verification.OK() {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"ok":             verification.OK(),
		"events_checked": verification.EventsChecked,
		"broken_at":      verification.BrokenAt,
		"errors":         verification.Errors,
	})
}

func (h *Handler) handleSubmitCorrection(w http.ResponseWriter, r *http.Request) {
	var record hitl.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid correction payload"})
		return
	}
	stored, err := h.sink.Submit(r.Context(), record)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) handleListCorrections(w http.ResponseWriter, r *http.Request) {
	records, err := h.sink.ListByMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrections": records})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
	case fault.Is(err, fault.KindValidation):
		status = http.StatusUnprocessableEntity
	case fault.Is(err, fault.KindDependencyUnavailable):
		status = http.StatusServiceUnavailable
	}
	h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
