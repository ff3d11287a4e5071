package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"MailingService/internal/db"
	"MailingService/internal/models"
	"MailingService/internal/worker"
)

type Dispatcher interface {
	RunCycle(ctx context.Context) (worker.Report, error)
	SendNow(ctx context.Context, id int64) (worker.Report, error)
	Finish(ctx context.Context, id int64) error
}

type LogReader interface {
	ListLogs(ctx context.Context, mailingID int64, limit int) ([]models.MailingLog, error)
}

type Handler struct {
	Dispatcher Dispatcher
	Logs       LogReader
	Log        *zap.Logger
}

// Routes registers the ops endpoints on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("POST /dispatch", h.Dispatch)
	mux.HandleFunc("POST /mailings/{id}/send-now", h.SendNow)
	mux.HandleFunc("POST /mailings/{id}/finish", h.Finish)
	mux.HandleFunc("GET /mailings/{id}/logs", h.ListLogs)
	return mux
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.Dispatcher.RunCycle(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	id, ok := mailingID(w, r)
	if !ok {
		return
	}
	report, err := h.Dispatcher.SendNow(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	id, ok := mailingID(w, r)
	if !ok {
		return
	}
	if err := h.Dispatcher.Finish(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": models.StatusFinished,
	})
}

func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := mailingID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := h.Logs.ListLogs(r.Context(), id, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if logs == nil {
		logs = []models.MailingLog{}
	}
	h.writeJSON(w, http.StatusOK, logs)
}

func mailingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid mailing id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, db.ErrNotRunning),
		errors.Is(err, db.ErrNotActive),
		errors.Is(err, worker.ErrCycleInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		if h.Log != nil {
			h.Log.Error("request failed", zap.Error(err))
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && h.Log != nil {
		h.Log.Warn("failed to write response", zap.Error(err))
	}
}
