// internal/handler/run_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "tgbroadcast/internal/errors"
	"tgbroadcast/internal/model"
	"tgbroadcast/internal/service"
)

// RunHandler holds the dependencies for broadcast-run HTTP handlers. This is
// the engine's only write entry point from outside.
type RunHandler struct {
	Service *service.RunService
}

func NewRunHandler(svc *service.RunService) *RunHandler {
	return &RunHandler{Service: svc}
}

// LaunchRunHandler creates and starts a broadcast run.
func (h *RunHandler) LaunchRunHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string           `json:"message"`
		Target  model.TargetSpec `json:"target"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	result, err := h.Service.LaunchRun(payload.Message, payload.Target)
	if err != nil {
		var invalid *appErrors.ErrInvalidTarget
		if errors.As(err, &invalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to launch run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// GetRunHandler returns the aggregate projection of a single run.
func (h *RunHandler) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.Service.GetRun(id)
	if err != nil {
		writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// ListRunsHandler returns a paginated list of runs.
func (h *RunHandler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	status := r.URL.Query().Get("status")

	runs, pagination, err := h.Service.ListRuns(page, pageSize, status)
	if err != nil {
		http.Error(w, "failed to fetch runs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data":       runs,
		"pagination": pagination,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ListDeliveriesHandler returns per-recipient delivery records for one run.
func (h *RunHandler) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)

	deliveries, pagination, err := h.Service.ListDeliveries(id, page, pageSize)
	if err != nil {
		writeRunError(w, err)
		return
	}

	response := map[string]interface{}{
		"data":       deliveries,
		"pagination": pagination,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// CancelRunHandler is the administrative cancellation.
func (h *RunHandler) CancelRunHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.Service.CancelRun(id)
	if err != nil {
		var notCancellable *appErrors.ErrRunNotCancellable
		if errors.As(err, &notCancellable) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// PurgeRunHandler removes a run and its deliveries.
func (h *RunHandler) PurgeRunHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Service.PurgeRun(id); err != nil {
		writeRunError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeRunError(w http.ResponseWriter, err error) {
	var notFound *appErrors.ErrRunNotFound
	if errors.As(err, &notFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
