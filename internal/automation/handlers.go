package automation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Handler exposes HTTP endpoints for automation rule sets.
type Handler struct {
	service   *Service
	scheduler *Scheduler
}

// NewHandler creates an automation API handler. scheduler may be nil, in
// which case the run endpoint reports 503.
func NewHandler(service *Service, scheduler *Scheduler) *Handler {
	return &Handler{service: service, scheduler: scheduler}
}

// Register mounts the automation routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/automation/{scope}", h.HandleGet)
	mux.HandleFunc("PUT /api/v1/automation/{scope}", h.HandlePut)
	mux.HandleFunc("POST /api/v1/automation/{scope}/reset", h.HandleReset)
	mux.HandleFunc("POST /api/v1/automation/{scope}/clear-completed", h.HandleClearCompleted)
	mux.HandleFunc("POST /api/v1/automation/{scope}/run", h.HandleRun)
}

// HandleGet serves GET /api/v1/automation/{scope}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	view, err := h.service.Get(r.Context(), scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandlePut serves PUT /api/v1/automation/{scope}.
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	var req struct {
		RuleSet         RuleSet `json:"ruleset"`
		ExpectedVersion *int64  `json:"expected_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if req.ExpectedVersion == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected_version is required")
		return
	}

	snap, err := h.service.Put(r.Context(), scope, req.RuleSet, *req.ExpectedVersion)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleReset serves POST /api/v1/automation/{scope}/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	var req struct {
		ExpectedVersion *int64 `json:"expected_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExpectedVersion == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected_version is required")
		return
	}

	snap, err := h.service.ResetBaseline(r.Context(), scope, *req.ExpectedVersion)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleClearCompleted serves POST /api/v1/automation/{scope}/clear-completed.
func (h *Handler) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	var req struct {
		RuleIDs         []string `json:"rule_ids"`
		ExpectedVersion *int64   `json:"expected_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExpectedVersion == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "rule_ids and expected_version are required")
		return
	}

	snap, removed, err := h.service.ClearCompleted(r.Context(), scope, req.RuleIDs, *req.ExpectedVersion)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   snap.Scope,
		"version": snap.Version,
		"ruleset": snap.RuleSet,
		"removed": removed,
	})
}

// HandleRun serves POST /api/v1/automation/{scope}/run: evaluate the scope now.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "scheduler is not running")
		return
	}
	if !h.scheduler.RunScope(r.Context(), scope, time.Now().UTC()) {
		writeError(w, http.StatusConflict, "scope_busy", "an evaluation pass is already running for this scope")
		return
	}
	view, err := h.service.Get(r.Context(), scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func scopeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	scope := strings.TrimSpace(r.PathValue("scope"))
	if scope == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing scope")
		return "", false
	}
	return scope, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_ruleset", err.Error())
	case errors.Is(err, ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
