package nudge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/cadence/internal/controlplane/events"
)

// Handler exposes the nudge policy and the obligation ledger over HTTP.
type Handler struct {
	policies *PolicyStore
	ledger   *Ledger
	events   events.Publisher
}

// NewHandler creates a nudge API handler.
func NewHandler(policies *PolicyStore, ledger *Ledger, publisher events.Publisher) *Handler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Handler{policies: policies, ledger: ledger, events: publisher}
}

// Register mounts the nudge routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/nudge/{scope}/policy", h.HandleGetPolicy)
	mux.HandleFunc("PUT /api/v1/nudge/{scope}/policy", h.HandlePutPolicy)
	mux.HandleFunc("POST /api/v1/nudge/{scope}/obligations", h.HandleDeliver)
	mux.HandleFunc("DELETE /api/v1/nudge/{scope}/obligations/{id}", h.HandleResolve)
	mux.HandleFunc("POST /api/v1/nudge/{scope}/signals", h.HandleSignal)
}

// HandleGetPolicy serves GET /api/v1/nudge/{scope}/policy.
func (h *Handler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	p, err := h.policies.Get(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandlePutPolicy serves PUT /api/v1/nudge/{scope}/policy. Omitted fields
// keep their current values.
func (h *Handler) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	p, err := h.policies.Get(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if err := h.policies.Put(r.Context(), scope, p); err != nil {
		if errors.Is(err, ErrInvalidPolicy) {
			writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	h.events.Publish(events.Event{
		Type:    events.NudgePolicyChange,
		Scope:   scope,
		Summary: "nudge policy updated",
	})
	writeJSON(w, http.StatusOK, p)
}

// HandleDeliver serves POST /api/v1/nudge/{scope}/obligations.
func (h *Handler) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	var ob Obligation
	if err := json.NewDecoder(r.Body).Decode(&ob); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	ob.Scope = scope
	stored, err := h.ledger.Deliver(ob)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// HandleResolve serves DELETE /api/v1/nudge/{scope}/obligations/{id}.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	if err := h.ledger.Resolve(scope, r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSignal serves POST /api/v1/nudge/{scope}/signals.
func (h *Handler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Actor string    `json:"actor"`
		Kind  string    `json:"kind"`
		At    time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "actor is required")
		return
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch req.Kind {
	case "activity":
		h.ledger.RecordActivity(scope, actor, at)
	case "message":
		h.ledger.RecordMessage(scope, actor, at)
	case "idle":
		h.ledger.SignalIdle(scope, actor, at)
	case "left":
		h.ledger.RemoveActor(scope, actor)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "kind must be activity, message, idle or left")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func scopeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	scope := strings.TrimSpace(r.PathValue("scope"))
	if scope == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing scope")
		return "", false
	}
	return scope, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
