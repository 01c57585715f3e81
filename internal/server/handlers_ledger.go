package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/settlement"
	"github.com/ashita-ai/himitsu/internal/storage"
)

// HandleQuote handles GET /v1/settlement/quote?price=<wei>.
func (h *Handlers) HandleQuote(w http.ResponseWriter, r *http.Request) {
	price, err := settlement.ParseWei(r.URL.Query().Get("price"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "price must be a non-negative decimal wei amount")
		return
	}
	quote, err := h.lifecycle.Settlement().Quote(price)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, quote)
}

// HandleProviderSummary handles GET /v1/providers/{owner}/summary.
func (h *Handlers) HandleProviderSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.dashboard.Summary(r.Context(), r.PathValue("owner"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sum)
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.lifecycle.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleListWorkflows handles GET /v1/workflows. Non-admin callers only see
// their own workflows.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if h.workflows == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "workflow journal requires a database")
		return
	}
	claims := ClaimsFromContext(r.Context())
	q := r.URL.Query()

	f := storage.WorkflowFilter{
		ClientID: q.Get("client_id"),
		Kind:     model.WorkflowKind(q.Get("kind")),
		State:    model.WorkflowState(q.Get("state")),
		Limit:    queryLimit(r, 50),
	}
	if !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		f.ClientID = claims.ClientID
	}
	switch f.Kind {
	case "", model.WorkflowUpload, model.WorkflowQuery, model.WorkflowUpdate:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "kind must be upload, query or update")
		return
	}
	switch f.State {
	case "", model.WorkflowSubmitted, model.WorkflowWaiting, model.WorkflowCompleted, model.WorkflowFailed:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "state must be submitted, waiting, completed or failed")
		return
	}

	wfs, err := h.workflows.ListWorkflows(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list workflows", err)
		return
	}
	if wfs == nil {
		wfs = []model.Workflow{}
	}
	writeJSON(w, r, http.StatusOK, wfs)
}

// HandleGetWorkflow handles GET /v1/workflows/{id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.workflows == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "workflow journal requires a database")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id must be a UUID")
		return
	}
	wf, err := h.workflows.GetWorkflow(r.Context(), id)
	claims := ClaimsFromContext(r.Context())
	if errors.Is(err, storage.ErrNotFound) ||
		(err == nil && wf.ClientID != claims.ClientID && !model.RoleAtLeast(claims.Role, model.RoleAdmin)) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to read workflow", err)
		return
	}
	writeJSON(w, r, http.StatusOK, wf)
}
