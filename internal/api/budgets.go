package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/costops/internal/budget"
)

func (h *Handler) HandleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var b budget.Budget
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.budgets.Create(r.Context(), &b); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) HandleListBudgets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.budgets.List(r.Context(), budget.ListOptions{
		OrganizationID:  q.Get("organization_id"),
		IncludeInactive: parseBool(q.Get("include_inactive")),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []budget.Budget{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": list})
}

func (h *Handler) HandleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.budgets.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) HandleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	var b budget.Budget
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b.ID = chi.URLParam(r, "id")
	if err := h.budgets.Update(r.Context(), &b); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleDeleteBudget deactivates. Period history and fired events are kept.
func (h *Handler) HandleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	if err := h.budgets.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleBudgetAlerts(w http.ResponseWriter, r *http.Request) {
	events, err := h.budgets.Alerts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []budget.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": events})
}
