package api

import (
	"net/http"
	"strconv"

	"github.com/vnmchuo/costops/internal/ingest"
)

var deadLetterStatuses = map[ingest.DeadLetterStatus]bool{
	"":                         true,
	ingest.DeadLetterPending:   true,
	ingest.DeadLetterRetrying:  true,
	ingest.DeadLetterResolved:  true,
	ingest.DeadLetterReview:    true,
	ingest.DeadLetterExhausted: true,
}

func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letters are not enabled")
		return
	}
	q := r.URL.Query()
	status := ingest.DeadLetterStatus(q.Get("status"))
	if !deadLetterStatuses[status] {
		writeError(w, http.StatusBadRequest, "invalid 'status'")
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid 'limit'")
			return
		}
		limit = n
	}

	items, err := h.deadLetters.List(r.Context(), status, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []ingest.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

// HandleRetryDeadLetters runs one retry pass now instead of waiting for
// the background job.
func (h *Handler) HandleRetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letters are not enabled")
		return
	}
	res, err := h.deadLetters.Retry(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
