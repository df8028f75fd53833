package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/budget"
	"github.com/vnmchuo/costops/internal/ingest"
	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/usage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		usageValidation  *usage.ValidationError
		priceValidation  *pricing.ValidationError
		budgetValidation *budget.ValidationError
		queryErr         *aggregate.QueryError
		batchErr         *ingest.BatchError
		conflict         *usage.ConflictError
	)
	switch {
	case errors.As(err, &batchErr) && batchErr.TooMany:
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &batchErr),
		errors.As(err, &usageValidation),
		errors.As(err, &priceValidation),
		errors.As(err, &budgetValidation),
		errors.As(err, &queryErr):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.Is(err, pricing.ErrOverlap):
		return http.StatusConflict
	case errors.Is(err, usage.ErrNotFound),
		errors.Is(err, pricing.ErrEntryNotFound),
		errors.Is(err, budget.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
