package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/budget"
	"github.com/vnmchuo/costops/internal/ingest"
	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/usage"
	"github.com/vnmchuo/costops/pkg/ratelimit"
)

const (
	maxBodyBytes  = 16 << 20
	defaultSource = "default"
)

type Handler struct {
	normalizer  *ingest.Normalizer
	deadLetters *ingest.DeadLetters
	records     usage.Store
	prices      *pricing.Table
	engine      *aggregate.Engine
	budgets     *budget.Tracker
	limiter     *ratelimit.Limiter
	tracer      trace.Tracer
}

// NewHandler wires the HTTP surface. limiter may be nil, in which case
// ingestion is not rate limited. deadLetters may be nil too.
func NewHandler(normalizer *ingest.Normalizer, deadLetters *ingest.DeadLetters, records usage.Store, prices *pricing.Table,
	engine *aggregate.Engine, budgets *budget.Tracker, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		normalizer:  normalizer,
		deadLetters: deadLetters,
		records:     records,
		prices:      prices,
		engine:      engine,
		budgets:     budgets,
		limiter:     limiter,
		tracer:      tracer,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/usage", h.HandleIngest)
	r.Get("/v1/usage/{id}", h.HandleGetUsage)

	r.Get("/v1/pricing", h.HandleListPricing)
	r.Post("/v1/pricing", h.HandleUpsertPricing)
	r.Post("/v1/pricing/recompute", h.HandleRecompute)
	r.Post("/v1/pricing/{id}/expire", h.HandleExpirePricing)

	r.Get("/v1/costs", h.HandleCosts)

	r.Post("/v1/budgets", h.HandleCreateBudget)
	r.Get("/v1/budgets", h.HandleListBudgets)
	r.Get("/v1/budgets/{id}", h.HandleBudgetStatus)
	r.Put("/v1/budgets/{id}", h.HandleUpdateBudget)
	r.Delete("/v1/budgets/{id}", h.HandleDeleteBudget)
	r.Get("/v1/budgets/{id}/alerts", h.HandleBudgetAlerts)

	r.Get("/v1/deadletters", h.HandleListDeadLetters)
	r.Post("/v1/deadletters/retry", h.HandleRetryDeadLetters)

	r.Get("/v1/ratelimit/{source}", h.HandleRateLimitStatus)
}

func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	batch, err := ingest.SplitBatch(body)
	if err != nil {
		writeErr(w, err)
		return
	}
	source := r.Header.Get("X-Source")
	if source == "" {
		source = batch.Source
	}
	if source == "" {
		source = defaultSource
	}
	batch.Source = source

	ctx, span := h.tracer.Start(ctx, "api.ingest")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("records", len(batch.Items)))

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, source, len(batch.Items))
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60s")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid 'timeout' (use a Go duration such as 5s)")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	sum, err := h.normalizer.IngestBatch(ctx, batch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleListPricing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.prices.List(r.Context(), strings.ToLower(q.Get("provider")), q.Get("model"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []pricing.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) HandleUpsertPricing(w http.ResponseWriter, r *http.Request) {
	var e pricing.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created := e.ID == ""
	if err := h.prices.Upsert(r.Context(), &e); err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, e)
}

func (h *Handler) HandleExpirePricing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EffectiveUntil *time.Time `json:"effective_until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	at := time.Now()
	if req.EffectiveUntil != nil {
		at = *req.EffectiveUntil
	}
	e, err := h.prices.Expire(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) HandleRecompute(w http.ResponseWriter, r *http.Request) {
	var req ingest.RecomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Provider = strings.ToLower(req.Provider)
	res, err := h.normalizer.Recompute(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// HandleRateLimitStatus reports a source's ingestion window without
// consuming from it.
func (h *Handler) HandleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		writeError(w, http.StatusNotFound, "ingestion rate limiting is not enabled")
		return
	}
	source := chi.URLParam(r, "source")
	res, err := h.limiter.Status(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":      source,
		"allowed":     res.Allowed,
		"remaining":   res.Remaining,
		"limit":       res.Limit,
		"reset_after": res.ResetAfter.String(),
	})
}
