package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/pricing"
)

type costBucket struct {
	Start            time.Time         `json:"bucket_start"`
	Group            map[string]string `json:"group,omitempty"`
	PromptTokens     int64             `json:"prompt_tokens"`
	CompletionTokens int64             `json:"completion_tokens"`
	TotalTokens      int64             `json:"total_tokens"`
	TotalCost        string            `json:"total_cost"`
	RecordCount      int64             `json:"record_count"`
	UnpricedCount    int64             `json:"unpriced_count"`
}

type costSummary struct {
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	TotalCost        string `json:"total_cost"`
	RecordCount      int64  `json:"record_count"`
	UnpricedCount    int64  `json:"unpriced_count"`
}

type costResponse struct {
	Currency    string                `json:"currency"`
	Granularity aggregate.Granularity `json:"granularity"`
	Buckets     []costBucket          `json:"buckets"`
	Summary     costSummary           `json:"summary"`
}

func (h *Handler) HandleCosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'start' (RFC3339 or YYYY-MM-DD)")
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'end' (RFC3339 or YYYY-MM-DD)")
		return
	}

	query := aggregate.Query{
		Start:          start,
		End:            end,
		OrganizationID: q.Get("organization_id"),
		Provider:       strings.ToLower(q.Get("provider")),
		Model:          q.Get("model"),
		ProjectID:      q.Get("project_id"),
		Environment:    q.Get("environment"),
		Granularity:    aggregate.Granularity(q.Get("granularity")),
	}
	if v := q.Get("group_by"); v != "" {
		for _, d := range strings.Split(v, ",") {
			query.GroupBy = append(query.GroupBy, aggregate.Dimension(strings.TrimSpace(d)))
		}
	}

	res, err := h.engine.Query(r.Context(), query)
	if err != nil {
		writeErr(w, err)
		return
	}

	currency := h.prices.Currency()
	resp := costResponse{
		Currency:    currency,
		Granularity: query.Granularity,
		Buckets:     make([]costBucket, 0, len(res.Buckets)),
		Summary: costSummary{
			PromptTokens:     res.Summary.PromptTokens,
			CompletionTokens: res.Summary.CompletionTokens,
			TotalTokens:      res.Summary.TotalTokens,
			TotalCost:        pricing.Present(res.Summary.TotalCost, currency),
			RecordCount:      res.Summary.RecordCount,
			UnpricedCount:    res.Summary.UnpricedCount,
		},
	}
	if resp.Granularity == "" {
		resp.Granularity = aggregate.Daily
	}
	for _, b := range res.Buckets {
		resp.Buckets = append(resp.Buckets, costBucket{
			Start:            b.Start,
			Group:            b.Group,
			PromptTokens:     b.PromptTokens,
			CompletionTokens: b.CompletionTokens,
			TotalTokens:      b.TotalTokens,
			TotalCost:        pricing.Present(b.TotalCost, currency),
			RecordCount:      b.RecordCount,
			UnpricedCount:    b.UnpricedCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
