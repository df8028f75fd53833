package usage

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one metered model call. Records are immutable once stored.
type Record struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	OrganizationID   string    `json:"organization_id"`
	ProjectID        string    `json:"project_id,omitempty"`
	Environment      string    `json:"environment,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CachedTokens     int64     `json:"cached_tokens,omitempty"`
	TotalTokens      int64     `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	Metadata         Metadata  `json:"metadata,omitempty"`
}

// Equal reports whether two records describe the same usage fact.
func Equal(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Provider == b.Provider &&
		a.Model == b.Model &&
		a.OrganizationID == b.OrganizationID &&
		a.ProjectID == b.ProjectID &&
		a.Environment == b.Environment &&
		a.UserID == b.UserID &&
		a.PromptTokens == b.PromptTokens &&
		a.CompletionTokens == b.CompletionTokens &&
		a.CachedTokens == b.CachedTokens &&
		a.TotalTokens == b.TotalTokens &&
		a.LatencyMs == b.LatencyMs &&
		slices.Equal(a.Tags, b.Tags) &&
		a.Metadata.Equal(b.Metadata)
}

// Cost is the priced part of a record. Amounts are kept unrounded.
type Cost struct {
	PromptCost        decimal.Decimal `json:"prompt_cost"`
	CompletionCost    decimal.Decimal `json:"completion_cost"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	Currency          string          `json:"currency"`
	PromptPriceID     string          `json:"prompt_price_id,omitempty"`
	CompletionPriceID string          `json:"completion_price_id,omitempty"`
	CachedPriceID     string          `json:"cached_price_id,omitempty"`
}

// Pricing is either Priced (Cost set) or Unpriced (Reason set).
type Pricing struct {
	Cost   *Cost  `json:"cost,omitempty"`
	Reason string `json:"unpriced_reason,omitempty"`
}

func Priced(c Cost) Pricing {
	c.TotalCost = c.PromptCost.Add(c.CompletionCost)
	return Pricing{Cost: &c}
}

func Unpriced(reason string) Pricing {
	return Pricing{Reason: reason}
}

func (p Pricing) IsPriced() bool { return p.Cost != nil }

// Same reports whether two pricing outcomes are interchangeable.
func (p Pricing) Same(o Pricing) bool {
	if p.IsPriced() != o.IsPriced() {
		return false
	}
	if !p.IsPriced() {
		return p.Reason == o.Reason
	}
	a, b := p.Cost, o.Cost
	return a.PromptCost.Equal(b.PromptCost) &&
		a.CompletionCost.Equal(b.CompletionCost) &&
		a.Currency == b.Currency &&
		a.PromptPriceID == b.PromptPriceID &&
		a.CompletionPriceID == b.CompletionPriceID &&
		a.CachedPriceID == b.CachedPriceID
}

// StoredRecord is a record together with its pricing outcome, written atomically.
type StoredRecord struct {
	Record
	Pricing    Pricing   `json:"pricing"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Filter selects stored records. Zero-valued fields match everything and
// the time window is half-open: [Start, End).
type Filter struct {
	OrganizationID string
	Provider       string
	Model          string
	ProjectID      string
	Environment    string
	Start          time.Time
	End            time.Time
	UnpricedOnly   bool
}

func (f Filter) Match(r *StoredRecord) bool {
	switch {
	case f.OrganizationID != "" && r.OrganizationID != f.OrganizationID:
		return false
	case f.Provider != "" && r.Provider != f.Provider:
		return false
	case f.Model != "" && r.Model != f.Model:
		return false
	case f.ProjectID != "" && r.ProjectID != f.ProjectID:
		return false
	case f.Environment != "" && r.Environment != f.Environment:
		return false
	case !f.Start.IsZero() && r.Timestamp.Before(f.Start):
		return false
	case !f.End.IsZero() && !r.Timestamp.Before(f.End):
		return false
	case f.UnpricedOnly && r.Pricing.IsPriced():
		return false
	}
	return true
}

type Store interface {
	// InsertIfAbsent stores rec unless a record with the same ID exists, in
	// which case the existing record is returned and inserted is false.
	InsertIfAbsent(ctx context.Context, rec *StoredRecord) (existing *StoredRecord, inserted bool, err error)
	Get(ctx context.Context, id string) (*StoredRecord, error)
	// Scan calls fn for every record matching f, ordered by timestamp within
	// a tenant. fn must not retain or modify the record.
	Scan(ctx context.Context, f Filter, fn func(*StoredRecord) error) error
	UpdatePricing(ctx context.Context, id string, p Pricing) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
