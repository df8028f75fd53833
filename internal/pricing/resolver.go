package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/costops/internal/usage"
)

// Resolver prices usage records against the table.
type Resolver struct {
	table *Table
}

func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Resolve returns Priced or Unpriced for rec. The error is reserved for
// lookup failures of the underlying repository.
//
// Billable prompt tokens exclude cached tokens. Cached tokens are charged
// at the cached rate when one is effective and are free otherwise; their
// cost is reported as part of the prompt cost.
func (r *Resolver) Resolve(ctx context.Context, rec *usage.Record) (usage.Pricing, error) {
	billablePrompt := rec.PromptTokens - rec.CachedTokens
	if billablePrompt < 0 {
		billablePrompt = 0
	}

	cost := usage.Cost{Currency: r.table.Currency()}
	var currencies []string

	if billablePrompt > 0 {
		e, err := r.lookup(ctx, rec, ClassPrompt)
		if err != nil {
			return unpricedOr(err)
		}
		cost.PromptCost = Charge(billablePrompt, e.PricePer1K)
		cost.PromptPriceID = e.ID
		currencies = append(currencies, e.Currency)
	}

	if rec.CachedTokens > 0 {
		e, err := r.lookup(ctx, rec, ClassCached)
		var nf *NotFoundError
		switch {
		case err == nil:
			cost.PromptCost = cost.PromptCost.Add(Charge(rec.CachedTokens, e.PricePer1K))
			cost.CachedPriceID = e.ID
			currencies = append(currencies, e.Currency)
		case !errors.As(err, &nf):
			return usage.Pricing{}, err
		}
	}

	if rec.CompletionTokens > 0 {
		e, err := r.lookup(ctx, rec, ClassCompletion)
		if err != nil {
			return unpricedOr(err)
		}
		cost.CompletionCost = Charge(rec.CompletionTokens, e.PricePer1K)
		cost.CompletionPriceID = e.ID
		currencies = append(currencies, e.Currency)
	}

	for _, c := range currencies {
		if c != currencies[0] {
			return usage.Unpriced(fmt.Sprintf("mixed currencies %v", currencies)), nil
		}
	}
	if len(currencies) > 0 {
		cost.Currency = currencies[0]
	}
	return usage.Priced(cost), nil
}

func (r *Resolver) lookup(ctx context.Context, rec *usage.Record, class TokenClass) (*Entry, error) {
	key := Key{Provider: rec.Provider, Model: rec.Model, Class: class}
	return r.table.Lookup(ctx, key, rec.Timestamp)
}

func unpricedOr(err error) (usage.Pricing, error) {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return usage.Unpriced(nf.Error()), nil
	}
	return usage.Pricing{}, err
}

// Charge computes tokens / 1000 * pricePer1K exactly.
func Charge(tokens int64, pricePer1K decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(pricePer1K).Shift(-3)
}

// minorUnits is the number of decimal places costs are presented with.
var minorUnits = map[string]int32{
	"USD": 6,
	"EUR": 6,
	"GBP": 6,
	"JPY": 3,
}

// Present rounds an amount for display. Stored and aggregated amounts are
// never rounded.
func Present(amount decimal.Decimal, currency string) string {
	places, ok := minorUnits[currency]
	if !ok {
		places = 6
	}
	return amount.StringFixed(places)
}
