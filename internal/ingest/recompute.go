package ingest

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vnmchuo/costops/internal/logging"
	"github.com/vnmchuo/costops/internal/usage"
)

type RecomputeRequest struct {
	OrganizationID string    `json:"organization_id,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	UnpricedOnly   bool      `json:"unpriced_only,omitempty"`
}

type RecomputeResult struct {
	Scanned  int `json:"scanned"`
	Updated  int `json:"updated"`
	Unpriced int `json:"unpriced"`
}

// Recompute re-resolves stored records against the current price table and
// saves the outcome wherever it changed. Running it twice changes nothing
// the second time.
func (n *Normalizer) Recompute(ctx context.Context, req RecomputeRequest) (*RecomputeResult, error) {
	if !req.End.IsZero() && !req.Start.Before(req.End) {
		return nil, &BatchError{Reason: "start must be before end"}
	}
	ctx, span := n.tracer.Start(ctx, "ingest.recompute")
	defer span.End()

	filter := usage.Filter{
		OrganizationID: req.OrganizationID,
		Provider:       req.Provider,
		Model:          req.Model,
		Start:          req.Start,
		End:            req.End,
		UnpricedOnly:   req.UnpricedOnly,
	}

	var candidates []usage.StoredRecord
	if err := n.store.Scan(ctx, filter, func(rec *usage.StoredRecord) error {
		candidates = append(candidates, *rec)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan usage: %w", err)
	}

	res := &RecomputeResult{Scanned: len(candidates)}
	var changed []usage.StoredRecord
	for i := range candidates {
		rec := &candidates[i]
		p, err := n.resolver.Resolve(ctx, &rec.Record)
		if err != nil {
			return res, fmt.Errorf("resolve %s: %w", rec.ID, err)
		}
		if !p.IsPriced() {
			res.Unpriced++
		}
		if p.Same(rec.Pricing) {
			continue
		}
		if err := n.store.UpdatePricing(ctx, rec.ID, p); err != nil {
			return res, fmt.Errorf("update pricing of %s: %w", rec.ID, err)
		}
		rec.Pricing = p
		changed = append(changed, *rec)
		res.Updated++
	}

	span.SetAttributes(attribute.Int("scanned", res.Scanned), attribute.Int("updated", res.Updated))
	logging.FromContext(ctx).Info("recomputed usage costs",
		zap.Int("scanned", res.Scanned),
		zap.Int("updated", res.Updated),
		zap.Int("unpriced", res.Unpriced),
	)

	n.observe(context.WithoutCancel(ctx), changed)
	return res, nil
}
