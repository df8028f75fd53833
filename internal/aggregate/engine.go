package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/costops/internal/usage"
)

// Result is the answer to a Query.
type Result struct {
	Buckets []Bucket `json:"buckets"`
	Summary Summary  `json:"summary"`
}

type Summary struct {
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	RecordCount      int64           `json:"record_count"`
	UnpricedCount    int64           `json:"unpriced_count"`
}

// Engine answers aggregation queries over a usage store. Reads see only
// fully committed records.
type Engine struct {
	store       usage.Store
	parallelism int
	tracer      trace.Tracer
}

func NewEngine(store usage.Store, parallelism int, tracer trace.Tracer) *Engine {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Engine{store: store, parallelism: parallelism, tracer: tracer}
}

func (e *Engine) Query(ctx context.Context, q Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "aggregate.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("granularity", string(q.Granularity)),
		attribute.Int("group_by", len(q.GroupBy)),
	)

	ranges := split(q.Start, q.End, e.parallelism)
	partials := make([]*Partial, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		partials[i] = NewPartial(q.Granularity, q.GroupBy)
		p := partials[i]
		f := q.filter(r[0], r[1])
		g.Go(func() error {
			return e.store.Scan(gctx, f, func(rec *usage.StoredRecord) error {
				p.Add(rec)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scan usage: %w", err)
	}

	total := NewPartial(q.Granularity, q.GroupBy)
	for _, p := range partials {
		total.Merge(p)
	}

	res := &Result{Buckets: total.Buckets()}
	for _, b := range res.Buckets {
		res.Summary.PromptTokens += b.PromptTokens
		res.Summary.CompletionTokens += b.CompletionTokens
		res.Summary.TotalTokens += b.TotalTokens
		res.Summary.TotalCost = res.Summary.TotalCost.Add(b.TotalCost)
		res.Summary.RecordCount += b.RecordCount
		res.Summary.UnpricedCount += b.UnpricedCount
	}
	span.SetAttributes(attribute.Int64("record_count", res.Summary.RecordCount))
	return res, nil
}

// TotalCost sums the priced cost of every record matching f.
func (e *Engine) TotalCost(ctx context.Context, f usage.Filter) (decimal.Decimal, error) {
	total := decimal.Zero
	err := e.store.Scan(ctx, f, func(rec *usage.StoredRecord) error {
		if rec.Pricing.IsPriced() {
			total = total.Add(rec.Pricing.Cost.TotalCost)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("scan usage: %w", err)
	}
	return total, nil
}

// split cuts [start, end) into at most n contiguous half-open ranges.
func split(start, end time.Time, n int) [][2]time.Time {
	span := end.Sub(start)
	if n < 2 || span < time.Duration(n) {
		return [][2]time.Time{{start, end}}
	}
	step := span / time.Duration(n)
	out := make([][2]time.Time, 0, n)
	from := start
	for i := 0; i < n-1; i++ {
		to := from.Add(step)
		out = append(out, [2]time.Time{from, to})
		from = to
	}
	return append(out, [2]time.Time{from, end})
}
