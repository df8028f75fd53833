package aggregate

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/costops/internal/usage"
)

// Bucket is one (time bucket, group) row of a query result.
type Bucket struct {
	Start            time.Time         `json:"bucket_start"`
	Group            map[string]string `json:"group,omitempty"`
	PromptTokens     int64             `json:"prompt_tokens"`
	CompletionTokens int64             `json:"completion_tokens"`
	TotalTokens      int64             `json:"total_tokens"`
	TotalCost        decimal.Decimal   `json:"total_cost"`
	RecordCount      int64             `json:"record_count"`
	UnpricedCount    int64             `json:"unpriced_count"`

	values []string
}

func (b *Bucket) add(r *usage.StoredRecord) {
	b.PromptTokens += r.PromptTokens
	b.CompletionTokens += r.CompletionTokens
	b.TotalTokens += r.TotalTokens
	b.RecordCount++
	if r.Pricing.IsPriced() {
		b.TotalCost = b.TotalCost.Add(r.Pricing.Cost.TotalCost)
	} else {
		b.UnpricedCount++
	}
}

func (b *Bucket) merge(o *Bucket) {
	b.PromptTokens += o.PromptTokens
	b.CompletionTokens += o.CompletionTokens
	b.TotalTokens += o.TotalTokens
	b.TotalCost = b.TotalCost.Add(o.TotalCost)
	b.RecordCount += o.RecordCount
	b.UnpricedCount += o.UnpricedCount
}

// Partial accumulates buckets. Merging partials is associative and
// commutative, so shards may be scanned in any order.
type Partial struct {
	granularity Granularity
	groupBy     []Dimension
	buckets     map[string]*Bucket
}

func NewPartial(g Granularity, groupBy []Dimension) *Partial {
	return &Partial{granularity: g, groupBy: groupBy, buckets: make(map[string]*Bucket)}
}

func (p *Partial) Add(r *usage.StoredRecord) {
	start := p.granularity.Truncate(r.Timestamp)
	values := make([]string, len(p.groupBy))
	for i, d := range p.groupBy {
		values[i] = d.value(r)
	}
	key := bucketKey(start, values)
	b, ok := p.buckets[key]
	if !ok {
		b = &Bucket{Start: start, values: values}
		p.buckets[key] = b
	}
	b.add(r)
}

func (p *Partial) Merge(o *Partial) {
	for key, ob := range o.buckets {
		b, ok := p.buckets[key]
		if !ok {
			cp := *ob
			p.buckets[key] = &cp
			continue
		}
		b.merge(ob)
	}
}

// Buckets returns the rows ordered by bucket start, then group values.
func (p *Partial) Buckets() []Bucket {
	out := make([]Bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		row := *b
		if len(p.groupBy) > 0 {
			row.Group = make(map[string]string, len(p.groupBy))
			for i, d := range p.groupBy {
				row.Group[string(d)] = row.values[i]
			}
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b Bucket) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return slices.Compare(a.values, b.values)
	})
	return out
}

func bucketKey(start time.Time, values []string) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(start.UnixNano(), 10))
	for _, v := range values {
		sb.WriteByte(0)
		sb.WriteString(v)
	}
	return sb.String()
}
