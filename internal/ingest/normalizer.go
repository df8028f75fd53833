package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/costops/internal/logging"
	"github.com/vnmchuo/costops/internal/usage"
)

type Resolver interface {
	Resolve(ctx context.Context, rec *usage.Record) (usage.Pricing, error)
}

// Observer is told about records whose cost became visible.
type Observer interface {
	Observe(ctx context.Context, recs []usage.StoredRecord) error
}

type Options struct {
	Workers      int
	MaxBatchSize int
	MaxClockSkew time.Duration
	// WriteTimeout bounds a single record write once it has started. It is
	// independent of the batch context.
	WriteTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Workers < 1 {
		o.Workers = 8
	}
	if o.MaxBatchSize < 1 {
		o.MaxBatchSize = 1000
	}
	if o.MaxClockSkew <= 0 {
		o.MaxClockSkew = 5 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

type Normalizer struct {
	store    usage.Store
	resolver Resolver
	observer Observer
	tracer   trace.Tracer
	opts     Options
	now      func() time.Time
}

func NewNormalizer(store usage.Store, resolver Resolver, observer Observer, tracer trace.Tracer, opts Options) *Normalizer {
	opts.defaults()
	return &Normalizer{
		store:    store,
		resolver: resolver,
		observer: observer,
		tracer:   tracer,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage"
	KindTimeout    Kind = "timeout"
)

type Failure struct {
	Index     int                `json:"index"`
	ID        string             `json:"id,omitempty"`
	Kind      Kind               `json:"kind"`
	Error     string             `json:"error"`
	Fields    []usage.FieldError `json:"fields,omitempty"`
	Retriable bool               `json:"retriable"`
}

type Summary struct {
	BatchID     string    `json:"batch_id"`
	Source      string    `json:"source,omitempty"`
	Status      Status    `json:"status"`
	Received    int       `json:"received"`
	Accepted    int       `json:"accepted"`
	Duplicate   int       `json:"duplicate"`
	Unpriced    int       `json:"unpriced"`
	Failed      []Failure `json:"failed"`
	ProcessedAt time.Time `json:"processed_at"`
}

type outcome struct {
	done      bool
	duplicate bool
	rec       *usage.StoredRecord
	failure   *Failure
}

// collector gathers per-record outcomes. Once the batch has answered,
// late outcomes are no longer reported but accepted records are still
// kept for budget observation.
type collector struct {
	mu       sync.Mutex
	results  []outcome
	accepted []usage.StoredRecord
	closed   bool
}

func (c *collector) set(i int, o outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.rec != nil && !o.duplicate {
		c.accepted = append(c.accepted, *o.rec)
	}
	if !c.closed {
		o.done = true
		c.results[i] = o
	}
}

func (c *collector) close() []outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return append([]outcome(nil), c.results...)
}

func (c *collector) committed() []usage.StoredRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]usage.StoredRecord(nil), c.accepted...)
}

// Ingest splits body and ingests it as one batch.
func (n *Normalizer) Ingest(ctx context.Context, body []byte) (*Summary, error) {
	b, err := SplitBatch(body)
	if err != nil {
		return nil, err
	}
	return n.IngestBatch(ctx, b)
}

// IngestBatch processes every item on the worker pool. The error is only
// set when the batch is rejected as a whole; per-record problems are
// reported in the summary. When ctx expires the summary is partial and
// records that had not finished are marked retriable timeouts.
func (n *Normalizer) IngestBatch(ctx context.Context, b *Batch) (*Summary, error) {
	if len(b.Items) == 0 {
		return nil, &BatchError{Reason: "batch contains no records"}
	}
	if len(b.Items) > n.opts.MaxBatchSize {
		return nil, &BatchError{Reason: "batch exceeds the maximum of records", TooMany: true}
	}

	ctx, span := n.tracer.Start(ctx, "ingest.batch")
	defer span.End()

	sum := &Summary{
		BatchID:  ulid.Make().String(),
		Source:   b.Source,
		Received: len(b.Items),
		Failed:   []Failure{},
	}
	span.SetAttributes(attribute.String("batch_id", sum.BatchID), attribute.Int("records", len(b.Items)))

	col := &collector{results: make([]outcome, len(b.Items))}
	sem := make(chan struct{}, n.opts.Workers)
	var wg sync.WaitGroup
	detached := context.WithoutCancel(ctx)

dispatch:
	for i, raw := range b.Items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		if ctx.Err() != nil {
			<-sem
			break dispatch
		}
		wg.Add(1)
		go func(i int, raw json.RawMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			wctx, cancel := context.WithTimeout(detached, n.opts.WriteTimeout)
			defer cancel()
			col.set(i, n.process(wctx, raw))
		}(i, raw)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	finished := true
	select {
	case <-allDone:
	case <-ctx.Done():
		finished = false
	}

	results := col.close()
	for i, o := range results {
		switch {
		case !o.done:
			sum.Failed = append(sum.Failed, Failure{
				Index: i, Kind: KindTimeout, Error: "batch deadline exceeded before the record was committed", Retriable: true,
			})
		case o.failure != nil:
			f := *o.failure
			f.Index = i
			sum.Failed = append(sum.Failed, f)
		case o.duplicate:
			sum.Duplicate++
		default:
			sum.Accepted++
			if !o.rec.Pricing.IsPriced() {
				sum.Unpriced++
			}
		}
	}
	sum.Status = status(sum)
	sum.ProcessedAt = n.now()

	span.SetAttributes(
		attribute.Int("accepted", sum.Accepted),
		attribute.Int("duplicate", sum.Duplicate),
		attribute.Int("failed", len(sum.Failed)),
	)
	logging.FromContext(ctx).Info("usage batch ingested",
		zap.String("batch_id", sum.BatchID),
		zap.String("source", sum.Source),
		zap.Int("accepted", sum.Accepted),
		zap.Int("duplicate", sum.Duplicate),
		zap.Int("unpriced", sum.Unpriced),
		zap.Int("failed", len(sum.Failed)),
	)

	if finished {
		n.observe(detached, col.committed())
	} else {
		go func() {
			<-allDone
			n.observe(detached, col.committed())
		}()
	}
	return sum, nil
}

func status(s *Summary) Status {
	switch {
	case len(s.Failed) == 0:
		return StatusSuccess
	case len(s.Failed) == s.Received:
		return StatusFailed
	}
	return StatusPartial
}

func (n *Normalizer) observe(ctx context.Context, recs []usage.StoredRecord) {
	if n.observer == nil || len(recs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, n.opts.WriteTimeout)
	defer cancel()
	if err := n.observer.Observe(ctx, recs); err != nil {
		logging.FromContext(ctx).Warn("budget observation failed", zap.Int("records", len(recs)), zap.Error(err))
	}
}

func (n *Normalizer) process(ctx context.Context, raw json.RawMessage) outcome {
	rec, err := decodeRecord(raw, n.now(), n.opts.MaxClockSkew)
	if err != nil {
		var ve *usage.ValidationError
		errors.As(err, &ve)
		return outcome{failure: &Failure{ID: peekID(raw), Kind: KindValidation, Error: err.Error(), Fields: ve.Fields}}
	}

	pricing, err := n.resolver.Resolve(ctx, rec)
	if err != nil {
		return outcome{failure: &Failure{ID: rec.ID, Kind: KindStorage, Error: "price lookup failed: " + err.Error(), Retriable: true}}
	}

	stored := &usage.StoredRecord{Record: *rec, Pricing: pricing, IngestedAt: n.now().Truncate(time.Microsecond)}
	existing, inserted, err := n.store.InsertIfAbsent(ctx, stored)
	if err != nil {
		return outcome{failure: &Failure{ID: rec.ID, Kind: KindStorage, Error: err.Error(), Retriable: true}}
	}
	if inserted {
		return outcome{rec: stored}
	}
	if usage.Equal(&existing.Record, rec) {
		return outcome{rec: existing, duplicate: true}
	}
	cerr := &usage.ConflictError{ID: rec.ID}
	return outcome{failure: &Failure{ID: rec.ID, Kind: KindConflict, Error: cerr.Error()}}
}

// peekID recovers the id of a record that failed validation, if any.
func peekID(raw json.RawMessage) string {
	var v struct {
		ID        string `json:"id"`
		RequestID string `json:"request_id"`
	}
	if json.Unmarshal(raw, &v) != nil {
		return ""
	}
	if v.ID != "" {
		return v.ID
	}
	return v.RequestID
}
