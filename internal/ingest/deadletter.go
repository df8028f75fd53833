package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/vnmchuo/costops/internal/logging"
)

type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterRetrying DeadLetterStatus = "retrying"
	DeadLetterResolved DeadLetterStatus = "resolved"
	// DeadLetterReview items are never retried automatically.
	DeadLetterReview    DeadLetterStatus = "review_required"
	DeadLetterExhausted DeadLetterStatus = "exhausted"
)

// DeadLetter is one record that could not be committed, kept with its raw
// payload so it can be ingested again.
type DeadLetter struct {
	ID          string           `json:"id"`
	RecordID    string           `json:"record_id,omitempty"`
	Source      string           `json:"source"`
	Payload     json.RawMessage  `json:"payload"`
	Kind        Kind             `json:"kind"`
	Reason      string           `json:"reason"`
	Status      DeadLetterStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	NextRetryAt time.Time        `json:"next_retry_at"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type DeadLetterStore interface {
	Park(ctx context.Context, items []DeadLetter) error
	// Claim marks up to limit pending items due at now as retrying and
	// returns them. Retrying items last touched before staleBefore are
	// claimed again.
	Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]DeadLetter, error)
	Update(ctx context.Context, dl *DeadLetter) error
	// List returns items newest first. An empty status lists every item.
	List(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error)
}

type DeadLetterOptions struct {
	MaxAttempts int           // default: 5
	BaseDelay   time.Duration // default: 30s
	ClaimLimit  int           // default: 100
	// Lease bounds how long a claimed item stays retrying before another
	// run may claim it.
	Lease time.Duration // default: 10m
}

func (o *DeadLetterOptions) defaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 30 * time.Second
	}
	if o.ClaimLimit < 1 {
		o.ClaimLimit = 100
	}
	if o.Lease <= 0 {
		o.Lease = 10 * time.Minute
	}
}

// DeadLetters parks failed records and re-ingests retriable ones with
// exponential backoff.
type DeadLetters struct {
	store      DeadLetterStore
	normalizer *Normalizer
	opts       DeadLetterOptions
	now        func() time.Time
}

func NewDeadLetters(store DeadLetterStore, normalizer *Normalizer, opts DeadLetterOptions) *DeadLetters {
	opts.defaults()
	return &DeadLetters{
		store:      store,
		normalizer: normalizer,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// retryDelay is base × 2^(attempt-1) with 20% jitter, capped at an hour.
func retryDelay(base time.Duration, attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = time.Hour
	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Park stores the failures of sum that another attempt may fix. Retriable
// failures are scheduled; conflicts wait for review. Validation failures
// are not parked since the payload itself is wrong.
func (d *DeadLetters) Park(ctx context.Context, b *Batch, sum *Summary) (int, error) {
	if sum == nil {
		return 0, nil
	}
	now := d.now()
	var items []DeadLetter
	for _, f := range sum.Failed {
		if f.Index < 0 || f.Index >= len(b.Items) {
			continue
		}
		dl := DeadLetter{
			ID:          ulid.Make().String(),
			RecordID:    f.ID,
			Source:      b.Source,
			Payload:     b.Items[f.Index],
			Kind:        f.Kind,
			Reason:      f.Error,
			MaxAttempts: d.opts.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if dl.RecordID == "" {
			dl.RecordID = peekID(dl.Payload)
		}
		switch {
		case f.Retriable:
			dl.Status = DeadLetterPending
			dl.NextRetryAt = now.Add(retryDelay(d.opts.BaseDelay, 1))
		case f.Kind == KindConflict:
			dl.Status = DeadLetterReview
		default:
			continue
		}
		items = append(items, dl)
	}
	if len(items) == 0 {
		return 0, nil
	}
	if err := d.store.Park(ctx, items); err != nil {
		return 0, fmt.Errorf("park %d records: %w", len(items), err)
	}
	return len(items), nil
}

type RetryResult struct {
	Claimed     int `json:"claimed"`
	Resolved    int `json:"resolved"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
	Review      int `json:"review"`
}

// Retry re-ingests every due item once.
func (d *DeadLetters) Retry(ctx context.Context) (*RetryResult, error) {
	now := d.now()
	due, err := d.store.Claim(ctx, now, now.Add(-d.opts.Lease), d.opts.ClaimLimit)
	if err != nil {
		return nil, fmt.Errorf("claim dead letters: %w", err)
	}
	res := &RetryResult{Claimed: len(due)}
	log := logging.FromContext(ctx)

	for i := range due {
		dl := &due[i]
		d.attempt(ctx, dl)
		switch dl.Status {
		case DeadLetterResolved:
			res.Resolved++
		case DeadLetterPending:
			res.Rescheduled++
		case DeadLetterExhausted:
			res.Exhausted++
			log.Warn("dead letter exhausted", zap.String("record_id", dl.RecordID), zap.Int("attempts", dl.Attempts), zap.String("reason", dl.Reason))
		case DeadLetterReview:
			res.Review++
		}
		if err := d.store.Update(context.WithoutCancel(ctx), dl); err != nil {
			return res, fmt.Errorf("update dead letter %s: %w", dl.ID, err)
		}
	}
	if res.Claimed > 0 {
		log.Info("dead letters retried",
			zap.Int("claimed", res.Claimed),
			zap.Int("resolved", res.Resolved),
			zap.Int("rescheduled", res.Rescheduled),
			zap.Int("exhausted", res.Exhausted),
		)
	}
	return res, nil
}

func (d *DeadLetters) attempt(ctx context.Context, dl *DeadLetter) {
	dl.Attempts++
	sum, err := d.normalizer.IngestBatch(ctx, &Batch{Source: dl.Source, Items: []json.RawMessage{dl.Payload}})
	now := d.now()
	dl.UpdatedAt = now

	switch {
	case err != nil:
		dl.Status, dl.Reason = DeadLetterReview, err.Error()
	case len(sum.Failed) == 0:
		dl.Status, dl.Reason = DeadLetterResolved, ""
	case sum.Failed[0].Retriable:
		dl.Kind, dl.Reason = sum.Failed[0].Kind, sum.Failed[0].Error
		if dl.Attempts >= dl.MaxAttempts {
			dl.Status = DeadLetterExhausted
			return
		}
		dl.Status = DeadLetterPending
		dl.NextRetryAt = now.Add(retryDelay(d.opts.BaseDelay, dl.Attempts+1))
	default:
		dl.Kind, dl.Reason = sum.Failed[0].Kind, sum.Failed[0].Error
		dl.Status = DeadLetterReview
	}
}

func (d *DeadLetters) List(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error) {
	return d.store.List(ctx, status, limit)
}

type MemoryDeadLetterStore struct {
	mu    sync.Mutex
	items map[string]*DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{items: make(map[string]*DeadLetter)}
}

func (s *MemoryDeadLetterStore) Park(ctx context.Context, items []DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		dl := items[i]
		s.items[dl.ID] = &dl
	}
	return nil
}

func (s *MemoryDeadLetterStore) Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*DeadLetter
	for _, dl := range s.items {
		pending := dl.Status == DeadLetterPending && !dl.NextRetryAt.After(now)
		stale := dl.Status == DeadLetterRetrying && !dl.UpdatedAt.After(staleBefore)
		if pending || stale {
			due = append(due, dl)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]DeadLetter, 0, len(due))
	for _, dl := range due {
		dl.Status = DeadLetterRetrying
		dl.UpdatedAt = now
		out = append(out, *dl)
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) Update(ctx context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[dl.ID]; !ok {
		return fmt.Errorf("dead letter %s not found", dl.ID)
	}
	cp := *dl
	s.items[dl.ID] = &cp
	return nil
}

func (s *MemoryDeadLetterStore) List(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeadLetter
	for _, dl := range s.items {
		if status == "" || dl.Status == status {
			out = append(out, *dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
