package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Table is the administrative and lookup surface over price entries.
type Table struct {
	repo     Repository
	cache    Cache
	currency string
	now      func() time.Time
}

// NewTable builds a table that only accepts entries in currency.
func NewTable(repo Repository, cache Cache, currency string) *Table {
	if cache == nil {
		cache = NewLocalCache(time.Minute)
	}
	return &Table{repo: repo, cache: cache, currency: currency, now: time.Now}
}

func (t *Table) Currency() string { return t.currency }

// Upsert creates e (assigning an ID when empty) or replaces the entry with
// the same ID. The series cache is invalidated after every write.
func (t *Table) Upsert(ctx context.Context, e *Entry) error {
	if err := normalize(e, t.currency); err != nil {
		return err
	}
	now := t.now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
		e.CreatedAt = now
	} else if prev, err := t.repo.Get(ctx, e.ID); err == nil {
		e.CreatedAt = prev.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	if err := t.repo.Upsert(ctx, e); err != nil {
		return err
	}
	t.cache.Invalidate(ctx, e.Key())
	return nil
}

// Expire closes the validity interval of an entry at the given instant.
func (t *Table) Expire(ctx context.Context, id string, at time.Time) (*Entry, error) {
	e, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	at = at.UTC()
	e.EffectiveUntil = &at
	if err := t.Upsert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (t *Table) Get(ctx context.Context, id string) (*Entry, error) {
	return t.repo.Get(ctx, id)
}

func (t *Table) List(ctx context.Context, provider, model string) ([]Entry, error) {
	return t.repo.List(ctx, provider, model)
}

// Lookup returns the entry effective for key at instant at, or a
// *NotFoundError.
func (t *Table) Lookup(ctx context.Context, key Key, at time.Time) (*Entry, error) {
	series, err := t.series(ctx, key)
	if err != nil {
		return nil, err
	}
	e, ok := effectiveAt(series, at)
	if !ok {
		return nil, &NotFoundError{Key: key, At: at}
	}
	return e, nil
}

func (t *Table) series(ctx context.Context, key Key) ([]Entry, error) {
	if series, ok := t.cache.Get(ctx, key); ok {
		return series, nil
	}
	series, err := t.repo.Series(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load price series %s: %w", key, err)
	}
	sortSeries(series)
	t.cache.Set(ctx, key, series)
	return series, nil
}
