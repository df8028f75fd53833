package pricing

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Repository persists price entries. Upsert must check overlap and write
// atomically with respect to other upserts of the same series.
type Repository interface {
	Series(ctx context.Context, key Key) ([]Entry, error)
	List(ctx context.Context, provider, model string) ([]Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	Upsert(ctx context.Context, e *Entry) error
}

type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]*Entry
	series map[Key][]Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]*Entry),
		series: make(map[Key][]Entry),
	}
}

func (r *MemoryRepository) Series(ctx context.Context, key Key) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.series[key]), nil
}

func (r *MemoryRepository) List(ctx context.Context, provider, model string) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.byID {
		if provider != "" && e.Provider != provider {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		out = append(out, *e)
	}
	sortListing(out)
	return out, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[e.ID]; ok && prev.Key() != e.Key() {
		return &ValidationError{Reason: "provider, model and token class of an entry cannot change"}
	}
	key := e.Key()
	series := r.series[key]
	if err := checkOverlap(series, e); err != nil {
		return err
	}

	next := make([]Entry, 0, len(series)+1)
	for _, cur := range series {
		if cur.ID != e.ID {
			next = append(next, cur)
		}
	}
	next = append(next, *e)
	sortSeries(next)
	r.series[key] = next

	cp := *e
	r.byID[e.ID] = &cp
	return nil
}

func sortListing(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.Provider != b.Provider:
			return cmp.Compare(a.Provider, b.Provider)
		case a.Model != b.Model:
			return cmp.Compare(a.Model, b.Model)
		case a.Class != b.Class:
			return cmp.Compare(a.Class, b.Class)
		}
		return a.EffectiveFrom.Compare(b.EffectiveFrom)
	})
}
