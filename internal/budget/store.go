package budget

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

type ListOptions struct {
	OrganizationID  string
	IncludeInactive bool
}

type Store interface {
	Create(ctx context.Context, b *Budget) error
	Update(ctx context.Context, b *Budget) error
	Get(ctx context.Context, id string) (*Budget, error)
	List(ctx context.Context, opts ListOptions) ([]Budget, error)

	// State returns ErrNotFound when the period has never been evaluated.
	State(ctx context.Context, budgetID string, periodStart time.Time) (*State, error)
	States(ctx context.Context, budgetID string) ([]State, error)
	// CommitTransition stores next and events in one step, provided the
	// stored version still equals expectedVersion (0 meaning no state yet).
	// Otherwise it returns ErrConcurrencyConflict and writes nothing.
	CommitTransition(ctx context.Context, next *State, expectedVersion int64, events []AlertEvent) error
	Alerts(ctx context.Context, budgetID string) ([]AlertEvent, error)
}

type stateKey struct {
	budgetID string
	start    int64
}

// periodCell holds one (budget, period) pair so transitions of different
// budgets never share a lock.
type periodCell struct {
	mu     sync.Mutex
	state  *State
	events []AlertEvent
}

type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
	cells   sync.Map // stateKey -> *periodCell
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[string]*Budget)}
}

func (s *MemoryStore) Create(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	cp.AlertThresholds = slices.Clone(b.AlertThresholds)
	s.budgets[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	cp.AlertThresholds = slices.Clone(b.AlertThresholds)
	s.budgets[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.AlertThresholds = slices.Clone(b.AlertThresholds)
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Budget
	for _, b := range s.budgets {
		if !opts.IncludeInactive && !b.Active {
			continue
		}
		if opts.OrganizationID != "" && b.Scope.OrganizationID != opts.OrganizationID {
			continue
		}
		cp := *b
		cp.AlertThresholds = slices.Clone(b.AlertThresholds)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Budget) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) cell(budgetID string, start time.Time) *periodCell {
	c, _ := s.cells.LoadOrStore(stateKey{budgetID, start.UnixNano()}, &periodCell{})
	return c.(*periodCell)
}

func (s *MemoryStore) State(ctx context.Context, budgetID string, periodStart time.Time) (*State, error) {
	c := s.cell(budgetID, periodStart)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil, ErrNotFound
	}
	st := *c.state
	return &st, nil
}

func (s *MemoryStore) States(ctx context.Context, budgetID string) ([]State, error) {
	var out []State
	s.cells.Range(func(k, v any) bool {
		if k.(stateKey).budgetID != budgetID {
			return true
		}
		c := v.(*periodCell)
		c.mu.Lock()
		if c.state != nil {
			out = append(out, *c.state)
		}
		c.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b State) int { return a.PeriodStart.Compare(b.PeriodStart) })
	return out, nil
}

func (s *MemoryStore) CommitTransition(ctx context.Context, next *State, expectedVersion int64, events []AlertEvent) error {
	c := s.cell(next.BudgetID, next.PeriodStart)
	c.mu.Lock()
	defer c.mu.Unlock()

	var current int64
	if c.state != nil {
		current = c.state.Version
	}
	if current != expectedVersion {
		return ErrConcurrencyConflict
	}
	for _, e := range events {
		for _, prev := range c.events {
			if prev.Threshold.Equal(e.Threshold) {
				return ErrConcurrencyConflict
			}
		}
	}

	st := *next
	c.state = &st
	c.events = append(c.events, events...)
	return nil
}

func (s *MemoryStore) Alerts(ctx context.Context, budgetID string) ([]AlertEvent, error) {
	var out []AlertEvent
	s.cells.Range(func(k, v any) bool {
		if k.(stateKey).budgetID != budgetID {
			return true
		}
		c := v.(*periodCell)
		c.mu.Lock()
		out = append(out, c.events...)
		c.mu.Unlock()
		return true
	})
	sortEvents(out)
	return out, nil
}

func sortEvents(events []AlertEvent) {
	slices.SortFunc(events, func(a, b AlertEvent) int {
		if c := a.PeriodStart.Compare(b.PeriodStart); c != 0 {
			return c
		}
		return a.Threshold.Cmp(b.Threshold)
	})
}
