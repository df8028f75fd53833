package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/costops/internal/logging"
	"github.com/vnmchuo/costops/internal/usage"
)

// SpendSource sums priced cost over a filter.
type SpendSource interface {
	TotalCost(ctx context.Context, f usage.Filter) (decimal.Decimal, error)
}

type Tracker struct {
	store      Store
	spend      SpendSource
	notifier   Notifier
	tracer     trace.Tracer
	currency   string
	maxRetries uint
	now        func() time.Time
}

// NewTracker builds a tracker whose budgets are kept in currency, the
// currency spend is priced in.
func NewTracker(store Store, spend SpendSource, notifier Notifier, tracer trace.Tracer, currency string, maxRetries int) *Tracker {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Tracker{
		store:      store,
		spend:      spend,
		notifier:   notifier,
		tracer:     tracer,
		currency:   strings.ToUpper(currency),
		maxRetries: uint(maxRetries),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// normalize canonicalizes b. Instants are kept at microsecond precision,
// the precision of the Postgres store, so period starts compare equal after
// a round trip.
func (t *Tracker) normalize(b *Budget, fallbackCurrency string) error {
	b.Currency = strings.ToUpper(strings.TrimSpace(b.Currency))
	if b.Currency == "" {
		b.Currency = fallbackCurrency
	}
	b.StartDate = b.StartDate.UTC().Truncate(time.Microsecond)
	if err := b.validate(); err != nil {
		return err
	}
	if t.currency != "" && b.Currency != t.currency {
		return &ValidationError{Reasons: []string{
			fmt.Sprintf("currency %s does not match the pricing currency %s", b.Currency, t.currency),
		}}
	}
	return nil
}

func (t *Tracker) Create(ctx context.Context, b *Budget) error {
	fallback := t.currency
	if fallback == "" {
		fallback = "USD"
	}
	if err := t.normalize(b, fallback); err != nil {
		return err
	}
	now := t.now()
	b.ID = uuid.NewString()
	b.Active = true
	b.CreatedAt, b.UpdatedAt = now, now
	if err := t.store.Create(ctx, b); err != nil {
		return err
	}
	t.evaluateCurrent(ctx, b)
	return nil
}

// Update replaces a budget definition. Fired events stay recorded, and
// thresholds at or below the highest fired one do not fire again in the
// same period. The active flag is kept; only Deactivate clears it.
func (t *Tracker) Update(ctx context.Context, b *Budget) error {
	prev, err := t.store.Get(ctx, b.ID)
	if err != nil {
		return err
	}
	if err := t.normalize(b, prev.Currency); err != nil {
		return err
	}
	b.Active = prev.Active
	b.CreatedAt = prev.CreatedAt
	b.UpdatedAt = t.now()
	if err := t.store.Update(ctx, b); err != nil {
		return err
	}
	if b.Active {
		t.evaluateCurrent(ctx, b)
	}
	return nil
}

func (t *Tracker) Deactivate(ctx context.Context, id string) error {
	b, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	b.Active = false
	b.UpdatedAt = t.now()
	return t.store.Update(ctx, b)
}

func (t *Tracker) Get(ctx context.Context, id string) (*Budget, error) {
	return t.store.Get(ctx, id)
}

func (t *Tracker) List(ctx context.Context, opts ListOptions) ([]Budget, error) {
	return t.store.List(ctx, opts)
}

func (t *Tracker) Alerts(ctx context.Context, id string) ([]AlertEvent, error) {
	if _, err := t.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return t.store.Alerts(ctx, id)
}

func (t *Tracker) evaluateCurrent(ctx context.Context, b *Budget) {
	w, ok := b.PeriodAt(t.now())
	if !ok {
		return
	}
	if _, err := t.Evaluate(ctx, b, w); err != nil {
		logging.FromContext(ctx).Warn("failed to evaluate budget", zap.String("budget_id", b.ID), zap.Error(err))
	}
}

// Evaluate recomputes the spend of one period instance and fires every
// threshold it newly crosses, lowest first. Lost races are retried with
// exponential backoff.
func (t *Tracker) Evaluate(ctx context.Context, b *Budget, w Window) ([]AlertEvent, error) {
	ctx, span := t.tracer.Start(ctx, "budget.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("budget_id", b.ID))

	attempt := func() ([]AlertEvent, error) {
		// State is read before spend: a commit landing between the two reads
		// bumps the version and fails this attempt, so a committed spend is
		// never replaced by an older one.
		cur, err := t.store.State(ctx, b.ID, w.Start)
		switch {
		case errors.Is(err, ErrNotFound):
			cur = &State{BudgetID: b.ID, PeriodStart: w.Start, PeriodEnd: w.End}
		case err != nil:
			return nil, backoff.Permanent(err)
		}

		spent, err := t.spend.TotalCost(ctx, b.Scope.Filter(w))
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		now := t.now()
		events := crossings(b, w, cur.FiredThreshold, spent, now)
		if len(events) == 0 && cur.Version > 0 && cur.Spent.Equal(spent) {
			return nil, nil
		}

		next := *cur
		next.Spent = spent
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		if len(events) > 0 {
			next.FiredThreshold = events[len(events)-1].Threshold
		}

		if err := t.store.CommitTransition(ctx, &next, cur.Version, events); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return events, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	events, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(bo), backoff.WithMaxTries(t.maxRetries))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluate budget %s: %w", b.ID, err)
	}

	for i := range events {
		if err := t.notifier.Notify(ctx, alertFor(b, &events[i])); err != nil {
			logging.FromContext(ctx).Warn("alert delivery failed",
				zap.String("budget_id", b.ID),
				zap.String("threshold", events[i].Threshold.String()),
				zap.Error(err),
			)
		}
	}
	return events, nil
}

func crossings(b *Budget, w Window, fired, spent decimal.Decimal, now time.Time) []AlertEvent {
	var out []AlertEvent
	for _, th := range b.AlertThresholds {
		if !th.GreaterThan(fired) {
			continue
		}
		if spent.LessThan(th.Mul(b.Amount)) {
			break
		}
		out = append(out, AlertEvent{
			ID:          uuid.NewString(),
			BudgetID:    b.ID,
			PeriodStart: w.Start,
			PeriodEnd:   w.End,
			Threshold:   th,
			Spent:       spent,
			Amount:      b.Amount,
			Currency:    b.Currency,
			FiredAt:     now,
		})
	}
	return out
}

// Observe re-evaluates every active budget period touched by recs.
func (t *Tracker) Observe(ctx context.Context, recs []usage.StoredRecord) error {
	if len(recs) == 0 {
		return nil
	}
	budgets, err := t.store.List(ctx, ListOptions{})
	if err != nil {
		return fmt.Errorf("list budgets: %w", err)
	}

	var errs []error
	for i := range budgets {
		b := &budgets[i]
		windows := make(map[int64]Window)
		for j := range recs {
			if !b.Scope.Matches(&recs[j].Record) {
				continue
			}
			if w, ok := b.PeriodAt(recs[j].Timestamp); ok {
				windows[w.Start.UnixNano()] = w
			}
		}
		for _, w := range windows {
			if _, err := t.Evaluate(ctx, b, w); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type ThresholdStatus struct {
	Threshold decimal.Decimal `json:"threshold"`
	Fired     bool            `json:"fired"`
	FiredAt   *time.Time      `json:"fired_at,omitempty"`
}

type Status struct {
	Budget     *Budget           `json:"budget"`
	Period     *Window           `json:"period,omitempty"`
	Phase      Phase             `json:"phase"`
	Spent      decimal.Decimal   `json:"spent"`
	Remaining  decimal.Decimal   `json:"remaining"`
	Thresholds []ThresholdStatus `json:"thresholds"`
	History    []State           `json:"history"`
}

// Status reports the current period of a budget along with its history.
func (t *Tracker) Status(ctx context.Context, id string) (*Status, error) {
	b, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := t.store.States(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &Status{Budget: b, Phase: PhaseNormal, Remaining: b.Amount, History: history}

	cur := &State{}
	w, ok := b.PeriodAt(t.now())
	if ok {
		st.Period = &w
		s, err := t.store.State(ctx, id, w.Start)
		switch {
		case err == nil:
			cur = s
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		st.Phase = cur.Phase(b)
		st.Spent = cur.Spent
		st.Remaining = b.Amount.Sub(cur.Spent)
	}

	alerts, err := t.store.Alerts(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, th := range b.AlertThresholds {
		ts := ThresholdStatus{Threshold: th, Fired: ok && !th.GreaterThan(cur.FiredThreshold)}
		for _, e := range alerts {
			if ok && e.PeriodStart.Equal(w.Start) && e.Threshold.Equal(th) {
				firedAt := e.FiredAt
				ts.FiredAt = &firedAt
			}
		}
		st.Thresholds = append(st.Thresholds, ts)
	}
	return st, nil
}
