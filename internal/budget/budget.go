package budget

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/costops/internal/usage"
)

var (
	ErrNotFound            = errors.New("budget not found")
	ErrConcurrencyConflict = errors.New("budget state changed concurrently")
)

type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
	Yearly  Period = "yearly"
)

func (p Period) Valid() bool {
	switch p {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// advance returns the start of the n-th period after anchor. Months are
// added to the anchor directly so a start on the 31st clamps to the last
// day of shorter months without drifting.
func (p Period) advance(anchor time.Time, n int) time.Time {
	switch p {
	case Daily:
		return anchor.AddDate(0, 0, n)
	case Weekly:
		return anchor.AddDate(0, 0, 7*n)
	case Monthly:
		return addMonths(anchor, n)
	default:
		return addMonths(anchor, 12*n)
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	if last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// Window is one period instance, half-open.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Scope narrows the records a budget counts. Empty fields match anything.
type Scope struct {
	OrganizationID string `json:"organization_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
}

func (s Scope) Matches(r *usage.Record) bool {
	return (s.OrganizationID == "" || s.OrganizationID == r.OrganizationID) &&
		(s.Environment == "" || s.Environment == r.Environment) &&
		(s.ProjectID == "" || s.ProjectID == r.ProjectID)
}

func (s Scope) Filter(w Window) usage.Filter {
	return usage.Filter{
		OrganizationID: s.OrganizationID,
		Environment:    s.Environment,
		ProjectID:      s.ProjectID,
		Start:          w.Start,
		End:            w.End,
	}
}

type Budget struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Scope           Scope             `json:"scope"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	Period          Period            `json:"period"`
	StartDate       time.Time         `json:"start_date"`
	AlertThresholds []decimal.Decimal `json:"alert_thresholds"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// PeriodAt returns the period instance containing t. Timestamps before the
// start date belong to no period.
func (b *Budget) PeriodAt(t time.Time) (Window, bool) {
	anchor := b.StartDate.UTC()
	t = t.UTC()
	if t.Before(anchor) {
		return Window{}, false
	}

	var n int
	switch b.Period {
	case Daily:
		n = int(t.Sub(anchor) / (24 * time.Hour))
	case Weekly:
		n = int(t.Sub(anchor) / (7 * 24 * time.Hour))
	case Monthly:
		n = (t.Year()-anchor.Year())*12 + int(t.Month()) - int(anchor.Month())
	case Yearly:
		n = t.Year() - anchor.Year()
	default:
		return Window{}, false
	}
	for n > 0 && b.Period.advance(anchor, n).After(t) {
		n--
	}
	for !b.Period.advance(anchor, n+1).After(t) {
		n++
	}
	return Window{Start: b.Period.advance(anchor, n), End: b.Period.advance(anchor, n+1)}, true
}

// ValidationError rejects a budget definition.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "invalid budget: " + strings.Join(e.Reasons, "; ")
}

var one = decimal.NewFromInt(1)

func (b *Budget) validate() error {
	ve := &ValidationError{}
	if strings.TrimSpace(b.Name) == "" {
		ve.Reasons = append(ve.Reasons, "name is required")
	}
	if !b.Amount.IsPositive() {
		ve.Reasons = append(ve.Reasons, "amount must be positive")
	}
	if !b.Period.Valid() {
		ve.Reasons = append(ve.Reasons, fmt.Sprintf("unknown period %q", b.Period))
	}
	if b.StartDate.IsZero() {
		ve.Reasons = append(ve.Reasons, "start_date is required")
	}
	if len(b.AlertThresholds) == 0 {
		ve.Reasons = append(ve.Reasons, "at least one alert threshold is required")
	}
	for i, t := range b.AlertThresholds {
		if !t.IsPositive() || t.GreaterThan(one) {
			ve.Reasons = append(ve.Reasons, fmt.Sprintf("threshold %s must be in (0, 1]", t))
		}
		if i > 0 && !t.GreaterThan(b.AlertThresholds[i-1]) {
			ve.Reasons = append(ve.Reasons, "thresholds must be strictly increasing")
		}
	}
	if len(ve.Reasons) > 0 {
		return ve
	}
	return nil
}

// Phase names where a period instance is in Normal → ThresholdCrossed → Exceeded.
type Phase string

const (
	PhaseNormal           Phase = "normal"
	PhaseThresholdCrossed Phase = "threshold_crossed"
	PhaseExceeded         Phase = "exceeded"
)

// State is the tracked position of one (budget, period) pair. Version
// increases by one on every committed transition.
type State struct {
	BudgetID       string          `json:"budget_id"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	Spent          decimal.Decimal `json:"spent"`
	FiredThreshold decimal.Decimal `json:"fired_threshold"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (s *State) Phase(b *Budget) Phase {
	switch {
	case s.Spent.GreaterThanOrEqual(b.Amount):
		return PhaseExceeded
	case s.FiredThreshold.IsPositive():
		return PhaseThresholdCrossed
	}
	return PhaseNormal
}

// AlertEvent records that a threshold fired. There is at most one per
// (budget, period, threshold).
type AlertEvent struct {
	ID          string          `json:"id"`
	BudgetID    string          `json:"budget_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Threshold   decimal.Decimal `json:"threshold"`
	Spent       decimal.Decimal `json:"spent"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	FiredAt     time.Time       `json:"fired_at"`
}
