package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const budgetColumns = `id, name, organization_id, environment, project_id, amount, currency,
	period, start_date, alert_thresholds, active, created_at, updated_at`

const uniqueViolation = "23505"

func (s *PostgresStore) Create(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO budgets (` + budgetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		b.ID, b.Name, b.Scope.OrganizationID, b.Scope.Environment, b.Scope.ProjectID,
		b.Amount, b.Currency, string(b.Period), b.StartDate, thresholdStrings(b.AlertThresholds),
		b.Active, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, b *Budget) error {
	query := `
		UPDATE budgets SET
			name = $2, organization_id = $3, environment = $4, project_id = $5,
			amount = $6, currency = $7, period = $8, start_date = $9,
			alert_thresholds = $10, active = $11, updated_at = $12
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		b.ID, b.Name, b.Scope.OrganizationID, b.Scope.Environment, b.Scope.ProjectID,
		b.Amount, b.Currency, string(b.Period), b.StartDate, thresholdStrings(b.AlertThresholds),
		b.Active, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE id = $1`
	b, err := scanBudget(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]Budget, error) {
	query := `
		SELECT ` + budgetColumns + `
		FROM budgets
		WHERE ($1 = '' OR organization_id = $1) AND ($2 OR active)
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, opts.OrganizationID, opts.IncludeInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	var out []Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating budgets: %w", err)
	}
	return out, nil
}

const stateColumns = `budget_id, period_start, period_end, spent, fired_threshold, version, updated_at`

func (s *PostgresStore) State(ctx context.Context, budgetID string, periodStart time.Time) (*State, error) {
	query := `SELECT ` + stateColumns + ` FROM budget_period_states WHERE budget_id = $1 AND period_start = $2`
	st, err := scanState(s.db.QueryRow(ctx, query, budgetID, periodStart))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get budget state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) States(ctx context.Context, budgetID string) ([]State, error) {
	query := `SELECT ` + stateColumns + ` FROM budget_period_states WHERE budget_id = $1 ORDER BY period_start`
	rows, err := s.db.Query(ctx, query, budgetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget states: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget state: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating budget states: %w", err)
	}
	return out, nil
}

// CommitTransition guards the state row by version and relies on the
// unique (budget_id, period_start, threshold) key so a threshold can only
// ever be recorded once.
func (s *PostgresStore) CommitTransition(ctx context.Context, next *State, expectedVersion int64, events []AlertEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin budget transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO budget_period_states (`+stateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (budget_id, period_start) DO NOTHING
		`, next.BudgetID, next.PeriodStart, next.PeriodEnd, next.Spent, next.FiredThreshold, next.Version, next.UpdatedAt)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE budget_period_states
			SET spent = $3, fired_threshold = $4, version = $5, updated_at = $6
			WHERE budget_id = $1 AND period_start = $2 AND version = $7
		`, next.BudgetID, next.PeriodStart, next.Spent, next.FiredThreshold, next.Version, next.UpdatedAt, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to write budget state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}

	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO budget_alert_events (id, budget_id, period_start, period_end, threshold, spent, amount, currency, fired_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.ID, e.BudgetID, e.PeriodStart, e.PeriodEnd, e.Threshold, e.Spent, e.Amount, e.Currency, e.FiredAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("failed to record alert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit budget transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) Alerts(ctx context.Context, budgetID string) ([]AlertEvent, error) {
	query := `
		SELECT id, budget_id, period_start, period_end, threshold, spent, amount, currency, fired_at
		FROM budget_alert_events
		WHERE budget_id = $1
		ORDER BY period_start, threshold
	`
	rows, err := s.db.Query(ctx, query, budgetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var out []AlertEvent
	for rows.Next() {
		var e AlertEvent
		if err := rows.Scan(&e.ID, &e.BudgetID, &e.PeriodStart, &e.PeriodEnd, &e.Threshold,
			&e.Spent, &e.Amount, &e.Currency, &e.FiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		e.PeriodStart, e.PeriodEnd = e.PeriodStart.UTC(), e.PeriodEnd.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert events: %w", err)
	}
	return out, nil
}

func scanBudget(row pgx.Row) (*Budget, error) {
	var (
		b          Budget
		period     string
		thresholds []string
	)
	err := row.Scan(&b.ID, &b.Name, &b.Scope.OrganizationID, &b.Scope.Environment, &b.Scope.ProjectID,
		&b.Amount, &b.Currency, &period, &b.StartDate, &thresholds, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Period = Period(period)
	b.StartDate = b.StartDate.UTC()
	for _, t := range thresholds {
		d, err := decimal.NewFromString(t)
		if err != nil {
			return nil, fmt.Errorf("bad alert threshold %q: %w", t, err)
		}
		b.AlertThresholds = append(b.AlertThresholds, d)
	}
	return &b, nil
}

func scanState(row pgx.Row) (*State, error) {
	var st State
	if err := row.Scan(&st.BudgetID, &st.PeriodStart, &st.PeriodEnd, &st.Spent,
		&st.FiredThreshold, &st.Version, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.PeriodStart, st.PeriodEnd = st.PeriodStart.UTC(), st.PeriodEnd.UTC()
	return &st, nil
}

func thresholdStrings(ts []decimal.Decimal) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}
