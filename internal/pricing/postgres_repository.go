package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const entryColumns = `id, provider, model, token_class, price_per_1k, currency,
	effective_from, effective_until, created_at, updated_at`

func (r *PostgresRepository) Series(ctx context.Context, key Key) ([]Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM price_entries
		WHERE provider = $1 AND model = $2 AND token_class = $3
		ORDER BY effective_from
	`
	return queryEntries(ctx, r.db, query, key.Provider, key.Model, string(key.Class))
}

func (r *PostgresRepository) List(ctx context.Context, provider, model string) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if provider != "" {
		args = append(args, provider)
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	if model != "" {
		args = append(args, model)
		where = append(where, fmt.Sprintf("model = $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM price_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY provider, model, token_class, effective_from`
	return queryEntries(ctx, r.db, query, args...)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM price_entries WHERE id = $1`
	e, err := scanEntry(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get price entry: %w", err)
	}
	return e, nil
}

// Upsert serializes writers of one series with a transaction-scoped
// advisory lock, then checks overlap against the committed series.
func (r *PostgresRepository) Upsert(ctx context.Context, e *Entry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin price upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := e.Key()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		return fmt.Errorf("failed to lock price series: %w", err)
	}

	var prevKey Key
	var prevClass string
	err = tx.QueryRow(ctx, `SELECT provider, model, token_class FROM price_entries WHERE id = $1`, e.ID).
		Scan(&prevKey.Provider, &prevKey.Model, &prevClass)
	prevKey.Class = TokenClass(prevClass)
	switch {
	case err == nil && prevKey != key:
		return &ValidationError{Reason: "provider, model and token class of an entry cannot change"}
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("failed to load price entry: %w", err)
	}

	series, err := queryEntries(ctx, tx, `
		SELECT `+entryColumns+`
		FROM price_entries
		WHERE provider = $1 AND model = $2 AND token_class = $3
		ORDER BY effective_from
	`, key.Provider, key.Model, string(key.Class))
	if err != nil {
		return err
	}
	if err := checkOverlap(series, e); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO price_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			price_per_1k = EXCLUDED.price_per_1k,
			currency = EXCLUDED.currency,
			effective_from = EXCLUDED.effective_from,
			effective_until = EXCLUDED.effective_until,
			updated_at = EXCLUDED.updated_at
	`, e.ID, e.Provider, e.Model, string(e.Class), e.PricePer1K, e.Currency,
		e.EffectiveFrom, e.EffectiveUntil, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert price entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit price entry: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]Entry, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query price entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan price entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price entries: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e     Entry
		class string
	)
	err := row.Scan(&e.ID, &e.Provider, &e.Model, &class, &e.PricePer1K, &e.Currency,
		&e.EffectiveFrom, &e.EffectiveUntil, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Class = TokenClass(class)
	e.EffectiveFrom = e.EffectiveFrom.UTC()
	if e.EffectiveUntil != nil {
		u := e.EffectiveUntil.UTC()
		e.EffectiveUntil = &u
	}
	return &e, nil
}
