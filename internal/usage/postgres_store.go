package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, ts, provider, model, organization_id, project_id, environment, user_id,
	prompt_tokens, completion_tokens, cached_tokens, total_tokens, latency_ms, tags, metadata,
	priced, prompt_cost, completion_cost, total_cost, currency,
	prompt_price_id, completion_price_id, cached_price_id, unpriced_reason, ingested_at`

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, rec *StoredRecord) (*StoredRecord, bool, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, false, &StorageError{Op: "insert", Err: err}
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	c := costColumns(rec.Pricing)

	query := `
		INSERT INTO usage_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, query,
		rec.ID, rec.Timestamp, rec.Provider, rec.Model, rec.OrganizationID,
		rec.ProjectID, rec.Environment, rec.UserID,
		rec.PromptTokens, rec.CompletionTokens, rec.CachedTokens, rec.TotalTokens, rec.LatencyMs,
		tags, meta,
		c.priced, c.prompt, c.completion, c.total, c.currency,
		c.promptID, c.completionID, c.cachedID, rec.Pricing.Reason, rec.IngestedAt,
	)
	if err != nil {
		return nil, false, &StorageError{Op: "insert", Err: err}
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*StoredRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM usage_records WHERE id = $1`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

func (s *PostgresStore) Scan(ctx context.Context, f Filter, fn func(*StoredRecord) error) error {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.Provider != "" {
		add("provider = $%d", f.Provider)
	}
	if f.Model != "" {
		add("model = $%d", f.Model)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.Environment != "" {
		add("environment = $%d", f.Environment)
	}
	if !f.Start.IsZero() {
		add("ts >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("ts < $%d", f.End)
	}
	if f.UnpricedOnly {
		where = append(where, "NOT priced")
	}

	query := `SELECT ` + recordColumns + ` FROM usage_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY organization_id, ts`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return &StorageError{Op: "scan", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return &StorageError{Op: "scan", Err: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &StorageError{Op: "scan", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpdatePricing(ctx context.Context, id string, p Pricing) error {
	c := costColumns(p)
	query := `
		UPDATE usage_records
		SET priced = $2, prompt_cost = $3, completion_cost = $4, total_cost = $5, currency = $6,
		    prompt_price_id = $7, completion_price_id = $8, cached_price_id = $9, unpriced_reason = $10
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, id,
		c.priced, c.prompt, c.completion, c.total, c.currency,
		c.promptID, c.completionID, c.cachedID, p.Reason,
	)
	if err != nil {
		return &StorageError{Op: "update pricing", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM usage_records WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "delete", Err: err}
	}
	return tag.RowsAffected(), nil
}

type costRow struct {
	priced                           bool
	prompt, completion, total        decimal.NullDecimal
	currency                         string
	promptID, completionID, cachedID string
}

func costColumns(p Pricing) costRow {
	if !p.IsPriced() {
		return costRow{}
	}
	c := p.Cost
	return costRow{
		priced:       true,
		prompt:       decimal.NewNullDecimal(c.PromptCost),
		completion:   decimal.NewNullDecimal(c.CompletionCost),
		total:        decimal.NewNullDecimal(c.TotalCost),
		currency:     c.Currency,
		promptID:     c.PromptPriceID,
		completionID: c.CompletionPriceID,
		cachedID:     c.CachedPriceID,
	}
}

func scanRecord(row pgx.Row) (*StoredRecord, error) {
	var (
		r    StoredRecord
		meta []byte
		c    costRow
	)
	err := row.Scan(
		&r.ID, &r.Timestamp, &r.Provider, &r.Model, &r.OrganizationID,
		&r.ProjectID, &r.Environment, &r.UserID,
		&r.PromptTokens, &r.CompletionTokens, &r.CachedTokens, &r.TotalTokens, &r.LatencyMs,
		&r.Tags, &meta,
		&c.priced, &c.prompt, &c.completion, &c.total, &c.currency,
		&c.promptID, &c.completionID, &c.cachedID, &r.Pricing.Reason, &r.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	r.Timestamp = r.Timestamp.UTC()
	if c.priced {
		r.Pricing = Priced(Cost{
			PromptCost:        c.prompt.Decimal,
			CompletionCost:    c.completion.Decimal,
			Currency:          c.currency,
			PromptPriceID:     c.promptID,
			CompletionPriceID: c.completionID,
			CachedPriceID:     c.cachedID,
		})
	}
	return &r, nil
}
