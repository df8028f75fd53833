package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/costops/internal/usage"
)

type PostgresDeadLetterStore struct {
	db usage.DB
}

func NewPostgresDeadLetterStore(db usage.DB) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{db: db}
}

const deadLetterColumns = `id, record_id, source, payload, kind, reason, status,
	attempts, max_attempts, next_retry_at, created_at, updated_at`

func (s *PostgresDeadLetterStore) Park(ctx context.Context, items []DeadLetter) error {
	query := `
		INSERT INTO dead_letters (` + deadLetterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	for i := range items {
		dl := &items[i]
		_, err := s.db.Exec(ctx, query,
			dl.ID, dl.RecordID, dl.Source, []byte(dl.Payload), string(dl.Kind), dl.Reason, string(dl.Status),
			dl.Attempts, dl.MaxAttempts, nullTime(dl.NextRetryAt), dl.CreatedAt, dl.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to park dead letter: %w", err)
		}
	}
	return nil
}

// Claim skips rows locked by a concurrent claim, so replicas never retry the
// same item together.
func (s *PostgresDeadLetterStore) Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]DeadLetter, error) {
	query := `
		UPDATE dead_letters SET status = 'retrying', updated_at = $1
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE (status = 'pending' AND next_retry_at <= $1)
			   OR (status = 'retrying' AND updated_at <= $2)
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deadLetterColumns
	rows, err := s.db.Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim dead letters: %w", err)
	}
	return collectDeadLetters(rows)
}

func (s *PostgresDeadLetterStore) Update(ctx context.Context, dl *DeadLetter) error {
	query := `
		UPDATE dead_letters SET
			kind = $2, reason = $3, status = $4, attempts = $5,
			next_retry_at = $6, updated_at = $7
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		dl.ID, string(dl.Kind), dl.Reason, string(dl.Status), dl.Attempts,
		nullTime(dl.NextRetryAt), dl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s not found", dl.ID)
	}
	return nil
}

func (s *PostgresDeadLetterStore) List(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + deadLetterColumns + ` FROM dead_letters
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return collectDeadLetters(rows)
}

func collectDeadLetters(rows pgx.Rows) ([]DeadLetter, error) {
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			payload []byte
			kind    string
			status  string
			next    *time.Time
		)
		if err := rows.Scan(&dl.ID, &dl.RecordID, &dl.Source, &payload, &kind, &dl.Reason, &status,
			&dl.Attempts, &dl.MaxAttempts, &next, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Payload, dl.Kind, dl.Status = payload, Kind(kind), DeadLetterStatus(status)
		if next != nil {
			dl.NextRetryAt = next.UTC()
		}
		dl.CreatedAt, dl.UpdatedAt = dl.CreatedAt.UTC(), dl.UpdatedAt.UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
