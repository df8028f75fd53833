package migrations

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	statements []string
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.statements = append(r.statements, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestApply(t *testing.T) {
	db := &recordingExecer{}
	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(db.statements) != 2 {
		t.Fatalf("Expected 2 migrations, got %d", len(db.statements))
	}
	for _, table := range []string{"usage_records", "price_entries", "budgets", "budget_period_states", "budget_alert_events"} {
		if !strings.Contains(db.statements[0], "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("Expected migration to create %s", table)
		}
	}
	if !strings.Contains(db.statements[1], "CREATE TABLE IF NOT EXISTS dead_letters") {
		t.Error("Expected the second migration to create dead_letters")
	}
}
