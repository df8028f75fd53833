package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestTable() *Table {
	return NewTable(NewMemoryRepository(), NewLocalCache(time.Minute), "USD")
}

func mustEntry(t *testing.T, table *Table, e Entry) *Entry {
	t.Helper()
	if err := table.Upsert(context.Background(), &e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return &e
}

func ptr(t time.Time) *time.Time { return &t }

func TestLookup_BoundaryUsesNewEntry(t *testing.T) {
	table := newTestTable()
	ctx := context.Background()
	change := jan1.Add(30 * 24 * time.Hour)

	old := mustEntry(t, table, Entry{
		Provider: "openai", Model: "gpt-4", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.03"), EffectiveFrom: jan1, EffectiveUntil: ptr(change),
	})
	next := mustEntry(t, table, Entry{
		Provider: "openai", Model: "gpt-4", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.02"), EffectiveFrom: change,
	})

	key := Key{Provider: "openai", Model: "gpt-4", Class: ClassPrompt}

	got, err := table.Lookup(ctx, key, change)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.ID != next.ID {
		t.Errorf("Expected entry %s at effective_from, got %s", next.ID, got.ID)
	}

	got, err = table.Lookup(ctx, key, change.Add(-time.Nanosecond))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.ID != old.ID {
		t.Errorf("Expected prior entry %s one instant before, got %s", old.ID, got.ID)
	}
}

func TestLookup_NotFound(t *testing.T) {
	table := newTestTable()
	mustEntry(t, table, Entry{
		Provider: "openai", Model: "gpt-4", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.03"), EffectiveFrom: jan1,
	})

	_, err := table.Lookup(context.Background(), Key{Provider: "openai", Model: "gpt-4", Class: ClassPrompt}, jan1.Add(-time.Second))
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}

func TestUpsert_RejectsOverlap(t *testing.T) {
	table := newTestTable()
	mustEntry(t, table, Entry{
		Provider: "openai", Model: "gpt-4", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.03"), EffectiveFrom: jan1,
	})

	e := Entry{
		Provider: "openai", Model: "gpt-4", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.01"), EffectiveFrom: jan1.Add(time.Hour),
	}
	err := table.Upsert(context.Background(), &e)
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("Expected ErrOverlap, got %v", err)
	}

	// A different token class is an independent series.
	e = Entry{
		Provider: "openai", Model: "gpt-4", Class: ClassCompletion,
		PricePer1K: decimal.RequireFromString("0.06"), EffectiveFrom: jan1.Add(time.Hour),
	}
	if err := table.Upsert(context.Background(), &e); err != nil {
		t.Fatalf("Expected completion entry to be accepted, got %v", err)
	}
}

func TestUpsert_Validation(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing provider", Entry{Model: "m", Class: ClassPrompt, EffectiveFrom: jan1}},
		{"missing model", Entry{Provider: "p", Class: ClassPrompt, EffectiveFrom: jan1}},
		{"bad class", Entry{Provider: "p", Model: "m", Class: "reasoning", EffectiveFrom: jan1}},
		{"negative price", Entry{Provider: "p", Model: "m", Class: ClassPrompt, PricePer1K: decimal.NewFromInt(-1), EffectiveFrom: jan1}},
		{"no start", Entry{Provider: "p", Model: "m", Class: ClassPrompt}},
		{"empty interval", Entry{Provider: "p", Model: "m", Class: ClassPrompt, EffectiveFrom: jan1, EffectiveUntil: ptr(jan1)}},
		{"foreign currency", Entry{Provider: "p", Model: "m", Class: ClassPrompt, EffectiveFrom: jan1, Currency: "EUR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := newTestTable()
			e := tt.entry
			err := table.Upsert(context.Background(), &e)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Expected ValidationError, got %v", err)
			}
		})
	}
}

func TestExpire_ThenBackfill(t *testing.T) {
	table := newTestTable()
	ctx := context.Background()
	e := mustEntry(t, table, Entry{
		Provider: "anthropic", Model: "claude-3", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.003"), EffectiveFrom: jan1,
	})
	key := e.Key()

	// Warm the cache so the expiry has to invalidate it.
	if _, err := table.Lookup(ctx, key, jan1.Add(48*time.Hour)); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	cut := jan1.Add(24 * time.Hour)
	if _, err := table.Expire(ctx, e.ID, cut); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	if _, err := table.Lookup(ctx, key, jan1.Add(48*time.Hour)); err == nil {
		t.Fatal("Expected no price after expiry")
	}

	mustEntry(t, table, Entry{
		Provider: "anthropic", Model: "claude-3", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.0025"), EffectiveFrom: cut,
	})
	got, err := table.Lookup(ctx, key, jan1.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !got.PricePer1K.Equal(decimal.RequireFromString("0.0025")) {
		t.Errorf("Expected backfilled price 0.0025, got %s", got.PricePer1K)
	}

	stored, err := table.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.EffectiveUntil == nil || !stored.EffectiveUntil.Equal(cut) {
		t.Errorf("Expected expired entry to be kept with effective_until %v, got %v", cut, stored.EffectiveUntil)
	}
}

func TestUpsert_KeyIsImmutable(t *testing.T) {
	table := newTestTable()
	e := mustEntry(t, table, Entry{
		Provider: "openai", Model: "gpt-4", Class: ClassPrompt,
		PricePer1K: decimal.RequireFromString("0.03"), EffectiveFrom: jan1,
	})
	changed := *e
	changed.Model = "gpt-4o"
	err := table.Upsert(context.Background(), &changed)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
}

func TestLocalCache_Expires(t *testing.T) {
	c := NewLocalCache(time.Minute)
	now := jan1
	c.now = func() time.Time { return now }
	key := Key{Provider: "p", Model: "m", Class: ClassPrompt}

	c.Set(context.Background(), key, []Entry{{ID: "a"}})
	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("Expected cache hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("Expected cache miss after TTL")
	}
}
