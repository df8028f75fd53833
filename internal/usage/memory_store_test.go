package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func record(id, org string, ts time.Time) *StoredRecord {
	return &StoredRecord{
		Record: Record{
			ID: id, Timestamp: ts, Provider: "openai", Model: "gpt-4", OrganizationID: org,
			PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
		},
		Pricing: Unpriced("no price"),
	}
}

func TestInsertIfAbsent_ReturnsExisting(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()

	if _, inserted, err := s.InsertIfAbsent(ctx, record("a", "T1", base)); err != nil || !inserted {
		t.Fatalf("Expected first insert to succeed, inserted=%v err=%v", inserted, err)
	}

	other := record("a", "T1", base.Add(time.Hour))
	existing, inserted, err := s.InsertIfAbsent(ctx, other)
	if err != nil {
		t.Fatalf("InsertIfAbsent failed: %v", err)
	}
	if inserted {
		t.Fatal("Expected second insert with the same id to be rejected")
	}
	if !existing.Timestamp.Equal(base) {
		t.Errorf("Expected the original record to be kept, got timestamp %v", existing.Timestamp)
	}
}

func TestInsertIfAbsent_ConcurrentSameID(t *testing.T) {
	s := NewMemoryStore(4)
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.InsertIfAbsent(context.Background(), record("dup", "T1", base))
			if err != nil {
				t.Errorf("InsertIfAbsent failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("Expected exactly one insert to win, got %d", inserted)
	}
}

func TestScan_FilterAndOrder(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 9; i >= 0; i-- {
		s.InsertIfAbsent(ctx, record(fmt.Sprintf("t1-%d", i), "T1", base.Add(time.Duration(i)*time.Hour)))
	}
	s.InsertIfAbsent(ctx, record("t2", "T2", base.Add(2*time.Hour)))

	var got []string
	err := s.Scan(ctx, Filter{OrganizationID: "T1", Start: base.Add(2 * time.Hour), End: base.Add(5 * time.Hour)}, func(r *StoredRecord) error {
		got = append(got, r.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := []string{"t1-2", "t1-3", "t1-4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestScan_StopsOnCallbackError(t *testing.T) {
	s := NewMemoryStore(1)
	ctx := context.Background()
	s.InsertIfAbsent(ctx, record("a", "T1", base))
	s.InsertIfAbsent(ctx, record("b", "T1", base.Add(time.Minute)))

	stop := errors.New("stop")
	calls := 0
	err := s.Scan(ctx, Filter{}, func(*StoredRecord) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected scan to stop after 1 call, got %d", calls)
	}
}

func TestUpdatePricing(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	s.InsertIfAbsent(ctx, record("a", "T1", base))

	var n int
	s.Scan(ctx, Filter{UnpricedOnly: true}, func(*StoredRecord) error { n++; return nil })
	if n != 1 {
		t.Fatalf("Expected 1 unpriced record, got %d", n)
	}

	p := Priced(Cost{PromptCost: decimal.RequireFromString("0.01"), Currency: "USD"})
	if err := s.UpdatePricing(ctx, "a", p); err != nil {
		t.Fatalf("UpdatePricing failed: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Pricing.Same(p) {
		t.Errorf("Expected updated pricing, got %+v", got.Pricing)
	}

	n = 0
	s.Scan(ctx, Filter{UnpricedOnly: true}, func(*StoredRecord) error { n++; return nil })
	if n != 0 {
		t.Errorf("Expected no unpriced records, got %d", n)
	}

	if err := s.UpdatePricing(ctx, "missing", p); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteBefore(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		s.InsertIfAbsent(ctx, record(fmt.Sprintf("r%d", i), fmt.Sprintf("T%d", i%2), base.Add(time.Duration(i)*24*time.Hour)))
	}

	n, err := s.DeleteBefore(ctx, base.Add(3*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 deletions, got %d", n)
	}
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected r1 to be deleted, got %v", err)
	}
	if _, err := s.Get(ctx, "r3"); err != nil {
		t.Errorf("Expected r3 to survive, got %v", err)
	}
}

func TestInsertIfAbsent_CancelledContext(t *testing.T) {
	s := NewMemoryStore(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.InsertIfAbsent(ctx, record("a", "T1", base))
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StorageError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected wrapped context.Canceled, got %v", err)
	}
}
