package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/budget"
	"github.com/vnmchuo/costops/internal/ingest"
	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/usage"
	"github.com/vnmchuo/costops/pkg/ratelimit"
)

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
	lastN   int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastN = n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed, Remaining: 42, Limit: 100, ResetAfter: 30 * time.Second}, m.err
}

var since2020 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	router  http.Handler
	limiter *mockLimiterStore
	table   *pricing.Table
	dlq     *ingest.MemoryDeadLetterStore
}

func setupTest(t *testing.T, limiterAllowed bool) *testServer {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")

	records := usage.NewMemoryStore(4)
	table := pricing.NewTable(pricing.NewMemoryRepository(), pricing.NewLocalCache(time.Minute), "USD")
	for _, e := range []pricing.Entry{
		{Provider: "openai", Model: "gpt-4", Class: pricing.ClassPrompt, PricePer1K: decimal.RequireFromString("0.03"), EffectiveFrom: since2020},
		{Provider: "openai", Model: "gpt-4", Class: pricing.ClassCompletion, PricePer1K: decimal.RequireFromString("0.06"), EffectiveFrom: since2020},
	} {
		e := e
		if err := table.Upsert(context.Background(), &e); err != nil {
			t.Fatalf("seed price: %v", err)
		}
	}
	engine := aggregate.NewEngine(records, 2, tracer)
	tracker := budget.NewTracker(budget.NewMemoryStore(), engine, budget.LogNotifier{}, tracer, "USD", 3)
	normalizer := ingest.NewNormalizer(records, pricing.NewResolver(table), tracker, tracer, ingest.Options{MaxBatchSize: 5})

	dlq := ingest.NewMemoryDeadLetterStore()
	deadLetters := ingest.NewDeadLetters(dlq, normalizer, ingest.DeadLetterOptions{})

	store := &mockLimiterStore{allowed: limiterAllowed}
	h := NewHandler(normalizer, deadLetters, records, table, engine, tracker, ratelimit.NewTestLimiter(store), tracer)
	return &testServer{router: NewRouter(h), limiter: store, table: table, dlq: dlq}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func usageBody(id string, prompt int, at time.Time) string {
	return fmt.Sprintf(`{"id":%q,"timestamp":%q,"provider":"openai","model":"gpt-4","organization_id":"T1","prompt_tokens":%d,"completion_tokens":0}`,
		id, at.Format(time.RFC3339), prompt)
}

func TestHealthz(t *testing.T) {
	s := setupTest(t, true)
	w := s.do(t, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestHandleIngest_Success(t *testing.T) {
	s := setupTest(t, true)
	at := time.Now().UTC().Add(-time.Hour)
	body := "[" + usageBody("r1", 1000, at) + "," + usageBody("r2", 500, at) + "]"

	w := s.do(t, "POST", "/v1/usage", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var sum ingest.Summary
	if err := json.NewDecoder(w.Body).Decode(&sum); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if sum.Accepted != 2 || sum.Status != ingest.StatusSuccess {
		t.Errorf("Expected 2 accepted with success, got %+v", sum)
	}
	if sum.Source != defaultSource {
		t.Errorf("Expected default source, got %q", sum.Source)
	}
	if s.limiter.lastN != 2 {
		t.Errorf("Expected limiter charged 2 records, got %d", s.limiter.lastN)
	}

	w = s.do(t, "GET", "/v1/usage/r1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on lookup, got %d", w.Code)
	}
	var rec usage.StoredRecord
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if rec.PromptTokens != 1000 {
		t.Errorf("Expected 1000 prompt tokens, got %d", rec.PromptTokens)
	}
}

func TestHandleIngest_RateLimited(t *testing.T) {
	s := setupTest(t, false)
	w := s.do(t, "POST", "/v1/usage", usageBody("r1", 10, time.Now().UTC()))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestHandleIngest_BadBatch(t *testing.T) {
	s := setupTest(t, true)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty", "", http.StatusBadRequest},
		{"not json", "hello", http.StatusBadRequest},
		{"too many", "[{},{},{},{},{},{}]", http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "POST", "/v1/usage", tt.body)
			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleIngest_InvalidTimeout(t *testing.T) {
	s := setupTest(t, true)
	w := s.do(t, "POST", "/v1/usage?timeout=soon", usageBody("r1", 10, time.Now().UTC()))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleGetUsage_NotFound(t *testing.T) {
	s := setupTest(t, true)
	w := s.do(t, "GET", "/v1/usage/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleCosts(t *testing.T) {
	s := setupTest(t, true)
	day := time.Now().UTC().Add(-48 * time.Hour).Truncate(24 * time.Hour)
	body := usageBody("a", 1000, day.Add(time.Hour)) + "\n" +
		usageBody("b", 2000, day.Add(9*time.Hour)) + "\n" +
		usageBody("c", 500, day.Add(23*time.Hour))
	if w := s.do(t, "POST", "/v1/usage", body); w.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d %s", w.Code, w.Body.String())
	}

	path := fmt.Sprintf("/v1/costs?start=%s&end=%s&organization_id=T1&group_by=model&granularity=daily",
		day.Format(time.DateOnly), day.Add(24*time.Hour).Format(time.DateOnly))
	w := s.do(t, "GET", path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp costResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Buckets) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(resp.Buckets))
	}
	b := resp.Buckets[0]
	if b.TotalTokens != 3500 || b.TotalCost != "0.105000" || b.Group["model"] != "gpt-4" {
		t.Errorf("Unexpected bucket: %+v", b)
	}
	if resp.Summary.RecordCount != 3 {
		t.Errorf("Expected 3 records in summary, got %d", resp.Summary.RecordCount)
	}
}

func TestHandleCosts_BadQuery(t *testing.T) {
	s := setupTest(t, true)
	tests := []string{
		"/v1/costs?end=2025-01-02",
		"/v1/costs?start=2025-01-01&end=2025-01-02&granularity=minutely",
		"/v1/costs?start=2025-01-01&end=2025-01-02&group_by=model,model",
	}
	for _, path := range tests {
		w := s.do(t, "GET", path, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", path, w.Code)
		}
	}
}

func TestHandlePricing_OverlapAndExpire(t *testing.T) {
	s := setupTest(t, true)

	w := s.do(t, "POST", "/v1/pricing", `{"provider":"openai","model":"gpt-4","token_class":"prompt","price_per_1k":"0.01","effective_from":"2024-06-01T00:00:00Z"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409 for overlap, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(t, "GET", "/v1/pricing?provider=OpenAI&model=gpt-4", "")
	var list struct {
		Entries []pricing.Entry `json:"entries"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(list.Entries))
	}
	var promptID string
	for _, e := range list.Entries {
		if e.Class == pricing.ClassPrompt {
			promptID = e.ID
		}
	}

	w = s.do(t, "POST", "/v1/pricing/"+promptID+"/expire", `{"effective_until":"2024-06-01T00:00:00Z"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on expire, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(t, "POST", "/v1/pricing", `{"provider":"openai","model":"gpt-4","token_class":"prompt","price_per_1k":"0.01","effective_from":"2024-06-01T00:00:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Errorf("Expected status 201 after expiring, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(t, "POST", "/v1/pricing/missing/expire", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for missing entry, got %d", w.Code)
	}
}

func TestHandleRecompute(t *testing.T) {
	s := setupTest(t, true)
	at := time.Now().UTC().Add(-time.Hour)
	body := `{"id":"c1","timestamp":"` + at.Format(time.RFC3339) + `","provider":"openai","model":"gpt-4o","organization_id":"T1","prompt_tokens":1000,"completion_tokens":0}`
	if w := s.do(t, "POST", "/v1/usage", body); w.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d", w.Code)
	}

	w := s.do(t, "POST", "/v1/pricing", `{"provider":"openai","model":"gpt-4o","token_class":"prompt","price_per_1k":"0.005","effective_from":"2020-01-01T00:00:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("upsert failed: %d %s", w.Code, w.Body.String())
	}

	w = s.do(t, "POST", "/v1/pricing/recompute", `{"unpriced_only":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ingest.RecomputeResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("Expected 1 updated record, got %+v", res)
	}
}

func TestHandleBudgets_Lifecycle(t *testing.T) {
	s := setupTest(t, true)

	w := s.do(t, "POST", "/v1/budgets", `{"name":"T1 monthly","scope":{"organization_id":"T1"},"amount":"1","period":"monthly","start_date":"2020-01-01T00:00:00Z","alert_thresholds":["0.5","1"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var b budget.Budget
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatalf("Failed to decode budget: %v", err)
	}

	// 20k prompt tokens at 0.03 is $0.60, crossing the 50% threshold.
	if w := s.do(t, "POST", "/v1/usage", usageBody("u1", 20000, time.Now().UTC().Add(-time.Minute))); w.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d", w.Code)
	}

	w = s.do(t, "GET", "/v1/budgets/"+b.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var st budget.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if st.Phase != budget.PhaseThresholdCrossed {
		t.Errorf("Expected threshold_crossed, got %s", st.Phase)
	}
	if len(st.Thresholds) != 2 || !st.Thresholds[0].Fired || st.Thresholds[1].Fired {
		t.Errorf("Unexpected threshold status: %+v", st.Thresholds)
	}

	w = s.do(t, "GET", "/v1/budgets/"+b.ID+"/alerts", "")
	var alerts struct {
		Alerts []budget.AlertEvent `json:"alerts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&alerts); err != nil {
		t.Fatalf("Failed to decode alerts: %v", err)
	}
	if len(alerts.Alerts) != 1 {
		t.Errorf("Expected 1 alert, got %d", len(alerts.Alerts))
	}

	w = s.do(t, "DELETE", "/v1/budgets/"+b.ID, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	w = s.do(t, "GET", "/v1/budgets", "")
	var list struct {
		Budgets []budget.Budget `json:"budgets"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list.Budgets) != 0 {
		t.Errorf("Expected no active budgets, got %d", len(list.Budgets))
	}
}

func TestHandleBudgets_Errors(t *testing.T) {
	s := setupTest(t, true)

	w := s.do(t, "POST", "/v1/budgets", `{"name":"","amount":"-1","period":"hourly"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	w = s.do(t, "GET", "/v1/budgets/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	req := httptest.NewRequest("PUT", "/v1/budgets/missing", bytes.NewBufferString(`{"name":"x","amount":"1","period":"daily","start_date":"2020-01-01T00:00:00Z"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on update, got %d", rec.Code)
	}
}

func TestHandleBudgets_PutKeepsActive(t *testing.T) {
	s := setupTest(t, true)

	w := s.do(t, "POST", "/v1/budgets", `{"name":"T1 monthly","scope":{"organization_id":"T1"},"amount":"10","period":"monthly","start_date":"2020-01-01T00:00:00Z","alert_thresholds":["0.5"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var b budget.Budget
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatalf("Failed to decode budget: %v", err)
	}

	// the usual client edit: no active field
	w = s.do(t, "PUT", "/v1/budgets/"+b.ID, `{"name":"T1 raised","scope":{"organization_id":"T1"},"amount":"20","period":"monthly","start_date":"2020-01-01T00:00:00Z","alert_thresholds":["0.5","0.9"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated budget.Budget
	if err := json.NewDecoder(w.Body).Decode(&updated); err != nil {
		t.Fatalf("Failed to decode budget: %v", err)
	}
	if !updated.Active || updated.Name != "T1 raised" || len(updated.AlertThresholds) != 2 {
		t.Errorf("Unexpected budget after PUT: %+v", updated)
	}

	w = s.do(t, "GET", "/v1/budgets", "")
	var list struct {
		Budgets []budget.Budget `json:"budgets"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list.Budgets) != 1 {
		t.Errorf("Expected the budget to stay active after PUT, got %d active", len(list.Budgets))
	}
}

func TestHandleBudgets_CurrencyMismatch(t *testing.T) {
	s := setupTest(t, true)
	w := s.do(t, "POST", "/v1/budgets", `{"name":"eu","currency":"EUR","amount":"10","period":"monthly","start_date":"2020-01-01T00:00:00Z","alert_thresholds":["0.5"]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleRateLimitStatus(t *testing.T) {
	s := setupTest(t, true)
	w := s.do(t, "GET", "/v1/ratelimit/sdk", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Source     string `json:"source"`
		Remaining  int64  `json:"remaining"`
		Limit      int    `json:"limit"`
		ResetAfter string `json:"reset_after"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Source != "sdk" || resp.Remaining != 42 || resp.Limit != 100 || resp.ResetAfter != "30s" {
		t.Errorf("Unexpected status: %+v", resp)
	}
	if s.limiter.lastN != 0 {
		t.Errorf("Expected status to consume nothing, got %d", s.limiter.lastN)
	}

	s.limiter.err = errors.New("redis down")
	if w := s.do(t, "GET", "/v1/ratelimit/sdk", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestHandleDeadLetters(t *testing.T) {
	s := setupTest(t, true)
	now := time.Now().UTC()
	err := s.dlq.Park(context.Background(), []ingest.DeadLetter{{
		ID:          "dl1",
		RecordID:    "d1",
		Source:      "stream",
		Payload:     json.RawMessage(usageBody("d1", 1000, now.Add(-time.Hour))),
		Kind:        ingest.KindStorage,
		Status:      ingest.DeadLetterPending,
		MaxAttempts: 3,
		NextRetryAt: now.Add(-time.Second),
		CreatedAt:   now,
		UpdatedAt:   now,
	}})
	if err != nil {
		t.Fatalf("Park failed: %v", err)
	}

	w := s.do(t, "GET", "/v1/deadletters?status=pending", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var list struct {
		DeadLetters []ingest.DeadLetter `json:"dead_letters"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list.DeadLetters) != 1 || list.DeadLetters[0].RecordID != "d1" {
		t.Fatalf("Unexpected dead letters: %+v", list.DeadLetters)
	}

	w = s.do(t, "POST", "/v1/deadletters/retry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ingest.RetryResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if res.Resolved != 1 {
		t.Errorf("Expected 1 resolved, got %+v", res)
	}
	if w := s.do(t, "GET", "/v1/usage/d1", ""); w.Code != http.StatusOK {
		t.Errorf("Expected d1 to be stored after retry, got %d", w.Code)
	}

	if w := s.do(t, "GET", "/v1/deadletters?status=lost", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an unknown status, got %d", w.Code)
	}
}
