package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/costops/internal/logging"
)

// Alert is the payload handed to delivery collaborators.
type Alert struct {
	BudgetID  string          `json:"budget_id"`
	Name      string          `json:"name"`
	Period    Window          `json:"period"`
	Threshold decimal.Decimal `json:"threshold"`
	Spent     decimal.Decimal `json:"spent"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Timestamp time.Time       `json:"timestamp"`
}

func alertFor(b *Budget, e *AlertEvent) Alert {
	return Alert{
		BudgetID:  b.ID,
		Name:      b.Name,
		Period:    Window{Start: e.PeriodStart, End: e.PeriodEnd},
		Threshold: e.Threshold,
		Spent:     e.Spent,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Timestamp: e.FiredAt,
	}
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	logging.FromContext(ctx).Info("budget threshold crossed",
		zap.String("budget_id", a.BudgetID),
		zap.String("budget", a.Name),
		zap.Time("period_start", a.Period.Start),
		zap.String("threshold", a.Threshold.String()),
		zap.String("spent", a.Spent.String()),
		zap.String("amount", a.Amount.String()),
	)
	return nil
}

// WebhookNotifier posts alerts as JSON. Repeated failures open the breaker
// and further alerts fail fast until it half-opens again.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	settings := gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &WebhookNotifier{url: url, client: client, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	_, err = n.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook responded %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to deliver alert for budget %s: %w", a.BudgetID, err)
	}
	return nil
}

func (n *WebhookNotifier) State() gobreaker.State { return n.breaker.State() }

// MultiNotifier delivers to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
