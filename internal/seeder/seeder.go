package seeder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/costops/internal/logging"
	"github.com/vnmchuo/costops/internal/pricing"
)

// namespace keys seeded entry ids, so loading the same file twice replaces
// entries instead of adding overlapping ones.
var namespace = uuid.MustParse("6f1c3a52-8a55-4b8e-9d0e-6a3c1f7b2e10")

// File is the YAML layout of a pricing seed:
//
//	prices:
//	  - provider: openai
//	    model: gpt-4
//	    effective_from: 2024-01-01
//	    prompt: "0.03"
//	    completion: "0.06"
type File struct {
	Currency string       `yaml:"currency"`
	Prices   []ModelPrice `yaml:"prices"`
}

type ModelPrice struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	EffectiveFrom  string `yaml:"effective_from"`
	EffectiveUntil string `yaml:"effective_until"`
	Prompt         string `yaml:"prompt"`
	Completion     string `yaml:"completion"`
	Cached         string `yaml:"cached"`
}

func Parse(data []byte) ([]pricing.Entry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing seed: %w", err)
	}

	var entries []pricing.Entry
	for i, p := range f.Prices {
		from, err := parseTime(p.EffectiveFrom)
		if err != nil {
			return nil, fmt.Errorf("prices[%d]: invalid effective_from: %w", i, err)
		}
		var until *time.Time
		if p.EffectiveUntil != "" {
			t, err := parseTime(p.EffectiveUntil)
			if err != nil {
				return nil, fmt.Errorf("prices[%d]: invalid effective_until: %w", i, err)
			}
			until = &t
		}

		for class, raw := range map[pricing.TokenClass]string{
			pricing.ClassPrompt:     p.Prompt,
			pricing.ClassCompletion: p.Completion,
			pricing.ClassCached:     p.Cached,
		} {
			if raw == "" {
				continue
			}
			price, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("prices[%d]: invalid %s price: %w", i, class, err)
			}
			provider := strings.ToLower(strings.TrimSpace(p.Provider))
			id := uuid.NewSHA1(namespace, []byte(strings.Join([]string{provider, p.Model, string(class), from.Format(time.RFC3339)}, "|")))
			entries = append(entries, pricing.Entry{
				ID:             id.String(),
				Provider:       provider,
				Model:          p.Model,
				Class:          class,
				PricePer1K:     price,
				Currency:       f.Currency,
				EffectiveFrom:  from,
				EffectiveUntil: until,
			})
		}
	}
	return entries, nil
}

// SeedPricing loads the YAML seed at path into the table. Entries that fail
// validation are logged and skipped.
func SeedPricing(ctx context.Context, table *pricing.Table, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pricing seed: %w", err)
	}
	entries, err := Parse(data)
	if err != nil {
		return 0, err
	}

	log := logging.FromContext(ctx)
	seeded := 0
	for i := range entries {
		e := &entries[i]
		if err := table.Upsert(ctx, e); err != nil {
			log.Warn("skipping price entry", zap.String("key", e.Key().String()), zap.Error(err))
			continue
		}
		seeded++
	}
	log.Info("pricing seeded", zap.String("file", path), zap.Int("entries", seeded))
	return seeded, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}
