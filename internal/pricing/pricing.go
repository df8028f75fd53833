// Package pricing holds effective-dated price entries and resolves usage
// records against them.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TokenClass string

const (
	ClassPrompt     TokenClass = "prompt"
	ClassCompletion TokenClass = "completion"
	ClassCached     TokenClass = "cached"
)

func (c TokenClass) Valid() bool {
	switch c {
	case ClassPrompt, ClassCompletion, ClassCached:
		return true
	}
	return false
}

var (
	ErrEntryNotFound = errors.New("price entry not found")
	ErrOverlap       = errors.New("price entry overlaps an existing entry")
)

// Key identifies one price series.
type Key struct {
	Provider string
	Model    string
	Class    TokenClass
}

func (k Key) String() string {
	return k.Provider + "/" + k.Model + "/" + string(k.Class)
}

// Entry is a price per 1000 tokens valid over [EffectiveFrom, EffectiveUntil).
// A nil EffectiveUntil means open-ended.
type Entry struct {
	ID             string          `json:"id"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Class          TokenClass      `json:"token_class"`
	PricePer1K     decimal.Decimal `json:"price_per_1k"`
	Currency       string          `json:"currency"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (e *Entry) Key() Key {
	return Key{Provider: e.Provider, Model: e.Model, Class: e.Class}
}

func (e *Entry) Contains(t time.Time) bool {
	if t.Before(e.EffectiveFrom) {
		return false
	}
	return e.EffectiveUntil == nil || t.Before(*e.EffectiveUntil)
}

func (e *Entry) overlaps(o *Entry) bool {
	// [a1, a2) and [b1, b2) overlap iff a1 < b2 && b1 < a2
	aEndsAfterB := o.EffectiveUntil == nil || e.EffectiveFrom.Before(*o.EffectiveUntil)
	bEndsAfterA := e.EffectiveUntil == nil || o.EffectiveFrom.Before(*e.EffectiveUntil)
	return aEndsAfterB && bEndsAfterA
}

// ValidationError describes an entry rejected before storage.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid price entry: " + e.Reason }

// NotFoundError reports that no entry is effective for a key at an instant.
type NotFoundError struct {
	Key Key
	At  time.Time
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no price for %s at %s", e.Key, e.At.UTC().Format(time.RFC3339Nano))
}

// normalize canonicalizes fields and validates the entry on its own.
func normalize(e *Entry, currency string) error {
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	e.Model = strings.TrimSpace(e.Model)
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	if e.Currency == "" {
		e.Currency = currency
	}
	e.EffectiveFrom = e.EffectiveFrom.UTC().Truncate(time.Microsecond)
	if e.EffectiveUntil != nil {
		u := e.EffectiveUntil.UTC().Truncate(time.Microsecond)
		e.EffectiveUntil = &u
	}

	switch {
	case e.Provider == "":
		return &ValidationError{Reason: "provider is required"}
	case e.Model == "":
		return &ValidationError{Reason: "model is required"}
	case !e.Class.Valid():
		return &ValidationError{Reason: fmt.Sprintf("unknown token class %q", e.Class)}
	case e.PricePer1K.IsNegative():
		return &ValidationError{Reason: "price_per_1k must be >= 0"}
	case e.EffectiveFrom.IsZero():
		return &ValidationError{Reason: "effective_from is required"}
	case e.EffectiveUntil != nil && !e.EffectiveUntil.After(e.EffectiveFrom):
		return &ValidationError{Reason: "effective_until must be after effective_from"}
	case currency != "" && e.Currency != currency:
		return &ValidationError{Reason: fmt.Sprintf("currency %s does not match table currency %s", e.Currency, currency)}
	}
	return nil
}

// checkOverlap validates candidate against the other entries of its series.
// An entry with the candidate's ID is treated as the version being replaced.
func checkOverlap(series []Entry, candidate *Entry) error {
	for i := range series {
		cur := &series[i]
		if cur.ID == candidate.ID {
			continue
		}
		if cur.overlaps(candidate) {
			return fmt.Errorf("%w: %s", ErrOverlap, cur.ID)
		}
	}
	return nil
}

func sortSeries(series []Entry) {
	sort.Slice(series, func(i, j int) bool {
		return series[i].EffectiveFrom.Before(series[j].EffectiveFrom)
	})
}

// effectiveAt binary-searches a series sorted by EffectiveFrom.
func effectiveAt(series []Entry, t time.Time) (*Entry, bool) {
	i := sort.Search(len(series), func(i int) bool { return series[i].EffectiveFrom.After(t) })
	if i == 0 {
		return nil, false
	}
	e := &series[i-1]
	if !e.Contains(t) {
		return nil, false
	}
	return e, true
}
