package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vnmchuo/costops/internal/usage"
)

const maxIDLength = 255

// wireRecord is the accepted JSON shape. Besides the flat fields it takes
// request_id and tenant_id as aliases, a nested "usage" object for token
// counts, "model" as either a string or {"name": ...}, and
// "performance.latency_ms".
type wireRecord struct {
	ID               *string         `json:"id"`
	RequestID        *string         `json:"request_id"`
	Timestamp        *string         `json:"timestamp"`
	Provider         *string         `json:"provider"`
	Model            json.RawMessage `json:"model"`
	OrganizationID   *string         `json:"organization_id"`
	TenantID         *string         `json:"tenant_id"`
	ProjectID        string          `json:"project_id"`
	Environment      string          `json:"environment"`
	UserID           string          `json:"user_id"`
	PromptTokens     *int64          `json:"prompt_tokens"`
	CompletionTokens *int64          `json:"completion_tokens"`
	CachedTokens     *int64          `json:"cached_tokens"`
	TotalTokens      *int64          `json:"total_tokens"`
	Usage            *wireUsage      `json:"usage"`
	LatencyMs        *int64          `json:"latency_ms"`
	Performance      *struct {
		LatencyMs *int64 `json:"latency_ms"`
	} `json:"performance"`
	Tags     []string        `json:"tags"`
	Metadata json.RawMessage `json:"metadata"`
}

type wireUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens"`
	CompletionTokens *int64 `json:"completion_tokens"`
	CachedTokens     *int64 `json:"cached_tokens"`
	TotalTokens      *int64 `json:"total_tokens"`
}

func firstString(vs ...*string) *string {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vs ...*int64) *int64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

// decodeRecord turns one batch item into a canonical record, or a
// ValidationError naming every offending field.
func decodeRecord(raw json.RawMessage, now time.Time, maxSkew time.Duration) (*usage.Record, error) {
	ve := &usage.ValidationError{}

	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			ve.Add("record", "malformed JSON: "+err.Error())
			return nil, ve
		}
		ve.Add(typeErr.Field, fmt.Sprintf("must be %s", typeErr.Type))
	}
	if w.Usage == nil {
		w.Usage = &wireUsage{}
	}
	if w.Performance != nil && w.LatencyMs == nil {
		w.LatencyMs = w.Performance.LatencyMs
	}

	rec := &usage.Record{
		ProjectID:   strings.TrimSpace(w.ProjectID),
		Environment: strings.TrimSpace(w.Environment),
		UserID:      strings.TrimSpace(w.UserID),
	}

	rec.ID = requiredString(ve, "id", firstString(w.ID, w.RequestID))
	if len(rec.ID) > maxIDLength {
		ve.Add("id", fmt.Sprintf("must be at most %d characters", maxIDLength))
	}
	rec.OrganizationID = requiredString(ve, "organization_id", firstString(w.OrganizationID, w.TenantID))
	rec.Provider = strings.ToLower(requiredString(ve, "provider", w.Provider))
	rec.Model = decodeModel(ve, w.Model)

	if ts := requiredString(ve, "timestamp", w.Timestamp); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		switch {
		case err != nil:
			ve.Add("timestamp", "must be an RFC 3339 timestamp")
		case t.After(now.Add(maxSkew)):
			ve.Add("timestamp", "is in the future")
		default:
			// microseconds: what Postgres keeps
			rec.Timestamp = t.UTC().Truncate(time.Microsecond)
		}
	}

	rec.PromptTokens = count(ve, "prompt_tokens", firstInt(w.PromptTokens, w.Usage.PromptTokens), true)
	rec.CompletionTokens = count(ve, "completion_tokens", firstInt(w.CompletionTokens, w.Usage.CompletionTokens), true)
	rec.CachedTokens = count(ve, "cached_tokens", firstInt(w.CachedTokens, w.Usage.CachedTokens), false)
	rec.LatencyMs = count(ve, "latency_ms", w.LatencyMs, false)
	if rec.CachedTokens > rec.PromptTokens {
		ve.Add("cached_tokens", "must not exceed prompt_tokens")
	}

	if total := firstInt(w.TotalTokens, w.Usage.TotalTokens); total != nil {
		rec.TotalTokens = count(ve, "total_tokens", total, false)
	} else {
		rec.TotalTokens = max(rec.PromptTokens+rec.CompletionTokens-rec.CachedTokens, 0)
	}

	for _, tag := range w.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			ve.Add("tags", "must not contain empty tags")
			break
		}
		rec.Tags = append(rec.Tags, tag)
	}

	if len(w.Metadata) > 0 {
		if err := json.Unmarshal(w.Metadata, &rec.Metadata); err != nil {
			ve.Add("metadata", err.Error())
		}
	}

	if len(ve.Fields) > 0 {
		return nil, ve
	}
	return rec, nil
}

func requiredString(ve *usage.ValidationError, field string, v *string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		ve.Add(field, "is required")
		return ""
	}
	return strings.TrimSpace(*v)
}

func count(ve *usage.ValidationError, field string, v *int64, required bool) int64 {
	if v == nil {
		if required {
			ve.Add(field, "is required")
		}
		return 0
	}
	if *v < 0 {
		ve.Add(field, "must be non-negative")
		return 0
	}
	return *v
}

func decodeModel(ve *usage.ValidationError, raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		ve.Add("model", "is required")
		return ""
	}
	var name string
	if raw[0] == '{' {
		var m struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			ve.Add("model", "must be a string or an object with a name")
			return ""
		}
		name = m.Name
	} else if err := json.Unmarshal(raw, &name); err != nil {
		ve.Add("model", "must be a string or an object with a name")
		return ""
	}
	name = strings.TrimSpace(name)
	if name == "" {
		ve.Add("model", "is required")
	}
	return name
}
