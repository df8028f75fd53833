package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

// Batch is a split but not yet decoded submission.
type Batch struct {
	Source string
	Items  []json.RawMessage
}

// BatchError rejects a submission as a whole.
type BatchError struct {
	Reason  string
	TooMany bool
}

func (e *BatchError) Error() string { return "invalid batch: " + e.Reason }

type envelope struct {
	Source  string          `json:"source"`
	Records json.RawMessage `json:"records"`
}

// SplitBatch accepts a JSON array, an object with a "records" array, a
// single record object, or newline-delimited JSON. NDJSON lines are kept
// raw so a malformed line fails on its own.
func SplitBatch(body []byte) (*Batch, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, &BatchError{Reason: "empty body"}
	}

	if json.Valid(body) {
		switch body[0] {
		case '[':
			var items []json.RawMessage
			if err := json.Unmarshal(body, &items); err != nil {
				return nil, &BatchError{Reason: err.Error()}
			}
			return &Batch{Items: items}, nil
		case '{':
			var env envelope
			if err := json.Unmarshal(body, &env); err != nil {
				return nil, &BatchError{Reason: err.Error()}
			}
			if env.Records == nil {
				return &Batch{Items: []json.RawMessage{body}}, nil
			}
			var items []json.RawMessage
			if err := json.Unmarshal(env.Records, &items); err != nil {
				return nil, &BatchError{Reason: "records must be an array"}
			}
			return &Batch{Source: env.Source, Items: items}, nil
		default:
			return nil, &BatchError{Reason: "expected a JSON object or array"}
		}
	}

	if body[0] != '{' {
		return nil, &BatchError{Reason: "malformed JSON"}
	}

	b := &Batch{}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		b.Items = append(b.Items, json.RawMessage(bytes.Clone(line)))
	}
	if err := sc.Err(); err != nil {
		return nil, &BatchError{Reason: fmt.Sprintf("failed to read NDJSON: %v", err)}
	}
	return b, nil
}
