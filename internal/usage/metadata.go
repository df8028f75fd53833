package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Attr is one metadata entry. Value is a string, json.Number or bool.
type Attr struct {
	Key   string
	Value any
}

// Metadata keeps caller-supplied key/value pairs in their original order.
// The core never interprets it.
type Metadata []Attr

func (m Metadata) Get(key string) (any, bool) {
	for _, a := range m {
		if a.Key == key {
			return a.Value, true
		}
	}
	return nil, false
}

// Equal compares two mappings regardless of key order.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for _, a := range m {
		v, ok := o.Get(a.Key)
		if !ok || v != a.Value {
			return false
		}
	}
	return true
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(a.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(a.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata must be an object")
	}

	out := Metadata{}
	seen := make(map[string]bool)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key := kt.(string)
		vt, err := dec.Token()
		if err != nil {
			return err
		}
		switch v := vt.(type) {
		case string, json.Number, bool:
			if seen[key] {
				return fmt.Errorf("metadata key %q repeated", key)
			}
			seen[key] = true
			out = append(out, Attr{Key: key, Value: v})
		default:
			return fmt.Errorf("metadata value for %q must be a string, number or bool", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}
