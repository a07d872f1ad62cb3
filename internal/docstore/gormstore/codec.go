package gormstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// timeFormat is fixed width so stored timestamps also sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// timeKey tags encoded timestamps so they decode back to time.Time.
const timeKey = "$time"

func encodeBody(body map[string]any) ([]byte, error) {
	b, err := json.Marshal(encodeValue(body))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{timeKey: x.UTC().Format(timeFormat)}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return x
	}
}

func decodeBody(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	out, err := decodeValue(body)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func decodeValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("decode number %q: %w", x, err)
		}
		return f, nil
	case map[string]any:
		if s, ok := x[timeKey].(string); ok && len(x) == 1 {
			t, err := time.Parse(timeFormat, s)
			if err != nil {
				return nil, fmt.Errorf("decode timestamp %q: %w", s, err)
			}
			return t, nil
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			d, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			d, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return x, nil
	}
}
