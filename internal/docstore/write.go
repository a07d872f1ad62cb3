package docstore

import (
	"fmt"
	"time"
)

type WriteKind int

const (
	// WriteCreate fails if the document exists.
	WriteCreate WriteKind = iota + 1
	// WriteSet replaces the whole document.
	WriteSet
	// WriteMerge replaces only the given top-level fields.
	WriteMerge
	// WriteDelete removes the document.
	WriteDelete
	// WriteUpdate is a merge that fails with ErrNotFound if the document is missing.
	WriteUpdate
)

func (k WriteKind) String() string {
	switch k {
	case WriteCreate:
		return "create"
	case WriteSet:
		return "set"
	case WriteMerge:
		return "merge"
	case WriteDelete:
		return "delete"
	case WriteUpdate:
		return "update"
	default:
		return fmt.Sprintf("write(%d)", int(k))
	}
}

type Write struct {
	Kind WriteKind
	Path string
	Data map[string]any
}

// ServerTimestampValue is replaced by the store's commit time.
type ServerTimestampValue struct{}

// ServerTimestamp is the field sentinel for a store-assigned timestamp.
var ServerTimestamp = ServerTimestampValue{}

// ArrayUnionValue adds elements not already present in the stored array.
type ArrayUnionValue struct {
	Elems []any
}

func ArrayUnion(elems ...any) ArrayUnionValue {
	out := make([]any, len(elems))
	for i, e := range elems {
		out[i] = Normalize(e)
	}
	return ArrayUnionValue{Elems: out}
}

// IncrementValue adds By to the stored number (missing counts as zero).
type IncrementValue struct {
	By int64
}

func Increment(by int64) IncrementValue {
	return IncrementValue{By: by}
}

// Normalize converts Go values into the canonical document value set.
// Sentinels pass through untouched.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64, ServerTimestampValue, ArrayUnionValue, IncrementValue:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	default:
		return x
	}
}

// Apply computes the document body that results from one write on base.
// It is used by stores that evaluate writes in-process. A nil result with a
// nil error means the document is deleted.
func Apply(kind WriteKind, base map[string]any, exists bool, data map[string]any, now time.Time) (map[string]any, error) {
	switch kind {
	case WriteCreate:
		if exists {
			return nil, ErrAlreadyExists
		}
		return resolveFields(nil, data, now), nil
	case WriteSet:
		return resolveFields(nil, data, now), nil
	case WriteUpdate:
		if !exists {
			return nil, ErrNotFound
		}
		return Apply(WriteMerge, base, exists, data, now)
	case WriteMerge:
		out := make(map[string]any, len(base)+len(data))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range data {
			out[k] = resolveValue(base[k], v, now)
		}
		return out, nil
	case WriteDelete:
		return nil, nil
	default:
		return nil, fmt.Errorf("docstore: unknown write kind %v", kind)
	}
}

func resolveFields(base, data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = resolveValue(base[k], v, now)
	}
	return out
}

func resolveValue(old, v any, now time.Time) any {
	switch x := Normalize(v).(type) {
	case ServerTimestampValue:
		return now.UTC()
	case ArrayUnionValue:
		existing, _ := old.([]any)
		out := append([]any(nil), existing...)
		for _, e := range x.Elems {
			if !containsValue(out, e) {
				out = append(out, e)
			}
		}
		return out
	case IncrementValue:
		switch n := old.(type) {
		case int64:
			return n + x.By
		case float64:
			return n + float64(x.By)
		default:
			return x.By
		}
	case map[string]any:
		oldMap, _ := old.(map[string]any)
		return resolveFields(oldMap, x, now)
	default:
		return x
	}
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if equalValues(e, v) {
			return true
		}
	}
	return false
}
