package docstore

import (
	"sort"
	"strings"
	"time"
)

// Evaluate applies q's filters, order and limit to docs in-process.
// Documents missing the order-by field are excluded, as Firestore does.
// Ties are broken by document id in the order's direction.
func Evaluate(q Query, docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if Matches(q, d) {
			out = append(out, d)
		}
	}
	if q.Order != nil {
		field, desc := q.Order.Field, q.Order.Dir == Desc
		kept := out[:0]
		for _, d := range out {
			if _, ok := fieldValue(d, field); ok {
				kept = append(kept, d)
			}
		}
		out = kept
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := fieldValue(out[i], field)
			b, _ := fieldValue(out[j], field)
			c, ok := compareValues(a, b)
			if !ok {
				c = strings.Compare(typeRank(a), typeRank(b))
			}
			if c == 0 {
				c = strings.Compare(out[i].ID, out[j].ID)
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Max > 0 && len(out) > q.Max {
		out = out[:q.Max]
	}
	return out
}

// Matches reports whether d satisfies every filter of q.
func Matches(q Query, d Document) bool {
	for _, f := range q.Filters {
		if !matchFilter(f, d) {
			return false
		}
	}
	return true
}

func matchFilter(f Filter, d Document) bool {
	v, ok := fieldValue(d, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return equalValues(v, f.Value)
	case OpNotEqual:
		return !equalValues(v, f.Value)
	case OpArrayContains:
		arr, isArr := v.([]any)
		return isArr && containsValue(arr, f.Value)
	case OpIn:
		candidates, isArr := f.Value.([]any)
		return isArr && containsValue(candidates, v)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		c, comparable := compareValues(v, f.Value)
		if !comparable {
			return false
		}
		switch f.Op {
		case OpLess:
			return c < 0
		case OpLessEqual:
			return c <= 0
		case OpGreater:
			return c > 0
		default:
			return c >= 0
		}
	default:
		return false
	}
}

func fieldValue(d Document, field string) (any, bool) {
	if field == DocumentID {
		return d.ID, true
	}
	var cur any = d.Data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return false
}

// compareValues orders two values of the same kind. Numbers compare across
// int64 and float64.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case int64, float64:
		fx, _ := toFloat(x)
		fy, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fx < fy:
			return -1, true
		case fx > fy:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// typeRank gives mixed-type order-by fields a stable order.
func typeRank(v any) string {
	switch v.(type) {
	case nil:
		return "0"
	case bool:
		return "1"
	case int64, float64:
		return "2"
	case time.Time:
		return "3"
	case string:
		return "4"
	default:
		return "5"
	}
}
