package docstore

import (
	"fmt"
	"strings"
)

// Op is a filter operator. The string values match Firestore's operators.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpArrayContains Op = "array-contains"
	OpIn            Op = "in"
)

// DocumentID is the pseudo-field that filters on the document id.
const DocumentID = "__name__"

type Direction int

const (
	Asc Direction = iota
	Desc
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Dir   Direction
}

// Query selects documents of one collection. The zero Max means no limit.
// Builder methods return modified copies.
type Query struct {
	Collection string
	Filters    []Filter
	Order      *Order
	Max        int
}

// Collection starts a query over the collection at path.
func Collection(path string) Query {
	return Query{Collection: path}
}

func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: Normalize(value)})
	return q
}

func (q Query) OrderBy(field string, dir Direction) Query {
	q.Order = &Order{Field: field, Dir: dir}
	return q
}

func (q Query) Limit(n int) Query {
	q.Max = n
	return q
}

func (q Query) String() string {
	var sb strings.Builder
	sb.WriteString(q.Collection)
	for _, f := range q.Filters {
		fmt.Fprintf(&sb, " where %s %s %v", f.Field, f.Op, f.Value)
	}
	if q.Order != nil {
		dir := "asc"
		if q.Order.Dir == Desc {
			dir = "desc"
		}
		fmt.Fprintf(&sb, " order by %s %s", q.Order.Field, dir)
	}
	if q.Max > 0 {
		fmt.Fprintf(&sb, " limit %d", q.Max)
	}
	return sb.String()
}
