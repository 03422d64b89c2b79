package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Op is a comparison operator in a filter condition.
type Op string

const (
	OpEq      Op = "eq"
	OpNeq     Op = "neq"
	OpIn      Op = "in"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
)

// Cond is a single column predicate. Conditions in a slice are ANDed.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

func Eq(col string, v any) Cond  { return Cond{Column: col, Op: OpEq, Value: Normalize(v)} }
func Neq(col string, v any) Cond { return Cond{Column: col, Op: OpNeq, Value: Normalize(v)} }
func Lt(col string, v any) Cond  { return Cond{Column: col, Op: OpLt, Value: Normalize(v)} }
func Lte(col string, v any) Cond { return Cond{Column: col, Op: OpLte, Value: Normalize(v)} }
func Gt(col string, v any) Cond  { return Cond{Column: col, Op: OpGt, Value: Normalize(v)} }
func Gte(col string, v any) Cond { return Cond{Column: col, Op: OpGte, Value: Normalize(v)} }
func IsNull(col string) Cond     { return Cond{Column: col, Op: OpIsNull} }
func NotNull(col string) Cond    { return Cond{Column: col, Op: OpNotNull} }

// In matches any of vals. An empty list matches nothing.
func In[T any](col string, vals ...T) Cond {
	items := make([]any, len(vals))
	for i, v := range vals {
		items[i] = Normalize(v)
	}
	return Cond{Column: col, Op: OpIn, Value: items}
}

// Order sorts by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query is a filtered, ordered, paginated read. Limit 0 means unbounded.
type Query struct {
	Where  []Cond
	Order  []Order
	Limit  int
	Offset int
}

// Match evaluates conds against r in memory.
func Match(r Record, conds []Cond) bool {
	for _, c := range conds {
		if !matchCond(r, c) {
			return false
		}
	}
	return true
}

func matchCond(r Record, c Cond) bool {
	v := r[c.Column]
	switch c.Op {
	case OpIsNull:
		return v == nil
	case OpNotNull:
		return v != nil
	case OpIn:
		items, _ := c.Value.([]any)
		for _, item := range items {
			if cmp, ok := Compare(v, item); ok && cmp == 0 {
				return true
			}
		}
		return false
	}
	if v == nil || c.Value == nil {
		return false
	}
	cmp, ok := Compare(v, c.Value)
	if !ok {
		return c.Op == OpNeq
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	default:
		return false
	}
}

// Compare orders two column values of compatible type. ok is false when the
// values cannot be compared.
func Compare(a, b any) (int, bool) {
	if ai, aok := toInt(a); aok {
		bi, bok := toInt(b)
		if !bok {
			return 0, false
		}
		return compareOrdered(ai, bi), true
	}
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	case string:
		if bu, ok := asUUID(b); ok {
			au, err := uuid.Parse(av)
			if err != nil {
				return 0, false
			}
			return strings.Compare(au.String(), bu.String()), true
		}
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	}
	if au, ok := asUUID(a); ok {
		bu, ok := asUUID(b)
		if !ok {
			if s, isStr := b.(string); isStr {
				parsed, err := uuid.Parse(s)
				if err != nil {
					return 0, false
				}
				bu = parsed
			} else {
				return 0, false
			}
		}
		return strings.Compare(au.String(), bu.String()), true
	}
	return 0, false
}

func asUUID(v any) (uuid.UUID, bool) {
	switch tv := v.(type) {
	case uuid.UUID:
		return tv, true
	case [16]byte:
		return uuid.UUID(tv), true
	default:
		return uuid.Nil, false
	}
}

func compareOrdered(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
