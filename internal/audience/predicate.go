package audience

import (
	"fmt"
	"strings"
)

// Predicate is a compiled rule list.
type Predicate interface {
	Match(f Facts) bool
	// SQL renders the predicate as a boolean SQL expression over cols,
	// appending bind values to args.
	SQL(cols Columns, args *Args) string
	String() string
}

// Columns maps each condition to the SQL expression that yields its value.
type Columns map[Condition]string

// Args collects positional bind values ($1, $2, ...).
type Args struct {
	values []any
}

// NewArgs starts numbering after the given already-bound values.
func NewArgs(bound ...any) *Args {
	return &Args{values: append([]any(nil), bound...)}
}

func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return fmt.Sprintf("$%d", len(a.values))
}

func (a *Args) Values() []any { return a.values }

type nothing struct{}

func (nothing) Match(Facts) bool { return false }
func (nothing) SQL(Columns, *Args) string { return "FALSE" }
func (nothing) String() string { return "nothing" }

type comparison struct {
	cond   Condition
	op     Operator
	lo, hi float64
}

func (c comparison) Match(f Facts) bool {
	v, ok := f[c.cond]
	if !ok {
		return false
	}
	switch c.op {
	case GreaterThan:
		return v > c.lo
	case LessThan:
		return v < c.lo
	case Equal:
		return v == c.lo
	case Between:
		return v >= c.lo && v <= c.hi
	}
	return false
}

func (c comparison) SQL(cols Columns, args *Args) string {
	col, ok := cols[c.cond]
	if !ok {
		return "FALSE"
	}
	switch c.op {
	case GreaterThan:
		return col + " > " + args.Add(c.lo)
	case LessThan:
		return col + " < " + args.Add(c.lo)
	case Equal:
		return col + " = " + args.Add(c.lo)
	case Between:
		lo := args.Add(c.lo)
		return col + " BETWEEN " + lo + " AND " + args.Add(c.hi)
	}
	return "FALSE"
}

func (c comparison) String() string {
	if c.op == Between {
		return fmt.Sprintf("%s in [%g, %g]", c.cond, c.lo, c.hi)
	}
	return fmt.Sprintf("%s %s %g", c.cond, c.op, c.lo)
}

type allOf []Predicate

func (p allOf) Match(f Facts) bool {
	for _, q := range p {
		if !q.Match(f) {
			return false
		}
	}
	return true
}

func (p allOf) SQL(cols Columns, args *Args) string {
	return join(p, " AND ", cols, args)
}

func (p allOf) String() string { return joinString(p, " AND ") }

type anyOf []Predicate

func (p anyOf) Match(f Facts) bool {
	for _, q := range p {
		if q.Match(f) {
			return true
		}
	}
	return false
}

func (p anyOf) SQL(cols Columns, args *Args) string {
	return join(p, " OR ", cols, args)
}

func (p anyOf) String() string { return joinString(p, " OR ") }

func join(ps []Predicate, sep string, cols Columns, args *Args) string {
	parts := make([]string, len(ps))
	for i, q := range ps {
		parts[i] = q.SQL(cols, args)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func joinString(ps []Predicate, sep string) string {
	parts := make([]string, len(ps))
	for i, q := range ps {
		parts[i] = q.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
