// Package audience compiles campaign targeting rules into predicates that
// can be evaluated against customer facts in memory or rendered as SQL.
package audience

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type Condition string

const (
	TotalSpent Condition = "totalSpent"
	Visits     Condition = "visits"
	// LastVisit is measured in whole days since the customer's last visit.
	LastVisit Condition = "lastVisit"
)

type Operator string

const (
	GreaterThan Operator = "gt"
	LessThan    Operator = "lt"
	Equal       Operator = "eq"
	Between     Operator = "between"
)

type Conjunction string

const (
	And Conjunction = "AND"
	Or  Conjunction = "OR"
)

// Rule is one comparison of a customer attribute. Conjunction joins the rule
// to the ones before it and is ignored on the first rule.
type Rule struct {
	Condition   Condition   `json:"condition"`
	Operator    Operator    `json:"operator"`
	Value       *float64    `json:"value"`
	Value2      *float64    `json:"value2,omitempty"`
	Conjunction Conjunction `json:"conjunction,omitempty"`
}

// Facts holds the numeric attributes of one customer. An absent condition
// never matches.
type Facts map[Condition]float64

var ErrInvalidRule = errors.New("invalid rule")

// RuleError reports which rule failed validation and why.
type RuleError struct {
	Index  int
	Field  string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d: %s: %s", e.Index, e.Field, e.Reason)
}

func (e *RuleError) Unwrap() error { return ErrInvalidRule }

func validCondition(c Condition) bool {
	switch c {
	case TotalSpent, Visits, LastVisit:
		return true
	}
	return false
}

func validOperator(op Operator) bool {
	switch op {
	case GreaterThan, LessThan, Equal, Between:
		return true
	}
	return false
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// Compile folds rules left to right into a single predicate.
//
// Comparisons accumulate into an AND group. An OR rule closes the group: the
// whole expression built so far becomes the left operand of a disjunction
// and the OR rule starts a new AND group on the right. So
// "a AND b OR c AND d OR e" is ((a ∧ b) ∨ (c ∧ d)) ∨ e; there is no way to
// group an OR inside an AND.
//
// An empty rule list compiles to a predicate that matches nobody.
func Compile(rules []Rule) (Predicate, error) {
	if len(rules) == 0 {
		return nothing{}, nil
	}

	var left Predicate
	var group []Predicate
	for i, r := range rules {
		cmp, err := compileRule(i, r)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			group = append(group, cmp)
			continue
		}

		switch conj := Conjunction(strings.ToUpper(string(r.Conjunction))); conj {
		case And, "":
			group = append(group, cmp)
		case Or:
			left = disjoin(left, conjoin(group))
			group = []Predicate{cmp}
		default:
			return nil, &RuleError{Index: i, Field: "conjunction", Reason: fmt.Sprintf("unsupported conjunction %q", r.Conjunction)}
		}
	}
	return disjoin(left, conjoin(group)), nil
}

// Validate reports the first invalid rule, if any.
func Validate(rules []Rule) error {
	_, err := Compile(rules)
	return err
}

func compileRule(i int, r Rule) (Predicate, error) {
	if !validCondition(r.Condition) {
		return nil, &RuleError{Index: i, Field: "condition", Reason: fmt.Sprintf("unsupported condition %q", r.Condition)}
	}
	if !validOperator(r.Operator) {
		return nil, &RuleError{Index: i, Field: "operator", Reason: fmt.Sprintf("unsupported operator %q", r.Operator)}
	}
	if !finite(r.Value) {
		return nil, &RuleError{Index: i, Field: "value", Reason: "a numeric value is required"}
	}

	c := comparison{cond: r.Condition, op: r.Operator, lo: *r.Value}
	if r.Operator == Between {
		if !finite(r.Value2) {
			return nil, &RuleError{Index: i, Field: "value2", Reason: "between requires a numeric value2"}
		}
		c.hi = *r.Value2
		if c.lo > c.hi {
			c.lo, c.hi = c.hi, c.lo
		}
	}
	return c, nil
}

func conjoin(group []Predicate) Predicate {
	if len(group) == 1 {
		return group[0]
	}
	return allOf(group)
}

func disjoin(left, right Predicate) Predicate {
	if left == nil {
		return right
	}
	return anyOf{left, right}
}
