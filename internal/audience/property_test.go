package audience_test

import (
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
)

var (
	conditions = []audience.Condition{audience.TotalSpent, audience.Visits, audience.LastVisit}
	operators  = []audience.Operator{audience.GreaterThan, audience.LessThan, audience.Equal, audience.Between}
)

func randomRules(r *rand.Rand, n int) []audience.Rule {
	rules := make([]audience.Rule, n)
	for i := range rules {
		rules[i] = audience.Rule{
			Condition: conditions[r.IntN(len(conditions))],
			Operator:  operators[r.IntN(len(operators))],
			Value:     num(float64(r.IntN(20))),
			Value2:    num(float64(r.IntN(20))),
		}
		if r.IntN(3) == 0 {
			rules[i].Conjunction = audience.Or
		} else {
			rules[i].Conjunction = audience.And
		}
	}
	return rules
}

func randomFacts(r *rand.Rand, n int) []audience.Facts {
	out := make([]audience.Facts, n)
	for i := range out {
		f := audience.Facts{
			audience.TotalSpent: float64(r.IntN(20)),
			audience.Visits:     float64(r.IntN(20)),
		}
		if r.IntN(4) != 0 {
			f[audience.LastVisit] = float64(r.IntN(20))
		}
		out[i] = f
	}
	return out
}

// manualMatch is the reference filter: OR splits the rule list into groups,
// a customer matches when every rule of at least one group holds.
func manualMatch(rules []audience.Rule, f audience.Facts) bool {
	if len(rules) == 0 {
		return false
	}
	groupOK := true
	for i, r := range rules {
		if i > 0 && r.Conjunction == audience.Or {
			if groupOK {
				return true
			}
			groupOK = true
		}
		v, present := f[r.Condition]
		lo, hi := *r.Value, *r.Value2
		if lo > hi {
			lo, hi = hi, lo
		}
		var ok bool
		switch r.Operator {
		case audience.GreaterThan:
			ok = present && v > *r.Value
		case audience.LessThan:
			ok = present && v < *r.Value
		case audience.Equal:
			ok = present && v == *r.Value
		case audience.Between:
			ok = present && v >= lo && v <= hi
		}
		groupOK = groupOK && ok
	}
	return groupOK
}

func TestCompiledCountMatchesManualFilter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("compiled predicate count equals manual filter count", prop.ForAll(
		func(seed uint64, nRules, nCustomers int) bool {
			r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			rules := randomRules(r, nRules)
			customers := randomFacts(r, nCustomers)

			p, err := audience.Compile(rules)
			if err != nil {
				return false
			}
			var got, want int
			for _, f := range customers {
				if p.Match(f) {
					got++
				}
				if manualMatch(rules, f) {
					want++
				}
			}
			return got == want
		},
		gen.UInt64(),
		gen.IntRange(0, 6),
		gen.IntRange(0, 50),
	))

	properties.Property("between is order independent", prop.ForAll(
		func(a, b, v int) bool {
			lo, hi := float64(a), float64(b)
			p1, err1 := audience.Compile([]audience.Rule{{Condition: audience.Visits, Operator: audience.Between, Value: &lo, Value2: &hi}})
			p2, err2 := audience.Compile([]audience.Rule{{Condition: audience.Visits, Operator: audience.Between, Value: &hi, Value2: &lo}})
			if err1 != nil || err2 != nil {
				return false
			}
			f := audience.Facts{audience.Visits: float64(v)}
			return p1.Match(f) == p2.Match(f)
		},
		gen.IntRange(-100, 100),
		gen.IntRange(-100, 100),
		gen.IntRange(-120, 120),
	))

	properties.TestingRun(t)
}
