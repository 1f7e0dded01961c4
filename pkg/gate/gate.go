// Package gate evaluates a declarative, classed and weighted gate matrix
// against a sealed evidence bundle.
//
// A gate's status is a pure function of the evidence it declares. Gates
// never observe each other, so the matrix is evaluated in parallel and the
// output is identical for identical inputs.
package gate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
)

// Class is the gate tier.
type Class string

const (
	// ClassA gates must pass. They never WARN.
	ClassA Class = "A"
	// ClassB gates are weighted soft gates.
	ClassB Class = "B"
	// ClassC gates are informational.
	ClassC Class = "C"
)

// Classes lists the tiers in report order.
var Classes = []Class{ClassA, ClassB, ClassC}

func (c Class) Valid() bool {
	return c == ClassA || c == ClassB || c == ClassC
}

// Status is a gate outcome.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusWarn    Status = "WARN"
	StatusBlock   Status = "BLOCK"
	StatusMissing Status = "MISSING"
)

func severity(s Status) int {
	switch s {
	case StatusPass:
		return 0
	case StatusWarn:
		return 1
	default:
		return 2
	}
}

// Gate is one row of the matrix.
type Gate struct {
	ID          string         `yaml:"id" json:"id"`
	Class       Class          `yaml:"class" json:"class"`
	Weight      float64        `yaml:"weight" json:"weight"`
	HardBlock   bool           `yaml:"hard_block,omitempty" json:"hard_block,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Requires    []evidence.Key `yaml:"requires" json:"requires"`
	Predicate   Predicate      `yaml:"predicate" json:"predicate"`
}

// Result is the outcome of one gate for one run.
type Result struct {
	GateID    string         `json:"gate_id"`
	Class     Class          `json:"class"`
	Weight    float64        `json:"weight"`
	HardBlock bool           `json:"hard_block"`
	Status    Status         `json:"status"`
	Evidence  []evidence.Key `json:"evidence"`
	Reason    string         `json:"reason"`
}

// Problems returns every semantic defect in the matrix, in matrix order.
func Problems(gates []Gate) []string {
	var out []string
	seen := make(map[string]bool, len(gates))
	for i, g := range gates {
		where := fmt.Sprintf("gates[%d]", i)
		if g.ID != "" {
			where = fmt.Sprintf("gate %s", g.ID)
		}
		add := func(format string, args ...any) {
			out = append(out, where+": "+fmt.Sprintf(format, args...))
		}

		if g.ID == "" {
			add("id is required")
		} else if seen[g.ID] {
			add("duplicate gate id")
		}
		seen[g.ID] = true

		if !g.Class.Valid() {
			add("class %q is not one of A, B, C", g.Class)
		}
		if g.Weight < 0 || math.IsNaN(g.Weight) || math.IsInf(g.Weight, 0) {
			add("weight %v must be a non-negative number", g.Weight)
		}
		if len(g.Requires) == 0 {
			add("requires no evidence keys")
		}
		keys := make(map[evidence.Key]bool, len(g.Requires))
		for _, k := range g.Requires {
			if k == "" {
				add("requires an empty evidence key")
			} else if keys[k] {
				add("requires %s twice", k)
			}
			keys[k] = true
		}
		for _, p := range g.Predicate.problems() {
			add("%s", p)
		}
		if g.Class == ClassA && g.Predicate.HasWarnTier() {
			add("class A gates cannot declare a warn tier")
		}
	}
	return out
}

// EvaluateOne computes a gate's result from the bundle.
func EvaluateOne(g Gate, b *evidence.Bundle) Result {
	res := Result{
		GateID:    g.ID,
		Class:     g.Class,
		Weight:    g.Weight,
		HardBlock: g.HardBlock,
		Evidence:  append([]evidence.Key(nil), g.Requires...),
	}

	// 1. Resolve declared keys; any gap is MISSING
	var missing []string
	facts := make([]evidence.Fact, len(g.Requires))
	for i, k := range g.Requires {
		rec, ok := b.Get(k)
		switch {
		case !ok:
			missing = append(missing, fmt.Sprintf("%s: not collected", k))
		case evidence.IsMissing(rec.Fact):
			missing = append(missing, fmt.Sprintf("%s: %s", k, rec.Fact.(evidence.Missing).Reason))
		default:
			facts[i] = rec.Fact
		}
	}
	if len(missing) > 0 {
		res.Status = StatusMissing
		res.Reason = "missing evidence: " + strings.Join(missing, "; ")
		return res
	}

	// 2. Apply the predicate per key; worst status wins
	if probs := g.Predicate.problems(); len(probs) > 0 {
		res.Status = StatusBlock
		res.Reason = "invalid predicate: " + strings.Join(probs, "; ")
		return res
	}
	res.Status = StatusPass
	reasons := make([]string, 0, len(facts))
	for i, f := range facts {
		st, why := g.Predicate.apply(g.Requires[i], f)
		if severity(st) > severity(res.Status) {
			res.Status = st
		}
		reasons = append(reasons, why)
	}

	// 3. Class A has no warn tier
	if g.Class == ClassA && res.Status == StatusWarn {
		res.Status = StatusBlock
	}
	res.Reason = strings.Join(reasons, "; ")
	return res
}

// Evaluate computes every gate's result concurrently. Output order equals
// matrix order.
func Evaluate(gates []Gate, b *evidence.Bundle) []Result {
	results := make([]Result, len(gates))

	var wg sync.WaitGroup
	for i := range gates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = EvaluateOne(gates[i], b)
		}(i)
	}
	wg.Wait()
	return results
}

// RequiredKeys returns the sorted union of keys the matrix declares.
func RequiredKeys(gates []Gate) []evidence.Key {
	set := make(map[evidence.Key]bool)
	for _, g := range gates {
		for _, k := range g.Requires {
			set[k] = true
		}
	}
	out := make([]evidence.Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts tallies results by status.
func Counts(results []Result) map[Status]int {
	out := map[Status]int{StatusPass: 0, StatusWarn: 0, StatusBlock: 0, StatusMissing: 0}
	for _, r := range results {
		out[r.Status]++
	}
	return out
}
