package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/relgate/pkg/gate"
)

func res(id string, c gate.Class, w float64, s gate.Status) gate.Result {
	return gate.Result{GateID: id, Class: c, Weight: w, Status: s}
}

func TestCompute_DeadLettersWarnDiluted(t *testing.T) {
	p := DefaultPolicy()
	p.ClassWeights = map[gate.Class]float64{gate.ClassA: 3, gate.ClassB: 1}

	results := []gate.Result{
		res("tests_pass", gate.ClassA, 1, gate.StatusPass),
		res("dead_letters", gate.ClassB, 1, gate.StatusWarn),
		res("latency", gate.ClassB, 9, gate.StatusPass),
	}
	r := Compute(results, p)

	assert.InDelta(t, 98.75, r.Standard.Score, 1e-9)
	assert.InDelta(t, 97.5, r.Conservative.Score, 1e-9)
	assert.InDelta(t, 1.25, r.Gap, 1e-9)
	assert.Equal(t, gate.ClassB, r.Conservative.MinClass)
	assert.InDelta(t, 90.0, r.Conservative.MinSection, 1e-9)
}

func TestCompute_DeadLettersWarnAlone(t *testing.T) {
	p := DefaultPolicy()
	p.ClassWeights = map[gate.Class]float64{gate.ClassA: 3, gate.ClassB: 1}

	r := Compute([]gate.Result{
		res("tests_pass", gate.ClassA, 1, gate.StatusPass),
		res("dead_letters", gate.ClassB, 1, gate.StatusWarn),
	}, p)

	assert.InDelta(t, 87.5, r.Standard.Score, 1e-9)
	assert.InDelta(t, 75.0, r.Conservative.Score, 1e-9)
	assert.InDelta(t, 12.5, r.Gap, 1e-9)
	assert.InDelta(t, 0.0, r.Conservative.MinSection, 1e-9)
}

func TestCompute_MissingSeverity(t *testing.T) {
	results := []gate.Result{
		res("a", gate.ClassA, 1, gate.StatusMissing),
		res("b", gate.ClassB, 1, gate.StatusMissing),
	}

	r := Compute(results, DefaultPolicy())
	a, _ := r.Standard.Section(gate.ClassA)
	b, _ := r.Standard.Section(gate.ClassB)
	assert.InDelta(t, 0.0, a.Score, 1e-9, "class A MISSING earns nothing")
	assert.InDelta(t, 50.0, b.Score, 1e-9, "class B MISSING is credited as WARN")

	p := DefaultPolicy()
	p.MissingSeverity[gate.ClassB] = MissingBlock
	r = Compute(results, p)
	b, _ = r.Standard.Section(gate.ClassB)
	assert.InDelta(t, 0.0, b.Score, 1e-9)

	b, _ = Compute(results, DefaultPolicy()).Conservative.Section(gate.ClassB)
	assert.InDelta(t, 0.0, b.Score, 1e-9, "conservative always deducts MISSING")
}

func TestCompute_ClassCInformational(t *testing.T) {
	r := Compute([]gate.Result{
		res("a", gate.ClassA, 1, gate.StatusPass),
		res("docs", gate.ClassC, 1, gate.StatusBlock),
	}, DefaultPolicy())

	assert.InDelta(t, 100.0, r.Standard.Score, 1e-9)
	assert.Equal(t, gate.ClassA, r.Standard.MinClass)
	c, ok := r.Standard.Section(gate.ClassC)
	require.True(t, ok)
	assert.True(t, c.Scored)
	assert.False(t, c.Counted)
}

func TestCompute_EmptyAndZeroWeight(t *testing.T) {
	r := Compute(nil, DefaultPolicy())
	assert.Zero(t, r.Standard.Score)
	assert.Empty(t, r.Standard.MinClass)

	r = Compute([]gate.Result{res("a", gate.ClassA, 0, gate.StatusPass)}, DefaultPolicy())
	a, _ := r.Standard.Section(gate.ClassA)
	assert.False(t, a.Scored)
}

func TestPolicyProblems(t *testing.T) {
	require.Empty(t, DefaultPolicy().Problems())

	bad := Policy{
		WarnCredit:      1.5,
		ClassWeights:    map[gate.Class]float64{gate.ClassA: 0},
		MissingSeverity: map[gate.Class]MissingSeverity{gate.ClassA: MissingWarn, gate.ClassB: "maybe"},
	}
	probs := bad.Problems()
	assert.Len(t, probs, 4)
}

func TestCompute_ConservativeNeverExceedsStandardExhaustive(t *testing.T) {
	allStatuses := []gate.Status{gate.StatusPass, gate.StatusWarn, gate.StatusBlock, gate.StatusMissing}
	weightSets := [][3]float64{{1, 1, 1}, {3, 0.5, 0}, {0, 2.5, 7}}
	strict := DefaultPolicy()
	strict.MissingSeverity = map[gate.Class]MissingSeverity{gate.ClassB: MissingBlock, gate.ClassC: MissingWarn}
	strict.ClassWeights = map[gate.Class]float64{gate.ClassA: 3, gate.ClassB: 1, gate.ClassC: 1}

	// Every class and status for three gates, under each weight set and policy.
	combos := 0
	for _, p := range []Policy{DefaultPolicy(), strict} {
		for _, w := range weightSets {
			for i := 0; i < 12*12*12; i++ {
				results := make([]gate.Result, 3)
				for g, n := 0, i; g < 3; g, n = g+1, n/12 {
					results[g] = res("g", gate.Classes[n%12/4], w[g], allStatuses[n%4])
				}
				r := Compute(results, p)
				require.LessOrEqual(t, r.Conservative.Score, r.Standard.Score+1e-9, "%+v", results)
				require.GreaterOrEqual(t, r.Gap, 0.0)
				require.True(t, r.Standard.Score >= 0 && r.Standard.Score <= 100, "%+v", results)
				combos++
			}
		}
	}
	require.Equal(t, 2*3*1728, combos)
}
