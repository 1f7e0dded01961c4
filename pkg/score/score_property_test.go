//go:build property
// +build property

package score

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/relgate/pkg/gate"
)

var statuses = []gate.Status{gate.StatusPass, gate.StatusWarn, gate.StatusBlock, gate.StatusMissing}

func buildResults(classes []int, weights []float64, sts []int) []gate.Result {
	n := len(classes)
	if len(weights) < n {
		n = len(weights)
	}
	if len(sts) < n {
		n = len(sts)
	}
	out := make([]gate.Result, n)
	for i := 0; i < n; i++ {
		out[i] = gate.Result{
			Class:  gate.Classes[classes[i]],
			Weight: weights[i],
			Status: statuses[sts[i]],
		}
	}
	return out
}

// TestConservativeNeverExceedsStandard verifies the dual-pass ordering.
// Property: Compute(r).Conservative.Score <= Compute(r).Standard.Score
func TestConservativeNeverExceedsStandard(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("conservative score never exceeds standard", prop.ForAll(
		func(classes []int, weights []float64, sts []int, warnCredit, wa, wb float64) bool {
			p := DefaultPolicy()
			p.WarnCredit = warnCredit
			p.ClassWeights = map[gate.Class]float64{gate.ClassA: wa, gate.ClassB: wb}

			r := Compute(buildResults(classes, weights, sts), p)
			if r.Conservative.Score > r.Standard.Score || r.Gap < 0 {
				return false
			}
			for i, s := range r.Standard.Sections {
				if r.Conservative.Sections[i].Score > s.Score {
					return false
				}
			}
			return r.Conservative.MinSection <= r.Standard.MinSection
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.Float64Range(0, 10)),
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 5),
		gen.Float64Range(0, 5),
	))

	properties.Property("scores stay within 0..100", prop.ForAll(
		func(classes []int, weights []float64, sts []int) bool {
			r := Compute(buildResults(classes, weights, sts), DefaultPolicy())
			for _, rep := range []Report{r.Standard, r.Conservative} {
				if rep.Score < 0 || rep.Score > 100+1e-9 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.Float64Range(0, 10)),
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
