// Package score computes the standard and conservative interpretations of a
// gate result set.
//
// Both passes share weights and differ only in the credit they grant:
//
//	status   standard                          conservative
//	PASS     1                                 1
//	WARN     warn_credit                       0
//	MISSING  A: 0, B/C: warn_credit or 0       0
//	BLOCK    0                                 0
//
// A section is one class. Its score is the weighted credit over the weighted
// total, scaled to 0..100. The run score is the class-weighted average of
// the scored sections; classes with zero class weight are reported but do
// not count toward the total or the section minimum.
package score

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/relgate/pkg/gate"
)

// Mode names a scoring pass.
type Mode string

const (
	ModeStandard     Mode = "standard"
	ModeConservative Mode = "conservative"
)

// MissingSeverity controls how MISSING is credited in the standard pass.
type MissingSeverity string

const (
	MissingWarn  MissingSeverity = "warn"
	MissingBlock MissingSeverity = "block"
)

// Policy holds the scoring parameters.
type Policy struct {
	WarnCredit      float64                        `yaml:"warn_credit" json:"warn_credit"`
	ClassWeights    map[gate.Class]float64         `yaml:"class_weights" json:"class_weights"`
	MissingSeverity map[gate.Class]MissingSeverity `yaml:"missing_severity" json:"missing_severity"`
}

// DefaultPolicy returns half credit for WARN, equal A/B class weights,
// informational C, and MISSING-as-WARN for B and C.
func DefaultPolicy() Policy {
	return Policy{
		WarnCredit:   0.5,
		ClassWeights: map[gate.Class]float64{gate.ClassA: 1, gate.ClassB: 1, gate.ClassC: 0},
		MissingSeverity: map[gate.Class]MissingSeverity{
			gate.ClassB: MissingWarn,
			gate.ClassC: MissingWarn,
		},
	}
}

// Problems reports invalid policy values.
func (p Policy) Problems() []string {
	var out []string
	if p.WarnCredit < 0 || p.WarnCredit > 1 || math.IsNaN(p.WarnCredit) {
		out = append(out, fmt.Sprintf("scoring.warn_credit %v must be within [0, 1]", p.WarnCredit))
	}
	positive := false
	for c, w := range p.ClassWeights {
		if !c.Valid() {
			out = append(out, fmt.Sprintf("scoring.class_weights: unknown class %q", c))
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			out = append(out, fmt.Sprintf("scoring.class_weights.%s %v must be a non-negative number", c, w))
		}
		if w > 0 {
			positive = true
		}
	}
	if !positive {
		out = append(out, "scoring.class_weights: at least one class needs a positive weight")
	}
	for c, s := range p.MissingSeverity {
		if c == gate.ClassA {
			out = append(out, "scoring.missing_severity.A: class A MISSING is always BLOCK")
			continue
		}
		if !c.Valid() {
			out = append(out, fmt.Sprintf("scoring.missing_severity: unknown class %q", c))
		}
		if s != MissingWarn && s != MissingBlock {
			out = append(out, fmt.Sprintf("scoring.missing_severity.%s %q must be warn or block", c, s))
		}
	}
	return out
}

// Credit returns the credit a status earns for a class in a pass.
func (p Policy) Credit(mode Mode, class gate.Class, status gate.Status) float64 {
	switch status {
	case gate.StatusPass:
		return 1
	case gate.StatusWarn:
		if mode == ModeStandard {
			return p.WarnCredit
		}
	case gate.StatusMissing:
		if mode == ModeStandard && class != gate.ClassA && p.severity(class) == MissingWarn {
			return p.WarnCredit
		}
	}
	return 0
}

func (p Policy) severity(c gate.Class) MissingSeverity {
	if s, ok := p.MissingSeverity[c]; ok {
		return s
	}
	return MissingWarn
}

// Section is one class's score within a pass. Scored is false when the
// section has no weight to score against; Counted marks sections that
// contribute to the total and the minimum.
type Section struct {
	Class       gate.Class `json:"class"`
	ClassWeight float64    `json:"class_weight"`
	Gates       int        `json:"gates"`
	Score       float64    `json:"score"`
	Scored      bool       `json:"scored"`
	Counted     bool       `json:"counted"`
}

// Report is one pass over a result set.
type Report struct {
	Mode       Mode       `json:"mode"`
	Score      float64    `json:"score"`
	Sections   []Section  `json:"sections"`
	MinSection float64    `json:"min_section"`
	MinClass   gate.Class `json:"min_class,omitempty"`
}

// Result holds both passes and their gap.
type Result struct {
	Standard     Report  `json:"standard"`
	Conservative Report  `json:"conservative"`
	Gap          float64 `json:"gap"`
}

// Compute scores results under both passes.
func Compute(results []gate.Result, p Policy) Result {
	std := pass(results, p, ModeStandard)
	cons := pass(results, p, ModeConservative)
	return Result{
		Standard:     std,
		Conservative: cons,
		Gap:          math.Max(0, std.Score-cons.Score),
	}
}

func pass(results []gate.Result, p Policy, mode Mode) Report {
	rep := Report{Mode: mode}

	var totalWeighted, totalClassWeight float64
	haveMin := false
	for _, class := range gate.Classes {
		sec := Section{Class: class, ClassWeight: p.ClassWeights[class]}
		var earned, possible float64
		for _, r := range results {
			if r.Class != class {
				continue
			}
			sec.Gates++
			earned += r.Weight * p.Credit(mode, class, r.Status)
			possible += r.Weight
		}
		if possible > 0 {
			sec.Scored = true
			sec.Score = earned / possible * 100
		}
		sec.Counted = sec.Scored && sec.ClassWeight > 0
		if sec.Counted {
			totalWeighted += sec.ClassWeight * sec.Score
			totalClassWeight += sec.ClassWeight
			if !haveMin || sec.Score < rep.MinSection {
				rep.MinSection = sec.Score
				rep.MinClass = class
				haveMin = true
			}
		}
		rep.Sections = append(rep.Sections, sec)
	}
	if totalClassWeight > 0 {
		rep.Score = totalWeighted / totalClassWeight
	}
	return rep
}

// Section returns the section for class.
func (r Report) Section(class gate.Class) (Section, bool) {
	for _, s := range r.Sections {
		if s.Class == class {
			return s, true
		}
	}
	return Section{}, false
}
