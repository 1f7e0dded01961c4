// Package decision is the final arbiter of a promotion run.
//
// Decide is a pure function: it performs no I/O and reads no clock. It
// checks every promotion condition and returns all violations, not only the
// first:
//
//	(a) every required liveness target is UP
//	(b) every determinism check is DETERMINISTIC
//	(c) no class-A or hard_block gate is BLOCK or MISSING
//	(d) standard score >= score_threshold
//	(e) conservative score >= score_threshold
//	(f) gap <= max_gap
//	(g) conservative minimum section >= section_floor
package decision

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/candidate"
	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/gate"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/score"
)

// Verdict is the promotion outcome.
type Verdict string

const (
	Promote Verdict = "PROMOTE"
	Block   Verdict = "BLOCK"
)

// Unverified marks a determinism check that did not reach a verdict.
const Unverified = "UNVERIFIED"

// Thresholds are the global promotion limits.
type Thresholds struct {
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`
	MaxGap         float64 `yaml:"max_gap" json:"max_gap"`
	SectionFloor   float64 `yaml:"section_floor" json:"section_floor"`
}

// Problems reports thresholds outside [0, 100].
func (t Thresholds) Problems() []string {
	var out []string
	check := func(name string, v float64) {
		if math.IsNaN(v) || v < 0 || v > 100 {
			out = append(out, fmt.Sprintf("thresholds.%s %v must be within [0, 100]", name, v))
		}
	}
	check("score_threshold", t.ScoreThreshold)
	check("max_gap", t.MaxGap)
	check("section_floor", t.SectionFloor)
	return out
}

// DeterminismVerdict is the outcome of one determinism check.
type DeterminismVerdict struct {
	Check   string               `json:"check"`
	Verdict string               `json:"verdict"`
	Diff    []evidence.DiffEntry `json:"diff,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// DeterminismVerdicts extracts the determinism.<check> verdicts for checks
// from a bundle. A check whose key is absent or MISSING is Unverified.
func DeterminismVerdicts(b *evidence.Bundle, checks []string) []DeterminismVerdict {
	out := make([]DeterminismVerdict, 0, len(checks))
	for _, name := range checks {
		v := DeterminismVerdict{Check: name, Verdict: Unverified}
		rec, ok := b.Get(evidence.DeterminismKey(name))
		switch {
		case !ok:
			v.Reason = "no determinism evidence recorded"
		case evidence.IsMissing(rec.Fact):
			v.Reason = rec.Fact.(evidence.Missing).Reason
		default:
			d, isDet := rec.Fact.(evidence.Determinism)
			if !isDet {
				v.Reason = fmt.Sprintf("unexpected %s evidence", rec.Fact.Kind())
				break
			}
			if err := d.Validate(); err != nil {
				v.Reason = "malformed determinism evidence: " + err.Error()
				break
			}
			v.Verdict = d.Verdict
			v.Diff = d.Diff
		}
		out = append(out, v)
	}
	return out
}

// Inputs is everything the decision depends on.
type Inputs struct {
	RunID           string
	Candidate       candidate.Candidate
	RequiredTargets []string
	Liveness        liveness.Report
	Determinism     []DeterminismVerdict
	Gates           []gate.Result
	Scores          score.Result
	Thresholds      Thresholds
	DecidedAt       time.Time
}

// Violation is one unmet promotion condition.
type Violation struct {
	Condition string `json:"condition"`
	Code      string `json:"code"`
	Family    Family `json:"family"`
	Subject   string `json:"subject,omitempty"`
	Message   string `json:"message"`
}

// Decision is the immutable outcome of a run.
type Decision struct {
	RunID       string               `json:"run_id"`
	Candidate   candidate.Candidate  `json:"candidate"`
	Verdict     Verdict              `json:"verdict"`
	Violations  []Violation          `json:"violations"`
	Liveness    []liveness.Result    `json:"liveness"`
	Determinism []DeterminismVerdict `json:"determinism"`
	Gates       []gate.Result        `json:"gates"`
	Scores      score.Result         `json:"scores"`
	Thresholds  Thresholds           `json:"thresholds"`
	DecidedAt   time.Time            `json:"decided_at"`
}

// Promoted reports whether the candidate may be promoted.
func (d Decision) Promoted() bool { return d.Verdict == Promote }

// Families returns the violated families, ordered by exit status.
func (d Decision) Families() []Family {
	seen := make(map[Family]bool)
	var out []Family
	for _, v := range d.Violations {
		if !seen[v.Family] {
			seen[v.Family] = true
			out = append(out, v.Family)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitCode() < out[j].ExitCode() })
	return out
}

// ExitCode returns 0 for PROMOTE, otherwise the exit status of the
// highest-precedence violated family.
func (d Decision) ExitCode() int {
	if d.Verdict == Promote {
		return ExitPromote
	}
	fams := d.Families()
	if len(fams) == 0 {
		return ExitError
	}
	return fams[0].ExitCode()
}

// Decide evaluates every promotion condition.
func Decide(in Inputs) Decision {
	var vs []Violation
	add := func(cond, code, subject, format string, args ...any) {
		vs = append(vs, Violation{
			Condition: cond,
			Code:      code,
			Family:    FamilyOf(code),
			Subject:   subject,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	// (a) Liveness
	reported := make(map[string]bool, len(in.Liveness.Results))
	for _, r := range in.Liveness.Results {
		reported[r.Target] = true
		if r.Required && !r.Up {
			add("a", ReasonLivenessDown, r.Target, "required target %s DOWN at layer %d (%s): %s",
				r.Target, int(r.FailedLayer), r.FailedLayer, failedDetail(r))
		}
	}
	for _, t := range in.RequiredTargets {
		if !reported[t] {
			add("a", ReasonLivenessEvidenceMissing, t, "required target %s has no liveness result", t)
		}
	}

	// (b) Determinism
	if len(in.Determinism) == 0 {
		add("b", ReasonDeterminismUnverified, "", "no determinism check reached a verdict")
	}
	for _, d := range in.Determinism {
		switch d.Verdict {
		case evidence.Deterministic:
		case evidence.NonDeterministic:
			add("b", ReasonNonDeterministic, d.Check, "check %s is not deterministic: %s", d.Check, diffSummary(d.Diff))
		default:
			add("b", ReasonDeterminismUnverified, d.Check, "check %s unverified: %s", d.Check, d.Reason)
		}
	}

	// (c) Gates
	for _, g := range in.Gates {
		switch {
		case g.Class == gate.ClassA && g.Status == gate.StatusBlock:
			add("c", ReasonClassABlock, g.GateID, "class A gate %s BLOCK: %s", g.GateID, g.Reason)
		case g.Class == gate.ClassA && g.Status == gate.StatusMissing:
			add("c", ReasonClassAMissing, g.GateID, "class A gate %s MISSING: %s", g.GateID, g.Reason)
		case g.HardBlock && g.Status == gate.StatusBlock:
			add("c", ReasonHardBlockGate, g.GateID, "hard-block gate %s BLOCK: %s", g.GateID, g.Reason)
		case g.HardBlock && g.Status == gate.StatusMissing:
			add("c", ReasonHardBlockGateMissing, g.GateID, "hard-block gate %s MISSING: %s", g.GateID, g.Reason)
		}
	}

	// (d)-(g) Scores
	t := in.Thresholds
	std, cons := in.Scores.Standard, in.Scores.Conservative
	if std.Score < t.ScoreThreshold {
		add("d", ReasonStandardBelowThreshold, string(score.ModeStandard), "standard score %s below threshold %s", num(std.Score), num(t.ScoreThreshold))
	}
	if cons.Score < t.ScoreThreshold {
		add("e", ReasonConservativeBelowThreshold, string(score.ModeConservative), "conservative score %s below threshold %s", num(cons.Score), num(t.ScoreThreshold))
	}
	if in.Scores.Gap > t.MaxGap {
		add("f", ReasonGapExceeded, "", "inter-pass gap %s exceeds maximum %s", num(in.Scores.Gap), num(t.MaxGap))
	}
	if cons.MinClass != "" && cons.MinSection < t.SectionFloor {
		add("g", ReasonSectionBelowFloor, string(cons.MinClass), "conservative section %s scored %s, below floor %s", cons.MinClass, num(cons.MinSection), num(t.SectionFloor))
	}

	d := Decision{
		RunID:       in.RunID,
		Candidate:   in.Candidate,
		Verdict:     Promote,
		Violations:  vs,
		Liveness:    append([]liveness.Result(nil), in.Liveness.Results...),
		Determinism: append([]DeterminismVerdict(nil), in.Determinism...),
		Gates:       append([]gate.Result(nil), in.Gates...),
		Scores:      in.Scores,
		Thresholds:  in.Thresholds,
		DecidedAt:   in.DecidedAt.UTC(),
	}
	if len(vs) > 0 {
		d.Verdict = Block
	} else {
		d.Violations = []Violation{}
	}
	return d
}

func failedDetail(r liveness.Result) string {
	for _, l := range r.Layers {
		if !l.OK {
			return l.Detail
		}
	}
	return "no layer outcome"
}

func diffSummary(diff []evidence.DiffEntry) string {
	if len(diff) == 0 {
		return "no diff recorded"
	}
	s := ""
	for i, e := range diff {
		if i > 0 {
			s += "; "
		}
		s += e.String()
	}
	return s
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
