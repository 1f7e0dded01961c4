package record

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/relgate/pkg/gate"
)

// Changes lists what differs between two decision documents.
type Changes struct {
	PrevRun string `json:"prev_run"`
	NextRun string `json:"next_run"`

	VerdictFrom string `json:"verdict_from"`
	VerdictTo   string `json:"verdict_to"`

	Gates          []GateChange  `json:"gates"`
	Scores         []ScoreChange `json:"scores"`
	ViolationsGone []string      `json:"violations_resolved"`
	ViolationsNew  []string      `json:"violations_introduced"`
}

// GateChange is a gate whose status differs. An empty status means the
// gate is absent from that run.
type GateChange struct {
	GateID string      `json:"gate_id"`
	From   gate.Status `json:"from"`
	To     gate.Status `json:"to"`
}

// ScoreChange is a score value that moved.
type ScoreChange struct {
	Name string  `json:"name"`
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Empty reports whether the two runs decided identically.
func (c Changes) Empty() bool {
	return c.VerdictFrom == c.VerdictTo && len(c.Gates) == 0 && len(c.Scores) == 0 &&
		len(c.ViolationsGone) == 0 && len(c.ViolationsNew) == 0
}

// Diff compares prev against next.
func Diff(prev, next Document) Changes {
	c := Changes{
		PrevRun:        prev.RunID,
		NextRun:        next.RunID,
		VerdictFrom:    string(prev.Verdict),
		VerdictTo:      string(next.Verdict),
		Gates:          []GateChange{},
		Scores:         []ScoreChange{},
		ViolationsGone: []string{},
		ViolationsNew:  []string{},
	}

	// Gates, in next's order followed by gates only prev had.
	before := make(map[string]gate.Status, len(prev.Gates))
	for _, g := range prev.Gates {
		before[g.GateID] = g.Status
	}
	seen := make(map[string]bool, len(next.Gates))
	for _, g := range next.Gates {
		seen[g.GateID] = true
		if from := before[g.GateID]; from != g.Status {
			c.Gates = append(c.Gates, GateChange{GateID: g.GateID, From: from, To: g.Status})
		}
	}
	for _, g := range prev.Gates {
		if !seen[g.GateID] {
			c.Gates = append(c.Gates, GateChange{GateID: g.GateID, From: g.Status})
		}
	}

	score := func(name string, from, to float64) {
		if from != to {
			c.Scores = append(c.Scores, ScoreChange{Name: name, From: from, To: to})
		}
	}
	score("standard", prev.Scores.Standard.Score, next.Scores.Standard.Score)
	score("conservative", prev.Scores.Conservative.Score, next.Scores.Conservative.Score)
	score("gap", prev.Scores.Gap, next.Scores.Gap)
	score("min_section", prev.Scores.Conservative.MinSection, next.Scores.Conservative.MinSection)

	prevV, nextV := violationSet(prev), violationSet(next)
	for v := range prevV {
		if !nextV[v] {
			c.ViolationsGone = append(c.ViolationsGone, v)
		}
	}
	for v := range nextV {
		if !prevV[v] {
			c.ViolationsNew = append(c.ViolationsNew, v)
		}
	}
	sort.Strings(c.ViolationsGone)
	sort.Strings(c.ViolationsNew)
	return c
}

func violationSet(d Document) map[string]bool {
	out := make(map[string]bool, len(d.Violations))
	for _, v := range d.Violations {
		id := v.Code
		if v.Subject != "" {
			id += " " + v.Subject
		}
		out[id] = true
	}
	return out
}

// String renders the changes one per line.
func (c Changes) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s\n", c.PrevRun, c.NextRun)
	if c.VerdictFrom != c.VerdictTo {
		fmt.Fprintf(&b, "verdict: %s -> %s\n", c.VerdictFrom, c.VerdictTo)
	} else {
		fmt.Fprintf(&b, "verdict: %s (unchanged)\n", c.VerdictTo)
	}
	for _, g := range c.Gates {
		fmt.Fprintf(&b, "gate %s: %s -> %s\n", g.GateID, orNone(string(g.From)), orNone(string(g.To)))
	}
	for _, s := range c.Scores {
		fmt.Fprintf(&b, "score %s: %g -> %g\n", s.Name, s.From, s.To)
	}
	for _, v := range c.ViolationsGone {
		fmt.Fprintf(&b, "resolved: %s\n", v)
	}
	for _, v := range c.ViolationsNew {
		fmt.Fprintf(&b, "introduced: %s\n", v)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(absent)"
	}
	return s
}
