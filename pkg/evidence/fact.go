// Package evidence defines the typed facts a promotion run collects and the
// immutable bundle that gates are evaluated against.
//
// Evidence is append-only per run: a key is recorded exactly once. A new
// collection pass is a new run with its own run id and its own bundle.
package evidence

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Key is a stable evidence identifier such as "tests.unit" or "liveness.api".
type Key string

// LivenessKey returns the evidence key for a liveness target.
func LivenessKey(target string) Key { return Key("liveness." + target) }

// DeterminismKey returns the evidence key for a determinism check.
func DeterminismKey(check string) Key { return Key("determinism." + check) }

// Kind identifies the shape of a Fact.
type Kind string

const (
	KindTestRun     Kind = "test_run"
	KindLiveness    Kind = "liveness"
	KindHash        Kind = "hash"
	KindDeterminism Kind = "determinism"
	KindChaosDrill  Kind = "chaos_drill"
	KindMetric      Kind = "metric"
	KindMissing     Kind = "missing"
)

// Fact is a typed evidence value.
//
// Field resolves a named attribute for predicate evaluation. Numeric fields
// are returned as float64, lists as []string. Validate reports values that
// are out of range for the fact kind (negative counts, empty digests).
type Fact interface {
	Kind() Kind
	Field(name string) (any, bool)
	Validate() error
}

// TestRun is the outcome of one test-suite execution.
type TestRun struct {
	Passed     int      `json:"passed"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Total      int      `json:"total"`
	Failing    []string `json:"failing"`
	OutputHash string   `json:"output_hash,omitempty"`
}

func (t TestRun) Kind() Kind { return KindTestRun }

func (t TestRun) Field(name string) (any, bool) {
	switch name {
	case "passed":
		return float64(t.Passed), true
	case "failed":
		return float64(t.Failed), true
	case "skipped":
		return float64(t.Skipped), true
	case "total":
		return float64(t.Total), true
	case "failing":
		return append([]string(nil), t.Failing...), true
	case "pass_rate":
		if t.Total <= 0 {
			return nil, false
		}
		return float64(t.Passed) / float64(t.Total) * 100, true
	case "output_hash":
		return t.OutputHash, t.OutputHash != ""
	}
	return nil, false
}

func (t TestRun) Validate() error {
	if t.Passed < 0 || t.Failed < 0 || t.Skipped < 0 || t.Total < 0 {
		return fmt.Errorf("negative test count (passed=%d failed=%d skipped=%d total=%d)", t.Passed, t.Failed, t.Skipped, t.Total)
	}
	if t.Passed+t.Failed+t.Skipped > t.Total {
		return fmt.Errorf("counts exceed total: %d+%d+%d > %d", t.Passed, t.Failed, t.Skipped, t.Total)
	}
	if len(t.Failing) > t.Failed {
		return fmt.Errorf("%d failing identifiers for %d failures", len(t.Failing), t.Failed)
	}
	return nil
}

// LayerOutcome is the result of one liveness layer.
type LayerOutcome struct {
	Layer  int    `json:"layer"`
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Liveness is the three-layer up/down verdict for one target.
type Liveness struct {
	Target      string         `json:"target"`
	Up          bool           `json:"up"`
	FailedLayer int            `json:"failed_layer"`
	Layers      []LayerOutcome `json:"layers"`
}

func (l Liveness) Kind() Kind { return KindLiveness }

func (l Liveness) Field(name string) (any, bool) {
	switch name {
	case "up":
		return l.Up, true
	case "failed_layer":
		return float64(l.FailedLayer), true
	case "target":
		return l.Target, true
	}
	return nil, false
}

func (l Liveness) Validate() error {
	if l.FailedLayer < 0 || l.FailedLayer > 3 {
		return fmt.Errorf("failed layer %d out of range", l.FailedLayer)
	}
	if l.Up && l.FailedLayer != 0 {
		return fmt.Errorf("target %s reported up with failed layer %d", l.Target, l.FailedLayer)
	}
	if l.Up {
		// UP is only meaningful when every layer was attempted and passed.
		if len(l.Layers) != 3 {
			return fmt.Errorf("target %s reported up with %d layer outcomes", l.Target, len(l.Layers))
		}
		for _, lo := range l.Layers {
			if !lo.OK {
				return fmt.Errorf("target %s reported up but layer %d failed", l.Target, lo.Layer)
			}
		}
	}
	return nil
}

// Hash is an artifact digest.
type Hash struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
	Path      string `json:"path,omitempty"`
}

func (h Hash) Kind() Kind { return KindHash }

func (h Hash) Field(name string) (any, bool) {
	switch name {
	case "digest":
		return h.Digest, true
	case "algorithm":
		return h.Algorithm, true
	case "path":
		return h.Path, true
	}
	return nil, false
}

func (h Hash) Validate() error {
	if h.Digest == "" {
		return fmt.Errorf("empty digest")
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(h.Digest, h.Algorithm+":")); err != nil {
		return fmt.Errorf("digest is not hex: %w", err)
	}
	return nil
}

// Determinism verdict values.
const (
	Deterministic    = "DETERMINISTIC"
	NonDeterministic = "NON_DETERMINISTIC"
)

// DiffEntry is one structural difference between two runs of a check.
type DiffEntry struct {
	Field  string `json:"field"`
	First  string `json:"first"`
	Second string `json:"second"`
}

func (d DiffEntry) String() string {
	return fmt.Sprintf("%s: %q -> %q", d.Field, d.First, d.Second)
}

// Determinism is the outcome of running one check twice.
type Determinism struct {
	Check   string      `json:"check"`
	Verdict string      `json:"verdict"`
	First   TestRun     `json:"first"`
	Second  TestRun     `json:"second"`
	Diff    []DiffEntry `json:"diff"`
}

func (d Determinism) Kind() Kind { return KindDeterminism }

func (d Determinism) Field(name string) (any, bool) {
	switch name {
	case "verdict":
		return d.Verdict, true
	case "deterministic":
		return d.Verdict == Deterministic, true
	case "diff":
		out := make([]string, 0, len(d.Diff))
		for _, e := range d.Diff {
			out = append(out, e.String())
		}
		return out, true
	}
	return nil, false
}

func (d Determinism) Validate() error {
	switch d.Verdict {
	case Deterministic:
		if len(d.Diff) != 0 {
			return fmt.Errorf("deterministic verdict carries %d differences", len(d.Diff))
		}
	case NonDeterministic:
		if len(d.Diff) == 0 {
			return fmt.Errorf("non-deterministic verdict without a diff")
		}
	default:
		return fmt.Errorf("unknown determinism verdict %q", d.Verdict)
	}
	return nil
}

// ChaosDrill is the outcome of a failure-injection drill against the stack.
type ChaosDrill struct {
	Scenario    string `json:"scenario"`
	Passed      bool   `json:"passed"`
	Recovered   bool   `json:"recovered"`
	DeadLetters int    `json:"dead_letters"`
	DurationMs  int64  `json:"duration_ms"`
}

func (c ChaosDrill) Kind() Kind { return KindChaosDrill }

func (c ChaosDrill) Field(name string) (any, bool) {
	switch name {
	case "passed":
		return c.Passed, true
	case "recovered":
		return c.Recovered, true
	case "dead_letters":
		return float64(c.DeadLetters), true
	case "duration_ms":
		return float64(c.DurationMs), true
	case "scenario":
		return c.Scenario, true
	}
	return nil, false
}

func (c ChaosDrill) Validate() error {
	if c.DeadLetters < 0 {
		return fmt.Errorf("negative dead letter count %d", c.DeadLetters)
	}
	if c.DurationMs < 0 {
		return fmt.Errorf("negative drill duration %d", c.DurationMs)
	}
	return nil
}

// Metric is a named numeric measurement such as coverage percent.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

func (m Metric) Kind() Kind { return KindMetric }

func (m Metric) Field(name string) (any, bool) {
	switch name {
	case "value":
		return m.Value, true
	case "name":
		return m.Name, true
	}
	return nil, false
}

func (m Metric) Validate() error { return nil }

// Missing marks a key that was declared but never observed.
type Missing struct {
	Reason string `json:"reason"`
}

func (m Missing) Kind() Kind { return KindMissing }

func (m Missing) Field(string) (any, bool) { return nil, false }

func (m Missing) Validate() error { return nil }

// IsMissing reports whether f is absent or a Missing marker.
func IsMissing(f Fact) bool {
	if f == nil {
		return true
	}
	return f.Kind() == KindMissing
}
