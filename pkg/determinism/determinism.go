// Package determinism runs a reproducibility-sensitive check twice and
// compares the two outcomes structurally.
package determinism

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/testrun"
)

// Check is a repeatable check whose outcome is a test run.
type Check interface {
	Name() string
	Run(ctx context.Context) (evidence.TestRun, error)
}

// CommandCheck runs a command emitting `go test -json` output.
type CommandCheck struct {
	CheckName string
	Command   testrun.Command
}

func (c CommandCheck) Name() string { return c.CheckName }

func (c CommandCheck) Run(ctx context.Context) (evidence.TestRun, error) {
	return testrun.Run(ctx, c.Command)
}

// FuncCheck adapts an in-process function.
type FuncCheck struct {
	CheckName string
	Fn        func(ctx context.Context) (evidence.TestRun, error)
}

func (f FuncCheck) Name() string { return f.CheckName }

func (f FuncCheck) Run(ctx context.Context) (evidence.TestRun, error) {
	if f.Fn == nil {
		return evidence.TestRun{}, errors.New("nil check function")
	}
	return f.Fn(ctx)
}

// Verifier executes checks twice.
type Verifier struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewVerifier creates a verifier bounding each run by timeout.
func NewVerifier(timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Verifier{
		timeout: timeout,
		logger:  slog.Default().With("component", "determinism"),
	}
}

// Verify runs check twice. Run 2 starts only after run 1 has completed. An
// error from either run means no verdict could be reached.
func (v *Verifier) Verify(ctx context.Context, check Check) (evidence.Determinism, error) {
	first, err := v.runOnce(ctx, check, 1)
	if err != nil {
		return evidence.Determinism{}, err
	}
	second, err := v.runOnce(ctx, check, 2)
	if err != nil {
		return evidence.Determinism{}, err
	}

	out := evidence.Determinism{
		Check:  check.Name(),
		First:  first,
		Second: second,
		Diff:   Compare(first, second),
	}
	if len(out.Diff) == 0 {
		out.Verdict = evidence.Deterministic
	} else {
		out.Verdict = evidence.NonDeterministic
		v.logger.WarnContext(ctx, "check is not deterministic", "check", check.Name(), "differences", len(out.Diff))
	}
	return out, nil
}

type outcome struct {
	run evidence.TestRun
	err error
}

// runOnce returns when the run finishes or its deadline passes, whichever is
// first. An overrun is an error even if the check later completes.
func (v *Verifier) runOnce(ctx context.Context, check Check, n int) (evidence.TestRun, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panicked: %v", r)}
			}
		}()
		run, err := check.Run(ctx)
		ch <- outcome{run: run, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		return evidence.TestRun{}, fmt.Errorf("%s run %d did not finish within %s: %w", check.Name(), n, v.timeout, ctx.Err())
	}
	if out.err != nil {
		return evidence.TestRun{}, fmt.Errorf("%s run %d: %w", check.Name(), n, out.err)
	}
	if err := out.run.Validate(); err != nil {
		return evidence.TestRun{}, fmt.Errorf("%s run %d: malformed outcome: %w", check.Name(), n, err)
	}
	return out.run, nil
}

// Records verifies every check and returns determinism.<name> evidence.
// A check that could not be run twice is recorded as MISSING.
func (v *Verifier) Records(ctx context.Context, checks []Check, at time.Time) []evidence.Record {
	out := make([]evidence.Record, 0, len(checks))
	for _, c := range checks {
		rec := evidence.Record{Key: evidence.DeterminismKey(c.Name()), Source: "determinism", CollectedAt: at.UTC()}
		d, err := v.Verify(ctx, c)
		if err != nil {
			v.logger.WarnContext(ctx, "determinism check produced no verdict", "check", c.Name(), "error", err)
			rec.Fact = evidence.Missing{Reason: err.Error()}
		} else {
			rec.Fact = d
		}
		out = append(out, rec)
	}
	return out
}

// Compare returns the structural differences between two outcomes: count
// deltas, failing identifiers present in only one run, reordering of the
// failing list, and output hash mismatch.
func Compare(a, b evidence.TestRun) []evidence.DiffEntry {
	var diff []evidence.DiffEntry
	counts := []struct {
		field string
		x, y  int
	}{
		{"passed", a.Passed, b.Passed},
		{"failed", a.Failed, b.Failed},
		{"skipped", a.Skipped, b.Skipped},
		{"total", a.Total, b.Total},
	}
	for _, c := range counts {
		if c.x != c.y {
			diff = append(diff, evidence.DiffEntry{Field: c.field, First: strconv.Itoa(c.x), Second: strconv.Itoa(c.y)})
		}
	}

	inA := make(map[string]bool, len(a.Failing))
	for _, id := range a.Failing {
		inA[id] = true
	}
	inB := make(map[string]bool, len(b.Failing))
	for _, id := range b.Failing {
		inB[id] = true
	}
	for _, id := range a.Failing {
		if !inB[id] {
			diff = append(diff, evidence.DiffEntry{Field: "failing", First: id})
		}
	}
	for _, id := range b.Failing {
		if !inA[id] {
			diff = append(diff, evidence.DiffEntry{Field: "failing", Second: id})
		}
	}
	if len(a.Failing) == len(b.Failing) && sameSet(inA, inB) {
		for i := range a.Failing {
			if a.Failing[i] != b.Failing[i] {
				diff = append(diff, evidence.DiffEntry{Field: "failing.order", First: a.Failing[i], Second: b.Failing[i]})
				break
			}
		}
	}

	if a.OutputHash != b.OutputHash {
		diff = append(diff, evidence.DiffEntry{Field: "output_hash", First: a.OutputHash, Second: b.OutputHash})
	}
	return diff
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
