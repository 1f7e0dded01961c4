// Package collector runs evidence probes and assembles one sealed bundle per
// run.
//
// Probes run concurrently unless they declare themselves exclusive, in which
// case they serialize on the injected stack handle. Every key a probe
// declares ends up in the bundle: keys the probe could not produce are
// recorded as MISSING with the reason, so gates can tell "checked and
// failed" from "never checked".
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/stack"
)

// ErrUnavailable is returned by a probe that cannot produce evidence.
var ErrUnavailable = errors.New("probe unavailable")

// Probe produces typed facts for the keys it declares.
type Probe interface {
	Name() string
	Keys() []evidence.Key
	// Exclusive reports whether the probe touches shared stack state.
	// An exclusive probe that overruns its timeout is recorded as MISSING
	// but keeps the stack until its Collect returns.
	Exclusive() bool
	Collect(ctx context.Context) ([]evidence.Record, error)
}

// TimeoutProbe lets a probe override the collector's default timeout.
type TimeoutProbe interface {
	Timeout() time.Duration
}

// Collector runs probes for a run.
type Collector struct {
	stack   *stack.Handle
	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

// New creates a collector. Exclusive probes need a non-nil handle.
func New(h *stack.Handle, timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Collector{
		stack:   h,
		timeout: timeout,
		clock:   time.Now,
		logger:  slog.Default().With("component", "collector"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Collector) WithClock(clock func() time.Time) *Collector {
	c.clock = clock
	return c
}

// Validate checks that probes declare disjoint, non-empty key sets.
func Validate(probes []Probe) error {
	owner := make(map[evidence.Key]string)
	for _, p := range probes {
		if p == nil {
			return errors.New("nil probe")
		}
		keys := p.Keys()
		if len(keys) == 0 {
			return fmt.Errorf("probe %s declares no evidence keys", p.Name())
		}
		for _, k := range keys {
			if k == "" {
				return fmt.Errorf("probe %s declares an empty key", p.Name())
			}
			if prev, ok := owner[k]; ok {
				return fmt.Errorf("evidence key %s declared by both %s and %s", k, prev, p.Name())
			}
			owner[k] = p.Name()
		}
	}
	return nil
}

type probeOutput struct {
	probe   Probe
	records []evidence.Record
	err     error
}

// Collect runs every probe and returns the sealed bundle. The only error is
// an invalid probe set; probe failures become MISSING evidence.
func (c *Collector) Collect(ctx context.Context, runID string, probes []Probe) (*evidence.Bundle, error) {
	if err := Validate(probes); err != nil {
		return nil, err
	}
	for _, p := range probes {
		if p.Exclusive() && c.stack == nil {
			return nil, fmt.Errorf("probe %s is exclusive but no stack handle is configured", p.Name())
		}
	}

	ch := make(chan probeOutput, len(probes))
	for _, p := range probes {
		go func(p Probe) {
			recs, err := c.run(ctx, p)
			ch <- probeOutput{probe: p, records: recs, err: err}
		}(p)
	}

	b := evidence.NewBuilder(runID).WithClock(c.clock)
	for range probes {
		out := <-ch
		c.record(b, out)
	}
	return b.Seal(), nil
}

func (c *Collector) run(ctx context.Context, p Probe) ([]evidence.Record, error) {
	timeout := c.timeout
	if tp, ok := p.(TimeoutProbe); ok && tp.Timeout() > 0 {
		timeout = tp.Timeout()
	}

	if !p.Exclusive() {
		return bounded(ctx, timeout, p.Collect, nil)
	}

	// The slot stays held until Collect returns, including after a timeout.
	actx, cancel := context.WithTimeout(ctx, timeout)
	release, err := c.stack.Acquire(actx)
	cancel()
	if err != nil {
		return nil, err
	}
	return bounded(ctx, timeout, p.Collect, release)
}

// bounded runs fn under timeout. It returns when the deadline passes even if
// fn ignores its context, and converts panics into errors. done, if set, runs
// once fn has returned.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) ([]evidence.Record, error), done func()) ([]evidence.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan probeOutput, 1)
	go func() {
		if done != nil {
			defer done()
		}
		defer func() {
			if r := recover(); r != nil {
				ch <- probeOutput{err: fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		recs, err := fn(ctx)
		ch <- probeOutput{records: recs, err: err}
	}()

	select {
	case out := <-ch:
		return out.records, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("probe timed out after %s: %w", timeout, ctx.Err())
	}
}

func (c *Collector) record(b *evidence.Builder, out probeOutput) {
	name := out.probe.Name()
	declared := make(map[evidence.Key]bool)
	for _, k := range out.probe.Keys() {
		declared[k] = true
	}

	if out.err != nil {
		level := slog.LevelWarn
		if errors.Is(out.err, ErrUnavailable) {
			level = slog.LevelInfo
		}
		c.logger.Log(context.Background(), level, "probe produced no evidence", "probe", name, "error", out.err)
	}

	// Partial results from a failing probe are kept; the rest goes MISSING.
	for _, rec := range out.records {
		if !declared[rec.Key] {
			c.logger.Warn("dropping undeclared evidence key", "probe", name, "key", rec.Key)
			continue
		}
		if rec.Source == "" {
			rec.Source = name
		}
		if err := b.Add(rec); err != nil {
			c.logger.Warn("dropping evidence record", "probe", name, "key", rec.Key, "error", err)
		}
	}

	reason := "probe did not report this key"
	if out.err != nil {
		reason = out.err.Error()
	}
	for _, k := range out.probe.Keys() {
		if !b.Has(k) {
			_ = b.AddMissing(k, name, reason)
		}
	}
}
