// Package pipeline runs one promotion evaluation end to end.
//
// A run moves through explicit stages, each handing an immutable value to
// the next:
//
//	liveness -> collect -> determinism -> gates -> score -> decide -> record -> persist
//
// Every fact is captured before the first gate is evaluated. Probe and
// check failures become DOWN or MISSING evidence; only a
// *config.ConfigurationError stops a run before it reaches a decision.
package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/relgate/pkg/artifacts"
	"github.com/Mindburn-Labs/relgate/pkg/collector"
	"github.com/Mindburn-Labs/relgate/pkg/config"
	"github.com/Mindburn-Labs/relgate/pkg/determinism"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/observability"
	"github.com/Mindburn-Labs/relgate/pkg/stack"
	"github.com/Mindburn-Labs/relgate/pkg/store/ledger"
	"github.com/Mindburn-Labs/relgate/pkg/testrun"
)

// Pipeline evaluates candidates against one gate matrix.
type Pipeline struct {
	matrix *config.Matrix

	liveness  *liveness.Checker
	collector *collector.Collector
	verifier  *determinism.Verifier
	probes    []collector.Probe
	checks    []determinism.Check

	packDir   string
	ledger    ledger.Ledger
	artifacts artifacts.Store

	obs    *observability.Provider
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger

	livenessOpts []liveness.Option
	closers      []io.Closer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(p *Pipeline) { p.clock = clock } }

// WithRunIDs overrides the run id generator.
func WithRunIDs(next func() string) Option { return func(p *Pipeline) { p.newID = next } }

// WithObservability attaches a telemetry provider.
func WithObservability(obs *observability.Provider) Option {
	return func(p *Pipeline) { p.obs = obs }
}

// WithLedger appends every decision to l.
func WithLedger(l ledger.Ledger) Option { return func(p *Pipeline) { p.ledger = l } }

// WithArtifactStore publishes every record to s.
func WithArtifactStore(s artifacts.Store) Option { return func(p *Pipeline) { p.artifacts = s } }

// WithLivenessOptions passes options to the liveness checker.
func WithLivenessOptions(opts ...liveness.Option) Option {
	return func(p *Pipeline) { p.livenessOpts = append(p.livenessOpts, opts...) }
}

// WithProbes replaces the probes built from the matrix.
func WithProbes(probes ...collector.Probe) Option {
	return func(p *Pipeline) { p.probes = probes }
}

// WithChecks replaces the determinism checks built from the matrix.
func WithChecks(checks ...determinism.Check) Option {
	return func(p *Pipeline) { p.checks = checks }
}

// Build wires a pipeline for m. Packs are written under s.PackDir;
// ledger and artifact sinks are attached with options.
func Build(m *config.Matrix, s config.Settings, opts ...Option) (*Pipeline, error) {
	if m == nil {
		return nil, &config.ConfigurationError{Source: "matrix", Problems: []string{"no gate matrix loaded"}}
	}
	p := &Pipeline{
		matrix:  m,
		packDir: s.PackDir,
		clock:   time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default().With("component", "pipeline"),
		probes:  probesFor(m),
		checks:  checksFor(m),
	}
	for _, opt := range opts {
		opt(p)
	}

	// 1. Liveness record source
	var src liveness.RecordSource
	switch m.Liveness.Source {
	case config.SourceRedis:
		rs, err := liveness.NewRedisRecordSourceFromURL(m.Liveness.RedisURL)
		if err != nil {
			return nil, &config.ConfigurationError{Source: "liveness", Problems: []string{err.Error()}}
		}
		src = rs
		p.closers = append(p.closers, rs)
	default:
		src = liveness.FileRecordSource{Dir: m.Liveness.Dir}
	}
	lopts := append([]liveness.Option{
		liveness.WithLayerTimeout(m.Liveness.LayerTimeout),
		liveness.WithLogger(slog.Default().With("component", "liveness")),
	}, p.livenessOpts...)
	p.liveness = liveness.NewChecker(src, lopts...)

	// 2. Collector on the shared stack handle
	h := stack.NewHandle(m.Stack.Name, m.Stack.BaseURL, rate.Limit(m.Stack.RatePerSecond), m.Stack.Burst)
	p.collector = collector.New(h, s.ProbeTimeout).WithClock(p.clock)

	// The liveness probe is added per run; check the static probes now.
	if err := collector.Validate(p.probes); err != nil {
		_ = p.Close()
		return nil, &config.ConfigurationError{Source: "probes", Problems: []string{err.Error()}}
	}

	// 3. Determinism
	p.verifier = determinism.NewVerifier(m.Determinism.Timeout)
	return p, nil
}

// Close releases connections held by the pipeline's record source.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Matrix returns the matrix the pipeline evaluates against.
func (p *Pipeline) Matrix() *config.Matrix { return p.matrix }

func probesFor(m *config.Matrix) []collector.Probe {
	out := make([]collector.Probe, 0, len(m.Probes))
	for _, s := range m.Probes {
		switch s.Kind {
		case config.ProbeTestSuite:
			out = append(out, collector.TestSuiteProbe{Key: s.Key, Command: derefCommand(s), Shared: s.Shared, MaxRuntime: s.MaxRuntime})
		case config.ProbeTestReport:
			out = append(out, collector.TestReportProbe{Key: s.Key, Path: s.Path})
		case config.ProbeHash:
			out = append(out, collector.HashProbe{Key: s.Key, Path: s.Path})
		case config.ProbeChaosDrill:
			out = append(out, collector.ChaosDrillProbe{Key: s.Key, Scenario: s.Scenario, Command: derefCommand(s), MaxRuntime: s.MaxRuntime})
		case config.ProbeMetric:
			out = append(out, collector.MetricProbe{Key: s.Key, Metric: s.Metric, Path: s.Path, Field: s.Field, Unit: s.Unit})
		}
	}
	return out
}

func derefCommand(s config.ProbeSpec) (cmd testrun.Command) {
	if s.Command != nil {
		cmd = *s.Command
	}
	return cmd
}

func checksFor(m *config.Matrix) []determinism.Check {
	out := make([]determinism.Check, 0, len(m.Determinism.Checks))
	for _, c := range m.Determinism.Checks {
		out = append(out, determinism.CommandCheck{CheckName: c.Name, Command: c.Command})
	}
	return out
}
