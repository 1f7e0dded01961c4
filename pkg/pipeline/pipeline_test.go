package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/relgate/pkg/artifacts"
	"github.com/Mindburn-Labs/relgate/pkg/candidate"
	"github.com/Mindburn-Labs/relgate/pkg/collector"
	"github.com/Mindburn-Labs/relgate/pkg/config"
	"github.com/Mindburn-Labs/relgate/pkg/decision"
	"github.com/Mindburn-Labs/relgate/pkg/determinism"
	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/gate"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/observability"
	"github.com/Mindburn-Labs/relgate/pkg/record"
	"github.com/Mindburn-Labs/relgate/pkg/store/ledger"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

const matrixTemplate = `
version: 1
thresholds: {score_threshold: 90, max_gap: 10, section_floor: 15}
scoring:
  class_weights: {A: 3, B: 1}
liveness:
  source: file
  dir: %q
  layer_timeout: 1s
targets:
  - {name: gateway, health_url: "http://gateway.test/healthz", required: true}
probes:
  - kind: metric
    key: metric.coverage
    path: %q
    metric: coverage
    field: totals.percent
determinism:
  checks:
    - name: regression
      command: {name: "true"}
gates:
  - id: stack_up
    class: A
    weight: 1
    requires: [liveness.gateway]
    predicate: {kind: equality, field: up, expected: true}
  - id: deterministic
    class: A
    weight: 1
    requires: [determinism.regression]
    predicate: {kind: diff_empty}
  - id: coverage
    class: B
    weight: 1
    requires: [metric.coverage]
    predicate: {kind: range, field: value, min: 80, warn_min: 70}
`

type alwaysAlive struct{}

func (alwaysAlive) Alive(context.Context, liveness.Record) error { return nil }

type healthy struct{}

func (healthy) Probe(context.Context, string, int) error { return nil }

type env struct {
	dir    string
	matrix *config.Matrix
}

// newEnv lays out a gateway liveness record and a coverage report.
func newEnv(t *testing.T, coverage float64) env {
	t.Helper()
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	require.NoError(t, os.MkdirAll(runDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "gateway.pid"), []byte("4242 gatewayd\n"), 0o600))
	covPath := filepath.Join(dir, "coverage.json")
	require.NoError(t, os.WriteFile(covPath, []byte(fmt.Sprintf(`{"totals":{"percent":%v}}`, coverage)), 0o600))

	m, err := config.ParseMatrix("matrix.yaml", []byte(fmt.Sprintf(matrixTemplate, runDir, covPath)))
	require.NoError(t, err)
	return env{dir: dir, matrix: m}
}

func stableCheck() determinism.Check {
	return determinism.FuncCheck{CheckName: "regression", Fn: func(context.Context) (evidence.TestRun, error) {
		return evidence.TestRun{Passed: 42, Total: 42}, nil
	}}
}

func flakyCheck() determinism.Check {
	var n atomic.Int32
	return determinism.FuncCheck{CheckName: "regression", Fn: func(context.Context) (evidence.TestRun, error) {
		if n.Add(1) == 1 {
			return evidence.TestRun{Passed: 42, Total: 42}, nil
		}
		return evidence.TestRun{Passed: 41, Failed: 1, Total: 42, Failing: []string{"suite.TestCacheEviction"}}, nil
	}}
}

func build(t *testing.T, e env, s config.Settings, opts ...Option) *Pipeline {
	t.Helper()
	if s.ProbeTimeout == 0 {
		s.ProbeTimeout = 5 * time.Second
	}
	base := []Option{
		WithClock(fixedClock),
		WithRunIDs(func() string { return "run-1" }),
		WithLivenessOptions(liveness.WithProcessTable(alwaysAlive{}), liveness.WithEndpointProber(healthy{})),
		WithChecks(stableCheck()),
	}
	p, err := Build(e.matrix, s, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func release(t *testing.T) candidate.Candidate {
	t.Helper()
	c, err := candidate.New("v1.4.0", now.Add(-time.Hour))
	require.NoError(t, err)
	return c
}

func TestRun_Promote(t *testing.T) {
	e := newEnv(t, 91.5)
	p := build(t, e, config.Settings{})

	out, err := p.Run(context.Background(), release(t))
	require.NoError(t, err)

	d := out.Decision
	require.Equal(t, decision.Promote, d.Verdict, "%+v", d.Violations)
	assert.Equal(t, decision.ExitPromote, d.ExitCode())
	assert.Equal(t, "run-1", d.RunID)
	assert.True(t, now.Equal(d.DecidedAt))
	assert.InDelta(t, 100, d.Scores.Standard.Score, 1e-9)
	require.Len(t, d.Gates, 3)
	for _, g := range d.Gates {
		assert.Equal(t, gate.StatusPass, g.Status, g.GateID)
	}

	assert.Equal(t, e.matrix.Digest, out.Record.Document.MatrixDigest)
	assert.Empty(t, out.PackDir)
	assert.Nil(t, out.Entry)
}

func TestRun_RerunIsByteIdentical(t *testing.T) {
	e := newEnv(t, 91.5)
	first, err := build(t, e, config.Settings{}).Run(context.Background(), release(t))
	require.NoError(t, err)
	second, err := build(t, e, config.Settings{}).Run(context.Background(), release(t))
	require.NoError(t, err)

	require.Equal(t, first.Record.Canonical, second.Record.Canonical)
	require.Equal(t, first.Record.Evidence, second.Record.Evidence)
}

func TestRun_MissingLivenessRecordBlocks(t *testing.T) {
	e := newEnv(t, 91.5)
	require.NoError(t, os.Remove(filepath.Join(e.dir, "run", "gateway.pid")))

	out, err := build(t, e, config.Settings{}).Run(context.Background(), release(t))
	require.NoError(t, err)

	d := out.Decision
	require.Equal(t, decision.Block, d.Verdict)
	require.Equal(t, decision.ExitLiveness, d.ExitCode())
	require.Len(t, d.Liveness, 1)
	assert.Equal(t, liveness.LayerRecord, d.Liveness[0].FailedLayer)

	codes := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		codes = append(codes, v.Code)
	}
	assert.Contains(t, codes, decision.ReasonLivenessDown)
	assert.Contains(t, codes, decision.ReasonClassABlock, "stack_up reads the DOWN fact")
}

func TestRun_NonDeterministicCheckBlocks(t *testing.T) {
	e := newEnv(t, 91.5)
	out, err := build(t, e, config.Settings{}, WithChecks(flakyCheck())).Run(context.Background(), release(t))
	require.NoError(t, err)

	d := out.Decision
	require.Equal(t, decision.Block, d.Verdict)
	require.Equal(t, decision.ExitDeterminism, d.ExitCode())
	require.Len(t, d.Determinism, 1)
	assert.Equal(t, evidence.NonDeterministic, d.Determinism[0].Verdict)
	assert.NotEmpty(t, d.Determinism[0].Diff)
}

func TestRun_UnavailableMetricIsMissing(t *testing.T) {
	e := newEnv(t, 91.5)
	require.NoError(t, os.Remove(filepath.Join(e.dir, "coverage.json")))

	out, err := build(t, e, config.Settings{}).Run(context.Background(), release(t))
	require.NoError(t, err)

	var coverage gate.Result
	for _, g := range out.Decision.Gates {
		if g.GateID == "coverage" {
			coverage = g
		}
	}
	require.Equal(t, gate.StatusMissing, coverage.Status)
	// B MISSING warns in the standard pass and deducts fully in the conservative one.
	assert.Equal(t, decision.Block, out.Decision.Verdict)
	assert.Equal(t, decision.ExitScore, out.Decision.ExitCode())
}

func TestRun_WritesEverySink(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 75)

	l, err := ledger.Open(ctx, ledger.Settings{Driver: "sqlite", DSN: filepath.Join(e.dir, "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	store, err := artifacts.NewFileStore(filepath.Join(e.dir, "artifacts"))
	require.NoError(t, err)

	p := build(t, e, config.Settings{PackDir: filepath.Join(e.dir, "packs")}, WithLedger(l), WithArtifactStore(store))
	out, err := p.Run(ctx, release(t))
	require.NoError(t, err)

	// Coverage 75 sits in the warn tier.
	require.Equal(t, gate.StatusWarn, out.Decision.Gates[2].Status)

	// Pack
	require.Equal(t, filepath.Join(e.dir, "packs", "run-1"), out.PackDir)
	pack, err := record.VerifyPack(out.PackDir)
	require.NoError(t, err)
	assert.Equal(t, out.Record.Digest, pack.Digest)

	// Artifact store
	doc, err := record.Fetch(ctx, store, out.Record.Digest)
	require.NoError(t, err)
	assert.Equal(t, out.Decision.Verdict, doc.Verdict)

	// Ledger
	require.NotNil(t, out.Entry)
	assert.Equal(t, int64(1), out.Entry.Seq)
	got, err := l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, out.Record.Digest, got.RecordDigest)
	assert.Equal(t, "v1.4.0", got.CandidateID)
	rows, err := l.Evidence(ctx, "run-1")
	require.NoError(t, err)
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"determinism.regression", "liveness.gateway", "metric.coverage"}, keys)
	require.NoError(t, l.Verify(ctx))
}

func TestRun_SinkFailureKeepsDecision(t *testing.T) {
	e := newEnv(t, 91.5)
	blocked := filepath.Join(e.dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))

	out, err := build(t, e, config.Settings{PackDir: blocked}).Run(context.Background(), release(t))
	require.Error(t, err)
	assert.Equal(t, decision.Promote, out.Decision.Verdict)
	assert.NotEmpty(t, out.Record.Digest)
	assert.Empty(t, out.PackDir)
}

func TestRun_ZeroCandidateIsConfigurationError(t *testing.T) {
	e := newEnv(t, 91.5)
	_, err := build(t, e, config.Settings{}).Run(context.Background(), candidate.Candidate{})
	var cerr *config.ConfigurationError
	require.True(t, errors.As(err, &cerr))
}

func collectorMetric(key evidence.Key, path string) collector.Probe {
	return collector.MetricProbe{Key: key, Path: path, Field: "totals.percent"}
}

func TestBuild_RejectsOverlappingProbes(t *testing.T) {
	e := newEnv(t, 91.5)
	dup := evidence.Key("metric.coverage")
	_, err := Build(e.matrix, config.Settings{}, WithProbes(
		collectorMetric(dup, filepath.Join(e.dir, "coverage.json")),
		collectorMetric(dup, filepath.Join(e.dir, "coverage.json")),
	))
	var cerr *config.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "probes", cerr.Source)
}

func TestRun_EmitsStageSpans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	obs, err := observability.NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())),
	)
	require.NoError(t, err)

	e := newEnv(t, 91.5)
	_, err = build(t, e, config.Settings{}, WithObservability(obs)).Run(context.Background(), release(t))
	require.NoError(t, err)

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	for _, stage := range []string{"run", "liveness", "collect", "determinism", "gates", "persist"} {
		assert.Contains(t, names, "relgate."+stage)
	}
}
