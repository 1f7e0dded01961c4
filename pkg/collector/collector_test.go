package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/stack"
	"github.com/Mindburn-Labs/relgate/pkg/testrun"
)

var fixedClock = func() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

type fakeProbe struct {
	name      string
	keys      []evidence.Key
	exclusive bool
	fn        func(ctx context.Context) ([]evidence.Record, error)
}

func (f fakeProbe) Name() string         { return f.name }
func (f fakeProbe) Keys() []evidence.Key { return f.keys }
func (f fakeProbe) Exclusive() bool      { return f.exclusive }
func (f fakeProbe) Collect(ctx context.Context) ([]evidence.Record, error) {
	return f.fn(ctx)
}

func metricProbe(name string, key evidence.Key, v float64) fakeProbe {
	return fakeProbe{name: name, keys: []evidence.Key{key}, fn: func(context.Context) ([]evidence.Record, error) {
		return []evidence.Record{{Key: key, Fact: evidence.Metric{Name: name, Value: v}}}, nil
	}}
}

func TestCollect_UnavailableBecomesMissing(t *testing.T) {
	c := New(nil, time.Second).WithClock(fixedClock)
	probes := []Probe{
		metricProbe("coverage", "metric.coverage", 81.5),
		fakeProbe{name: "drill", keys: []evidence.Key{"drill.kill", "drill.partition"}, fn: func(context.Context) ([]evidence.Record, error) {
			return nil, fmt.Errorf("%w: no drill harness", ErrUnavailable)
		}},
	}

	bundle, err := c.Collect(context.Background(), "run-1", probes)
	require.NoError(t, err)
	require.Equal(t, []evidence.Key{"drill.kill", "drill.partition", "metric.coverage"}, bundle.Keys())

	rec, _ := bundle.Get("drill.kill")
	require.True(t, evidence.IsMissing(rec.Fact))
	assert.Contains(t, rec.Fact.(evidence.Missing).Reason, "no drill harness")
	assert.Equal(t, "drill", rec.Source)

	rec, _ = bundle.Get("metric.coverage")
	require.False(t, evidence.IsMissing(rec.Fact))
	assert.Equal(t, fixedClock(), rec.CollectedAt)
}

func TestCollect_PartialOutputAndUndeclaredKeys(t *testing.T) {
	c := New(nil, time.Second)
	p := fakeProbe{name: "suite", keys: []evidence.Key{"tests.unit", "tests.integration"}, fn: func(context.Context) ([]evidence.Record, error) {
		return []evidence.Record{
			{Key: "tests.unit", Fact: evidence.TestRun{Passed: 3, Total: 3}},
			{Key: "tests.sneaky", Fact: evidence.TestRun{Passed: 1, Total: 1}},
		}, errors.New("integration runner crashed")
	}}

	bundle, err := c.Collect(context.Background(), "run-1", []Probe{p})
	require.NoError(t, err)
	require.Equal(t, []evidence.Key{"tests.integration", "tests.unit"}, bundle.Keys())

	rec, _ := bundle.Get("tests.integration")
	require.True(t, evidence.IsMissing(rec.Fact))
}

func TestCollect_TimeoutAndPanic(t *testing.T) {
	c := New(nil, 50*time.Millisecond)
	probes := []Probe{
		fakeProbe{name: "hang", keys: []evidence.Key{"k.hang"}, fn: func(context.Context) ([]evidence.Record, error) {
			time.Sleep(5 * time.Second)
			return nil, nil
		}},
		fakeProbe{name: "panic", keys: []evidence.Key{"k.panic"}, fn: func(context.Context) ([]evidence.Record, error) {
			panic("probe bug")
		}},
	}

	start := time.Now()
	bundle, err := c.Collect(context.Background(), "run-1", probes)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	for _, k := range []evidence.Key{"k.hang", "k.panic"} {
		rec, ok := bundle.Get(k)
		require.True(t, ok)
		require.True(t, evidence.IsMissing(rec.Fact), k)
	}
}

func TestCollect_ExclusiveProbesSerialize(t *testing.T) {
	h := stack.NewHandle("local", "", 0, 1)
	c := New(h, time.Second)

	var inside, overlap atomic.Int32
	mk := func(name string) Probe {
		return fakeProbe{name: name, keys: []evidence.Key{evidence.Key("drill." + name)}, exclusive: true,
			fn: func(context.Context) ([]evidence.Record, error) {
				if inside.Add(1) > 1 {
					overlap.Add(1)
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return []evidence.Record{{Key: evidence.Key("drill." + name), Fact: evidence.ChaosDrill{Scenario: name, Passed: true}}}, nil
			}}
	}

	bundle, err := c.Collect(context.Background(), "run-1", []Probe{mk("a"), mk("b"), mk("c")})
	require.NoError(t, err)
	require.Equal(t, 3, bundle.Len())
	require.Zero(t, overlap.Load())
}

type timedProbe struct {
	fakeProbe
	timeout time.Duration
}

func (p timedProbe) Timeout() time.Duration { return p.timeout }

func TestCollect_TimedOutExclusiveProbeKeepsStack(t *testing.T) {
	h := stack.NewHandle("local", "", 0, 1)
	c := New(h, time.Second)

	var inside, overlap atomic.Int32
	body := func(key evidence.Key, d time.Duration) func(context.Context) ([]evidence.Record, error) {
		return func(context.Context) ([]evidence.Record, error) {
			if inside.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(d)
			inside.Add(-1)
			return []evidence.Record{{Key: key, Fact: evidence.ChaosDrill{Scenario: string(key), Passed: true}}}, nil
		}
	}
	stuck := timedProbe{
		fakeProbe: fakeProbe{name: "stuck", keys: []evidence.Key{"drill.stuck"}, exclusive: true, fn: body("drill.stuck", 200*time.Millisecond)},
		timeout:   50 * time.Millisecond,
	}
	quick := timedProbe{
		fakeProbe: fakeProbe{name: "quick", keys: []evidence.Key{"drill.quick"}, exclusive: true, fn: body("drill.quick", 20*time.Millisecond)},
		timeout:   2 * time.Second,
	}

	bundle, err := c.Collect(context.Background(), "run-1", []Probe{stuck, quick})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return inside.Load() == 0 }, time.Second, 10*time.Millisecond)

	require.Zero(t, overlap.Load())
	rec, ok := bundle.Get("drill.quick")
	require.True(t, ok)
	require.False(t, evidence.IsMissing(rec.Fact))
	rec, ok = bundle.Get("drill.stuck")
	require.True(t, ok)
	require.True(t, evidence.IsMissing(rec.Fact))
}

func TestCollect_InvalidProbeSet(t *testing.T) {
	c := New(nil, time.Second)

	_, err := c.Collect(context.Background(), "run-1", []Probe{
		metricProbe("a", "metric.x", 1),
		metricProbe("b", "metric.x", 2),
	})
	require.ErrorContains(t, err, "declared by both")

	_, err = c.Collect(context.Background(), "run-1", []Probe{
		fakeProbe{name: "drill", keys: []evidence.Key{"drill.x"}, exclusive: true},
	})
	require.ErrorContains(t, err, "no stack handle")
}

func TestLivenessProbe(t *testing.T) {
	report := liveness.Report{Results: []liveness.Result{
		{Target: "api", Required: true, Up: false, FailedLayer: liveness.LayerRecord},
	}}
	bundle, err := New(nil, time.Second).Collect(context.Background(), "run-1", []Probe{LivenessProbe{Report: report, Clock: fixedClock}})
	require.NoError(t, err)

	rec, ok := bundle.Get(evidence.LivenessKey("api"))
	require.True(t, ok)
	require.Equal(t, 1, rec.Fact.(evidence.Liveness).FailedLayer)
}

func TestHashAndMetricProbes(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "app.tar")
	require.NoError(t, os.WriteFile(artifact, []byte("hello"), 0o600))
	cov := filepath.Join(dir, "coverage.json")
	require.NoError(t, os.WriteFile(cov, []byte(`{"totals":{"coverage":"82.5%"},"runs":[{"ms":12}]}`), 0o600))

	probes := []Probe{
		HashProbe{Key: "hash.app", Path: artifact},
		HashProbe{Key: "hash.gone", Path: filepath.Join(dir, "gone.tar")},
		MetricProbe{Key: "metric.coverage", Path: cov, Field: "totals.coverage", Unit: "%"},
		MetricProbe{Key: "metric.first_ms", Path: cov, Field: "runs.0.ms"},
		MetricProbe{Key: "metric.bad", Path: cov, Field: "totals.nope"},
	}
	bundle, err := New(nil, time.Second).Collect(context.Background(), "run-1", probes)
	require.NoError(t, err)

	rec, _ := bundle.Get("hash.app")
	require.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", rec.Fact.(evidence.Hash).Digest)

	rec, _ = bundle.Get("hash.gone")
	require.True(t, evidence.IsMissing(rec.Fact))

	rec, _ = bundle.Get("metric.coverage")
	require.InDelta(t, 82.5, rec.Fact.(evidence.Metric).Value, 1e-9)

	rec, _ = bundle.Get("metric.first_ms")
	require.InDelta(t, 12.0, rec.Fact.(evidence.Metric).Value, 1e-9)

	rec, _ = bundle.Get("metric.bad")
	require.True(t, evidence.IsMissing(rec.Fact))
}

func TestChaosDrillProbe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	h := stack.NewHandle("local", "", 0, 1)
	probes := []Probe{
		ChaosDrillProbe{Key: "drill.kill", Scenario: "kill-worker", Command: testrun.Command{
			Name: "sh", Args: []string{"-c", `echo '{"recovered":true,"dead_letters":3,"duration_ms":1500}'`},
		}},
		ChaosDrillProbe{Key: "drill.partition", Scenario: "partition", Command: testrun.Command{
			Name: "sh", Args: []string{"-c", `echo '{"recovered":false,"dead_letters":0}'; exit 1`},
		}},
	}
	bundle, err := New(h, 5*time.Second).Collect(context.Background(), "run-1", probes)
	require.NoError(t, err)

	rec, _ := bundle.Get("drill.kill")
	drill := rec.Fact.(evidence.ChaosDrill)
	require.True(t, drill.Passed)
	require.Equal(t, 3, drill.DeadLetters)
	require.Equal(t, int64(1500), drill.DurationMs)

	rec, _ = bundle.Get("drill.partition")
	require.False(t, rec.Fact.(evidence.ChaosDrill).Passed)
}
