package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/testrun"
)

// LivenessProbe publishes a completed liveness report as liveness.<target>
// evidence.
type LivenessProbe struct {
	Report liveness.Report
	Clock  func() time.Time
}

func (p LivenessProbe) Name() string    { return "liveness" }
func (p LivenessProbe) Exclusive() bool { return false }

func (p LivenessProbe) Keys() []evidence.Key {
	keys := make([]evidence.Key, 0, len(p.Report.Results))
	for _, r := range p.Report.Results {
		keys = append(keys, evidence.LivenessKey(r.Target))
	}
	return keys
}

func (p LivenessProbe) Collect(context.Context) ([]evidence.Record, error) {
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	return p.Report.Records(clock()), nil
}

// TestSuiteProbe runs a command that emits `go test -json` output.
type TestSuiteProbe struct {
	Key        evidence.Key
	Command    testrun.Command
	Shared     bool
	MaxRuntime time.Duration
}

func (p TestSuiteProbe) Name() string           { return "tests:" + string(p.Key) }
func (p TestSuiteProbe) Keys() []evidence.Key   { return []evidence.Key{p.Key} }
func (p TestSuiteProbe) Exclusive() bool        { return p.Shared }
func (p TestSuiteProbe) Timeout() time.Duration { return p.MaxRuntime }

func (p TestSuiteProbe) Collect(ctx context.Context) ([]evidence.Record, error) {
	run, err := testrun.Run(ctx, p.Command)
	if err != nil {
		return nil, err
	}
	return []evidence.Record{{Key: p.Key, Fact: run}}, nil
}

// TestReportProbe reads a test summary report written by another runner.
type TestReportProbe struct {
	Key  evidence.Key
	Path string
}

func (p TestReportProbe) Name() string         { return "report:" + string(p.Key) }
func (p TestReportProbe) Keys() []evidence.Key { return []evidence.Key{p.Key} }
func (p TestReportProbe) Exclusive() bool      { return false }

func (p TestReportProbe) Collect(context.Context) ([]evidence.Record, error) {
	run, err := testrun.ReadReport(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return []evidence.Record{{Key: p.Key, Fact: run}}, nil
}

// HashProbe digests an artifact file with sha256.
type HashProbe struct {
	Key  evidence.Key
	Path string
}

func (p HashProbe) Name() string         { return "hash:" + string(p.Key) }
func (p HashProbe) Keys() []evidence.Key { return []evidence.Key{p.Key} }
func (p HashProbe) Exclusive() bool      { return false }

func (p HashProbe) Collect(ctx context.Context) ([]evidence.Record, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, fmt.Errorf("hash %s: %w", p.Path, err)
	}
	return []evidence.Record{{Key: p.Key, Fact: evidence.Hash{
		Algorithm: "sha256",
		Digest:    "sha256:" + hex.EncodeToString(h.Sum(nil)),
		Path:      p.Path,
	}}}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// drillReport is the JSON document a chaos drill prints on stdout.
type drillReport struct {
	Scenario    string `json:"scenario"`
	Passed      *bool  `json:"passed"`
	Recovered   bool   `json:"recovered"`
	DeadLetters int    `json:"dead_letters"`
	DurationMs  int64  `json:"duration_ms"`
}

// ChaosDrillProbe runs a failure-injection drill against the shared stack.
// Drills mutate stack state and are always exclusive.
type ChaosDrillProbe struct {
	Key        evidence.Key
	Scenario   string
	Command    testrun.Command
	MaxRuntime time.Duration
}

func (p ChaosDrillProbe) Name() string           { return "drill:" + string(p.Key) }
func (p ChaosDrillProbe) Keys() []evidence.Key   { return []evidence.Key{p.Key} }
func (p ChaosDrillProbe) Exclusive() bool        { return true }
func (p ChaosDrillProbe) Timeout() time.Duration { return p.MaxRuntime }

func (p ChaosDrillProbe) Collect(ctx context.Context) ([]evidence.Record, error) {
	out, err := testrun.Exec(ctx, p.Command)
	if err != nil {
		return nil, err
	}
	var rep drillReport
	if err := json.Unmarshal(out.Stdout, &rep); err != nil {
		return nil, fmt.Errorf("drill %s printed no report (exit %d): %w", p.Scenario, out.ExitCode, err)
	}

	fact := evidence.ChaosDrill{
		Scenario:    p.Scenario,
		Passed:      out.ExitCode == 0,
		Recovered:   rep.Recovered,
		DeadLetters: rep.DeadLetters,
		DurationMs:  rep.DurationMs,
	}
	if rep.Scenario != "" && fact.Scenario == "" {
		fact.Scenario = rep.Scenario
	}
	if rep.Passed != nil {
		fact.Passed = fact.Passed && *rep.Passed
	}
	if fact.DurationMs == 0 {
		fact.DurationMs = out.Duration.Milliseconds()
	}
	return []evidence.Record{{Key: p.Key, Fact: fact}}, nil
}

// MetricProbe reads a number from a JSON document at a dotted path such as
// "totals.coverage".
type MetricProbe struct {
	Key    evidence.Key
	Metric string
	Path   string
	Field  string
	Unit   string
}

func (p MetricProbe) Name() string         { return "metric:" + string(p.Key) }
func (p MetricProbe) Keys() []evidence.Key { return []evidence.Key{p.Key} }
func (p MetricProbe) Exclusive() bool      { return false }

func (p MetricProbe) Collect(context.Context) ([]evidence.Record, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.Path, err)
	}
	v, err := lookupNumber(doc, p.Field)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Path, err)
	}
	name := p.Metric
	if name == "" {
		name = string(p.Key)
	}
	return []evidence.Record{{Key: p.Key, Fact: evidence.Metric{Name: name, Value: v, Unit: p.Unit}}}, nil
}

func lookupNumber(doc any, path string) (float64, error) {
	cur := doc
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			switch node := cur.(type) {
			case map[string]any:
				next, ok := node[part]
				if !ok {
					return 0, fmt.Errorf("field %q not found", path)
				}
				cur = next
			case []any:
				i, err := strconv.Atoi(part)
				if err != nil || i < 0 || i >= len(node) {
					return 0, fmt.Errorf("index %q out of range in %q", part, path)
				}
				cur = node[i]
			default:
				return 0, fmt.Errorf("field %q not found", path)
			}
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not numeric: %q", path, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q is not numeric", path)
	}
}
