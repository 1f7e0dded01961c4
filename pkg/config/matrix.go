package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/relgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/relgate/pkg/decision"
	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/gate"
	"github.com/Mindburn-Labs/relgate/pkg/liveness"
	"github.com/Mindburn-Labs/relgate/pkg/score"
	"github.com/Mindburn-Labs/relgate/pkg/testrun"
)

// Probe kinds accepted in the probes section.
const (
	ProbeTestSuite  = "test_suite"
	ProbeTestReport = "test_report"
	ProbeHash       = "hash"
	ProbeChaosDrill = "chaos_drill"
	ProbeMetric     = "metric"
)

// Matrix is the gate configuration document.
type Matrix struct {
	Version     int                 `yaml:"version" json:"version"`
	Thresholds  decision.Thresholds `yaml:"thresholds" json:"thresholds"`
	Scoring     score.Policy        `yaml:"scoring" json:"scoring"`
	Stack       StackSpec           `yaml:"stack" json:"stack"`
	Liveness    LivenessSpec        `yaml:"liveness" json:"liveness"`
	Targets     []liveness.Target   `yaml:"targets" json:"targets"`
	Probes      []ProbeSpec         `yaml:"probes" json:"probes"`
	Determinism DeterminismSpec     `yaml:"determinism" json:"determinism"`
	Gates       []gate.Gate         `yaml:"gates" json:"gates"`

	// Digest is the sha256 of the canonical JSON form of the document.
	Digest string `yaml:"-" json:"-"`
}

// StackSpec names the shared stack exclusive probes serialize on.
type StackSpec struct {
	Name          string  `yaml:"name" json:"name"`
	BaseURL       string  `yaml:"base_url" json:"base_url"`
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
}

// Liveness record sources.
const (
	SourceFile  = "file"
	SourceRedis = "redis"
)

// LivenessSpec selects where liveness records are read from.
type LivenessSpec struct {
	Source       string        `yaml:"source" json:"source"`
	Dir          string        `yaml:"dir" json:"dir"`
	RedisURL     string        `yaml:"redis_url" json:"redis_url"`
	LayerTimeout time.Duration `yaml:"layer_timeout" json:"layer_timeout"`
}

// ProbeSpec configures one built-in evidence probe. Which fields apply
// depends on Kind.
type ProbeSpec struct {
	Kind       string           `yaml:"kind" json:"kind"`
	Key        evidence.Key     `yaml:"key" json:"key"`
	Command    *testrun.Command `yaml:"command,omitempty" json:"command,omitempty"`
	Shared     bool             `yaml:"shared,omitempty" json:"shared,omitempty"`
	MaxRuntime time.Duration    `yaml:"max_runtime,omitempty" json:"max_runtime,omitempty"`
	Path       string           `yaml:"path,omitempty" json:"path,omitempty"`
	Scenario   string           `yaml:"scenario,omitempty" json:"scenario,omitempty"`
	Metric     string           `yaml:"metric,omitempty" json:"metric,omitempty"`
	Field      string           `yaml:"field,omitempty" json:"field,omitempty"`
	Unit       string           `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// DeterminismSpec lists the checks run twice per evaluation.
type DeterminismSpec struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Checks  []CheckSpec   `yaml:"checks" json:"checks"`
}

// CheckSpec is one determinism check.
type CheckSpec struct {
	Name    string          `yaml:"name" json:"name"`
	Command testrun.Command `yaml:"command" json:"command"`
}

// LoadMatrix reads and validates a matrix file.
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, &ConfigurationError{Source: path, Problems: []string{err.Error()}}
	}
	return ParseMatrix(path, data)
}

// ParseMatrix decodes and validates a matrix. Every failure is a
// *ConfigurationError naming source.
func ParseMatrix(source string, data []byte) (*Matrix, error) {
	fail := func(problems ...string) (*Matrix, error) {
		return nil, &ConfigurationError{Source: source, Problems: problems}
	}

	// 1. Structural validation against the embedded schema.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fail("yaml: " + err.Error())
	}
	if generic == nil {
		return fail("document is empty")
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fail("document is not representable as JSON: " + err.Error())
	}
	var doc any
	jdec := json.NewDecoder(bytes.NewReader(asJSON))
	jdec.UseNumber()
	if err := jdec.Decode(&doc); err != nil {
		return fail("json: " + err.Error())
	}
	problems, err := schemaProblems(doc)
	if err != nil {
		return nil, fmt.Errorf("validate matrix: %w", err)
	}
	if len(problems) > 0 {
		return fail(problems...)
	}

	// 2. Typed decode over defaults.
	m := defaultMatrix()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return fail("yaml: " + err.Error())
	}

	// 3. Semantic rules.
	if problems := m.Problems(); len(problems) > 0 {
		return fail(problems...)
	}

	canonical, err := canonicalize.Transform(asJSON)
	if err != nil {
		return nil, fmt.Errorf("canonicalize matrix: %w", err)
	}
	m.Digest = canonicalize.Digest(canonical)
	return &m, nil
}

func defaultMatrix() Matrix {
	return Matrix{
		Scoring:     score.DefaultPolicy(),
		Stack:       StackSpec{Name: "stack"},
		Liveness:    LivenessSpec{Source: SourceFile, Dir: ".relgate/run", LayerTimeout: 5 * time.Second},
		Determinism: DeterminismSpec{Timeout: 10 * time.Minute},
	}
}

// RequiredTargets lists the targets that must be UP.
func (m *Matrix) RequiredTargets() []string {
	var out []string
	for _, t := range m.Targets {
		if t.Required {
			out = append(out, t.Name)
		}
	}
	return out
}

// CheckNames lists the determinism checks in order.
func (m *Matrix) CheckNames() []string {
	out := make([]string, 0, len(m.Determinism.Checks))
	for _, c := range m.Determinism.Checks {
		out = append(out, c.Name)
	}
	return out
}

// DeclaredKeys maps every evidence key a run will record to what declares it.
func (m *Matrix) DeclaredKeys() map[evidence.Key]string {
	out := make(map[evidence.Key]string)
	for _, t := range m.Targets {
		out[evidence.LivenessKey(t.Name)] = "target " + t.Name
	}
	for _, c := range m.Determinism.Checks {
		out[evidence.DeterminismKey(c.Name)] = "determinism check " + c.Name
	}
	for _, p := range m.Probes {
		if _, dup := out[p.Key]; !dup {
			out[p.Key] = "probe " + string(p.Key)
		}
	}
	return out
}
