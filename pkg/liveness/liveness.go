// Package liveness implements the three-layer liveness precondition.
//
// A target is UP only when all three layers pass, in order:
//
//  1. record   — a liveness record (process id) exists for the target
//  2. process  — the recorded process is live in the OS process table
//  3. endpoint — the target's health endpoint answers with the success status
//
// The first failing layer stops the check. Any I/O error is DOWN; the
// checker never returns an error and never reports an error as UP.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
)

// Layer numbers the liveness layers; LayerNone means no layer failed.
type Layer int

const (
	LayerNone     Layer = 0
	LayerRecord   Layer = 1
	LayerProcess  Layer = 2
	LayerEndpoint Layer = 3
)

func (l Layer) String() string {
	switch l {
	case LayerNone:
		return "none"
	case LayerRecord:
		return "record"
	case LayerProcess:
		return "process"
	case LayerEndpoint:
		return "endpoint"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// ErrNoRecord is returned by a RecordSource when the target has no record.
var ErrNoRecord = errors.New("no liveness record")

// Record is what a launcher leaves behind for a running target.
type Record struct {
	PID     int    `json:"pid"`
	Command string `json:"command,omitempty"`
}

// RecordSource looks up liveness records (layer 1).
type RecordSource interface {
	Lookup(ctx context.Context, target string) (Record, error)
}

// ProcessTable confirms a recorded process against the OS (layer 2).
// Alive returns nil only when the process is running.
type ProcessTable interface {
	Alive(ctx context.Context, rec Record) error
}

// EndpointProber performs the real network request (layer 3).
// Probe returns nil only when url answered with status want.
type EndpointProber interface {
	Probe(ctx context.Context, url string, want int) error
}

// Target is a service whose liveness gates promotion.
type Target struct {
	Name          string `yaml:"name" json:"name"`
	HealthURL     string `yaml:"health_url" json:"health_url"`
	Required      bool   `yaml:"required" json:"required"`
	SuccessStatus int    `yaml:"success_status,omitempty" json:"success_status,omitempty"`
}

// Result is the liveness verdict for one target.
type Result struct {
	Target      string                  `json:"target"`
	Required    bool                    `json:"required"`
	Up          bool                    `json:"up"`
	FailedLayer Layer                   `json:"failed_layer"`
	Layers      []evidence.LayerOutcome `json:"layers"`
}

// Fact converts the result into liveness evidence.
func (r Result) Fact() evidence.Liveness {
	return evidence.Liveness{
		Target:      r.Target,
		Up:          r.Up,
		FailedLayer: int(r.FailedLayer),
		Layers:      append([]evidence.LayerOutcome(nil), r.Layers...),
	}
}

// Reason describes the failure for diagnostics.
func (r Result) Reason() string {
	if r.Up {
		return fmt.Sprintf("%s: up", r.Target)
	}
	detail := ""
	for _, l := range r.Layers {
		if !l.OK {
			detail = l.Detail
		}
	}
	return fmt.Sprintf("%s: down at layer %d (%s): %s", r.Target, int(r.FailedLayer), r.FailedLayer, detail)
}

// Report is the liveness verdict for every configured target, in
// configuration order.
type Report struct {
	Results []Result `json:"results"`
}

// AllRequiredUp reports whether every required target is UP.
func (r Report) AllRequiredUp() bool {
	return len(r.RequiredDown()) == 0
}

// RequiredDown returns the required targets that are DOWN.
func (r Report) RequiredDown() []Result {
	var down []Result
	for _, res := range r.Results {
		if res.Required && !res.Up {
			down = append(down, res)
		}
	}
	return down
}

// Records converts the report into evidence records keyed liveness.<target>.
func (r Report) Records(at time.Time) []evidence.Record {
	out := make([]evidence.Record, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, evidence.Record{
			Key:         evidence.LivenessKey(res.Target),
			Fact:        res.Fact(),
			Source:      "liveness",
			CollectedAt: at.UTC(),
		})
	}
	return out
}

// Checker runs the three layers for targets.
type Checker struct {
	records   RecordSource
	processes ProcessTable
	endpoints EndpointProber
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithProcessTable overrides the OS process table.
func WithProcessTable(p ProcessTable) Option { return func(c *Checker) { c.processes = p } }

// WithEndpointProber overrides the HTTP prober.
func WithEndpointProber(p EndpointProber) Option { return func(c *Checker) { c.endpoints = p } }

// WithLayerTimeout bounds each layer's I/O.
func WithLayerTimeout(d time.Duration) Option { return func(c *Checker) { c.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Checker) { c.logger = l } }

// NewChecker creates a checker reading records from src.
func NewChecker(src RecordSource, opts ...Option) *Checker {
	c := &Checker{
		records:   src,
		processes: OSProcessTable{},
		timeout:   5 * time.Second,
		logger:    slog.Default().With("component", "liveness"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.endpoints == nil {
		c.endpoints = NewHTTPProber(c.timeout)
	}
	return c
}

// Check runs the layers for one target, strictly in order.
func (c *Checker) Check(ctx context.Context, t Target) Result {
	res := Result{Target: t.Name, Required: t.Required}

	// 1. Record exists
	rec, err := runLayer(ctx, c.timeout, func(ctx context.Context) (Record, error) {
		if c.records == nil {
			return Record{}, errors.New("no record source configured")
		}
		return c.records.Lookup(ctx, t.Name)
	})
	if err != nil {
		return c.fail(res, LayerRecord, err)
	}
	res.Layers = append(res.Layers, passed(LayerRecord, fmt.Sprintf("pid %d", rec.PID)))

	// 2. Process live, queried from the OS, never from the record itself
	_, err = runLayer(ctx, c.timeout, func(ctx context.Context) (struct{}, error) {
		if c.processes == nil {
			return struct{}{}, errors.New("no process table configured")
		}
		return struct{}{}, c.processes.Alive(ctx, rec)
	})
	if err != nil {
		return c.fail(res, LayerProcess, err)
	}
	res.Layers = append(res.Layers, passed(LayerProcess, fmt.Sprintf("pid %d live", rec.PID)))

	// 3. Endpoint live
	want := t.SuccessStatus
	if want == 0 {
		want = http.StatusOK
	}
	_, err = runLayer(ctx, c.timeout, func(ctx context.Context) (struct{}, error) {
		if c.endpoints == nil {
			return struct{}{}, errors.New("no endpoint prober configured")
		}
		if t.HealthURL == "" {
			return struct{}{}, errors.New("no health url configured")
		}
		return struct{}{}, c.endpoints.Probe(ctx, t.HealthURL, want)
	})
	if err != nil {
		return c.fail(res, LayerEndpoint, err)
	}
	res.Layers = append(res.Layers, passed(LayerEndpoint, fmt.Sprintf("%s answered %d", t.HealthURL, want)))

	res.Up = true
	res.FailedLayer = LayerNone
	return res
}

// CheckAll checks distinct targets concurrently. Results keep target order.
func (c *Checker) CheckAll(ctx context.Context, targets []Target) Report {
	results := make([]Result, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = c.Check(ctx, t)
		}(i, t)
	}
	wg.Wait()

	return Report{Results: results}
}

func (c *Checker) fail(res Result, layer Layer, err error) Result {
	res.Up = false
	res.FailedLayer = layer
	res.Layers = append(res.Layers, evidence.LayerOutcome{
		Layer:  int(layer),
		Name:   layer.String(),
		OK:     false,
		Detail: err.Error(),
	})
	c.logger.Warn("liveness layer failed",
		"target", res.Target,
		"layer", layer.String(),
		"required", res.Required,
		"error", err,
	)
	return res
}

func passed(layer Layer, detail string) evidence.LayerOutcome {
	return evidence.LayerOutcome{Layer: int(layer), Name: layer.String(), OK: true, Detail: detail}
}

// runLayer bounds fn by timeout and converts panics into errors.
func runLayer[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type out struct {
		v   T
		err error
	}
	ch := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- out{zero, fmt.Errorf("layer panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- out{v, err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("layer timed out: %w", ctx.Err())
	}
}
