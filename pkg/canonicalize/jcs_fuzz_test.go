package canonicalize_test

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/Mindburn-Labs/relgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/relgate/pkg/evidence"
)

func FuzzTransform(f *testing.F) {
	f.Add([]byte(`{"version":1,"thresholds":{"score_threshold":90,"max_gap":10,"section_floor":15}}`))
	f.Add([]byte(`{"gates":[{"id":"coverage","class":"B","weight":1,"predicate":{"kind":"range","field":"value","min":80,"warn_min":70}}]}`))
	f.Add([]byte(`{"verdict":"BLOCK","violations":[{"condition":"a","code":"LIVENESS_DOWN","message":"gateway DOWN at layer 2 <process>"}]}`))
	f.Add([]byte(`{"fact":{"failing":["suite.TestB","suite.TestA"],"passed":41,"failed":1,"total":42},"kind":"test_run"}`))
	f.Add([]byte(`{"score":98.75,"gap":1.2500,"min_section":1e2}`))
	f.Add([]byte(`{"reason":"line1\nline2\ttab é"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		out, err := canonicalize.Transform(data)
		if err != nil {
			return
		}
		if !json.Valid(out) {
			t.Fatalf("canonical output is not JSON: %s", out)
		}
		again, err := canonicalize.Transform(out)
		if err != nil {
			t.Fatalf("canonical output rejected on second pass: %v", err)
		}
		if !bytes.Equal(out, again) {
			t.Fatalf("not idempotent:\n%s\n%s", out, again)
		}
	})
}

func FuzzJCS_MetricValue(f *testing.F) {
	for _, v := range []float64{0, 81.5, 97.5, 1e21, 1e-7, -3.25, 0.1 + 0.2} {
		f.Add(v)
	}

	f.Fuzz(func(t *testing.T, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		data, err := canonicalize.JCS(evidence.Metric{Name: "coverage", Value: v})
		if err != nil {
			t.Fatalf("JCS(%v): %v", v, err)
		}
		var back evidence.Metric
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if back.Value != v {
			t.Fatalf("value %v came back as %v (%s)", v, back.Value, data)
		}
		twice, err := canonicalize.JCS(back)
		if err != nil || !bytes.Equal(data, twice) {
			t.Fatalf("re-encoding changed bytes: %s vs %s (%v)", data, twice, err)
		}
	})
}
