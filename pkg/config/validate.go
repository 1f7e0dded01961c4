package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
	"github.com/Mindburn-Labs/relgate/pkg/gate"
)

// Problems checks the rules a schema cannot express. The order of the
// returned problems follows the document.
func (m *Matrix) Problems() []string {
	var out []string
	add := func(format string, args ...any) { out = append(out, fmt.Sprintf(format, args...)) }

	out = append(out, m.Thresholds.Problems()...)
	for _, p := range m.Scoring.Problems() {
		out = append(out, "scoring: "+p)
	}

	// Liveness
	switch m.Liveness.Source {
	case SourceFile:
		if m.Liveness.Dir == "" {
			add("liveness: file source needs a dir")
		}
	case SourceRedis:
		if m.Liveness.RedisURL == "" {
			add("liveness: redis source needs a redis_url")
		}
	default:
		add("liveness: unknown source %q", m.Liveness.Source)
	}
	seenTargets := make(map[string]bool)
	required := 0
	for _, t := range m.Targets {
		if seenTargets[t.Name] {
			add("target %s: duplicate name", t.Name)
		}
		seenTargets[t.Name] = true
		if t.Required {
			required++
		}
	}
	if len(m.Targets) > 0 && required == 0 {
		add("targets: at least one target must be required")
	}

	// Probes
	seenKeys := make(map[evidence.Key]bool)
	for _, p := range m.Probes {
		where := "probe " + string(p.Key)
		if seenKeys[p.Key] {
			add("%s: duplicate key", where)
		}
		seenKeys[p.Key] = true
		if strings.HasPrefix(string(p.Key), "liveness.") || strings.HasPrefix(string(p.Key), "determinism.") {
			add("%s: keys under liveness. and determinism. are reserved", where)
		}
		if p.MaxRuntime < 0 {
			add("%s: max_runtime must not be negative", where)
		}
		switch p.Kind {
		case ProbeTestSuite:
			if p.Command == nil {
				add("%s: test_suite needs a command", where)
			}
		case ProbeChaosDrill:
			if p.Command == nil {
				add("%s: chaos_drill needs a command", where)
			}
			if p.Scenario == "" {
				add("%s: chaos_drill needs a scenario", where)
			}
			if m.Stack.Name == "" {
				add("%s: chaos_drill needs a stack", where)
			}
		case ProbeTestReport, ProbeHash:
			if p.Path == "" {
				add("%s: %s needs a path", where, p.Kind)
			}
		case ProbeMetric:
			if p.Path == "" || p.Field == "" {
				add("%s: metric needs a path and a field", where)
			}
		default:
			add("%s: unknown kind %q", where, p.Kind)
		}
	}

	// Determinism
	if len(m.Determinism.Checks) == 0 {
		add("determinism: at least one check is required")
	}
	seenChecks := make(map[string]bool)
	for _, c := range m.Determinism.Checks {
		if seenChecks[c.Name] {
			add("determinism check %s: duplicate name", c.Name)
		}
		seenChecks[c.Name] = true
	}

	// Gates
	out = append(out, gate.Problems(m.Gates)...)
	declared := m.DeclaredKeys()
	for _, g := range m.Gates {
		var unknown []string
		for _, k := range g.Requires {
			if _, ok := declared[k]; !ok && k != "" {
				unknown = append(unknown, string(k))
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			add("gate %s: requires %s, which no probe, target or determinism check declares", g.ID, strings.Join(unknown, ", "))
		}
	}
	if len(m.Gates) == 0 {
		add("gates: the matrix declares no gates")
	}
	return out
}
