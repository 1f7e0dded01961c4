package gate

import (
	"fmt"
	"math"
	"strconv"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
)

// PredicateKind selects one of the closed set of predicate variants.
type PredicateKind string

const (
	KindThreshold PredicateKind = "threshold"
	KindEquality  PredicateKind = "equality"
	KindRange     PredicateKind = "range"
	KindDiffEmpty PredicateKind = "diff_empty"
)

// Op is a threshold comparison operator.
type Op string

const (
	OpGT Op = "gt"
	OpGE Op = "ge"
	OpLT Op = "lt"
	OpLE Op = "le"
	OpEQ Op = "eq"
	OpNE Op = "ne"
)

func (o Op) valid() bool {
	switch o {
	case OpGT, OpGE, OpLT, OpLE, OpEQ, OpNE:
		return true
	}
	return false
}

func (o Op) holds(x, y float64) bool {
	switch o {
	case OpGT:
		return x > y
	case OpGE:
		return x >= y
	case OpLT:
		return x < y
	case OpLE:
		return x <= y
	case OpEQ:
		return x == y
	case OpNE:
		return x != y
	}
	return false
}

// Predicate is a declarative test over one fact. Which parameters apply
// depends on Kind:
//
//	threshold  field op value [warn_value]
//	equality   field expected
//	range      field [min] [max] [warn_min] [warn_max]
//	diff_empty [field]  (defaults to "diff")
type Predicate struct {
	Kind      PredicateKind `yaml:"kind" json:"kind"`
	Field     string        `yaml:"field,omitempty" json:"field,omitempty"`
	Op        Op            `yaml:"op,omitempty" json:"op,omitempty"`
	Value     *float64      `yaml:"value,omitempty" json:"value,omitempty"`
	WarnValue *float64      `yaml:"warn_value,omitempty" json:"warn_value,omitempty"`
	Expected  any           `yaml:"expected,omitempty" json:"expected,omitempty"`
	Min       *float64      `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64      `yaml:"max,omitempty" json:"max,omitempty"`
	WarnMin   *float64      `yaml:"warn_min,omitempty" json:"warn_min,omitempty"`
	WarnMax   *float64      `yaml:"warn_max,omitempty" json:"warn_max,omitempty"`
}

// HasWarnTier reports whether the predicate can yield WARN.
func (p Predicate) HasWarnTier() bool {
	return p.WarnValue != nil || p.WarnMin != nil || p.WarnMax != nil
}

func (p Predicate) problems() []string {
	var out []string
	switch p.Kind {
	case KindThreshold:
		if p.Field == "" {
			out = append(out, "threshold predicate needs a field")
		}
		if !p.Op.valid() {
			out = append(out, fmt.Sprintf("unknown threshold op %q", p.Op))
		}
		if p.Value == nil {
			out = append(out, "threshold predicate needs a value")
		}
		if p.WarnValue != nil && p.Value != nil {
			switch p.Op {
			case OpGT, OpGE:
				if *p.WarnValue > *p.Value {
					out = append(out, "warn_value must not be stricter than value")
				}
			case OpLT, OpLE:
				if *p.WarnValue < *p.Value {
					out = append(out, "warn_value must not be stricter than value")
				}
			default:
				out = append(out, fmt.Sprintf("op %q has no warn tier", p.Op))
			}
		}
	case KindEquality:
		if p.Field == "" {
			out = append(out, "equality predicate needs a field")
		}
		if p.Expected == nil {
			out = append(out, "equality predicate needs an expected value")
		} else if _, ok := normalize(p.Expected); !ok {
			out = append(out, fmt.Sprintf("unsupported expected value %v", p.Expected))
		}
	case KindRange:
		if p.Field == "" {
			out = append(out, "range predicate needs a field")
		}
		if p.Min == nil && p.Max == nil {
			out = append(out, "range predicate needs min or max")
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			out = append(out, "range min exceeds max")
		}
		if p.WarnMin != nil && p.Min != nil && *p.WarnMin > *p.Min {
			out = append(out, "warn_min must not exceed min")
		}
		if p.WarnMax != nil && p.Max != nil && *p.WarnMax < *p.Max {
			out = append(out, "warn_max must not be below max")
		}
	case KindDiffEmpty:
	case "":
		out = append(out, "predicate kind is required")
	default:
		out = append(out, fmt.Sprintf("unknown predicate kind %q", p.Kind))
	}
	return out
}

// apply evaluates the predicate against one fact. Malformed evidence yields
// BLOCK with the reason.
func (p Predicate) apply(key evidence.Key, fact evidence.Fact) (Status, string) {
	if err := fact.Validate(); err != nil {
		return StatusBlock, fmt.Sprintf("%s: malformed %s evidence: %v", key, fact.Kind(), err)
	}

	field := p.Field
	if p.Kind == KindDiffEmpty && field == "" {
		field = "diff"
	}
	raw, ok := fact.Field(field)
	if !ok {
		return StatusBlock, fmt.Sprintf("%s: %s evidence has no field %q", key, fact.Kind(), field)
	}

	switch p.Kind {
	case KindThreshold:
		x, ok := number(raw)
		if !ok {
			return StatusBlock, fmt.Sprintf("%s: field %q is not numeric", key, field)
		}
		switch {
		case p.Op.holds(x, *p.Value):
			return StatusPass, fmt.Sprintf("%s: %s=%s %s %s", key, field, fmtNum(x), p.Op, fmtNum(*p.Value))
		case p.WarnValue != nil && p.Op.holds(x, *p.WarnValue):
			return StatusWarn, fmt.Sprintf("%s: %s=%s within warn tier %s %s", key, field, fmtNum(x), p.Op, fmtNum(*p.WarnValue))
		default:
			return StatusBlock, fmt.Sprintf("%s: %s=%s fails %s %s", key, field, fmtNum(x), p.Op, fmtNum(*p.Value))
		}

	case KindEquality:
		got, ok := normalize(raw)
		if !ok {
			return StatusBlock, fmt.Sprintf("%s: field %q has unsupported type", key, field)
		}
		want, _ := normalize(p.Expected)
		if got == want {
			return StatusPass, fmt.Sprintf("%s: %s=%v", key, field, got)
		}
		return StatusBlock, fmt.Sprintf("%s: %s=%v, expected %v", key, field, got, want)

	case KindRange:
		x, ok := number(raw)
		if !ok {
			return StatusBlock, fmt.Sprintf("%s: field %q is not numeric", key, field)
		}
		if within(x, p.Min, p.Max) {
			return StatusPass, fmt.Sprintf("%s: %s=%s within %s", key, field, fmtNum(x), bounds(p.Min, p.Max))
		}
		if p.WarnMin != nil || p.WarnMax != nil {
			lo, hi := p.Min, p.Max
			if p.WarnMin != nil {
				lo = p.WarnMin
			}
			if p.WarnMax != nil {
				hi = p.WarnMax
			}
			if within(x, lo, hi) {
				return StatusWarn, fmt.Sprintf("%s: %s=%s within warn tier %s", key, field, fmtNum(x), bounds(lo, hi))
			}
		}
		return StatusBlock, fmt.Sprintf("%s: %s=%s outside %s", key, field, fmtNum(x), bounds(p.Min, p.Max))

	case KindDiffEmpty:
		list, ok := raw.([]string)
		if !ok {
			return StatusBlock, fmt.Sprintf("%s: field %q is not a list", key, field)
		}
		if len(list) == 0 {
			return StatusPass, fmt.Sprintf("%s: %s is empty", key, field)
		}
		return StatusBlock, fmt.Sprintf("%s: %s has %d entries: %v", key, field, len(list), list)
	}
	return StatusBlock, fmt.Sprintf("%s: unknown predicate kind %q", key, p.Kind)
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// normalize maps comparable scalars to bool, string or float64.
func normalize(v any) (any, bool) {
	switch x := v.(type) {
	case bool, string:
		return x, true
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return nil, false
}

func within(x float64, lo, hi *float64) bool {
	if lo != nil && x < *lo {
		return false
	}
	if hi != nil && x > *hi {
		return false
	}
	return true
}

func bounds(lo, hi *float64) string {
	l, h := "-inf", "+inf"
	if lo != nil {
		l = fmtNum(*lo)
	}
	if hi != nil {
		h = fmtNum(*hi)
	}
	return "[" + l + ", " + h + "]"
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
