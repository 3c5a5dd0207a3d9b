// Package aggregate implements the streaming bucket aggregators used by
// range queries and compaction rules. Every aggregator is incrementally
// updatable: feeding one sample is O(1), which is what lets compaction update
// its open bucket on every ingested sample without re-scanning.
package aggregate

import (
	"fmt"
	"math"
)

// Kind identifies an aggregation function.
type Kind uint8

const (
	KindAvg Kind = iota
	KindSum
	KindCount
	KindMin
	KindMax
	KindRange
	KindFirst
	KindLast
	KindStdP
	KindStdS
	KindVarP
	KindVarS
	KindIncrease
	KindRate
	KindIRate
	KindCountIf
	KindSumIf
	KindShare
	KindAll
	KindAny
	KindNone
)

var kindNames = map[Kind]string{
	KindAvg:      "avg",
	KindSum:      "sum",
	KindCount:    "count",
	KindMin:      "min",
	KindMax:      "max",
	KindRange:    "range",
	KindFirst:    "first",
	KindLast:     "last",
	KindStdP:     "std.p",
	KindStdS:     "std.s",
	KindVarP:     "var.p",
	KindVarS:     "var.s",
	KindIncrease: "increase",
	KindRate:     "rate",
	KindIRate:    "irate",
	KindCountIf:  "countif",
	KindSumIf:    "sumif",
	KindShare:    "share",
	KindAll:      "all",
	KindAny:      "any",
	KindNone:     "none",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseKind maps an aggregation name to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregation type %q", s)
}

// Conditional reports whether the kind requires a CONDITION clause.
func (k Kind) Conditional() bool {
	switch k {
	case KindCountIf, KindSumIf, KindShare, KindAll, KindAny, KindNone:
		return true
	}
	return false
}

// CondOp is a comparison operator for conditional aggregators.
type CondOp uint8

const (
	OpLT CondOp = iota
	OpLE
	OpGT
	OpGE
	OpEQ
	OpNE
)

// Condition is the predicate a conditional aggregator evaluates per sample.
type Condition struct {
	Op    CondOp
	Value float64
}

// ParseCondOp parses one of <, <=, >, >=, =, !=.
func ParseCondOp(s string) (CondOp, error) {
	switch s {
	case "<":
		return OpLT, nil
	case "<=":
		return OpLE, nil
	case ">":
		return OpGT, nil
	case ">=":
		return OpGE, nil
	case "=", "==":
		return OpEQ, nil
	case "!=":
		return OpNE, nil
	default:
		return 0, fmt.Errorf("invalid condition operator %q", s)
	}
}

// Match evaluates the predicate for a sample value.
func (c Condition) Match(v float64) bool {
	switch c.Op {
	case OpLT:
		return v < c.Value
	case OpLE:
		return v <= c.Value
	case OpGT:
		return v > c.Value
	case OpGE:
		return v >= c.Value
	case OpEQ:
		return v == c.Value
	case OpNE:
		return v != c.Value
	default:
		return false
	}
}

// Config carries the per-instance parameters an aggregator may need.
type Config struct {
	// Condition is required for conditional kinds and ignored otherwise.
	Condition *Condition
	// BucketDurationMillis is required for KindRate, which normalizes the
	// accumulated increase by the bucket length in seconds.
	BucketDurationMillis int64
}

// Aggregator accumulates samples for one bucket.
type Aggregator interface {
	// Update feeds one sample. Amortized O(1).
	Update(ts int64, v float64)
	// Current returns the accumulated result; ok is false while the bucket
	// has seen no samples.
	Current() (v float64, ok bool)
	// Reset clears the state for the next bucket.
	Reset()
	// EmptyValue is what an empty bucket emits when empty buckets are
	// requested.
	EmptyValue() float64
	Kind() Kind
}

// New builds a fresh aggregator for the given kind.
func New(kind Kind, cfg Config) (Aggregator, error) {
	if kind.Conditional() && cfg.Condition == nil {
		return nil, fmt.Errorf("aggregation %s requires a condition", kind)
	}
	switch kind {
	case KindAvg:
		return &aggAvg{}, nil
	case KindSum:
		return &aggSum{}, nil
	case KindCount:
		return &aggCount{}, nil
	case KindMin:
		return &aggMin{}, nil
	case KindMax:
		return &aggMax{}, nil
	case KindRange:
		return &aggRange{}, nil
	case KindFirst:
		return &aggFirst{}, nil
	case KindLast:
		return &aggLast{}, nil
	case KindStdP:
		return &aggVariance{kind: KindStdP}, nil
	case KindStdS:
		return &aggVariance{kind: KindStdS}, nil
	case KindVarP:
		return &aggVariance{kind: KindVarP}, nil
	case KindVarS:
		return &aggVariance{kind: KindVarS}, nil
	case KindIncrease:
		return &aggIncrease{}, nil
	case KindRate:
		if cfg.BucketDurationMillis <= 0 {
			return nil, fmt.Errorf("aggregation rate requires a bucket duration")
		}
		return &aggIncrease{rateSeconds: float64(cfg.BucketDurationMillis) / 1000}, nil
	case KindIRate:
		return &aggIRate{}, nil
	case KindCountIf, KindSumIf, KindShare, KindAll, KindAny, KindNone:
		return &aggConditional{kind: kind, cond: *cfg.Condition}, nil
	default:
		return nil, fmt.Errorf("unknown aggregation kind %d", kind)
	}
}

// nan keeps the handlers terse.
var nan = math.NaN()
