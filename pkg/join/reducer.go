package join

import (
	"fmt"
	"math"
)

// Reducer folds the two sides of a joined row into one value.
type Reducer int

const (
	ReduceAdd Reducer = iota
	ReduceSub
	ReduceMul
	ReduceDiv
	ReduceAvg
	ReduceMin
	ReduceMax
	ReduceCmp
	ReduceCoalesce
	ReducePctChange
	ReduceAbsDiff
)

var reducerNames = map[Reducer]string{
	ReduceAdd:       "add",
	ReduceSub:       "sub",
	ReduceMul:       "mul",
	ReduceDiv:       "div",
	ReduceAvg:       "avg",
	ReduceMin:       "min",
	ReduceMax:       "max",
	ReduceCmp:       "cmp",
	ReduceCoalesce:  "coalesce",
	ReducePctChange: "pct_change",
	ReduceAbsDiff:   "abs_diff",
}

func (r Reducer) String() string {
	if s, ok := reducerNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reducer(%d)", int(r))
}

func ParseReducer(s string) (Reducer, error) {
	for r, name := range reducerNames {
		if name == s {
			return r, nil
		}
	}
	return ReduceAdd, fmt.Errorf("unknown reducer %q", s)
}

// Apply folds a row. Coalesce returns the first present, non-NaN
// operand; every other reducer yields NaN when either side is absent.
func (r Reducer) Apply(left, right float64, hasLeft, hasRight bool) float64 {
	if r == ReduceCoalesce {
		if hasLeft && !math.IsNaN(left) {
			return left
		}
		if hasRight && !math.IsNaN(right) {
			return right
		}
		return math.NaN()
	}
	if !hasLeft || !hasRight {
		return math.NaN()
	}
	switch r {
	case ReduceAdd:
		return left + right
	case ReduceSub:
		return left - right
	case ReduceMul:
		return left * right
	case ReduceDiv:
		if right == 0 {
			return math.NaN()
		}
		return left / right
	case ReduceAvg:
		return (left + right) / 2
	case ReduceMin:
		return math.Min(left, right)
	case ReduceMax:
		return math.Max(left, right)
	case ReduceCmp:
		switch {
		case left < right:
			return -1
		case left > right:
			return 1
		default:
			return 0
		}
	case ReducePctChange:
		if left == 0 {
			return math.NaN()
		}
		return (right - left) / math.Abs(left) * 100
	case ReduceAbsDiff:
		return math.Abs(left - right)
	}
	return math.NaN()
}
