package aggregate

import "math"

type aggAvg struct {
	count int
	sum   float64
}

func (a *aggAvg) Update(_ int64, v float64) { a.sum += v; a.count++ }
func (a *aggAvg) Current() (float64, bool) {
	if a.count == 0 {
		return 0, false
	}
	return a.sum / float64(a.count), true
}
func (a *aggAvg) Reset()              { a.sum, a.count = 0, 0 }
func (a *aggAvg) EmptyValue() float64 { return nan }
func (a *aggAvg) Kind() Kind          { return KindAvg }

type aggSum struct {
	sum  float64
	seen bool
}

func (a *aggSum) Update(_ int64, v float64) { a.sum += v; a.seen = true }
func (a *aggSum) Current() (float64, bool)  { return a.sum, a.seen }
func (a *aggSum) Reset()                    { a.sum, a.seen = 0, false }
func (a *aggSum) EmptyValue() float64       { return 0 }
func (a *aggSum) Kind() Kind                { return KindSum }

type aggCount struct {
	n int
}

func (a *aggCount) Update(_ int64, _ float64) { a.n++ }
func (a *aggCount) Current() (float64, bool)  { return float64(a.n), a.n > 0 }
func (a *aggCount) Reset()                    { a.n = 0 }
func (a *aggCount) EmptyValue() float64       { return 0 }
func (a *aggCount) Kind() Kind                { return KindCount }

type aggMin struct {
	v  float64
	ok bool
}

func (a *aggMin) Update(_ int64, v float64) {
	if !a.ok || v < a.v {
		a.v = v
	}
	a.ok = true
}
func (a *aggMin) Current() (float64, bool) { return a.v, a.ok }
func (a *aggMin) Reset()                   { a.v, a.ok = 0, false }
func (a *aggMin) EmptyValue() float64      { return nan }
func (a *aggMin) Kind() Kind               { return KindMin }

type aggMax struct {
	v  float64
	ok bool
}

func (a *aggMax) Update(_ int64, v float64) {
	if !a.ok || v > a.v {
		a.v = v
	}
	a.ok = true
}
func (a *aggMax) Current() (float64, bool) { return a.v, a.ok }
func (a *aggMax) Reset()                   { a.v, a.ok = 0, false }
func (a *aggMax) EmptyValue() float64      { return nan }
func (a *aggMax) Kind() Kind               { return KindMax }

type aggRange struct {
	min, max float64
	ok       bool
}

func (a *aggRange) Update(_ int64, v float64) {
	if !a.ok {
		a.min, a.max = v, v
		a.ok = true
		return
	}
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
}
func (a *aggRange) Current() (float64, bool) { return a.max - a.min, a.ok }
func (a *aggRange) Reset()                   { a.min, a.max, a.ok = 0, 0, false }
func (a *aggRange) EmptyValue() float64      { return nan }
func (a *aggRange) Kind() Kind               { return KindRange }

type aggFirst struct {
	v  float64
	ok bool
}

func (a *aggFirst) Update(_ int64, v float64) {
	if !a.ok {
		a.v, a.ok = v, true
	}
}
func (a *aggFirst) Current() (float64, bool) { return a.v, a.ok }
func (a *aggFirst) Reset()                   { a.v, a.ok = 0, false }
func (a *aggFirst) EmptyValue() float64      { return nan }
func (a *aggFirst) Kind() Kind               { return KindFirst }

type aggLast struct {
	v  float64
	ok bool
}

func (a *aggLast) Update(_ int64, v float64) { a.v, a.ok = v, true }
func (a *aggLast) Current() (float64, bool)  { return a.v, a.ok }
func (a *aggLast) Reset()                    { a.v, a.ok = 0, false }
func (a *aggLast) EmptyValue() float64       { return nan }
func (a *aggLast) Kind() Kind                { return KindLast }

// aggVariance streams mean and variance with Welford's algorithm and
// finalizes per the population/sample std/var variant it was built for.
type aggVariance struct {
	kind  Kind
	count int
	mean  float64
	m2    float64
}

func (a *aggVariance) Update(_ int64, v float64) {
	a.count++
	d := v - a.mean
	a.mean += d / float64(a.count)
	a.m2 += d * (v - a.mean)
}

func (a *aggVariance) Current() (float64, bool) {
	if a.count == 0 {
		return 0, false
	}
	var variance float64
	switch a.kind {
	case KindVarP, KindStdP:
		variance = a.m2 / float64(a.count)
	default:
		// Sample variants need at least two points.
		if a.count < 2 {
			return nan, true
		}
		variance = a.m2 / float64(a.count-1)
	}
	if a.kind == KindStdP || a.kind == KindStdS {
		return math.Sqrt(variance), true
	}
	return variance, true
}

func (a *aggVariance) Reset()              { a.count, a.mean, a.m2 = 0, 0, 0 }
func (a *aggVariance) EmptyValue() float64 { return nan }
func (a *aggVariance) Kind() Kind          { return a.kind }

// aggIncrease sums positive deltas between consecutive samples, treating any
// negative delta as a counter reset: the post-reset value is added instead of
// the negative difference. With rateSeconds > 0 it doubles as the rate
// aggregator, normalizing by the bucket length.
type aggIncrease struct {
	rateSeconds float64
	prev        float64
	hasPrev     bool
	total       float64
	n           int
}

func (a *aggIncrease) Update(_ int64, v float64) {
	if a.hasPrev {
		if d := v - a.prev; d >= 0 {
			a.total += d
		} else {
			// Counter reset: count the whole post-reset value.
			a.total += v
		}
	}
	a.prev = v
	a.hasPrev = true
	a.n++
}

func (a *aggIncrease) Current() (float64, bool) {
	if a.n == 0 {
		return 0, false
	}
	if a.rateSeconds > 0 {
		return a.total / a.rateSeconds, true
	}
	return a.total, true
}

func (a *aggIncrease) Reset() {
	a.prev, a.hasPrev, a.total, a.n = 0, false, 0, 0
}
func (a *aggIncrease) EmptyValue() float64 { return 0 }
func (a *aggIncrease) Kind() Kind {
	if a.rateSeconds > 0 {
		return KindRate
	}
	return KindIncrease
}

// aggIRate derives an instantaneous per-second rate from the last two samples
// of the bucket, reset-aware like increase.
type aggIRate struct {
	t1, t2 int64
	v1, v2 float64
	n      int
}

func (a *aggIRate) Update(ts int64, v float64) {
	a.t1, a.v1 = a.t2, a.v2
	a.t2, a.v2 = ts, v
	a.n++
}

func (a *aggIRate) Current() (float64, bool) {
	if a.n == 0 {
		return 0, false
	}
	if a.n < 2 || a.t2 <= a.t1 {
		return nan, true
	}
	d := a.v2 - a.v1
	if d < 0 {
		d = a.v2
	}
	return d / (float64(a.t2-a.t1) / 1000), true
}

func (a *aggIRate) Reset()              { a.t1, a.t2, a.v1, a.v2, a.n = 0, 0, 0, 0, 0 }
func (a *aggIRate) EmptyValue() float64 { return nan }
func (a *aggIRate) Kind() Kind          { return KindIRate }

// aggConditional backs countif, sumif, share, all, any and none. It keeps a
// matching count/sum next to the total count so every variant finalizes in
// O(1).
type aggConditional struct {
	kind     Kind
	cond     Condition
	total    int
	matching int
	matchSum float64
}

func (a *aggConditional) Update(_ int64, v float64) {
	a.total++
	if a.cond.Match(v) {
		a.matching++
		a.matchSum += v
	}
}

func (a *aggConditional) Current() (float64, bool) {
	if a.total == 0 {
		return 0, false
	}
	switch a.kind {
	case KindCountIf:
		return float64(a.matching), true
	case KindSumIf:
		return a.matchSum, true
	case KindShare:
		return float64(a.matching) / float64(a.total), true
	case KindAll:
		return boolValue(a.matching == a.total), true
	case KindAny:
		return boolValue(a.matching > 0), true
	default: // KindNone
		return boolValue(a.matching == 0), true
	}
}

func (a *aggConditional) Reset() {
	a.total, a.matching, a.matchSum = 0, 0, 0
}

func (a *aggConditional) EmptyValue() float64 {
	switch a.kind {
	case KindCountIf, KindSumIf:
		return 0
	default:
		return nan
	}
}

func (a *aggConditional) Kind() Kind { return a.kind }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
