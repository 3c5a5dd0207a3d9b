package aggregate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tskv/tskv/pkg/chunk"
)

func mustNew(t *testing.T, kind Kind, cfg Config) Aggregator {
	t.Helper()
	a, err := New(kind, cfg)
	require.NoError(t, err)
	return a
}

func feed(a Aggregator, samples ...chunk.Sample) {
	for _, s := range samples {
		a.Update(s.Timestamp, s.Value)
	}
}

func TestSimpleAggregators(t *testing.T) {
	samples := []chunk.Sample{
		{Timestamp: 10, Value: 4},
		{Timestamp: 20, Value: 1},
		{Timestamp: 30, Value: 7},
		{Timestamp: 40, Value: 2},
	}

	cases := []struct {
		kind Kind
		want float64
	}{
		{KindSum, 14},
		{KindCount, 4},
		{KindAvg, 3.5},
		{KindMin, 1},
		{KindMax, 7},
		{KindRange, 6},
		{KindFirst, 4},
		{KindLast, 2},
	}
	for _, tc := range cases {
		a := mustNew(t, tc.kind, Config{})
		feed(a, samples...)
		v, ok := a.Current()
		require.True(t, ok, tc.kind.String())
		require.Equal(t, tc.want, v, tc.kind.String())
	}
}

func TestEmptyBucketState(t *testing.T) {
	for kind, wantEmpty := range map[Kind]float64{
		KindSum:   0,
		KindCount: 0,
		KindAvg:   math.NaN(),
		KindMin:   math.NaN(),
	} {
		a := mustNew(t, kind, Config{})
		_, ok := a.Current()
		require.False(t, ok)
		if math.IsNaN(wantEmpty) {
			require.True(t, math.IsNaN(a.EmptyValue()))
		} else {
			require.Equal(t, wantEmpty, a.EmptyValue())
		}
	}
}

func TestVariance(t *testing.T) {
	samples := []chunk.Sample{
		{Timestamp: 1, Value: 2},
		{Timestamp: 2, Value: 4},
		{Timestamp: 3, Value: 4},
		{Timestamp: 4, Value: 4},
		{Timestamp: 5, Value: 5},
		{Timestamp: 6, Value: 5},
		{Timestamp: 7, Value: 7},
		{Timestamp: 8, Value: 9},
	}

	varP := mustNew(t, KindVarP, Config{})
	feed(varP, samples...)
	v, ok := varP.Current()
	require.True(t, ok)
	require.InDelta(t, 4.0, v, 1e-9)

	stdP := mustNew(t, KindStdP, Config{})
	feed(stdP, samples...)
	v, _ = stdP.Current()
	require.InDelta(t, 2.0, v, 1e-9)

	varS := mustNew(t, KindVarS, Config{})
	feed(varS, samples...)
	v, _ = varS.Current()
	require.InDelta(t, 32.0/7.0, v, 1e-9)

	// Sample variants need at least two points.
	single := mustNew(t, KindVarS, Config{})
	single.Update(1, 3)
	v, ok = single.Current()
	require.True(t, ok)
	require.True(t, math.IsNaN(v))
}

func TestRateFamily(t *testing.T) {
	// Monotonic [10, 20, 35] over a 30s bucket: increase = 25, rate = 25/30.
	inc := mustNew(t, KindIncrease, Config{})
	feed(inc,
		chunk.Sample{Timestamp: 0, Value: 10},
		chunk.Sample{Timestamp: 10_000, Value: 20},
		chunk.Sample{Timestamp: 20_000, Value: 35},
	)
	v, ok := inc.Current()
	require.True(t, ok)
	require.Equal(t, 25.0, v)

	rate := mustNew(t, KindRate, Config{BucketDurationMillis: 30_000})
	feed(rate,
		chunk.Sample{Timestamp: 0, Value: 10},
		chunk.Sample{Timestamp: 10_000, Value: 20},
		chunk.Sample{Timestamp: 20_000, Value: 35},
	)
	v, _ = rate.Current()
	require.InDelta(t, 25.0/30.0, v, 1e-12)
}

func TestIncreaseCounterReset(t *testing.T) {
	// 10 -> 25 -> reset to 3 -> 10: deltas 15, +3 (post-reset value), 7.
	a := mustNew(t, KindIncrease, Config{})
	feed(a,
		chunk.Sample{Timestamp: 0, Value: 10},
		chunk.Sample{Timestamp: 1000, Value: 25},
		chunk.Sample{Timestamp: 2000, Value: 3},
		chunk.Sample{Timestamp: 3000, Value: 10},
	)
	v, _ := a.Current()
	require.Equal(t, 25.0, v)
}

func TestIRate(t *testing.T) {
	a := mustNew(t, KindIRate, Config{})
	feed(a,
		chunk.Sample{Timestamp: 0, Value: 5},
		chunk.Sample{Timestamp: 1000, Value: 8},
		chunk.Sample{Timestamp: 3000, Value: 14},
	)
	v, ok := a.Current()
	require.True(t, ok)
	require.InDelta(t, 3.0, v, 1e-12) // (14-8) / 2s

	// A single sample cannot produce an instant rate.
	one := mustNew(t, KindIRate, Config{})
	one.Update(0, 5)
	v, ok = one.Current()
	require.True(t, ok)
	require.True(t, math.IsNaN(v))

	// Reset-aware: falling value uses the post-reset level.
	reset := mustNew(t, KindIRate, Config{})
	feed(reset,
		chunk.Sample{Timestamp: 0, Value: 10},
		chunk.Sample{Timestamp: 2000, Value: 4},
	)
	v, _ = reset.Current()
	require.InDelta(t, 2.0, v, 1e-12)
}

func TestConditionalAggregators(t *testing.T) {
	cond := &Condition{Op: OpGT, Value: 5}
	samples := []chunk.Sample{
		{Timestamp: 1, Value: 3},
		{Timestamp: 2, Value: 6},
		{Timestamp: 3, Value: 9},
		{Timestamp: 4, Value: 5},
	}

	cases := []struct {
		kind Kind
		want float64
	}{
		{KindCountIf, 2},
		{KindSumIf, 15},
		{KindShare, 0.5},
		{KindAll, 0},
		{KindAny, 1},
		{KindNone, 0},
	}
	for _, tc := range cases {
		a := mustNew(t, tc.kind, Config{Condition: cond})
		feed(a, samples...)
		v, ok := a.Current()
		require.True(t, ok, tc.kind.String())
		require.Equal(t, tc.want, v, tc.kind.String())
	}

	// Conditional kinds demand a condition.
	_, err := New(KindCountIf, Config{})
	require.Error(t, err)
}

func TestCondOps(t *testing.T) {
	for s, want := range map[string]bool{
		"<":  Condition{Op: OpLT, Value: 5}.Match(4),
		"<=": Condition{Op: OpLE, Value: 5}.Match(5),
		">":  Condition{Op: OpGT, Value: 5}.Match(6),
		">=": Condition{Op: OpGE, Value: 5}.Match(5),
		"=":  Condition{Op: OpEQ, Value: 5}.Match(5),
		"!=": Condition{Op: OpNE, Value: 5}.Match(4),
	} {
		op, err := ParseCondOp(s)
		require.NoError(t, err)
		_ = op
		require.True(t, want, s)
	}
	_, err := ParseCondOp("~")
	require.Error(t, err)
}

func TestBucketizeSum(t *testing.T) {
	samples := []chunk.Sample{
		{Timestamp: 10, Value: 1},
		{Timestamp: 15, Value: 2},
		{Timestamp: 20, Value: 3},
		{Timestamp: 30, Value: 4},
		{Timestamp: 40, Value: 5},
		{Timestamp: 50, Value: 6},
		{Timestamp: 60, Value: 7},
	}
	out, err := Bucketize(samples, Options{Kind: KindSum, BucketDuration: 10}, 0)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 10, Value: 3},
		{Timestamp: 20, Value: 3},
		{Timestamp: 30, Value: 4},
		{Timestamp: 40, Value: 5},
		{Timestamp: 50, Value: 6},
		{Timestamp: 60, Value: 7},
	}, out)
}

func TestBucketizeEmptyBuckets(t *testing.T) {
	samples := []chunk.Sample{
		{Timestamp: 100, Value: 10},
		{Timestamp: 110, Value: 20},
		{Timestamp: 150, Value: 30},
		{Timestamp: 160, Value: 40},
		{Timestamp: 200, Value: 50},
	}
	out, err := Bucketize(samples, Options{Kind: KindSum, BucketDuration: 25, Empty: true}, 0)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 100, Value: 30},
		{Timestamp: 125, Value: 0},
		{Timestamp: 150, Value: 70},
		{Timestamp: 175, Value: 0},
		{Timestamp: 200, Value: 50},
	}, out)

	// Without Empty the gaps are suppressed.
	out, err = Bucketize(samples, Options{Kind: KindSum, BucketDuration: 25}, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func TestBucketizeLastFillsGapsWithLastValue(t *testing.T) {
	samples := []chunk.Sample{
		{Timestamp: 10, Value: 1},
		{Timestamp: 15, Value: 99},
		{Timestamp: 40, Value: 5},
		{Timestamp: 50, Value: 6},
	}
	out, err := Bucketize(samples, Options{Kind: KindLast, BucketDuration: 10, Empty: true}, 0)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 10, Value: 99},
		{Timestamp: 20, Value: 99},
		{Timestamp: 30, Value: 99},
		{Timestamp: 40, Value: 5},
		{Timestamp: 50, Value: 6},
	}, out)
}

func TestBucketizeAlignment(t *testing.T) {
	samples := []chunk.Sample{
		{Timestamp: 1000, Value: 100},
		{Timestamp: 1010, Value: 110},
		{Timestamp: 1020, Value: 120},
		{Timestamp: 2000, Value: 200},
		{Timestamp: 2010, Value: 210},
		{Timestamp: 2020, Value: 220},
	}
	out, err := Bucketize(samples, Options{Kind: KindMin, BucketDuration: 20}, 10)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 990, Value: 100},
		{Timestamp: 1010, Value: 110},
		{Timestamp: 1990, Value: 200},
		{Timestamp: 2010, Value: 210},
	}, out)
}

func TestBucketTimestampOutput(t *testing.T) {
	samples := []chunk.Sample{
		{Timestamp: 10, Value: 1},
		{Timestamp: 15, Value: 2},
	}

	out, err := Bucketize(samples, Options{Kind: KindSum, BucketDuration: 10, Timestamp: BucketEnd}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(20), out[0].Timestamp)

	out, err = Bucketize(samples, Options{Kind: KindSum, BucketDuration: 10, Timestamp: BucketMid}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(15), out[0].Timestamp)
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"avg", "sum", "count", "min", "max", "range", "first", "last",
		"std.p", "std.s", "var.p", "var.s", "increase", "rate", "irate",
		"countif", "sumif", "share", "all", "any", "none"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		require.Equal(t, name, k.String())
	}
	_, err := ParseKind("median")
	require.Error(t, err)
}
