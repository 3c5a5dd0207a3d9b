package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tskv/tskv/pkg/aggregate"
	"github.com/tskv/tskv/pkg/chunk"
	"github.com/tskv/tskv/pkg/series"
)

func seedSeries(t *testing.T, samples ...chunk.Sample) *series.Series {
	t.Helper()
	s, err := series.New(series.Options{})
	require.NoError(t, err)
	for _, smp := range samples {
		res, err := s.Insert(smp.Timestamp, smp.Value, nil)
		require.NoError(t, err)
		require.Equal(t, series.AddOK, res.Code)
	}
	return s
}

func TestRangeScan(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 10, Value: 1},
		chunk.Sample{Timestamp: 20, Value: 2},
		chunk.Sample{Timestamp: 30, Value: 3},
		chunk.Sample{Timestamp: 40, Value: 4},
	)

	got, err := Execute(s, Options{From: 15, To: 35}, nil)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 20, Value: 2},
		{Timestamp: 30, Value: 3},
	}, got)

	got, err = Execute(s, Options{From: EarliestTimestamp, To: LatestTimestamp}, nil)
	require.NoError(t, err)
	require.Len(t, got, 4)
}

func TestRangeReverseAndCount(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 10, Value: 1},
		chunk.Sample{Timestamp: 20, Value: 2},
		chunk.Sample{Timestamp: 30, Value: 3},
	)

	got, err := Execute(s, Options{From: 0, To: 100, Reverse: true, Count: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 30, Value: 3},
		{Timestamp: 20, Value: 2},
	}, got)
}

func TestFilterByTimestamp(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 10, Value: 1},
		chunk.Sample{Timestamp: 20, Value: 2},
		chunk.Sample{Timestamp: 30, Value: 3},
	)

	// 500 lies outside [from, to] and is ignored rather than rejected.
	got, err := Execute(s, Options{From: 0, To: 100, FilterByTS: []int64{30, 10, 500}}, nil)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 10, Value: 1},
		{Timestamp: 30, Value: 3},
	}, got)

	tooMany := make([]int64, 129)
	_, err = Execute(s, Options{From: 0, To: 100, FilterByTS: tooMany}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFilterByValueInclusive(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 10, Value: 1},
		chunk.Sample{Timestamp: 20, Value: 2},
		chunk.Sample{Timestamp: 30, Value: 3},
	)

	got, err := Execute(s, Options{From: 0, To: 100, FilterByValue: &ValueFilter{Min: 2, Max: 3}}, nil)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 20, Value: 2},
		{Timestamp: 30, Value: 3},
	}, got)
}

func TestAggregatedRange(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 5, Value: 1},
		chunk.Sample{Timestamp: 15, Value: 2},
		chunk.Sample{Timestamp: 25, Value: 3},
		chunk.Sample{Timestamp: 35, Value: 4},
	)

	got, err := Execute(s, Options{
		From: 0, To: 100,
		Agg: &AggSpec{Kind: aggregate.KindSum, BucketDuration: 20},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 0, Value: 3},
		{Timestamp: 20, Value: 7},
	}, got)
}

func TestAggregationAlignment(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 12, Value: 1},
		chunk.Sample{Timestamp: 22, Value: 2},
		chunk.Sample{Timestamp: 32, Value: 3},
	)

	// Buckets anchored at from=12: [12,32) and [32,52).
	got, err := Execute(s, Options{
		From: 12, To: 100,
		Agg: &AggSpec{Kind: aggregate.KindCount, BucketDuration: 20, Align: AlignSpec{Mode: AlignStart}},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 12, Value: 2},
		{Timestamp: 32, Value: 1},
	}, got)

	// Explicit alignment timestamp.
	got, err = Execute(s, Options{
		From: 0, To: 100,
		Agg: &AggSpec{Kind: aggregate.KindCount, BucketDuration: 20, Align: AlignSpec{Mode: AlignTimestamp, Timestamp: 2}},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), got[0].Timestamp)
}

func TestAlignSentinelRestrictions(t *testing.T) {
	s := seedSeries(t, chunk.Sample{Timestamp: 10, Value: 1})

	_, err := Execute(s, Options{
		From: EarliestTimestamp, To: 100,
		Agg: &AggSpec{Kind: aggregate.KindSum, BucketDuration: 10, Align: AlignSpec{Mode: AlignStart}},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Execute(s, Options{
		From: 0, To: LatestTimestamp,
		Agg: &AggSpec{Kind: aggregate.KindSum, BucketDuration: 10, Align: AlignSpec{Mode: AlignEnd}},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEmptyBucketsAndBucketTimestamp(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 0, Value: 1},
		chunk.Sample{Timestamp: 40, Value: 2},
	)

	got, err := Execute(s, Options{
		From: 0, To: 100,
		Agg: &AggSpec{Kind: aggregate.KindSum, BucketDuration: 10, Empty: true, BucketTimestamp: aggregate.BucketEnd},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []chunk.Sample{
		{Timestamp: 10, Value: 1},
		{Timestamp: 20, Value: 0},
		{Timestamp: 30, Value: 0},
		{Timestamp: 40, Value: 0},
		{Timestamp: 50, Value: 2},
	}, got)
}

func TestLatestAppendsOpenBucket(t *testing.T) {
	s := seedSeries(t,
		chunk.Sample{Timestamp: 0, Value: 10},
		chunk.Sample{Timestamp: 60, Value: 20},
	)
	open := &chunk.Sample{Timestamp: 120, Value: 15}

	got, err := Execute(s, Options{From: 0, To: 200, Latest: true}, open)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, *open, got[2])

	// Without Latest the open bucket stays invisible.
	got, err = Execute(s, Options{From: 0, To: 200}, open)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Out of range is not appended.
	got, err = Execute(s, Options{From: 0, To: 100, Latest: true}, open)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestInvalidRanges(t *testing.T) {
	s := seedSeries(t, chunk.Sample{Timestamp: 10, Value: 1})

	_, err := Execute(s, Options{From: 100, To: 0}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Execute(s, Options{From: 0, To: 100, Count: -1}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Execute(s, Options{From: 0, To: 100, Agg: &AggSpec{Kind: aggregate.KindSum}}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
