package join

import (
	"fmt"
	"sort"

	"github.com/tskv/tskv/pkg/aggregate"
	"github.com/tskv/tskv/pkg/chunk"
	"github.com/tskv/tskv/pkg/query"
)

// Row is one joined output row. An absent side has its Has flag off.
type Row struct {
	Timestamp int64
	Left      float64
	Right     float64
	HasLeft   bool
	HasRight  bool
}

// Request describes a full join run over two series.
type Request struct {
	From, To int64

	Kind Kind
	AsOf AsOfSpec

	// Reducer folds rows into samples. Required when Agg is set.
	Reducer    Reducer
	HasReducer bool

	FilterByTS    []int64
	FilterByValue *query.ValueFilter

	// Count caps rows, or buckets when aggregating. Zero means
	// unlimited.
	Count int

	Agg *query.AggSpec
}

// Result carries the joined rows and, when a reducer was requested,
// the reduced (and possibly bucketed) samples.
type Result struct {
	Rows    []Row
	Samples []chunk.Sample
}

// Execute scans both series through the range executor, joins the two
// sample sets, then applies the reducer and optional aggregation.
func Execute(left, right query.Source, req Request) (Result, error) {
	if a := req.Agg; a != nil {
		if !req.HasReducer {
			return Result{}, fmt.Errorf("%w: aggregation over a join requires a reducer", query.ErrInvalidArgument)
		}
		if a.Align.Mode == query.AlignStart && req.From == query.EarliestTimestamp {
			return Result{}, fmt.Errorf("%w: cannot align on start of an open-ended range", query.ErrInvalidArgument)
		}
		if a.Align.Mode == query.AlignEnd && req.To == query.LatestTimestamp {
			return Result{}, fmt.Errorf("%w: cannot align on end of an open-ended range", query.ErrInvalidArgument)
		}
	}

	scan := query.Options{
		From:          req.From,
		To:            req.To,
		FilterByTS:    req.FilterByTS,
		FilterByValue: req.FilterByValue,
	}
	ls, err := query.Execute(left, scan, nil)
	if err != nil {
		return Result{}, err
	}
	rs, err := query.Execute(right, scan, nil)
	if err != nil {
		return Result{}, err
	}

	rows := Join(ls, rs, req.Kind, req.AsOf)

	res := Result{Rows: rows}
	if !req.HasReducer {
		if req.Count > 0 && len(res.Rows) > req.Count {
			res.Rows = res.Rows[:req.Count]
		}
		return res, nil
	}

	samples := make([]chunk.Sample, len(rows))
	for i, row := range rows {
		samples[i] = chunk.Sample{
			Timestamp: row.Timestamp,
			Value:     req.Reducer.Apply(row.Left, row.Right, row.HasLeft, row.HasRight),
		}
	}

	if req.Agg != nil {
		a := req.Agg
		samples, err = aggregate.Bucketize(samples, aggregate.Options{
			Kind:           a.Kind,
			Condition:      a.Condition,
			BucketDuration: a.BucketDuration,
			Timestamp:      a.BucketTimestamp,
			Empty:          a.Empty,
		}, alignmentFor(req))
		if err != nil {
			return Result{}, err
		}
	}
	if req.Count > 0 && len(samples) > req.Count {
		samples = samples[:req.Count]
	}
	res.Samples = samples
	return res, nil
}

func alignmentFor(req Request) int64 {
	switch req.Agg.Align.Mode {
	case query.AlignStart:
		return req.From
	case query.AlignEnd:
		return req.To
	case query.AlignTimestamp:
		return req.Agg.Align.Timestamp
	}
	return 0
}

// Join merges two timestamp-ordered sample sets according to kind.
func Join(left, right []chunk.Sample, kind Kind, asof AsOfSpec) []Row {
	switch kind {
	case AsOf:
		return joinAsOf(left, right, asof)
	case Right:
		rows := mergeJoin(right, left, Left)
		for i := range rows {
			rows[i].Left, rows[i].Right = rows[i].Right, rows[i].Left
			rows[i].HasLeft, rows[i].HasRight = rows[i].HasRight, rows[i].HasLeft
		}
		return rows
	default:
		return mergeJoin(left, right, kind)
	}
}

func mergeJoin(left, right []chunk.Sample, kind Kind) []Row {
	var rows []Row
	i, j := 0, 0
	for i < len(left) || j < len(right) {
		switch {
		case j >= len(right) || (i < len(left) && left[i].Timestamp < right[j].Timestamp):
			if kind == Left || kind == Full || kind == Anti {
				rows = append(rows, Row{Timestamp: left[i].Timestamp, Left: left[i].Value, HasLeft: true})
			}
			i++
		case i >= len(left) || right[j].Timestamp < left[i].Timestamp:
			if kind == Full {
				rows = append(rows, Row{Timestamp: right[j].Timestamp, Right: right[j].Value, HasRight: true})
			}
			j++
		default:
			switch kind {
			case Inner, Left, Full:
				rows = append(rows, Row{
					Timestamp: left[i].Timestamp,
					Left:      left[i].Value,
					Right:     right[j].Value,
					HasLeft:   true,
					HasRight:  true,
				})
			case Semi:
				rows = append(rows, Row{Timestamp: left[i].Timestamp, Left: left[i].Value, HasLeft: true})
			case Anti:
				// matched left rows are dropped
			}
			i++
			j++
		}
	}
	return rows
}

func joinAsOf(left, right []chunk.Sample, spec AsOfSpec) []Row {
	rows := make([]Row, 0, len(left))
	for _, l := range left {
		row := Row{Timestamp: l.Timestamp, Left: l.Value, HasLeft: true}
		if m, ok := asOfMatch(right, l.Timestamp, spec); ok {
			row.Right = m.Value
			row.HasRight = true
		}
		rows = append(rows, row)
	}
	return rows
}

// asOfMatch finds the right-side candidate for ts in the requested
// direction, then applies the tolerance bound.
func asOfMatch(right []chunk.Sample, ts int64, spec AsOfSpec) (chunk.Sample, bool) {
	if len(right) == 0 {
		return chunk.Sample{}, false
	}
	// First right index with timestamp >= ts. Everything below at is
	// strictly earlier than ts.
	at := sort.Search(len(right), func(i int) bool { return right[i].Timestamp >= ts })

	prev, next := at-1, -1
	if at < len(right) {
		if right[at].Timestamp != ts {
			next = at
		} else if spec.AllowExactMatch {
			prev = at
		} else if at+1 < len(right) {
			next = at + 1
		}
	}

	pick := -1
	switch spec.Direction {
	case Previous:
		if prev >= 0 && right[prev].Timestamp <= ts {
			pick = prev
		}
	case Next:
		if prev >= 0 && right[prev].Timestamp == ts {
			pick = prev
		} else if next >= 0 {
			pick = next
		}
	case Nearest:
		switch {
		case prev < 0:
			pick = next
		case next < 0:
			pick = prev
		default:
			dp := ts - right[prev].Timestamp
			dn := right[next].Timestamp - ts
			if dn < dp {
				pick = next
			} else {
				pick = prev
			}
		}
	}
	if pick < 0 {
		return chunk.Sample{}, false
	}
	if spec.Tolerance > 0 {
		d := ts - right[pick].Timestamp
		if d < 0 {
			d = -d
		}
		if d > spec.Tolerance {
			return chunk.Sample{}, false
		}
	}
	return right[pick], true
}
