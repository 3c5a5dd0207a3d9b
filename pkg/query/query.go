// Package query evaluates range reads over a series: chunk-pruned
// scans, timestamp and value filters, and bucketed aggregation.
package query

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/tskv/tskv/pkg/aggregate"
	"github.com/tskv/tskv/pkg/chunk"
)

// Timestamp sentinels for open-ended ranges.
const (
	EarliestTimestamp = math.MinInt64
	LatestTimestamp   = math.MaxInt64
)

// maxTimestampFilters bounds FilterByTS.
const maxTimestampFilters = 128

var ErrInvalidArgument = errors.New("invalid argument")

// AlignMode picks the reference point for aggregation buckets.
type AlignMode int

const (
	// AlignDefault aligns buckets on the epoch.
	AlignDefault AlignMode = iota
	// AlignStart aligns on the range start.
	AlignStart
	// AlignEnd aligns on the range end.
	AlignEnd
	// AlignTimestamp aligns on an explicit timestamp.
	AlignTimestamp
)

// AlignSpec is a mode plus the explicit timestamp for AlignTimestamp.
type AlignSpec struct {
	Mode      AlignMode
	Timestamp int64
}

// AggSpec requests bucketed aggregation of the scanned range.
type AggSpec struct {
	Kind            aggregate.Kind
	Condition       *aggregate.Condition
	BucketDuration  int64
	Align           AlignSpec
	BucketTimestamp aggregate.BucketTimestamp
	Empty           bool
}

// ValueFilter keeps samples with Min <= value <= Max.
type ValueFilter struct {
	Min, Max float64
}

// Options describes one range read.
type Options struct {
	From, To int64

	FilterByTS    []int64
	FilterByValue *ValueFilter

	// Count caps emitted samples, or emitted buckets under
	// aggregation. Zero means unlimited.
	Count int

	// Latest appends the open compaction bucket of a downstream
	// series, supplied by the caller via Execute.
	Latest bool

	Reverse bool

	Agg *AggSpec
}

// Source is the read surface the executor needs from a series.
type Source interface {
	Samples(from, to int64) ([]chunk.Sample, error)
}

func (o *Options) validate() error {
	if o.From > o.To {
		return fmt.Errorf("%w: range start %d after end %d", ErrInvalidArgument, o.From, o.To)
	}
	if len(o.FilterByTS) > maxTimestampFilters {
		return fmt.Errorf("%w: at most %d timestamp filters, got %d", ErrInvalidArgument, maxTimestampFilters, len(o.FilterByTS))
	}
	if o.FilterByValue != nil && o.FilterByValue.Min > o.FilterByValue.Max {
		return fmt.Errorf("%w: value filter min %g above max %g", ErrInvalidArgument, o.FilterByValue.Min, o.FilterByValue.Max)
	}
	if o.Count < 0 {
		return fmt.Errorf("%w: count must be non-negative", ErrInvalidArgument)
	}
	if a := o.Agg; a != nil {
		if a.BucketDuration <= 0 {
			return fmt.Errorf("%w: bucket duration must be positive", ErrInvalidArgument)
		}
		if a.Align.Mode == AlignStart && o.From == EarliestTimestamp {
			return fmt.Errorf("%w: cannot align on start of an open-ended range", ErrInvalidArgument)
		}
		if a.Align.Mode == AlignEnd && o.To == LatestTimestamp {
			return fmt.Errorf("%w: cannot align on end of an open-ended range", ErrInvalidArgument)
		}
	}
	return nil
}

func (o *Options) alignment() int64 {
	a := o.Agg
	switch a.Align.Mode {
	case AlignStart:
		return o.From
	case AlignEnd:
		return o.To
	case AlignTimestamp:
		return a.Align.Timestamp
	}
	return 0
}

// Execute runs a range read. open, when non-nil, is the not-yet-closed
// compaction bucket appended under Latest.
func Execute(src Source, opts Options, open *chunk.Sample) ([]chunk.Sample, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	samples, err := src.Samples(opts.From, opts.To)
	if err != nil {
		return nil, err
	}

	if opts.Latest && open != nil &&
		open.Timestamp >= opts.From && open.Timestamp <= opts.To &&
		(len(samples) == 0 || open.Timestamp > samples[len(samples)-1].Timestamp) {
		samples = append(samples, *open)
	}

	samples = applyFilters(samples, opts)

	if opts.Agg != nil {
		return aggregateRange(samples, opts)
	}

	if opts.Reverse {
		reverse(samples)
	}
	if opts.Count > 0 && len(samples) > opts.Count {
		samples = samples[:opts.Count]
	}
	return samples, nil
}

func applyFilters(samples []chunk.Sample, opts Options) []chunk.Sample {
	if len(opts.FilterByTS) == 0 && opts.FilterByValue == nil {
		return samples
	}

	var wanted []int64
	if len(opts.FilterByTS) > 0 {
		wanted = make([]int64, 0, len(opts.FilterByTS))
		for _, ts := range opts.FilterByTS {
			if ts >= opts.From && ts <= opts.To {
				wanted = append(wanted, ts)
			}
		}
		sort.Slice(wanted, func(i, j int) bool { return wanted[i] < wanted[j] })
	}

	out := samples[:0]
	for _, smp := range samples {
		if wanted != nil {
			i := sort.Search(len(wanted), func(i int) bool { return wanted[i] >= smp.Timestamp })
			if i == len(wanted) || wanted[i] != smp.Timestamp {
				continue
			}
		}
		if f := opts.FilterByValue; f != nil && (smp.Value < f.Min || smp.Value > f.Max) {
			continue
		}
		out = append(out, smp)
	}
	return out
}

func aggregateRange(samples []chunk.Sample, opts Options) ([]chunk.Sample, error) {
	a := opts.Agg
	buckets, err := aggregate.Bucketize(samples, aggregate.Options{
		Kind:           a.Kind,
		Condition:      a.Condition,
		BucketDuration: a.BucketDuration,
		Timestamp:      a.BucketTimestamp,
		Empty:          a.Empty,
	}, opts.alignment())
	if err != nil {
		return nil, err
	}
	if opts.Reverse {
		reverse(buckets)
	}
	if opts.Count > 0 && len(buckets) > opts.Count {
		buckets = buckets[:opts.Count]
	}
	return buckets, nil
}

func reverse(s []chunk.Sample) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
