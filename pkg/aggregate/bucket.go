package aggregate

import (
	"math"

	"github.com/tskv/tskv/pkg/chunk"
)

// BucketTimestamp selects which point of a bucket is reported as its
// timestamp.
type BucketTimestamp uint8

const (
	BucketStart BucketTimestamp = iota
	BucketEnd
	BucketMid
)

// ParseBucketTimestamp accepts the documented spellings, including the
// -, + and ~ shorthands.
func ParseBucketTimestamp(s string) (BucketTimestamp, bool) {
	switch s {
	case "start", "-":
		return BucketStart, true
	case "end", "+":
		return BucketEnd, true
	case "mid", "~":
		return BucketMid, true
	}
	return 0, false
}

// Apply converts a bucket start into the reported timestamp.
func (b BucketTimestamp) Apply(start, duration int64) int64 {
	switch b {
	case BucketEnd:
		return start + duration
	case BucketMid:
		return start + duration/2
	default:
		return start
	}
}

// Options configures one bucketing pass.
type Options struct {
	Kind      Kind
	Condition *Condition
	// BucketDuration is the bucket width in milliseconds.
	BucketDuration int64
	// Timestamp selects the reported bucket timestamp (start/end/mid).
	Timestamp BucketTimestamp
	// Empty emits empty buckets with the aggregator's empty value instead
	// of suppressing them.
	Empty bool
}

// BucketStartFor returns the start of the bucket containing ts, for buckets
// of the given duration anchored at align.
func BucketStartFor(ts, align, duration int64) int64 {
	diff := ts - align
	return ts - ((diff%duration)+duration)%duration
}

// Bucketize folds time-ordered samples into fixed-duration buckets anchored
// at align and returns one result sample per bucket, in timestamp order.
// Empty buckets are suppressed unless opts.Empty is set, in which case they
// carry the aggregator's empty value (or, for last, the previous observed
// value).
func Bucketize(samples []chunk.Sample, opts Options, align int64) ([]chunk.Sample, error) {
	agg, err := New(opts.Kind, Config{
		Condition:            opts.Condition,
		BucketDurationMillis: opts.BucketDuration,
	})
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	b := bucketer{
		agg:       agg,
		opts:      opts,
		align:     align,
		lastValue: math.NaN(),
		allNaNs:   true,
	}

	var out []chunk.Sample
	b.rebase(samples[0].Timestamp)
	b.observe(samples[0])
	for _, s := range samples[1:] {
		if s.Timestamp < b.end {
			b.observe(s)
			continue
		}

		if b.count > 0 {
			out = append(out, b.finalize())
		}

		if gap := s.Timestamp - b.end; gap >= opts.BucketDuration {
			if opts.Empty {
				out = b.fillEmpty(out, b.end, s.Timestamp)
			}
			b.rebase(s.Timestamp)
		} else {
			b.start = b.end
			b.end = b.start + opts.BucketDuration
		}
		b.observe(s)
	}
	if b.count > 0 {
		out = append(out, b.finalize())
	}
	return out, nil
}

type bucketer struct {
	agg   Aggregator
	opts  Options
	align int64

	start, end int64
	count      int
	allNaNs    bool
	lastValue  float64
}

// rebase aligns the open bucket to contain ts.
func (b *bucketer) rebase(ts int64) {
	b.start = BucketStartFor(ts, b.align, b.opts.BucketDuration)
	b.end = b.start + b.opts.BucketDuration
}

func (b *bucketer) observe(s chunk.Sample) {
	if !math.IsNaN(s.Value) {
		b.agg.Update(s.Timestamp, s.Value)
		b.lastValue = s.Value
		b.allNaNs = false
	}
	b.count++
}

func (b *bucketer) finalize() chunk.Sample {
	var v float64
	switch {
	case b.allNaNs && b.count > 0:
		v = math.NaN()
	default:
		var ok bool
		if v, ok = b.agg.Current(); !ok {
			v = b.agg.EmptyValue()
		}
	}
	res := chunk.Sample{
		Timestamp: b.opts.Timestamp.Apply(b.start, b.opts.BucketDuration),
		Value:     v,
	}
	b.agg.Reset()
	b.count = 0
	b.allNaNs = true
	return res
}

// fillEmpty appends one sample per empty bucket between gapStart and gapEnd.
func (b *bucketer) fillEmpty(out []chunk.Sample, gapStart, gapEnd int64) []chunk.Sample {
	empty := b.agg.EmptyValue()
	if b.agg.Kind() == KindLast {
		empty = b.lastValue
	}
	first := BucketStartFor(gapStart+1, b.align, b.opts.BucketDuration)
	last := BucketStartFor(gapEnd, b.align, b.opts.BucketDuration)
	for cur := first; cur < last; cur += b.opts.BucketDuration {
		out = append(out, chunk.Sample{
			Timestamp: b.opts.Timestamp.Apply(cur, b.opts.BucketDuration),
			Value:     empty,
		})
	}
	return out
}
