package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tskv/tskv/pkg/aggregate"
	"github.com/tskv/tskv/pkg/chunk"
	"github.com/tskv/tskv/pkg/query"
	"github.com/tskv/tskv/pkg/series"
)

// seriesOptions is the wire form of series.Options.
type seriesOptions struct {
	RetentionMillis      int64             `json:"retention_millis,omitempty"`
	ChunkSizeBytes       int               `json:"chunk_size_bytes,omitempty"`
	Encoding             string            `json:"encoding,omitempty"`
	DuplicatePolicy      string            `json:"duplicate_policy,omitempty"`
	DedupeIntervalMillis int64             `json:"dedupe_interval_millis,omitempty"`
	IgnoreMaxTimeDiff    int64             `json:"ignore_max_time_diff,omitempty"`
	IgnoreMaxValDiff     float64           `json:"ignore_max_val_diff,omitempty"`
	RoundDigits          *int              `json:"round_digits,omitempty"`
	SignificantDigits    *int              `json:"significant_digits,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
}

func (o seriesOptions) toOptions() (series.Options, error) {
	opts := series.Options{
		RetentionMillis:      o.RetentionMillis,
		ChunkSizeBytes:       o.ChunkSizeBytes,
		DedupeIntervalMillis: o.DedupeIntervalMillis,
		Labels:               o.Labels,
	}
	if o.Encoding != "" {
		enc, err := chunk.ParseEncoding(o.Encoding)
		if err != nil {
			return opts, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
		}
		opts.Encoding = enc
	}
	if o.DuplicatePolicy != "" {
		p, err := series.ParseDuplicatePolicy(o.DuplicatePolicy)
		if err != nil {
			return opts, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
		}
		opts.DuplicatePolicy = p
	}
	if o.IgnoreMaxTimeDiff != 0 || o.IgnoreMaxValDiff != 0 {
		opts.Ignore = &series.IgnoreThresholds{
			MaxTimeDiff: o.IgnoreMaxTimeDiff,
			MaxValDiff:  o.IgnoreMaxValDiff,
		}
	}
	if o.RoundDigits != nil && o.SignificantDigits != nil {
		return opts, fmt.Errorf("%w: round_digits and significant_digits are exclusive", query.ErrInvalidArgument)
	}
	if o.RoundDigits != nil {
		opts.Rounding = &series.Rounding{Digits: *o.RoundDigits}
	}
	if o.SignificantDigits != nil {
		opts.Rounding = &series.Rounding{Significant: true, Digits: *o.SignificantDigits}
	}
	return opts, nil
}

// parseTimestamp accepts a millisecond integer or one of the tokens
// "earliest" ("-"), "latest" ("+"), "now".
func parseTimestamp(s string) (int64, error) {
	switch s {
	case "earliest", "-":
		return query.EarliestTimestamp, nil
	case "latest", "+":
		return query.LatestTimestamp, nil
	case "now", "*":
		return time.Now().UnixMilli(), nil
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", query.ErrInvalidArgument, s)
	}
	return ts, nil
}

// parseRangeQuery builds query.Options from URL parameters:
// from, to, count, reverse, latest, filter_by_ts, filter_min/filter_max,
// aggregation, bucket_duration, condition, align, bucket_timestamp, empty.
func parseRangeQuery(q url.Values) (query.Options, error) {
	var opts query.Options
	var err error

	from := q.Get("from")
	if from == "" {
		from = "earliest"
	}
	if opts.From, err = parseTimestamp(from); err != nil {
		return opts, err
	}
	to := q.Get("to")
	if to == "" {
		to = "latest"
	}
	if opts.To, err = parseTimestamp(to); err != nil {
		return opts, err
	}

	if s := q.Get("count"); s != "" {
		if opts.Count, err = strconv.Atoi(s); err != nil {
			return opts, fmt.Errorf("%w: bad count %q", query.ErrInvalidArgument, s)
		}
	}
	opts.Reverse = q.Get("reverse") == "true"
	opts.Latest = q.Get("latest") == "true"

	if s := q.Get("filter_by_ts"); s != "" {
		for _, part := range strings.Split(s, ",") {
			ts, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return opts, fmt.Errorf("%w: bad timestamp filter %q", query.ErrInvalidArgument, part)
			}
			opts.FilterByTS = append(opts.FilterByTS, ts)
		}
	}
	if q.Get("filter_min") != "" || q.Get("filter_max") != "" {
		f := &query.ValueFilter{}
		if f.Min, err = strconv.ParseFloat(q.Get("filter_min"), 64); err != nil {
			return opts, fmt.Errorf("%w: bad filter_min", query.ErrInvalidArgument)
		}
		if f.Max, err = strconv.ParseFloat(q.Get("filter_max"), 64); err != nil {
			return opts, fmt.Errorf("%w: bad filter_max", query.ErrInvalidArgument)
		}
		opts.FilterByValue = f
	}

	if s := q.Get("aggregation"); s != "" {
		agg, err := parseAggSpec(s, q)
		if err != nil {
			return opts, err
		}
		opts.Agg = agg
	}
	return opts, nil
}

func parseAggSpec(kind string, q url.Values) (*query.AggSpec, error) {
	k, err := aggregate.ParseKind(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
	}
	spec := &query.AggSpec{Kind: k, Empty: q.Get("empty") == "true"}

	d := q.Get("bucket_duration")
	if d == "" {
		return nil, fmt.Errorf("%w: aggregation requires bucket_duration", query.ErrInvalidArgument)
	}
	if spec.BucketDuration, err = strconv.ParseInt(d, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: bad bucket_duration %q", query.ErrInvalidArgument, d)
	}

	if op := q.Get("condition_op"); op != "" {
		cop, err := aggregate.ParseCondOp(op)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
		}
		val, err := strconv.ParseFloat(q.Get("condition_value"), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad condition_value", query.ErrInvalidArgument)
		}
		spec.Condition = &aggregate.Condition{Op: cop, Value: val}
	}

	switch a := q.Get("align"); a {
	case "", "default":
	case "start":
		spec.Align.Mode = query.AlignStart
	case "end":
		spec.Align.Mode = query.AlignEnd
	default:
		ts, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad align %q", query.ErrInvalidArgument, a)
		}
		spec.Align = query.AlignSpec{Mode: query.AlignTimestamp, Timestamp: ts}
	}

	if bt := q.Get("bucket_timestamp"); bt != "" {
		t, ok := aggregate.ParseBucketTimestamp(bt)
		if !ok {
			return nil, fmt.Errorf("%w: bad bucket_timestamp %q", query.ErrInvalidArgument, bt)
		}
		spec.BucketTimestamp = t
	}
	return spec, nil
}

// parseSelectors turns "metric=cpu,host=h1" into a label map.
func parseSelectors(s string) (map[string]string, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: selector required", query.ErrInvalidArgument)
	}
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(part, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: bad selector %q", query.ErrInvalidArgument, part)
		}
		out[name] = value
	}
	return out, nil
}
