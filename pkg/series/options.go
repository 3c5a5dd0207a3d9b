package series

import (
	"fmt"
	"math"

	"github.com/tskv/tskv/pkg/chunk"
)

// DuplicatePolicy decides what happens when a sample arrives for a
// timestamp that already holds a value.
type DuplicatePolicy int

const (
	// Block rejects the new sample.
	Block DuplicatePolicy = iota
	// First keeps the stored value.
	First
	// Last overwrites with the new value.
	Last
	// Min keeps the smaller value.
	Min
	// Max keeps the larger value.
	Max
	// Sum stores the sum of both values.
	Sum
)

var policyNames = map[DuplicatePolicy]string{
	Block: "block",
	First: "first",
	Last:  "last",
	Min:   "min",
	Max:   "max",
	Sum:   "sum",
}

func (p DuplicatePolicy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("duplicatepolicy(%d)", int(p))
}

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return Block, fmt.Errorf("unknown duplicate policy %q", s)
}

// Resolve combines an existing value with an incoming one. ok is false
// when the policy rejects the write.
func (p DuplicatePolicy) Resolve(old, new float64) (float64, bool) {
	switch p {
	case Block:
		return old, false
	case First:
		return old, true
	case Last:
		return new, true
	case Min:
		return math.Min(old, new), true
	case Max:
		return math.Max(old, new), true
	case Sum:
		return old + new, true
	}
	return old, false
}

// IgnoreThresholds suppresses samples that are too close, in both time
// and value, to the last stored sample.
type IgnoreThresholds struct {
	MaxTimeDiff int64
	MaxValDiff  float64
}

// Rounding normalizes values on ingest, either to a number of decimal
// places or to a number of significant digits.
type Rounding struct {
	Significant bool
	Digits      int
}

const maxRoundingDigits = 20

func (r Rounding) Round(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
		return v
	}
	if r.Significant {
		magnitude := math.Floor(math.Log10(math.Abs(v)))
		factor := math.Pow(10, float64(r.Digits-1)-magnitude)
		return math.Round(v*factor) / factor
	}
	factor := math.Pow(10, float64(r.Digits))
	return math.Round(v*factor) / factor
}

// Options configures a new series.
type Options struct {
	RetentionMillis      int64
	ChunkSizeBytes       int
	Encoding             chunk.Encoding
	DuplicatePolicy      DuplicatePolicy
	DedupeIntervalMillis int64
	Ignore               *IgnoreThresholds
	Rounding             *Rounding
	Labels               map[string]string
}

const defaultChunkSizeBytes = 4096

func (o *Options) normalize() error {
	if o.RetentionMillis < 0 {
		return fmt.Errorf("retention must be non-negative, got %d", o.RetentionMillis)
	}
	if o.ChunkSizeBytes == 0 {
		o.ChunkSizeBytes = defaultChunkSizeBytes
	}
	if o.ChunkSizeBytes < 48 {
		return fmt.Errorf("chunk size %d too small", o.ChunkSizeBytes)
	}
	if o.DedupeIntervalMillis < 0 {
		return fmt.Errorf("dedupe interval must be non-negative, got %d", o.DedupeIntervalMillis)
	}
	if o.Ignore != nil && (o.Ignore.MaxTimeDiff < 0 || o.Ignore.MaxValDiff < 0) {
		return fmt.Errorf("ignore thresholds must be non-negative")
	}
	if o.Rounding != nil && (o.Rounding.Digits < 0 || o.Rounding.Digits > maxRoundingDigits) {
		return fmt.Errorf("rounding digits must be in [0, %d], got %d", maxRoundingDigits, o.Rounding.Digits)
	}
	return nil
}
