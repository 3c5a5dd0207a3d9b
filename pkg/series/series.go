// Package series implements the per-key sample store: an ordered list
// of chunks with a single appendable tail, plus the ingest pipeline of
// retention, ignore thresholds, rounding and duplicate handling.
package series

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/tskv/tskv/pkg/chunk"
)

var (
	ErrInvalidValue = errors.New("value must be a finite number")
	ErrTooOld       = errors.New("timestamp is older than retention")
	ErrDuplicate    = errors.New("duplicate sample blocked by policy")
)

// AddCode classifies the outcome of an insert.
type AddCode uint8

const (
	// AddOK means the sample was stored (new or merged in place).
	AddOK AddCode = iota
	// AddIgnored means the sample was dropped by the dedupe interval,
	// the ignore thresholds, or a First duplicate policy.
	AddIgnored
	// AddTooOld means the sample fell outside the retention window.
	AddTooOld
	// AddBlocked means a Block duplicate policy rejected the sample.
	AddBlocked
)

func (c AddCode) String() string {
	switch c {
	case AddOK:
		return "ok"
	case AddIgnored:
		return "ignored"
	case AddTooOld:
		return "too_old"
	case AddBlocked:
		return "blocked"
	}
	return "unknown"
}

// AddResult reports what an insert did. Timestamp is the stored
// timestamp for AddOK and the last stored timestamp for AddIgnored.
// Value is the value actually stored, after rounding and duplicate
// merging.
type AddResult struct {
	Code      AddCode
	Timestamp int64
	Value     float64
}

// Series holds the samples for one key. It is not safe for concurrent
// use; callers synchronize around it.
type Series struct {
	opts Options

	chunks []chunk.Chunk
	total  int

	firstTS int64
	last    chunk.Sample
	hasLast bool
}

// New creates an empty series with the given options.
func New(opts Options) (*Series, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &Series{opts: opts}, nil
}

// FromChunks rebuilds a series around already-decoded chunks, as when
// loading a snapshot. Chunks must be ordered and non-overlapping.
func FromChunks(opts Options, chunks []chunk.Chunk) (*Series, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	s.chunks = chunks
	for _, c := range chunks {
		s.total += c.NumSamples()
	}
	s.refreshBounds()
	return s, nil
}

func (s *Series) Options() Options { return s.opts }

// Configure replaces the mutable options. The encoding is fixed at
// creation time and cannot be changed afterwards.
func (s *Series) Configure(opts Options) error {
	opts.Encoding = s.opts.Encoding
	if err := opts.normalize(); err != nil {
		return err
	}
	s.opts = opts
	return nil
}

func (s *Series) NumSamples() int           { return s.total }
func (s *Series) NumChunks() int            { return len(s.chunks) }
func (s *Series) Labels() map[string]string { return s.opts.Labels }

// Chunks exposes the ordered chunk list for range pruning and
// introspection. Callers must not mutate the returned slice.
func (s *Series) Chunks() []chunk.Chunk { return s.chunks }

func (s *Series) FirstTimestamp() (int64, bool) {
	if s.total == 0 {
		return 0, false
	}
	return s.firstTS, true
}

// LastSample returns the most recent stored sample in O(1).
func (s *Series) LastSample() (chunk.Sample, bool) {
	return s.last, s.hasLast
}

// TotalBytes reports the encoded size of all chunks.
func (s *Series) TotalBytes() int {
	n := 0
	for _, c := range s.chunks {
		n += len(c.Bytes())
	}
	return n
}

// minTimestamp is the oldest timestamp the retention window still
// admits. The window is anchored on the newest stored sample, not on
// wall-clock time.
func (s *Series) minTimestamp() int64 {
	if s.opts.RetentionMillis == 0 || !s.hasLast {
		return math.MinInt64
	}
	min := s.last.Timestamp - s.opts.RetentionMillis
	if min < 0 {
		min = 0
	}
	return min
}

func (s *Series) ignored(ts int64, v float64) bool {
	if !s.hasLast || ts < s.last.Timestamp {
		return false
	}
	if s.opts.DedupeIntervalMillis > 0 && ts-s.last.Timestamp < s.opts.DedupeIntervalMillis {
		return true
	}
	if ig := s.opts.Ignore; ig != nil {
		if ts-s.last.Timestamp <= ig.MaxTimeDiff && math.Abs(v-s.last.Value) <= ig.MaxValDiff {
			return true
		}
	}
	return false
}

// Insert stores one sample. override, when non-nil, replaces the
// series duplicate policy for this call only. The error return is
// reserved for codec failures; policy rejections come back as codes.
func (s *Series) Insert(ts int64, v float64, override *DuplicatePolicy) (AddResult, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return AddResult{}, ErrInvalidValue
	}
	if ts < s.minTimestamp() {
		return AddResult{Code: AddTooOld}, nil
	}
	if s.ignored(ts, v) {
		return AddResult{Code: AddIgnored, Timestamp: s.last.Timestamp}, nil
	}
	if s.opts.Rounding != nil {
		v = s.opts.Rounding.Round(v)
	}

	if s.hasLast && ts <= s.last.Timestamp {
		return s.upsert(chunk.Sample{Timestamp: ts, Value: v}, s.resolvePolicy(override))
	}
	if err := s.append(chunk.Sample{Timestamp: ts, Value: v}); err != nil {
		return AddResult{}, err
	}
	return AddResult{Code: AddOK, Timestamp: ts, Value: v}, nil
}

// BulkInsert sorts the batch by timestamp, drops samples outside the
// retention window up front, then inserts the rest one by one. It
// returns how many samples were stored out of the original batch size.
func (s *Series) BulkInsert(samples []chunk.Sample, override *DuplicatePolicy) (inserted, total int, err error) {
	total = len(samples)
	if total == 0 {
		return 0, 0, nil
	}
	sorted := make([]chunk.Sample, total)
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	minTS := s.minTimestamp()
	for _, smp := range sorted {
		if smp.Timestamp < minTS {
			continue
		}
		res, ierr := s.Insert(smp.Timestamp, smp.Value, override)
		if ierr != nil {
			if errors.Is(ierr, ErrInvalidValue) {
				continue
			}
			return inserted, total, ierr
		}
		if res.Code == AddOK {
			inserted++
		}
	}
	return inserted, total, nil
}

// IncrementBy adds delta to the last stored value and stores the
// result at ts. A fresh series starts from zero. ts must not precede
// the last stored timestamp; equal timestamps overwrite in place.
func (s *Series) IncrementBy(ts int64, delta float64) (AddResult, error) {
	if s.hasLast && ts < s.last.Timestamp {
		return AddResult{}, fmt.Errorf("timestamp %d precedes last sample at %d", ts, s.last.Timestamp)
	}
	base := 0.0
	if s.hasLast {
		base = s.last.Value
	}
	pol := Last
	return s.Insert(ts, base+delta, &pol)
}

func (s *Series) resolvePolicy(override *DuplicatePolicy) DuplicatePolicy {
	if override != nil {
		return *override
	}
	return s.opts.DuplicatePolicy
}

func (s *Series) append(smp chunk.Sample) error {
	if len(s.chunks) == 0 {
		s.chunks = append(s.chunks, chunk.New(s.opts.Encoding, s.opts.ChunkSizeBytes))
	}
	tail := s.chunks[len(s.chunks)-1]
	err := tail.Append(smp)
	if errors.Is(err, chunk.ErrFull) {
		next := chunk.New(s.opts.Encoding, s.opts.ChunkSizeBytes)
		if err = next.Append(smp); err != nil {
			return err
		}
		s.chunks = append(s.chunks, next)
		s.trim()
	} else if err != nil {
		return err
	}
	if s.total == 0 {
		s.firstTS = smp.Timestamp
	}
	s.last = smp
	s.hasLast = true
	s.total++
	return nil
}

// upsert rewrites the chunk covering ts, applying pol if a sample
// already exists at that exact timestamp.
func (s *Series) upsert(smp chunk.Sample, pol DuplicatePolicy) (AddResult, error) {
	idx := s.chunkIndexFor(smp.Timestamp)
	samples, err := chunk.Samples(s.chunks[idx])
	if err != nil {
		return AddResult{}, fmt.Errorf("decode chunk %d: %w", idx, err)
	}

	pos := sort.Search(len(samples), func(i int) bool { return samples[i].Timestamp >= smp.Timestamp })
	added := false
	if pos < len(samples) && samples[pos].Timestamp == smp.Timestamp {
		merged, ok := pol.Resolve(samples[pos].Value, smp.Value)
		if !ok {
			return AddResult{Code: AddBlocked, Timestamp: smp.Timestamp}, nil
		}
		if pol == First {
			return AddResult{Code: AddIgnored, Timestamp: smp.Timestamp}, nil
		}
		samples[pos].Value = merged
	} else {
		samples = append(samples, chunk.Sample{})
		copy(samples[pos+1:], samples[pos:])
		samples[pos] = smp
		added = true
	}

	rebuilt, err := rebuild(s.opts.Encoding, s.opts.ChunkSizeBytes, samples)
	if err != nil {
		return AddResult{}, err
	}
	s.chunks[idx] = rebuilt
	if added {
		s.total++
		if smp.Timestamp < s.firstTS {
			s.firstTS = smp.Timestamp
		}
	}
	if idx == len(s.chunks)-1 {
		s.last = samples[len(samples)-1]
	}
	return AddResult{Code: AddOK, Timestamp: smp.Timestamp, Value: samples[pos].Value}, nil
}

// chunkIndexFor finds the chunk whose window should hold ts: the last
// chunk starting at or before ts, or the first chunk when ts precedes
// every window.
func (s *Series) chunkIndexFor(ts int64) int {
	i := sort.Search(len(s.chunks), func(i int) bool { return s.chunks[i].MinTime() > ts })
	if i == 0 {
		return 0
	}
	return i - 1
}

// rebuild re-encodes samples into a single chunk. A merged chunk that
// no longer fits the configured capacity is rebuilt unbounded rather
// than split.
func rebuild(enc chunk.Encoding, capacity int, samples []chunk.Sample) (chunk.Chunk, error) {
	c := chunk.New(enc, capacity)
	for _, smp := range samples {
		if err := c.Append(smp); err != nil {
			if errors.Is(err, chunk.ErrFull) && capacity != 0 {
				return rebuild(enc, 0, samples)
			}
			return nil, err
		}
	}
	return c, nil
}

// trim drops samples older than the retention window. Whole chunks go
// without decoding; a straddling head chunk is rewritten.
func (s *Series) trim() {
	minTS := s.minTimestamp()
	if minTS == math.MinInt64 || s.total == 0 || s.firstTS >= minTS {
		return
	}
	deleted := 0
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		if c.MaxTime() < minTS {
			deleted += c.NumSamples()
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept

	if len(s.chunks) > 0 && s.chunks[0].MinTime() < minTS {
		samples, err := chunk.Samples(s.chunks[0])
		if err == nil {
			cut := sort.Search(len(samples), func(i int) bool { return samples[i].Timestamp >= minTS })
			if cut > 0 {
				rebuilt, rerr := rebuild(s.opts.Encoding, s.opts.ChunkSizeBytes, samples[cut:])
				if rerr == nil {
					s.chunks[0] = rebuilt
					deleted += cut
				}
			}
		}
	}
	s.total -= deleted
	s.refreshBounds()
}

// DeleteRange removes all samples in [from, to] inclusive and returns
// how many were deleted. Fully covered chunks are dropped without
// decoding; straddling chunks are rewritten.
func (s *Series) DeleteRange(from, to int64) (int, error) {
	if s.total == 0 || from > to {
		return 0, nil
	}
	deleted := 0
	kept := make([]chunk.Chunk, 0, len(s.chunks))
	for i, c := range s.chunks {
		if c.MaxTime() < from || c.MinTime() > to {
			kept = append(kept, c)
			continue
		}
		if from <= c.MinTime() && c.MaxTime() <= to {
			deleted += c.NumSamples()
			continue
		}
		samples, err := chunk.Samples(c)
		if err != nil {
			return deleted, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		remaining := samples[:0]
		for _, smp := range samples {
			if smp.Timestamp >= from && smp.Timestamp <= to {
				deleted++
				continue
			}
			remaining = append(remaining, smp)
		}
		if len(remaining) == 0 {
			continue
		}
		rebuilt, err := rebuild(s.opts.Encoding, s.opts.ChunkSizeBytes, remaining)
		if err != nil {
			return deleted, err
		}
		kept = append(kept, rebuilt)
	}
	s.chunks = kept
	s.total -= deleted
	s.refreshBounds()
	return deleted, nil
}

func (s *Series) refreshBounds() {
	if len(s.chunks) == 0 || s.total == 0 {
		s.chunks = s.chunks[:0]
		s.total = 0
		s.firstTS = 0
		s.hasLast = false
		s.last = chunk.Sample{}
		return
	}
	s.firstTS = s.chunks[0].MinTime()
	tail := s.chunks[len(s.chunks)-1]
	samples, err := chunk.Samples(tail)
	if err != nil || len(samples) == 0 {
		s.hasLast = false
		return
	}
	s.last = samples[len(samples)-1]
	s.hasLast = true
}

// Samples returns all stored samples in [from, to] inclusive, pruning
// chunks by their time bounds before decoding.
func (s *Series) Samples(from, to int64) ([]chunk.Sample, error) {
	var out []chunk.Sample
	for i, c := range s.chunks {
		if c.NumSamples() == 0 || c.MaxTime() < from || c.MinTime() > to {
			continue
		}
		samples, err := chunk.Samples(c)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		for _, smp := range samples {
			if smp.Timestamp < from || smp.Timestamp > to {
				continue
			}
			out = append(out, smp)
		}
	}
	return out, nil
}
