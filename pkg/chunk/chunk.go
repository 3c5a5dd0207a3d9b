// Package chunk implements the bounded sample containers a series is built
// from. A chunk holds a contiguous, time-ordered run of samples in one of two
// encodings: Gorilla (delta-of-delta timestamps + XOR values) or uncompressed
// fixed-width. Decoding is bit-exact: decode(encode(samples)) == samples.
package chunk

import (
	"errors"
	"fmt"
)

// Encoding selects how a chunk serializes its samples.
type Encoding uint8

const (
	// EncGorilla is the compressed encoding: delta-of-delta timestamps with a
	// variable-length bit scheme and XOR-based float compression.
	EncGorilla Encoding = iota
	// EncUncompressed stores samples as a fixed-width array.
	EncUncompressed
)

func (e Encoding) String() string {
	switch e {
	case EncGorilla:
		return "compressed"
	case EncUncompressed:
		return "uncompressed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParseEncoding maps the user-facing encoding names to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "compressed", "COMPRESSED", "gorilla":
		return EncGorilla, nil
	case "uncompressed", "UNCOMPRESSED":
		return EncUncompressed, nil
	default:
		return 0, fmt.Errorf("invalid chunk encoding %q", s)
	}
}

// Sample is a single timestamped value. Timestamps are milliseconds.
type Sample struct {
	Timestamp int64
	Value     float64
}

var (
	// ErrFull is returned by Append when adding the sample would push the
	// chunk past its byte capacity. The caller seals the chunk and opens a
	// new one.
	ErrFull = errors.New("chunk: capacity reached")

	// ErrCorrupt is returned when a chunk's byte stream cannot be decoded.
	// The condition is fatal for the chunk only; the rest of the series
	// stays readable.
	ErrCorrupt = errors.New("chunk: corrupt byte stream")

	// ErrOutOfOrder is returned when Append sees a timestamp at or before
	// the chunk's current maximum.
	ErrOutOfOrder = errors.New("chunk: out of order sample")
)

// worst-case encoded size of one Gorilla sample, used for the capacity check
// (4+64 bit timestamp dod plus 2+5+6+64 bit value, rounded up).
const maxGorillaSampleBytes = 24

// headerSize is the 2-byte big-endian sample count prefix shared by both
// encodings.
const headerSize = 2

// Chunk is an append-mostly container of time-ordered samples. Implementations
// track their min/max timestamp, sample count and byte size so range pruning
// never needs to decode.
type Chunk interface {
	Encoding() Encoding
	// Append adds a sample with a timestamp strictly greater than MaxTime.
	// Returns ErrFull when the chunk is at capacity and ErrOutOfOrder on a
	// non-increasing timestamp.
	Append(s Sample) error
	NumSamples() int
	MinTime() int64
	MaxTime() int64
	// Bytes returns the encoded representation. The returned slice aliases
	// the chunk's buffer and must not be retained across appends.
	Bytes() []byte
	// Iterator returns a fresh decoder over the stored samples.
	Iterator() Iterator
}

// Iterator walks a chunk's samples in stored order.
type Iterator interface {
	Next() bool
	At() Sample
	Err() error
}

// New returns an empty chunk with the given encoding and byte capacity.
func New(enc Encoding, capacity int) Chunk {
	switch enc {
	case EncUncompressed:
		return newRawChunk(capacity)
	default:
		return newGorillaChunk(capacity)
	}
}

// FromBytes reconstructs a chunk from a previously serialized byte stream,
// e.g. when loading a snapshot. The bytes are validated by a full decode
// pass; a malformed stream yields ErrCorrupt.
func FromBytes(enc Encoding, b []byte, capacity int) (Chunk, error) {
	switch enc {
	case EncUncompressed:
		return rawFromBytes(b, capacity)
	default:
		return gorillaFromBytes(b, capacity)
	}
}

// Samples decodes every sample in the chunk.
func Samples(c Chunk) ([]Sample, error) {
	out := make([]Sample, 0, c.NumSamples())
	it := c.Iterator()
	for it.Next() {
		out = append(out, it.At())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
