package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
)

const rawSampleSize = 16 // 8-byte timestamp + 8-byte value bits

// rawChunk stores samples as a fixed-width array: the 2-byte big-endian
// sample count followed by big-endian (timestamp, value-bits) pairs.
type rawChunk struct {
	buf      []byte
	capacity int

	mint, maxt int64
}

func newRawChunk(capacity int) *rawChunk {
	return &rawChunk{buf: make([]byte, headerSize, 128), capacity: capacity}
}

func rawFromBytes(b []byte, capacity int) (*rawChunk, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorrupt, len(b))
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) != headerSize+n*rawSampleSize {
		return nil, fmt.Errorf("%w: %d samples but %d payload bytes", ErrCorrupt, n, len(b)-headerSize)
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	c := &rawChunk{buf: buf, capacity: capacity}
	if n > 0 {
		c.mint = c.timestampAt(0)
		c.maxt = c.timestampAt(n - 1)
	}
	return c, nil
}

func (c *rawChunk) Encoding() Encoding { return EncUncompressed }

func (c *rawChunk) NumSamples() int {
	return int(binary.BigEndian.Uint16(c.buf))
}

func (c *rawChunk) MinTime() int64 { return c.mint }
func (c *rawChunk) MaxTime() int64 { return c.maxt }

func (c *rawChunk) Bytes() []byte { return c.buf }

func (c *rawChunk) timestampAt(i int) int64 {
	off := headerSize + i*rawSampleSize
	return int64(binary.BigEndian.Uint64(c.buf[off:]))
}

func (c *rawChunk) Append(s Sample) error {
	n := c.NumSamples()
	if n > 0 && s.Timestamp <= c.maxt {
		return fmt.Errorf("%w: %d <= %d", ErrOutOfOrder, s.Timestamp, c.maxt)
	}
	if n > 0 && c.capacity > 0 && len(c.buf)+rawSampleSize > c.capacity {
		return ErrFull
	}

	var rec [rawSampleSize]byte
	binary.BigEndian.PutUint64(rec[0:], uint64(s.Timestamp))
	binary.BigEndian.PutUint64(rec[8:], math.Float64bits(s.Value))
	c.buf = append(c.buf, rec[:]...)

	if n == 0 {
		c.mint = s.Timestamp
	}
	c.maxt = s.Timestamp
	binary.BigEndian.PutUint16(c.buf, uint16(n+1))
	return nil
}

func (c *rawChunk) Iterator() Iterator {
	return &rawIterator{c: c, i: -1}
}

type rawIterator struct {
	c *rawChunk
	i int
}

func (it *rawIterator) Next() bool {
	if it.i+1 >= it.c.NumSamples() {
		return false
	}
	it.i++
	return true
}

func (it *rawIterator) At() Sample {
	off := headerSize + it.i*rawSampleSize
	return Sample{
		Timestamp: int64(binary.BigEndian.Uint64(it.c.buf[off:])),
		Value:     math.Float64frombits(binary.BigEndian.Uint64(it.c.buf[off+8:])),
	}
}

func (it *rawIterator) Err() error { return nil }
