package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// gorillaChunk holds Gorilla-encoded sample data: the first sample is stored
// verbatim (varint timestamp, raw 64-bit value), the second stores a uvarint
// timestamp delta, and every later sample stores the delta-of-delta of its
// timestamp in a variable-length bit scheme plus an XOR-encoded value with
// leading/trailing zero elision.
//
// Layout: 2-byte big-endian sample count, then the bit stream.
type gorillaChunk struct {
	b        bstream
	capacity int

	// appender state, reconstructed on load by replaying the stream
	t        int64
	v        float64
	tDelta   uint64
	leading  uint8
	trailing uint8

	mint, maxt int64
}

func newGorillaChunk(capacity int) *gorillaChunk {
	return &gorillaChunk{
		b:        bstream{stream: make([]byte, headerSize, 128), count: 0},
		capacity: capacity,
		leading:  0xff,
	}
}

func gorillaFromBytes(b []byte, capacity int) (*gorillaChunk, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorrupt, len(b))
	}
	src := gorillaChunk{b: bstream{stream: b}}

	// Replay the stream through a fresh appender. This validates the
	// encoding and rebuilds the exact writer state, including the bit
	// position in the trailing byte, which an iterator alone cannot
	// report: after a byte-aligned write the writer still owns a spill
	// byte with 8 free bits that the reader never enters.
	it := src.iterator()
	c := newGorillaChunk(0)
	for it.Next() {
		if err := c.Append(it.At()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	c.capacity = capacity
	return c, nil
}

func (c *gorillaChunk) Encoding() Encoding { return EncGorilla }

func (c *gorillaChunk) NumSamples() int {
	return int(binary.BigEndian.Uint16(c.b.bytes()))
}

func (c *gorillaChunk) MinTime() int64 { return c.mint }
func (c *gorillaChunk) MaxTime() int64 { return c.maxt }

func (c *gorillaChunk) Bytes() []byte { return c.b.bytes() }

func (c *gorillaChunk) Append(s Sample) error {
	num := uint16(c.NumSamples())
	if num > 0 && s.Timestamp <= c.maxt {
		return fmt.Errorf("%w: %d <= %d", ErrOutOfOrder, s.Timestamp, c.maxt)
	}
	if num > 0 && c.capacity > 0 && len(c.b.stream)+maxGorillaSampleBytes > c.capacity {
		return ErrFull
	}

	var tDelta uint64
	switch num {
	case 0:
		buf := make([]byte, binary.MaxVarintLen64)
		for _, byt := range buf[:binary.PutVarint(buf, s.Timestamp)] {
			c.b.writeByte(byt)
		}
		c.b.writeBits(math.Float64bits(s.Value), 64)
		c.mint = s.Timestamp
	case 1:
		tDelta = uint64(s.Timestamp - c.t)
		buf := make([]byte, binary.MaxVarintLen64)
		for _, byt := range buf[:binary.PutUvarint(buf, tDelta)] {
			c.b.writeByte(byt)
		}
		c.writeVDelta(s.Value)
	default:
		tDelta = uint64(s.Timestamp - c.t)
		dod := int64(tDelta - c.tDelta)
		switch {
		case dod == 0:
			c.b.writeBit(zero)
		case bitRange(dod, 14):
			c.b.writeBits(0b10, 2)
			c.b.writeBits(uint64(dod), 14)
		case bitRange(dod, 17):
			c.b.writeBits(0b110, 3)
			c.b.writeBits(uint64(dod), 17)
		case bitRange(dod, 20):
			c.b.writeBits(0b1110, 4)
			c.b.writeBits(uint64(dod), 20)
		default:
			c.b.writeBits(0b1111, 4)
			c.b.writeBits(uint64(dod), 64)
		}
		c.writeVDelta(s.Value)
	}

	c.t = s.Timestamp
	c.v = s.Value
	c.tDelta = tDelta
	c.maxt = s.Timestamp
	binary.BigEndian.PutUint16(c.b.bytes(), num+1)
	return nil
}

func (c *gorillaChunk) writeVDelta(v float64) {
	delta := math.Float64bits(v) ^ math.Float64bits(c.v)

	if delta == 0 {
		c.b.writeBit(zero)
		return
	}
	c.b.writeBit(one)

	newLeading := uint8(bits.LeadingZeros64(delta))
	newTrailing := uint8(bits.TrailingZeros64(delta))

	// Clamp so leading fits in 5 bits.
	if newLeading >= 32 {
		newLeading = 31
	}

	if c.leading != 0xff && newLeading >= c.leading && newTrailing >= c.trailing {
		// Reuse the previous leading/trailing window.
		c.b.writeBit(zero)
		c.b.writeBits(delta>>c.trailing, 64-int(c.leading)-int(c.trailing))
		return
	}

	c.leading, c.trailing = newLeading, newTrailing

	c.b.writeBit(one)
	c.b.writeBits(uint64(newLeading), 5)

	// sigbits == 64 is encoded as 0 since 64 does not fit in 6 bits.
	sigbits := 64 - newLeading - newTrailing
	c.b.writeBits(uint64(sigbits), 6)
	c.b.writeBits(delta>>newTrailing, int(sigbits))
}

func bitRange(x int64, nbits uint8) bool {
	return -((1 << (nbits - 1)) - 1) <= x && x <= 1<<(nbits-1)
}

func (c *gorillaChunk) Iterator() Iterator { return c.iterator() }

func (c *gorillaChunk) iterator() *gorillaIterator {
	raw := c.b.bytes()
	return &gorillaIterator{
		br:       newBitReader(raw[headerSize:]),
		numTotal: binary.BigEndian.Uint16(raw),
	}
}

type gorillaIterator struct {
	br       bitReader
	numTotal uint16
	numRead  uint16

	t   int64
	val float64

	leading  uint8
	trailing uint8
	tDelta   uint64

	mint int64
	err  error
}

func (it *gorillaIterator) At() Sample { return Sample{Timestamp: it.t, Value: it.val} }

func (it *gorillaIterator) Err() error { return it.err }

func (it *gorillaIterator) Next() bool {
	if it.err != nil || it.numRead == it.numTotal {
		return false
	}

	if it.numRead == 0 {
		t, err := binary.ReadVarint(&it.br)
		if err != nil {
			it.err = err
			return false
		}
		v, err := it.br.readBits(64)
		if err != nil {
			it.err = err
			return false
		}
		it.t = t
		it.mint = t
		it.val = math.Float64frombits(v)
		it.numRead++
		return true
	}

	if it.numRead == 1 {
		tDelta, err := binary.ReadUvarint(&it.br)
		if err != nil {
			it.err = err
			return false
		}
		it.tDelta = tDelta
		it.t += int64(it.tDelta)
		return it.readValue()
	}

	var d byte
	for i := 0; i < 4; i++ {
		d <<= 1
		b, err := it.br.readBit()
		if err != nil {
			it.err = err
			return false
		}
		if b == zero {
			break
		}
		d |= 1
	}

	var dod int64
	var sz uint8
	switch d {
	case 0b0:
		// dod == 0
	case 0b10:
		sz = 14
	case 0b110:
		sz = 17
	case 0b1110:
		sz = 20
	case 0b1111:
		b, err := it.br.readBits(64)
		if err != nil {
			it.err = err
			return false
		}
		dod = int64(b)
	}

	if sz != 0 {
		b, err := it.br.readBits(sz)
		if err != nil {
			it.err = err
			return false
		}
		if b > (1 << (sz - 1)) {
			// Sign extension.
			b -= 1 << sz
		}
		dod = int64(b)
	}

	it.tDelta = uint64(int64(it.tDelta) + dod)
	it.t += int64(it.tDelta)
	return it.readValue()
}

func (it *gorillaIterator) readValue() bool {
	b, err := it.br.readBit()
	if err != nil {
		it.err = err
		return false
	}
	if b == zero {
		// Value identical to the previous one.
		it.numRead++
		return true
	}

	b, err = it.br.readBit()
	if err != nil {
		it.err = err
		return false
	}
	if b == zero {
		// Reuse the previous leading/trailing window.
		sz := 64 - it.leading - it.trailing
		xor, err := it.br.readBits(sz)
		if err != nil {
			it.err = err
			return false
		}
		it.val = math.Float64frombits(math.Float64bits(it.val) ^ xor<<it.trailing)
		it.numRead++
		return true
	}

	newLeading, err := it.br.readBits(5)
	if err != nil {
		it.err = err
		return false
	}
	sigbits, err := it.br.readBits(6)
	if err != nil {
		it.err = err
		return false
	}
	it.leading = uint8(newLeading)
	if sigbits == 0 {
		sigbits = 64
	}
	it.trailing = 64 - it.leading - uint8(sigbits)

	xor, err := it.br.readBits(uint8(sigbits))
	if err != nil {
		it.err = err
		return false
	}
	it.val = math.Float64frombits(math.Float64bits(it.val) ^ xor<<it.trailing)
	it.numRead++
	return true
}
