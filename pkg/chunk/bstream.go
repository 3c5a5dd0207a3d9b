package chunk

import "io"

// bstream is an append-only stream of bits.
type bstream struct {
	stream []byte
	count  uint8 // bits still free in the last byte
}

func (b *bstream) bytes() []byte {
	return b.stream
}

type bit bool

const (
	zero bit = false
	one  bit = true
)

func (b *bstream) writeBit(v bit) {
	if b.count == 0 {
		b.stream = append(b.stream, 0)
		b.count = 8
	}
	i := len(b.stream) - 1
	if v {
		b.stream[i] |= 1 << (b.count - 1)
	}
	b.count--
}

func (b *bstream) writeByte(byt byte) {
	if b.count == 0 {
		b.stream = append(b.stream, 0)
		b.count = 8
	}
	i := len(b.stream) - 1

	// Complete the last byte with the leftmost b.count bits of byt.
	b.stream[i] |= byt >> (8 - b.count)

	b.stream = append(b.stream, 0)
	i++
	b.stream[i] = byt << b.count
}

func (b *bstream) writeBits(u uint64, nbits int) {
	u <<= 64 - uint(nbits)
	for nbits >= 8 {
		b.writeByte(byte(u >> 56))
		u <<= 8
		nbits -= 8
	}
	for nbits > 0 {
		b.writeBit((u >> 63) == 1)
		u <<= 1
		nbits--
	}
}

// bitReader consumes a bstream's bytes bit by bit. It also satisfies
// io.ByteReader so binary.ReadVarint can read the leading varints.
type bitReader struct {
	stream []byte
	off    int
	count  uint8 // bits not yet consumed in stream[off]
}

func newBitReader(b []byte) bitReader {
	return bitReader{stream: b, count: 8}
}

func (r *bitReader) readBit() (bit, error) {
	if r.count == 0 {
		r.off++
		r.count = 8
	}
	if r.off >= len(r.stream) {
		return zero, io.ErrUnexpectedEOF
	}
	r.count--
	return (r.stream[r.off]>>r.count)&1 == 1, nil
}

func (r *bitReader) readBits(nbits uint8) (uint64, error) {
	var u uint64
	for i := uint8(0); i < nbits; i++ {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		u <<= 1
		if b {
			u |= 1
		}
	}
	return u, nil
}

// ReadByte implements io.ByteReader.
func (r *bitReader) ReadByte() (byte, error) {
	u, err := r.readBits(8)
	return byte(u), err
}
