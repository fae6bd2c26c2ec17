package types

import (
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Codec errors
var (
	ErrTrailingBytes  = errors.New("trailing bytes after decode")
	ErrLengthTooLarge = errors.New("length prefix exceeds limit")
)

// Encoder writes the fixed consensus layout with cramberry wire primitives:
// fixed-width little-endian integers, uvarint ids and counts, raw hashes.
type Encoder struct {
	w *cramberry.Writer
}

// NewEncoder returns an encoder with the given initial capacity
func NewEncoder(capacity int) *Encoder {
	return &Encoder{w: cramberry.NewWriterWithBuffer(make([]byte, 0, capacity), cramberry.DefaultOptions)}
}

// Bytes returns the encoded data. No writes are accepted afterwards.
func (e *Encoder) Bytes() []byte { return e.w.Bytes() }

// Err returns the first write error, if any
func (e *Encoder) Err() error { return e.w.Err() }

func (e *Encoder) Uint8(v uint8)    { e.w.WriteUint8(v) }
func (e *Encoder) Uint16(v uint16)  { e.w.WriteUint16(v) }
func (e *Encoder) Uint32(v uint32)  { e.w.WriteFixed32(v) }
func (e *Encoder) Uint64(v uint64)  { e.w.WriteFixed64(v) }
func (e *Encoder) Uvarint(v uint64) { e.w.WriteUvarint(v) }
func (e *Encoder) Hash(h Hash)      { e.w.WriteRawBytes(h[:]) }

// VarBytes writes a uvarint length followed by data
func (e *Encoder) VarBytes(data []byte) { e.w.WriteBytes(data) }

// Decoder reads values written by Encoder. The first error sticks; later
// reads return zero values.
type Decoder struct {
	r   *cramberry.Reader
	err error
}

// NewDecoder returns a decoder over data
func NewDecoder(data []byte) *Decoder {
	return &Decoder{r: cramberry.NewReader(data)}
}

// Err returns the first error encountered
func (d *Decoder) Err() error {
	if d.err != nil {
		return d.err
	}
	return d.r.Err()
}

// Remaining returns the number of unread bytes
func (d *Decoder) Remaining() int { return d.r.Len() }

// Finish reports the sticky error, or ErrTrailingBytes if input is left over.
func (d *Decoder) Finish() error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.Remaining() != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, d.Remaining())
	}
	return nil
}

func (d *Decoder) Uint8() uint8 {
	if d.err != nil {
		return 0
	}
	return d.r.ReadUint8()
}

func (d *Decoder) Uint16() uint16 {
	if d.err != nil {
		return 0
	}
	return d.r.ReadUint16()
}

func (d *Decoder) Uint32() uint32 {
	if d.err != nil {
		return 0
	}
	return d.r.ReadFixed32()
}

func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	return d.r.ReadFixed64()
}

func (d *Decoder) Hash() Hash {
	var h Hash
	if d.err != nil {
		return h
	}
	if b := d.r.ReadRawBytes(HashSize); d.r.Err() == nil {
		copy(h[:], b)
	}
	return h
}

// Uvarint reads a length or count, rejecting values above limit.
func (d *Decoder) Uvarint(limit uint64) uint64 {
	if d.Err() != nil {
		return 0
	}
	v := d.r.ReadUvarint()
	if d.r.Err() != nil {
		return 0
	}
	if v > limit {
		d.err = fmt.Errorf("%w: %d > %d", ErrLengthTooLarge, v, limit)
		return 0
	}
	return v
}

// VarBytes reads a uvarint-prefixed byte string and returns a copy.
func (d *Decoder) VarBytes(limit uint64) []byte {
	n := d.Uvarint(limit)
	if d.Err() != nil {
		return nil
	}
	b := d.r.ReadRawBytes(int(n))
	if d.r.Err() != nil {
		return nil
	}
	return b
}
