package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/golang/snappy"
)

// bitVectorMagic identifies the serialized bit vector format
const bitVectorMagic uint32 = 0x4e424656 // "NBVF"

// ErrCorruptBitVector indicates a serialized bit vector could not be decoded
var ErrCorruptBitVector = errors.New("corrupt bit vector encoding")

// BitVector is a fixed-size bit array with atomic set/test.
// Bits are append-only: once set, a bit is never cleared except by Reset.
// Atomic word access makes concurrent Set/Test safe without locking.
type BitVector struct {
	bits  uint64
	words []uint64
}

// NewBitVector creates a bit vector holding the given number of bits
func NewBitVector(bitCount uint64) *BitVector {
	if bitCount == 0 {
		bitCount = 64
	}
	return &BitVector{
		bits:  bitCount,
		words: make([]uint64, (bitCount+63)/64),
	}
}

// Len returns the number of bits in the vector
func (v *BitVector) Len() uint64 {
	return v.bits
}

// Set sets bit i
func (v *BitVector) Set(i uint64) {
	i %= v.bits
	word := &v.words[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return
		}
	}
}

// Test reports whether bit i is set
func (v *BitVector) Test(i uint64) bool {
	i %= v.bits
	return atomic.LoadUint64(&v.words[i/64])&(uint64(1)<<(i%64)) != 0
}

// Merge ORs another vector of the same length into this one
func (v *BitVector) Merge(other *BitVector) error {
	if other == nil || other.bits != v.bits {
		return fmt.Errorf("bit vector length mismatch: %d != %d", v.bits, other.Len())
	}
	for i := range v.words {
		w := atomic.LoadUint64(&other.words[i])
		if w == 0 {
			continue
		}
		for {
			old := atomic.LoadUint64(&v.words[i])
			if old|w == old {
				break
			}
			if atomic.CompareAndSwapUint64(&v.words[i], old, old|w) {
				break
			}
		}
	}
	return nil
}

// Reset clears every bit
func (v *BitVector) Reset() {
	for i := range v.words {
		atomic.StoreUint64(&v.words[i], 0)
	}
}

// Count returns the number of set bits
func (v *BitVector) Count() uint64 {
	var n uint64
	for i := range v.words {
		n += uint64(bits.OnesCount64(atomic.LoadUint64(&v.words[i])))
	}
	return n
}

// Marshal serializes the vector as a portable length-prefixed encoding:
// magic, bit count, and the snappy-compressed big-endian word array.
func (v *BitVector) Marshal() []byte {
	raw := make([]byte, 8*len(v.words))
	for i := range v.words {
		binary.BigEndian.PutUint64(raw[i*8:], atomic.LoadUint64(&v.words[i]))
	}
	compressed := snappy.Encode(nil, raw)

	out := make([]byte, 16, 16+len(compressed))
	binary.BigEndian.PutUint32(out[0:4], bitVectorMagic)
	binary.BigEndian.PutUint64(out[4:12], v.bits)
	binary.BigEndian.PutUint32(out[12:16], uint32(len(compressed)))
	return append(out, compressed...)
}

// UnmarshalBitVector decodes a vector produced by Marshal
func UnmarshalBitVector(data []byte) (*BitVector, error) {
	if len(data) < 16 {
		return nil, ErrCorruptBitVector
	}
	if binary.BigEndian.Uint32(data[0:4]) != bitVectorMagic {
		return nil, ErrCorruptBitVector
	}
	bitCount := binary.BigEndian.Uint64(data[4:12])
	clen := binary.BigEndian.Uint32(data[12:16])
	if uint32(len(data)-16) < clen {
		return nil, ErrCorruptBitVector
	}

	raw, err := snappy.Decode(nil, data[16:16+clen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBitVector, err)
	}

	v := NewBitVector(bitCount)
	if len(raw) != 8*len(v.words) {
		return nil, ErrCorruptBitVector
	}
	for i := range v.words {
		v.words[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return v, nil
}
