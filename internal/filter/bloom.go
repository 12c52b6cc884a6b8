package filter

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Bloom is a fixed-size bloom filter over a BitVector.
// Check may return false positives but never false negatives.
type Bloom struct {
	vector *BitVector
	k      uint32
}

// NewBloom sizes a filter for the expected item count and target
// false-positive rate using the standard m/k formulas.
func NewBloom(expectedItems int, falsePositiveRate float64) *Bloom {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	k := uint32(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Bloom{vector: NewBitVector(m), k: k}
}

// hashPair derives two independent 64-bit hashes from a sha256 digest
func hashPair(key string) (uint64, uint64) {
	sum := sha256.Sum256([]byte(key))
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16]) | 1 // odd so strides cover the vector
	return h1, h2
}

// Add marks a key as present
func (b *Bloom) Add(key string) {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < b.k; i++ {
		b.vector.Set(h1 + uint64(i)*h2)
	}
}

// Check reports whether a key may be present
func (b *Bloom) Check(key string) bool {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < b.k; i++ {
		if !b.vector.Test(h1 + uint64(i)*h2) {
			return false
		}
	}
	return true
}

// Merge ORs another filter of identical geometry into this one
func (b *Bloom) Merge(other *Bloom) error {
	if other == nil || other.k != b.k {
		return fmt.Errorf("bloom filter geometry mismatch")
	}
	return b.vector.Merge(other.vector)
}

// Reset clears the filter
func (b *Bloom) Reset() {
	b.vector.Reset()
}

// SetBits returns the number of set bits, used for saturation metrics
func (b *Bloom) SetBits() uint64 {
	return b.vector.Count()
}

// Marshal serializes the filter: hash count followed by the vector encoding
func (b *Bloom) Marshal() []byte {
	body := b.vector.Marshal()
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, b.k)
	return append(out, body...)
}

// UnmarshalBloom decodes a filter produced by Marshal
func UnmarshalBloom(data []byte) (*Bloom, error) {
	if len(data) < 4 {
		return nil, ErrCorruptBitVector
	}
	k := binary.BigEndian.Uint32(data[:4])
	vector, err := UnmarshalBitVector(data[4:])
	if err != nil {
		return nil, err
	}
	return &Bloom{vector: vector, k: k}, nil
}
