package filter

import "encoding/binary"

// Pair holds the exists/deleted filter pair used by the write-through
// layer: exists answers "was this key ever written", deleted answers
// "was this key ever deleted". Both are append-only and merge by OR.
type Pair struct {
	exists  *Bloom
	deleted *Bloom
}

// NewPair creates an exists/deleted filter pair with shared sizing
func NewPair(expectedItems int, falsePositiveRate float64) *Pair {
	return &Pair{
		exists:  NewBloom(expectedItems, falsePositiveRate),
		deleted: NewBloom(expectedItems, falsePositiveRate),
	}
}

// MarkExists records that a key has been written
func (p *Pair) MarkExists(key string) {
	p.exists.Add(key)
}

// MarkDeleted records that a key has been deleted
func (p *Pair) MarkDeleted(key string) {
	p.deleted.Add(key)
}

// MaybeExists reports whether a key may have been written
func (p *Pair) MaybeExists(key string) bool {
	return p.exists.Check(key)
}

// MaybeDeleted reports whether a key may have been deleted
func (p *Pair) MaybeDeleted(key string) bool {
	return p.deleted.Check(key)
}

// Snapshot serializes both filters for publication to sibling instances
func (p *Pair) Snapshot() []byte {
	ex := p.exists.Marshal()
	out := make([]byte, 4, 4+len(ex))
	binary.BigEndian.PutUint32(out, uint32(len(ex)))
	out = append(out, ex...)
	return append(out, p.deleted.Marshal()...)
}

// MergeSnapshot ORs a snapshot published by another instance into this pair
func (p *Pair) MergeSnapshot(data []byte) error {
	if len(data) < 4 {
		return ErrCorruptBitVector
	}
	elen := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < elen {
		return ErrCorruptBitVector
	}

	exists, err := UnmarshalBloom(data[4 : 4+elen])
	if err != nil {
		return err
	}
	deleted, err := UnmarshalBloom(data[4+elen:])
	if err != nil {
		return err
	}

	if err := p.exists.Merge(exists); err != nil {
		return err
	}
	return p.deleted.Merge(deleted)
}

// SetBits returns the set-bit counts of both filters for metrics
func (p *Pair) SetBits() (exists, deleted uint64) {
	return p.exists.SetBits(), p.deleted.SetBits()
}
