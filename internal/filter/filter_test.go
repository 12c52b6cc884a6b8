package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitVector_SetAndTest(t *testing.T) {
	v := NewBitVector(1000)

	v.Set(0)
	v.Set(63)
	v.Set(64)
	v.Set(999)

	assert.True(t, v.Test(0))
	assert.True(t, v.Test(63))
	assert.True(t, v.Test(64))
	assert.True(t, v.Test(999))
	assert.False(t, v.Test(1))
	assert.False(t, v.Test(500))
	assert.Equal(t, uint64(4), v.Count())
}

func TestBitVector_MergeIsUnion(t *testing.T) {
	a := NewBitVector(256)
	b := NewBitVector(256)

	a.Set(10)
	a.Set(20)
	b.Set(20)
	b.Set(30)

	err := a.Merge(b)
	require.NoError(t, err)

	assert.True(t, a.Test(10))
	assert.True(t, a.Test(20))
	assert.True(t, a.Test(30))
	assert.Equal(t, uint64(3), a.Count())
}

func TestBitVector_MergeLengthMismatch(t *testing.T) {
	a := NewBitVector(256)
	b := NewBitVector(128)

	assert.Error(t, a.Merge(b))
}

func TestBitVector_MarshalRoundTrip(t *testing.T) {
	v := NewBitVector(777)
	v.Set(1)
	v.Set(100)
	v.Set(776)

	decoded, err := UnmarshalBitVector(v.Marshal())
	require.NoError(t, err)

	assert.Equal(t, v.Len(), decoded.Len())
	assert.True(t, decoded.Test(1))
	assert.True(t, decoded.Test(100))
	assert.True(t, decoded.Test(776))
	assert.Equal(t, v.Count(), decoded.Count())
}

func TestUnmarshalBitVector_Corrupt(t *testing.T) {
	_, err := UnmarshalBitVector([]byte("short"))
	assert.ErrorIs(t, err, ErrCorruptBitVector)

	data := NewBitVector(64).Marshal()
	data[0] ^= 0xff // break the magic
	_, err = UnmarshalBitVector(data)
	assert.ErrorIs(t, err, ErrCorruptBitVector)
}

func TestBloom_NoFalseNegatives(t *testing.T) {
	b := NewBloom(1000, 0.01)

	for i := 0; i < 1000; i++ {
		b.Add(fmt.Sprintf("key-%d", i))
	}

	for i := 0; i < 1000; i++ {
		assert.True(t, b.Check(fmt.Sprintf("key-%d", i)))
	}
}

func TestBloom_FalsePositiveRate(t *testing.T) {
	b := NewBloom(1000, 0.01)

	for i := 0; i < 1000; i++ {
		b.Add(fmt.Sprintf("key-%d", i))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if b.Check(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}

	// Sized for 1% with generous slack against hash variance
	assert.Less(t, float64(falsePositives)/probes, 0.03)
}

func TestBloom_MarshalRoundTrip(t *testing.T) {
	b := NewBloom(100, 0.01)
	b.Add("alpha")
	b.Add("beta")

	decoded, err := UnmarshalBloom(b.Marshal())
	require.NoError(t, err)

	assert.True(t, decoded.Check("alpha"))
	assert.True(t, decoded.Check("beta"))
	assert.Equal(t, b.SetBits(), decoded.SetBits())
}

func TestPair_SnapshotMerge(t *testing.T) {
	local := NewPair(1000, 0.01)
	remote := NewPair(1000, 0.01)

	local.MarkExists("local-key")
	remote.MarkExists("remote-key")
	remote.MarkDeleted("remote-deleted")

	err := local.MergeSnapshot(remote.Snapshot())
	require.NoError(t, err)

	assert.True(t, local.MaybeExists("local-key"))
	assert.True(t, local.MaybeExists("remote-key"))
	assert.True(t, local.MaybeDeleted("remote-deleted"))
	assert.False(t, local.MaybeDeleted("local-key"))
}

func TestPair_MergeSnapshotCorrupt(t *testing.T) {
	p := NewPair(100, 0.01)
	assert.Error(t, p.MergeSnapshot([]byte{1, 2, 3}))
}
