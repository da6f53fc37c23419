package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario1_BoolMediumLarge(t *testing.T) {
	// Mirrors the worked example: bool=true@cpu, medium=250@mem, large=1023@rt.
	r := New(0xdeadbeef, 1700000000000)
	require.NoError(t, r.SetBool(10, true))
	require.NoError(t, r.SetMediumInt(11, 250))
	require.NoError(t, r.SetLargeInt(12, 1023))

	b, err := r.GetBool(10)
	require.NoError(t, err)
	m, err := r.GetMediumInt(11)
	require.NoError(t, err)
	l, err := r.GetLargeInt(12)
	require.NoError(t, err)

	assert.True(t, b)
	assert.Equal(t, uint8(250), m)
	assert.Equal(t, uint16(1023), l)
	assert.Equal(t, 1, len(r.Blocks))
	assert.Len(t, r.Mapping, 3)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	r := New(42, 123456789)
	require.NoError(t, r.SetBool(1, true))
	require.NoError(t, r.SetSmallInt(2, 9))
	require.NoError(t, r.SetMediumInt(3, 200))

	data := r.Serialize()
	got, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, r.RequestIDHash, got.RequestIDHash)
	assert.Equal(t, r.TimestampMs, got.TimestampMs)
	assert.Equal(t, r.Blocks, got.Blocks)
	assert.Equal(t, r.Mapping, got.Mapping)
	assert.Equal(t, data, got.Serialize())
}

func TestAllocateBits64AlwaysFreshBlock(t *testing.T) {
	r := New(0, 0)
	idx1, off1 := r.AllocateBits(4)
	assert.Equal(t, uint16(0), idx1)
	assert.Equal(t, uint8(0), off1)

	idx2, off2 := r.AllocateBits(64)
	assert.Equal(t, uint16(1), idx2)
	assert.Equal(t, uint8(0), off2)
	assert.Len(t, r.Blocks, 2)
}

func TestSetFieldTwiceErrors(t *testing.T) {
	r := New(0, 0)
	require.NoError(t, r.SetBool(5, true))
	err := r.SetBool(5, false)
	assert.Error(t, err)
}

func TestBlockBoundaryCrossingOpensNewBlock(t *testing.T) {
	r := New(0, 0)
	// Fill 60 bits, then request 8 more: 60+8 > 64, must open a new block.
	for i := uint16(0); i < 15; i++ {
		require.NoError(t, r.SetSmallInt(i, 1))
	}
	idx, off := r.AllocateBits(8)
	assert.Equal(t, uint16(1), idx)
	assert.Equal(t, uint8(0), off)
}
