package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseReuse(t *testing.T) {
	p := New[int](2, func() int { return 0 }, nil)

	h1, err := p.Acquire()
	require.NoError(t, err)
	*h1.Value() = 42

	h2, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, uint64(1), p.ExhaustedCount())

	h1.Release()
	h3, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, *h3.Value(), "released slot is cleared")

	h2.Release()
	h3.Release()
	assert.Equal(t, 2, p.Available())
}

func TestCapacityNeverGrows(t *testing.T) {
	p := New[string](3, func() string { return "" }, nil)
	assert.Equal(t, 3, p.Capacity())

	handles := make([]*Handle[string], 0, 3)
	for i := 0; i < 3; i++ {
		h, err := p.Acquire()
		require.NoError(t, err)
		handles = append(handles, h)
	}

	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 0, p.Available())
}
