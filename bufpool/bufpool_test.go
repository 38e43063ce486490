package bufpool

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, count, slotSize int) (*Pool, metrics.Registry) {
	t.Helper()
	r := metrics.NewRegistry()
	p, err := New(0x80000000, count, slotSize, r)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, r
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		base        uint32
		count       int
		slotSize    int
		containsErr string
	}{
		{name: "no slots", base: 0x1000, count: 0, slotSize: 64, containsErr: "positive"},
		{name: "no slot size", base: 0x1000, count: 4, slotSize: 0, containsErr: "positive"},
		{name: "zero base", base: 0, count: 4, slotSize: 64, containsErr: "must not be 0"},
		{name: "exceeds bus", base: 0xffffff00, count: 4, slotSize: 128, containsErr: "32 bit bus"},
		{name: "valid", base: 0x80000000, count: 4, slotSize: 2048},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.base, tt.count, tt.slotSize, metrics.NewRegistry())
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.count, p.Available())
			assert.NoError(t, p.Close())
			assert.NoError(t, p.Close())
		})
	}
}

func TestPool_AllocateRelease(t *testing.T) {
	p, r := newTestPool(t, 3, 256)
	available := r.Get("cpdma.bufpool.available").(metrics.Gauge)
	assert.EqualValues(t, 3, available.Value())

	a, ok := p.Allocate(100)
	require.True(t, ok)
	assert.Equal(t, uint32(0x80000000), a.Addr)
	assert.Len(t, a.Data, 100)
	assert.Equal(t, 256, cap(a.Data))
	assert.Equal(t, Slot(0), a.Token)

	b, ok := p.Allocate(256)
	require.True(t, ok)
	assert.Equal(t, uint32(0x80000100), b.Addr)

	_, ok = p.Allocate(257)
	assert.False(t, ok, "requests larger than a slot fail")
	_, ok = p.Allocate(0)
	assert.False(t, ok)

	c, ok := p.Allocate(1)
	require.True(t, ok)
	_, ok = p.Allocate(1)
	assert.False(t, ok, "the pool is exhausted")
	assert.EqualValues(t, 1, r.Get("cpdma.bufpool.alloc_fail").(metrics.Counter).Count())
	assert.EqualValues(t, 0, available.Value())

	require.NoError(t, p.Release(b))
	assert.Equal(t, 1, p.Available())
	b2, ok := p.Allocate(10)
	require.True(t, ok)
	assert.Equal(t, b.Addr, b2.Addr)

	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b2))
	require.NoError(t, p.Release(c))
	assert.Equal(t, 3, p.Available())
}

func TestPool_ReleaseErrors(t *testing.T) {
	p, _ := newTestPool(t, 2, 128)

	a, ok := p.Allocate(64)
	require.True(t, ok)
	require.NoError(t, p.Release(a))
	assert.ErrorIs(t, p.Release(a), ErrDoubleRelease)

	foreign := a
	foreign.Addr = 0x80000010
	assert.ErrorIs(t, p.Release(foreign), ErrForeignBuffer)
	foreign.Addr = 0x80000100
	assert.ErrorIs(t, p.Release(foreign), ErrForeignBuffer)
	foreign.Addr = 0x1000
	assert.ErrorIs(t, p.Release(foreign), ErrForeignBuffer)
	assert.Equal(t, 2, p.Available())
}

func TestPool_Bytes(t *testing.T) {
	p, _ := newTestPool(t, 2, 128)

	a, ok := p.Allocate(128)
	require.True(t, ok)
	copy(a.Data, "hello world")

	b, err := p.Bytes(a.Addr+6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))

	// Writes through Bytes are visible in the buffer.
	b, err = p.Bytes(a.Addr, 5)
	require.NoError(t, err)
	copy(b, "HELLO")
	assert.Equal(t, "HELLO world", string(a.Data[:11]))

	_, err = p.Bytes(a.Addr+100, 29)
	assert.ErrorContains(t, err, "cross a buffer boundary")
	_, err = p.Bytes(0x80000000+256, 1)
	assert.ErrorIs(t, err, ErrForeignBuffer)
	_, err = p.Bytes(0x7fffffff, 1)
	assert.ErrorIs(t, err, ErrForeignBuffer)
}
