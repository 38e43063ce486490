package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	tests := []struct {
		name        string
		base        uint32
		count       int
		containsErr string
	}{
		{name: "no descriptors", base: 0x1000, count: 0, containsErr: "at least one"},
		{name: "zero base", base: 0, count: 4, containsErr: "must not be 0"},
		{name: "unaligned", base: 0x1004, count: 4, containsErr: "aligned"},
		{name: "exceeds bus", base: 0xfffffff0, count: 2, containsErr: "32 bit bus"},
		{name: "valid", base: 0x4a102000, count: 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMemory(tt.base, tt.count)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, m.Close())
		})
	}
}

func TestMemory_Addressing(t *testing.T) {
	m, err := NewMemory(0x4a102000, 8)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 8, m.Count())
	assert.Equal(t, uint32(0x4a102000), m.Base())
	assert.Equal(t, uint32(0x4a102030), m.Addr(3))

	i, err := m.Index(0x4a102030)
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	d, err := m.Lookup(0x4a102030)
	require.NoError(t, err)
	assert.Same(t, m.Descriptor(3), d)

	for _, addr := range []uint32{0, 0x4a101ff0, 0x4a102008, 0x4a102080} {
		_, err := m.Index(addr)
		assert.ErrorIs(t, err, ErrInvalidAddress, "%#x", addr)
	}

	// Descriptors must be written through the mapping.
	m.Descriptor(7).SetMode(FlagOwner)
	assert.Equal(t, FlagOwner, m.Descriptor(7).Mode())
}
