package ring

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, descriptorSize, unsafe.Sizeof(Descriptor{}))
}

func TestDescriptor_HandToHardware(t *testing.T) {
	var d Descriptor
	d.HandToHardware(0x1010, 0x8000, 2, 100, FlagStartOfPacket|FlagEndOfPacket|60)

	assert.Equal(t, uint32(0x1010), d.HwNext())
	assert.Equal(t, uint32(0x8000), d.Buffer())
	assert.Equal(t, 2, d.BufferOffset())
	assert.Equal(t, 100, d.BufferLength())
	assert.Equal(t, FlagStartOfPacket|FlagEndOfPacket|FlagOwner|60, d.Mode())

	_, ok := d.reclaimFromHardware()
	assert.False(t, ok, "owned descriptors must not be reclaimed")
}

func TestDescriptor_Complete(t *testing.T) {
	var d Descriptor
	d.HandToHardware(0, 0x8000, 0, 1536, FlagPassCRC)

	d.Complete(FlagStartOfPacket|FlagEndOfPacket|FlagEndOfQueue, 64)
	mode, ok := d.reclaimFromHardware()
	assert.True(t, ok)
	assert.Equal(t, FlagStartOfPacket|FlagEndOfPacket|FlagEndOfQueue|FlagPassCRC|64, mode)

	// A negative length keeps the length bits.
	d.HandToHardware(0, 0x8000, 0, 1536, FlagStartOfPacket|100)
	d.Complete(0, -1)
	mode, ok = d.reclaimFromHardware()
	assert.True(t, ok)
	assert.Equal(t, uint32(100), mode&PacketLengthMask)
}

func TestDescriptor_ClearEndOfQueue(t *testing.T) {
	var d Descriptor
	assert.False(t, d.clearEndOfQueue())

	d.SetMode(FlagEndOfPacket | FlagEndOfQueue)
	assert.True(t, d.clearEndOfQueue())
	assert.Equal(t, FlagEndOfPacket, d.Mode())
	assert.False(t, d.clearEndOfQueue())
}

func TestDescriptor_Reset(t *testing.T) {
	var d Descriptor
	d.HandToHardware(0x10, 0x20, 1, 2, FlagStartOfPacket)
	d.reset()
	assert.Equal(t, Descriptor{}, d)
}
