package ring

import "sync/atomic"

// Mode bits of a [Descriptor]. The low bits of the mode word carry the packet
// length.
const (
	// FlagStartOfPacket marks the first descriptor of a packet.
	FlagStartOfPacket uint32 = 1 << 31
	// FlagEndOfPacket marks the last descriptor of a packet.
	FlagEndOfPacket uint32 = 1 << 30
	// FlagOwner is set while the controller owns the descriptor and its buffer.
	FlagOwner uint32 = 1 << 29
	// FlagEndOfQueue is set by the controller on the last descriptor it
	// processed when it found no further descriptor linked and went idle.
	FlagEndOfQueue uint32 = 1 << 28
	// FlagTeardownComplete is only ever seen as part of TeardownSentinel, never
	// on a real descriptor.
	FlagTeardownComplete uint32 = 1 << 27
	// FlagPassCRC asks the controller to keep the frame check sequence in
	// received buffers.
	FlagPassCRC uint32 = 1 << 26

	// PacketLengthMask selects the packet length from the mode word.
	PacketLengthMask uint32 = 0x7ff
)

// TeardownSentinel is written to a channel's completion register by the
// controller once a teardown command has been carried out.
const TeardownSentinel uint32 = 0xfffffffc

// crcLength is the size of the Ethernet frame check sequence.
const crcLength = 4

// descriptorSize is the number of bytes a [Descriptor] occupies in memory.
const descriptorSize = 16

// MaxPacketLength is the largest length the mode word can describe.
const MaxPacketLength = int(PacketLengthMask)

// Descriptor is the controller-visible part of a ring entry. The layout
// mirrors what the controller reads from descriptor memory, which is why it
// only contains fixed-size words and no Go pointers.
//
// Software state such as the software link or the buffer token is kept in a
// separate shadow entry and never in this struct, so software never has to
// trust a field the controller may write to.
type Descriptor struct {
	// hwNext is the bus address of the next descriptor or 0.
	hwNext uint32
	// buffer is the bus address of the data buffer.
	buffer uint32
	// bufferLength holds the buffer offset in the high and the buffer length
	// in the low 16 bits.
	bufferLength uint32
	// mode holds the flags and the packet length.
	mode uint32
}

// HwNext returns the bus address of the next descriptor in the controller's
// view of the chain.
func (d *Descriptor) HwNext() uint32 {
	return atomic.LoadUint32(&d.hwNext)
}

// Buffer returns the bus address of the data buffer.
func (d *Descriptor) Buffer() uint32 {
	return atomic.LoadUint32(&d.buffer)
}

// BufferLength returns the number of bytes of the buffer this descriptor covers.
func (d *Descriptor) BufferLength() int {
	return int(atomic.LoadUint32(&d.bufferLength) & 0xffff)
}

// BufferOffset returns the offset into the buffer at which the data starts.
func (d *Descriptor) BufferOffset() int {
	return int(atomic.LoadUint32(&d.bufferLength) >> 16)
}

// Mode returns the current mode word.
func (d *Descriptor) Mode() uint32 {
	return atomic.LoadUint32(&d.mode)
}

// SetMode replaces the mode word. Only the current owner of the descriptor
// may call this.
func (d *Descriptor) SetMode(mode uint32) {
	atomic.StoreUint32(&d.mode, mode)
}

// Complete is what the controller does when it is done with a descriptor: it
// applies the given bits and releases ownership in a single store, so software
// never observes a cleared owner flag without the accompanying bits.
func (d *Descriptor) Complete(set uint32, length int) {
	for {
		old := atomic.LoadUint32(&d.mode)
		mode := (old &^ FlagOwner) | set
		if length >= 0 {
			mode = (mode &^ PacketLengthMask) | (uint32(length) & PacketLengthMask)
		}
		if atomic.CompareAndSwapUint32(&d.mode, old, mode) {
			return
		}
	}
}

// setHwNext links the next descriptor in the controller's view.
func (d *Descriptor) setHwNext(addr uint32) {
	atomic.StoreUint32(&d.hwNext, addr)
}

// clearEndOfQueue removes the end of queue flag, returning true if it was set.
func (d *Descriptor) clearEndOfQueue() bool {
	for {
		old := atomic.LoadUint32(&d.mode)
		if old&FlagEndOfQueue == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&d.mode, old, old&^FlagEndOfQueue) {
			return true
		}
	}
}

// HandToHardware publishes the link and buffer fields and then grants
// ownership to the controller. The owner flag must be the last store, the
// controller may act on the descriptor the moment it sees it.
func (d *Descriptor) HandToHardware(next, buffer uint32, offset, length int, mode uint32) {
	atomic.StoreUint32(&d.hwNext, next)
	atomic.StoreUint32(&d.buffer, buffer)
	atomic.StoreUint32(&d.bufferLength, uint32(offset)<<16|uint32(length)&0xffff)
	atomic.StoreUint32(&d.mode, mode|FlagOwner)
}

// reclaimFromHardware returns the mode word if software owns the descriptor.
func (d *Descriptor) reclaimFromHardware() (uint32, bool) {
	mode := atomic.LoadUint32(&d.mode)
	if mode&FlagOwner != 0 {
		return 0, false
	}
	return mode, true
}

// reset forcibly takes the descriptor back, used after teardown when the
// controller has abandoned the channel.
func (d *Descriptor) reset() {
	atomic.StoreUint32(&d.hwNext, 0)
	atomic.StoreUint32(&d.buffer, 0)
	atomic.StoreUint32(&d.bufferLength, 0)
	atomic.StoreUint32(&d.mode, 0)
}
