package ring

import (
	"fmt"
	"strings"
)

// Direction is the data direction of a channel.
type Direction uint8

const (
	TX Direction = iota
	RX
)

func (d Direction) String() string {
	switch d {
	case TX:
		return "tx"
	case RX:
		return "rx"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ChannelsPerDirection is the number of hardware channels per direction.
const ChannelsPerDirection = 8

// ChannelID names one direction of one hardware DMA channel.
type ChannelID struct {
	Direction Direction
	Number    int
}

func (id ChannelID) String() string {
	return fmt.Sprintf("%s%d", id.Direction, id.Number)
}

// Valid reports whether the id names an existing hardware channel.
func (id ChannelID) Valid() bool {
	return (id.Direction == TX || id.Direction == RX) && id.Number >= 0 && id.Number < ChannelsPerDirection
}

// Cause returns the interrupt cause bit of the channel.
func (id ChannelID) Cause() Cause {
	if id.Direction == RX {
		return 1 << (ChannelsPerDirection + id.Number)
	}
	return 1 << id.Number
}

// Cause is a bitmap of interrupt causes. TX channel n is bit n, RX channel n is
// bit ChannelsPerDirection+n.
type Cause uint32

// Channels returns the channels named by the set bits, RX channels first.
func (c Cause) Channels() []ChannelID {
	var out []ChannelID
	for _, dir := range []Direction{RX, TX} {
		for n := range ChannelsPerDirection {
			id := ChannelID{Direction: dir, Number: n}
			if c&id.Cause() != 0 {
				out = append(out, id)
			}
		}
	}
	return out
}

func (c Cause) String() string {
	ids := c.Channels()
	if len(ids) == 0 {
		return "none"
	}
	s := make([]string, len(ids))
	for i := range ids {
		s[i] = ids[i].String()
	}
	return strings.Join(s, ",")
}

// Controller is the register level contract of the DMA controller.
type Controller interface {
	// WriteHeadPointer points the channel at the first descriptor to process.
	WriteHeadPointer(ch ChannelID, addr uint32)
	// WriteCompletionPointer acknowledges the last processed descriptor, or
	// the teardown sentinel.
	WriteCompletionPointer(ch ChannelID, value uint32)
	// ReadCompletionPointer returns the channel's completion register.
	ReadCompletionPointer(ch ChannelID) uint32
	// IssueTeardown asks the controller to abandon the channel.
	IssueTeardown(ch ChannelID)
	MaskInterrupt(cause Cause)
	UnmaskInterrupt(cause Cause)
	// ReadInterruptVector returns the causes that are pending and unmasked.
	ReadInterruptVector() Cause
}

// Token is an opaque handle attached to a buffer by its owner.
type Token any

// Buffer is a data buffer the controller can reach at bus address Addr. Data is
// the software view of the same memory and may be nil for buffers software
// never touches.
type Buffer struct {
	Addr  uint32
	Data  []byte
	Token Token
}

// BufferAllocator supplies and reclaims receive buffers. It is shared between
// channels and must be safe for concurrent use.
type BufferAllocator interface {
	// Allocate returns a buffer of at least size bytes, or false when none is
	// available.
	Allocate(size int) (Buffer, bool)
	Release(Buffer) error
}

// LinkState reports whether the physical link is up.
type LinkState interface {
	Up() bool
}

// Handler receives the results of draining a channel. Callbacks of a channel
// are invoked one batch at a time, outside the lock guarding its state.
type Handler interface {
	// OnTransmitComplete hands back the tokens of transmitted fragments in
	// submission order.
	OnTransmitComplete(ch ChannelID, tokens []Token)
	// OnPacketReceived hands over a filled receive buffer. The receiver owns
	// the buffer from now on and releases it to the allocator when done.
	OnPacketReceived(ch ChannelID, buf Buffer, length int)
}
