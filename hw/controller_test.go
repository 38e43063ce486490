package hw

import (
	"context"
	"hash/crc32"
	"testing"
	"time"

	"github.com/slackhq/cpdma/ring"
	"github.com/slackhq/cpdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tx1 = ring.ChannelID{Direction: ring.TX, Number: 1}
	rx1 = ring.ChannelID{Direction: ring.RX, Number: 1}
)

// fakeBus is a flat memory starting at bus address 0x1000.
type fakeBus []byte

func (b fakeBus) Bytes(addr uint32, n int) ([]byte, error) {
	off := int(addr) - 0x1000
	return b[off : off+n], nil
}

func newTestController(t *testing.T, options ...Option) (*Controller, *ring.Memory) {
	t.Helper()
	mem, err := ring.NewMemory(0x100, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	c, err := NewController(test.NewLogger(), mem, options...)
	require.NoError(t, err)
	return c, mem
}

func TestNewController(t *testing.T) {
	_, err := NewController(test.NewLogger(), nil)
	assert.Error(t, err)

	mem, err := ring.NewMemory(0x100, 1)
	require.NoError(t, err)
	defer mem.Close()
	_, err = NewController(test.NewLogger(), mem, WithRxQueueLimit(0))
	assert.ErrorContains(t, err, "rx queue limit")
}

func TestController_Interrupts(t *testing.T) {
	c, mem := newTestController(t)

	mem.Descriptor(0).SetMode(ring.FlagOwner | ring.FlagStartOfPacket | ring.FlagEndOfPacket | 60)
	c.WriteHeadPointer(tx1, mem.Addr(0))

	// Masked causes stay pending without raising the line.
	assert.Equal(t, 1, c.Step(tx1, 1))
	select {
	case <-c.Interrupts():
		t.Fatal("masked cause raised the line")
	default:
	}
	assert.Equal(t, ring.Cause(0), c.ReadInterruptVector())

	// Unmasking a pending cause raises the line right away.
	c.UnmaskInterrupt(tx1.Cause())
	select {
	case <-c.Interrupts():
	default:
		t.Fatal("unmasking a pending cause did not raise the line")
	}
	assert.Equal(t, tx1.Cause(), c.ReadInterruptVector())
	assert.Equal(t, ring.Cause(0), c.ReadInterruptVector(), "reading the vector clears it")
}

func TestController_Transmit(t *testing.T) {
	bus := make(fakeBus, 256)
	copy(bus[0x10:], "abcdef")
	copy(bus[0x40:], "ghij")

	var frames [][]byte
	c, mem := newTestController(t, WithBus(bus), WithTransmitHook(func(ch ring.ChannelID, frame []byte) {
		assert.Equal(t, tx1, ch)
		frames = append(frames, frame)
	}))
	c.UnmaskInterrupt(tx1.Cause())

	d0, d1 := mem.Descriptor(0), mem.Descriptor(1)
	// Two fragments, the first starting at an offset.
	setDescriptor(t, mem, 1, 0, 0x1040, 0, 4, ring.FlagOwner|ring.FlagEndOfPacket)
	setDescriptor(t, mem, 0, mem.Addr(1), 0x1010, 2, 4, ring.FlagOwner|ring.FlagStartOfPacket|8)

	c.WriteHeadPointer(tx1, mem.Addr(0))
	assert.Equal(t, 2, c.Step(tx1, 10))

	require.Len(t, frames, 1)
	assert.Equal(t, "cdefghij", string(frames[0]))

	assert.Zero(t, d0.Mode()&ring.FlagOwner)
	assert.Zero(t, d0.Mode()&ring.FlagEndOfQueue)
	assert.Zero(t, d1.Mode()&ring.FlagOwner)
	assert.NotZero(t, d1.Mode()&ring.FlagEndOfQueue, "the controller parks on the last descriptor")
	assert.Equal(t, mem.Addr(1), c.ReadCompletionPointer(tx1))

	s := c.Stats(tx1)
	assert.Equal(t, 1, s.HeadWrites)
	assert.Equal(t, 1, s.Packets)
	assert.Equal(t, 2, s.Descriptors)
	assert.True(t, s.Idle)
}

func TestController_TransmitPadsToPacketLength(t *testing.T) {
	var frames [][]byte
	c, mem := newTestController(t, WithTransmitHook(func(_ ring.ChannelID, frame []byte) {
		frames = append(frames, frame)
	}))
	setDescriptor(t, mem, 0, 0, 0x1000, 0, 10, ring.FlagOwner|ring.FlagStartOfPacket|ring.FlagEndOfPacket|60)
	c.WriteHeadPointer(tx1, mem.Addr(0))
	c.Step(tx1, 1)

	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 60)
}

func TestController_StopsOnDescriptorItDoesNotOwn(t *testing.T) {
	c, mem := newTestController(t)
	setDescriptor(t, mem, 0, 0, 0x1000, 0, 10, ring.FlagStartOfPacket|ring.FlagEndOfPacket)
	c.WriteHeadPointer(tx1, mem.Addr(0))

	assert.Equal(t, 0, c.Step(tx1, 1))
	assert.True(t, c.Stats(tx1).Idle)
}

func TestController_Receive(t *testing.T) {
	bus := make(fakeBus, 256)
	c, mem := newTestController(t, WithBus(bus), WithRxQueueLimit(2))
	c.UnmaskInterrupt(rx1.Cause())

	setDescriptor(t, mem, 0, mem.Addr(1), 0x1000, 0, 64, ring.FlagOwner)
	setDescriptor(t, mem, 1, 0, 0x1040, 0, 64, ring.FlagOwner|ring.FlagPassCRC)
	c.WriteHeadPointer(rx1, mem.Addr(0))

	require.NoError(t, c.Inject(1, []byte("first frame")))
	require.NoError(t, c.Inject(1, []byte("second frame")))
	require.NoError(t, c.Inject(1, []byte("dropped")))
	assert.Equal(t, 1, c.Stats(rx1).Dropped)
	assert.Error(t, c.Inject(8, nil))

	assert.Equal(t, 2, c.Step(rx1, 10))

	m0 := mem.Descriptor(0).Mode()
	assert.Equal(t, ring.FlagStartOfPacket|ring.FlagEndOfPacket|11, m0)
	assert.Equal(t, "first frame", string(bus[:11]))

	// The second buffer asked for the frame check sequence.
	m1 := mem.Descriptor(1).Mode()
	assert.Equal(t, ring.FlagStartOfPacket|ring.FlagEndOfPacket|ring.FlagEndOfQueue|ring.FlagPassCRC|16, m1)
	assert.Equal(t, "second frame", string(bus[0x40:0x4c]))
	sum := crc32.ChecksumIEEE([]byte("second frame"))
	assert.Equal(t, []byte{byte(sum), byte(sum >> 8), byte(sum >> 16), byte(sum >> 24)}, []byte(bus[0x4c:0x50]))

	assert.Equal(t, rx1.Cause(), c.ReadInterruptVector())
	assert.Equal(t, 2, c.Stats(rx1).Packets)
}

func TestController_ReceiveWaitsForBuffers(t *testing.T) {
	c, mem := newTestController(t)
	require.NoError(t, c.Inject(1, []byte("frame")))

	// Idle channel.
	assert.Equal(t, 0, c.Step(rx1, 1))

	setDescriptor(t, mem, 0, 0, 0x1000, 0, 64, 0)
	c.WriteHeadPointer(rx1, mem.Addr(0))
	assert.Equal(t, 0, c.Step(rx1, 1), "the descriptor is not owned by the controller")
	assert.Equal(t, 1, c.Stats(rx1).Waiting)

	mem.Descriptor(0).SetMode(ring.FlagOwner)
	assert.Equal(t, 1, c.Step(rx1, 1))
	assert.Equal(t, 0, c.Stats(rx1).Waiting)
}

func TestController_Loopback(t *testing.T) {
	bus := make(fakeBus, 256)
	copy(bus, "ping")
	c, mem := newTestController(t, WithBus(bus), WithLoopback(true))

	setDescriptor(t, mem, 0, 0, 0x1000, 0, 4, ring.FlagOwner|ring.FlagStartOfPacket|ring.FlagEndOfPacket|4)
	setDescriptor(t, mem, 1, 0, 0x1080, 0, 64, ring.FlagOwner)
	c.WriteHeadPointer(tx1, mem.Addr(0))
	c.WriteHeadPointer(rx1, mem.Addr(1))

	assert.Equal(t, 2, c.StepAll(4))
	assert.Equal(t, "ping", string(bus[0x80:0x84]))
	assert.Equal(t, uint32(4), mem.Descriptor(1).Mode()&ring.PacketLengthMask)
}

func TestController_Teardown(t *testing.T) {
	c, mem := newTestController(t)
	c.UnmaskInterrupt(tx1.Cause())

	setDescriptor(t, mem, 0, 0, 0x1000, 0, 4, ring.FlagOwner|ring.FlagStartOfPacket|ring.FlagEndOfPacket)
	c.WriteHeadPointer(tx1, mem.Addr(0))

	c.StallTeardown(true)
	c.IssueTeardown(tx1)
	assert.NotEqual(t, ring.TeardownSentinel, c.ReadCompletionPointer(tx1))
	assert.Equal(t, 0, c.Step(tx1, 1), "a channel being torn down does no work")

	c.StallTeardown(false)
	assert.Equal(t, ring.TeardownSentinel, c.ReadCompletionPointer(tx1))
	assert.Equal(t, tx1.Cause(), c.ReadInterruptVector())
	assert.NotZero(t, mem.Descriptor(0).Mode()&ring.FlagOwner, "abandoned descriptors are not completed")

	// Acknowledging the sentinel makes the channel usable again.
	c.WriteCompletionPointer(tx1, ring.TeardownSentinel)
	c.WriteHeadPointer(tx1, mem.Addr(0))
	assert.Equal(t, 1, c.Step(tx1, 1))
}

func TestController_Run(t *testing.T) {
	c, mem := newTestController(t)
	c.UnmaskInterrupt(tx1.Cause())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 4) }()

	setDescriptor(t, mem, 0, 0, 0x1000, 0, 4, ring.FlagOwner|ring.FlagStartOfPacket|ring.FlagEndOfPacket)
	c.WriteHeadPointer(tx1, mem.Addr(0))

	select {
	case <-c.Interrupts():
	case <-time.After(10 * time.Second):
		t.Fatal("no completion interrupt")
	}
	assert.Zero(t, mem.Descriptor(0).Mode()&ring.FlagOwner)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// setDescriptor fills descriptor i and then replaces its mode word, which
// may or may not carry the owner flag.
func setDescriptor(t *testing.T, mem *ring.Memory, i int, next, buffer uint32, offset, length int, mode uint32) {
	t.Helper()
	d := mem.Descriptor(i)
	d.HandToHardware(next, buffer, offset, length, 0)
	d.SetMode(mode)
}
