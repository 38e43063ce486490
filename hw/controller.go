// Package hw is a register level model of a CPDMA style DMA controller. It
// walks descriptor chains in a [ring.Memory] the way the silicon does and is
// what the engine runs against when no hardware is attached.
package hw

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/ring"
)

// idleTick bounds how long Run sleeps when it was not kicked.
const idleTick = time.Millisecond

type channelState struct {
	// head is the last value written to the head descriptor pointer register.
	head uint32
	// current is the descriptor the controller works on next, 0 while idle.
	current uint32
	// completion is the completion pointer register.
	completion uint32

	teardownPending bool

	// frame collects transmit fragments until end of packet.
	frame  []byte
	pktLen int

	// queue holds received frames waiting for a descriptor.
	queue [][]byte

	headWrites       int
	completionWrites int
	packets          int
	descriptors      int
	dropped          int
}

type transmitted struct {
	ch    ring.ChannelID
	frame []byte
}

// Controller models one controller with ring.ChannelsPerDirection channels
// per direction. It implements [ring.Controller].
type Controller struct {
	l   *logrus.Logger
	mem *ring.Memory
	opt optionValues

	mu       sync.Mutex
	channels [2][ring.ChannelsPerDirection]channelState
	pending  ring.Cause
	enabled  ring.Cause
	stall    bool

	line chan struct{}
	kick chan struct{}
}

// NewController creates a controller walking descriptors in mem.
func NewController(l *logrus.Logger, mem *ring.Memory, options ...Option) (*Controller, error) {
	if mem == nil {
		return nil, fmt.Errorf("controller needs descriptor memory")
	}

	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	return &Controller{
		l:    l,
		mem:  mem,
		opt:  opts,
		line: make(chan struct{}, 1),
		kick: make(chan struct{}, 1),
	}, nil
}

func (c *Controller) state(ch ring.ChannelID) *channelState {
	return &c.channels[ch.Direction][ch.Number]
}

// WriteHeadPointer points the channel at a descriptor chain and starts it.
func (c *Controller) WriteHeadPointer(ch ring.ChannelID, addr uint32) {
	c.mu.Lock()
	s := c.state(ch)
	s.head = addr
	s.current = addr
	s.headWrites++
	c.mu.Unlock()
	c.poke()
}

// WriteCompletionPointer acknowledges a completion.
func (c *Controller) WriteCompletionPointer(ch ring.ChannelID, addr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(ch)
	s.completion = addr
	s.completionWrites++
	if addr == ring.TeardownSentinel {
		s.teardownPending = false
	}
}

// ReadCompletionPointer returns the completion pointer register.
func (c *Controller) ReadCompletionPointer(ch ring.ChannelID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(ch).completion
}

// IssueTeardown stops the channel. Unless teardowns are stalled the channel
// drops what it is working on and reports the sentinel right away.
func (c *Controller) IssueTeardown(ch ring.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(ch)
	s.teardownPending = true
	if c.stall {
		return
	}
	c.completeTeardown(ch, s)
}

func (c *Controller) completeTeardown(ch ring.ChannelID, s *channelState) {
	s.current = 0
	s.head = 0
	s.frame = nil
	s.pktLen = 0
	s.queue = nil
	s.completion = ring.TeardownSentinel
	c.raise(ch.Cause())
}

// StallTeardown makes teardown commands hang until released with false,
// like a controller wedged on the bus.
func (c *Controller) StallTeardown(stall bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stall = stall
	if stall {
		return
	}
	for d := range c.channels {
		for n := range c.channels[d] {
			s := &c.channels[d][n]
			if s.teardownPending && s.completion != ring.TeardownSentinel {
				c.completeTeardown(ring.ChannelID{Direction: ring.Direction(d), Number: n}, s)
			}
		}
	}
}

// MaskInterrupt disables the given causes.
func (c *Controller) MaskInterrupt(cause ring.Cause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled &^= cause
}

// UnmaskInterrupt enables the given causes, raising the interrupt line if
// one of them is already pending.
func (c *Controller) UnmaskInterrupt(cause ring.Cause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled |= cause
	if c.pending&c.enabled != 0 {
		c.assert()
	}
}

// ReadInterruptVector returns and clears the pending enabled causes.
func (c *Controller) ReadInterruptVector() ring.Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.pending & c.enabled
	c.pending &^= v
	return v
}

// Interrupts is the interrupt line. It receives a value whenever an enabled
// cause becomes pending.
func (c *Controller) Interrupts() <-chan struct{} {
	return c.line
}

// raise marks a cause pending. Must be called with the lock held.
func (c *Controller) raise(cause ring.Cause) {
	c.pending |= cause
	if c.enabled&cause != 0 {
		c.assert()
	}
}

func (c *Controller) assert() {
	select {
	case c.line <- struct{}{}:
	default:
	}
}

func (c *Controller) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Inject puts a frame on the wire towards RX channel n. The frame is dropped
// if too many frames are already waiting.
func (c *Controller) Inject(n int, frame []byte) error {
	ch := ring.ChannelID{Direction: ring.RX, Number: n}
	if !ch.Valid() {
		return fmt.Errorf("invalid channel %s", ch)
	}
	c.mu.Lock()
	c.inject(ch, frame)
	c.mu.Unlock()
	c.poke()
	return nil
}

func (c *Controller) inject(ch ring.ChannelID, frame []byte) {
	s := c.state(ch)
	if len(s.queue) >= c.opt.rxQueueLimit {
		s.dropped++
		return
	}
	s.queue = append(s.queue, frame)
}

// Step lets the channel process up to n descriptors and returns how many it
// completed.
func (c *Controller) Step(ch ring.ChannelID, n int) int {
	var out []transmitted

	c.mu.Lock()
	done := 0
	for done < n {
		var (
			ok  bool
			err error
		)
		if ch.Direction == ring.TX {
			ok, out, err = c.transmitOne(ch, out)
		} else {
			ok, err = c.receiveOne(ch)
		}
		if err != nil {
			c.l.WithError(err).WithField("channel", ch.String()).Error("Controller stopped the channel")
			c.state(ch).current = 0
			break
		}
		if !ok {
			break
		}
		done++
	}
	c.mu.Unlock()

	if c.opt.onTransmit != nil {
		for _, t := range out {
			c.opt.onTransmit(t.ch, t.frame)
		}
	}
	return done
}

// StepAll gives every channel up to n descriptors of work and returns the
// total completed.
func (c *Controller) StepAll(n int) int {
	done := 0
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		for i := range ring.ChannelsPerDirection {
			done += c.Step(ring.ChannelID{Direction: dir, Number: i}, n)
		}
	}
	return done
}

// Run processes descriptors on all channels until ctx is done.
func (c *Controller) Run(ctx context.Context, batch int) error {
	ticker := time.NewTicker(idleTick)
	defer ticker.Stop()

	for {
		if c.StepAll(batch) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		case <-ticker.C:
		}
	}
}

// transmitOne completes the current transmit descriptor. Must be called with
// the lock held.
func (c *Controller) transmitOne(ch ring.ChannelID, out []transmitted) (bool, []transmitted, error) {
	s := c.state(ch)
	if s.current == 0 || s.teardownPending {
		return false, out, nil
	}

	addr := s.current
	d, err := c.mem.Lookup(addr)
	if err != nil {
		return false, out, err
	}
	mode := d.Mode()
	if mode&ring.FlagOwner == 0 {
		return false, out, fmt.Errorf("descriptor %#x is not owned by the controller", addr)
	}

	if mode&ring.FlagStartOfPacket != 0 {
		s.frame = s.frame[:0]
		s.pktLen = int(mode & ring.PacketLengthMask)
	}
	data, err := c.read(d.Buffer()+uint32(d.BufferOffset()), d.BufferLength())
	if err != nil {
		return false, out, err
	}
	s.frame = append(s.frame, data...)

	if mode&ring.FlagEndOfPacket != 0 {
		frame := make([]byte, max(len(s.frame), s.pktLen))
		copy(frame, s.frame)
		s.frame = s.frame[:0]
		s.packets++
		out = append(out, transmitted{ch: ch, frame: frame})
		if c.opt.loopback {
			c.inject(ring.ChannelID{Direction: ring.RX, Number: ch.Number}, frame)
		}
	}

	c.finish(ch, s, d, addr, 0, -1)
	return true, out, nil
}

// receiveOne places as much of the oldest waiting frame as fits into the
// current receive descriptor. Frames larger than a buffer are spread over
// several descriptors. Must be called with the lock held.
func (c *Controller) receiveOne(ch ring.ChannelID) (bool, error) {
	s := c.state(ch)
	if s.current == 0 || s.teardownPending || len(s.queue) == 0 {
		return false, nil
	}

	addr := s.current
	d, err := c.mem.Lookup(addr)
	if err != nil {
		return false, err
	}
	mode := d.Mode()
	if mode&ring.FlagOwner == 0 {
		// Out of buffers, wait for software to hand some over.
		return false, nil
	}

	frame := s.queue[0]
	set := uint32(0)
	if s.pktLen == 0 {
		set |= ring.FlagStartOfPacket
		if mode&ring.FlagPassCRC != 0 {
			frame = appendFCS(frame)
			s.queue[0] = frame
		}
	}

	size := d.BufferLength()
	n := min(len(frame)-s.pktLen, size)
	if err := c.write(d.Buffer(), frame[s.pktLen:s.pktLen+n]); err != nil {
		return false, err
	}
	s.pktLen += n
	length := n

	if s.pktLen == len(frame) {
		set |= ring.FlagEndOfPacket
		if set&ring.FlagStartOfPacket != 0 {
			length = len(frame)
		}
		s.queue = s.queue[1:]
		s.pktLen = 0
		s.packets++
	}

	c.finish(ch, s, d, addr, set, length)
	return true, nil
}

// finish completes descriptor d, follows the hardware link and raises the
// channel interrupt. Must be called with the lock held.
func (c *Controller) finish(ch ring.ChannelID, s *channelState, d *ring.Descriptor, addr uint32, set uint32, length int) {
	next := d.HwNext()
	if next == 0 {
		set |= ring.FlagEndOfQueue
	}
	d.Complete(set, length)
	s.current = next
	s.completion = addr
	s.descriptors++
	c.raise(ch.Cause())
}

func (c *Controller) read(addr uint32, n int) ([]byte, error) {
	if c.opt.bus == nil {
		return make([]byte, n), nil
	}
	b, err := c.opt.bus.Bytes(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (c *Controller) write(addr uint32, data []byte) error {
	if c.opt.bus == nil {
		return nil
	}
	b, err := c.opt.bus.Bytes(addr, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// appendFCS returns frame followed by its Ethernet frame check sequence.
func appendFCS(frame []byte) []byte {
	sum := crc32.ChecksumIEEE(frame)
	out := make([]byte, len(frame), len(frame)+4)
	copy(out, frame)
	return append(out, byte(sum), byte(sum>>8), byte(sum>>16), byte(sum>>24))
}

// Stats is a snapshot of one channel of the model.
type Stats struct {
	HeadWrites       int
	CompletionWrites int
	Packets          int
	Descriptors      int
	Dropped          int
	Waiting          int
	Idle             bool
}

// Stats returns the counters of a channel.
func (c *Controller) Stats(ch ring.ChannelID) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(ch)
	return Stats{
		HeadWrites:       s.headWrites,
		CompletionWrites: s.completionWrites,
		Packets:          s.packets,
		Descriptors:      s.descriptors,
		Dropped:          s.dropped,
		Waiting:          len(s.queue),
		Idle:             s.current == 0,
	}
}
