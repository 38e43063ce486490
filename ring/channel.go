package ring

import (
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a [Channel].
type State uint8

const (
	Uninitialized State = iota
	Initialized
	Opened
	CloseInProgress
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Opened:
		return "opened"
	case CloseInProgress:
		return "close in progress"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Defaults applied by [ChannelConfig.validate].
const (
	DefaultTeardownRetries  = 100
	DefaultTeardownInterval = 10 * time.Microsecond
	DefaultMinPacketSize    = 60
)

// ChannelConfig is the configuration applied by [Channel.Init].
type ChannelConfig struct {
	// Descriptors is the size of the descriptor pool.
	Descriptors int
	// ServiceMax bounds the number of descriptors drained per poll. Defaults
	// to Descriptors.
	ServiceMax int

	// BufferSize is the size of the receive buffers requested from the
	// allocator. RX only.
	BufferSize int
	// PassCRC keeps the frame check sequence in receive buffers. The
	// reported length excludes it. RX only.
	PassCRC bool

	// ReclaimThreshold is the number of packets submitted since the last drain
	// after which the submitter should drain synchronously. 0 disables it.
	// TX only.
	ReclaimThreshold int
	// MinPacketSize is the length shorter packets are padded to. TX only.
	MinPacketSize int

	// TeardownRetries bounds the number of completion register reads while
	// waiting for a teardown to complete.
	TeardownRetries int
	// TeardownInterval is the pause between two of those reads.
	TeardownInterval time.Duration
}

func (cfg *ChannelConfig) validate(id ChannelID, capacity int) error {
	if err := CheckDescriptorCount(cfg.Descriptors); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Descriptors > capacity {
		return fmt.Errorf("%w: %d descriptors requested but only %d reserved for %s",
			ErrInvalidConfig, cfg.Descriptors, capacity, id)
	}
	if cfg.ServiceMax == 0 {
		cfg.ServiceMax = cfg.Descriptors
	}
	if cfg.ServiceMax < 0 {
		return fmt.Errorf("%w: service max %d must be positive", ErrInvalidConfig, cfg.ServiceMax)
	}
	if cfg.ReclaimThreshold < 0 {
		return fmt.Errorf("%w: reclaim threshold %d must not be negative", ErrInvalidConfig, cfg.ReclaimThreshold)
	}
	if cfg.TeardownRetries == 0 {
		cfg.TeardownRetries = DefaultTeardownRetries
	}
	if cfg.TeardownRetries < 0 {
		return fmt.Errorf("%w: teardown retries %d must be positive", ErrInvalidConfig, cfg.TeardownRetries)
	}
	if cfg.TeardownInterval < 0 {
		return fmt.Errorf("%w: teardown interval %s must not be negative", ErrInvalidConfig, cfg.TeardownInterval)
	}

	switch id.Direction {
	case TX:
		if cfg.MinPacketSize == 0 {
			cfg.MinPacketSize = DefaultMinPacketSize
		}
		if cfg.MinPacketSize < 0 || cfg.MinPacketSize > MaxPacketLength {
			return fmt.Errorf("%w: min packet size %d out of range", ErrInvalidConfig, cfg.MinPacketSize)
		}
	case RX:
		if cfg.BufferSize <= 0 || cfg.BufferSize > MaxPacketLength {
			return fmt.Errorf("%w: buffer size %d must be between 1 and %d",
				ErrInvalidConfig, cfg.BufferSize, MaxPacketLength)
		}
	}
	return nil
}

// Environment holds the collaborators of a [Channel].
type Environment struct {
	Controller Controller
	Memory     *Memory
	// First and Capacity define the window of Memory reserved for the channel.
	First    int
	Capacity int
	// Allocator supplies receive buffers. Required for RX channels.
	Allocator BufferAllocator
	// Link is consulted on every submit. Nil means the link is always up.
	Link    LinkState
	Handler Handler
	// Registry receives the channel counters. Defaults to
	// metrics.DefaultRegistry.
	Registry metrics.Registry
}

// Channel is one direction of one hardware DMA channel. It owns a descriptor
// pool and the queue of descriptors currently handed to the controller.
//
// Submit and Drain may be called concurrently; every operation is serialized
// by the channel lock. Callbacks of the [Handler] run after the lock was
// released but one batch at a time and in completion order, so a handler
// must not drain or close its own channel.
type Channel struct {
	l   *logrus.Entry
	id  ChannelID
	env Environment

	// deliver is held from collecting a batch of completions until the
	// handler returned, it is always taken before mu.
	deliver sync.Mutex

	mu    sync.Mutex
	state State
	cfg   ChannelConfig
	pool  *Pool

	// head and tail delimit the active queue, linked by the software link.
	head, tail Handle
	// active is the number of descriptors in the active queue.
	active int
	// queueActive is true while the controller has a chain to process.
	queueActive bool
	// lastProcessed is the bus address of the last reclaimed descriptor, it is
	// written to the completion register once per drain.
	lastProcessed uint32

	submittedSinceDrain int
	// waiting is set when a submitter was turned away for lack of
	// descriptors, ready is signalled once some were returned.
	waiting bool
	ready   chan struct{}

	metrics *channelMetrics
}

// NewChannel creates an uninitialized channel.
func NewChannel(l *logrus.Logger, id ChannelID, env Environment) (*Channel, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("invalid channel %s", id)
	}
	if env.Controller == nil || env.Memory == nil {
		return nil, fmt.Errorf("channel %s needs a controller and descriptor memory", id)
	}
	if env.Handler == nil {
		return nil, fmt.Errorf("channel %s needs a handler", id)
	}
	if id.Direction == RX && env.Allocator == nil {
		return nil, fmt.Errorf("rx channel %s needs a buffer allocator", id)
	}
	if env.First < 0 || env.Capacity <= 0 || env.First+env.Capacity > env.Memory.Count() {
		return nil, fmt.Errorf("descriptor window [%d, %d) of %s does not fit memory of %d descriptors",
			env.First, env.First+env.Capacity, id, env.Memory.Count())
	}
	if env.Registry == nil {
		env.Registry = metrics.DefaultRegistry
	}

	return &Channel{
		l:       l.WithField("channel", id.String()),
		id:      id,
		env:     env,
		head:    noDescriptor,
		tail:    noDescriptor,
		ready:   make(chan struct{}, 1),
		metrics: newChannelMetrics(id, env.Registry),
	}, nil
}

// ID returns the hardware channel this channel drives.
func (c *Channel) ID() ChannelID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the configuration applied by the last Init, including
// defaults.
func (c *Channel) Config() ChannelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// ServiceMax returns the drain budget for one poll.
func (c *Channel) ServiceMax() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ServiceMax
}

// SetServiceMax changes the drain budget of an initialized channel.
func (c *Channel) SetServiceMax(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: service max %d must be positive", ErrInvalidConfig, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ServiceMax = n
	return nil
}

// SetReclaimThreshold changes the reclaim threshold, 0 disables it.
func (c *Channel) SetReclaimThreshold(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: reclaim threshold %d must not be negative", ErrInvalidConfig, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ReclaimThreshold = n
	return nil
}

// ShouldReclaim reports whether enough packets were submitted since the last
// drain to warrant draining synchronously.
func (c *Channel) ShouldReclaim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ReclaimThreshold > 0 && c.submittedSinceDrain >= c.cfg.ReclaimThreshold
}

// SubmittedSinceDrain returns the number of packets submitted since the last
// drain.
func (c *Channel) SubmittedSinceDrain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submittedSinceDrain
}

// Ready is signalled when descriptors were returned to the pool after a
// submit failed with [ErrOutOfDescriptors].
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Init allocates the descriptor pool. All descriptors start on the free list.
func (c *Channel) Init(cfg ChannelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Uninitialized && c.state != Closed {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyInitialized, c.id, c.state)
	}
	if err := cfg.validate(c.id, c.env.Capacity); err != nil {
		return err
	}

	pool, err := NewPool(c.env.Memory, c.env.First, cfg.Descriptors)
	if err != nil {
		return fmt.Errorf("create descriptor pool: %w", err)
	}

	c.cfg = cfg
	c.pool = pool
	c.resetQueue()
	c.submittedSinceDrain = 0
	c.waiting = false
	c.state = Initialized

	c.l.WithField("descriptors", cfg.Descriptors).
		WithField("serviceMax", cfg.ServiceMax).
		Debug("Channel initialized")
	return nil
}

// Open hands the channel to the controller. RX channels are filled with
// fresh receive buffers first. The interrupt cause is unmasked last.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Initialized:
	case Opened, CloseInProgress:
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, c.id)
	default:
		return fmt.Errorf("%w: %w: %s is %s", ErrAlreadyOpen, ErrNotInitialized, c.id, c.state)
	}

	c.state = Opened
	if c.id.Direction == RX {
		if n := c.refill(); n == 0 {
			c.l.Warn("No receive buffers available while opening the channel")
		}
	}
	c.env.Controller.UnmaskInterrupt(c.id.Cause())

	c.l.Debug("Channel opened")
	return nil
}

// UnmaskIfOpen unmasks the interrupt cause of the channel unless it stopped
// being open. It reports whether it did.
func (c *Channel) UnmaskIfOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Opened {
		return false
	}
	c.env.Controller.UnmaskInterrupt(c.id.Cause())
	return true
}

// Disable tears the channel down but keeps its descriptor pool, leaving it
// Initialized. Disabling a channel that is not open is a no-op.
func (c *Channel) Disable() error {
	c.mu.Lock()
	switch c.state {
	case Opened:
	case CloseInProgress:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeardownInProgress, c.id)
	default:
		c.mu.Unlock()
		return nil
	}
	c.state = CloseInProgress
	c.mu.Unlock()

	c.teardown(Initialized)
	c.l.Debug("Channel disabled")
	return nil
}

// Close tears the channel down if it is open and retires its descriptor pool;
// all descriptors are back on the free list and a new Init is needed before the
// channel can be used again. A second Close returns [ErrAlreadyClosed] without
// side effects.
func (c *Channel) Close() error {
	c.mu.Lock()
	switch c.state {
	case Opened:
		c.state = CloseInProgress
		c.mu.Unlock()
		c.teardown(Closed)

	case Initialized:
		c.state = Closed
		c.mu.Unlock()

	case Uninitialized:
		c.mu.Unlock()
		return nil

	case CloseInProgress:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeardownInProgress, c.id)

	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, c.id)
	}

	c.l.Debug("Channel closed")
	return nil
}

func (c *Channel) resetQueue() {
	c.head = noDescriptor
	c.tail = noDescriptor
	c.active = 0
	c.queueActive = false
	c.lastProcessed = 0
}

// appendChain links the chain first..last, which must already be owned by the
// controller, to the tail of the active queue. Must be called with the lock
// held.
func (c *Channel) appendChain(first, last Handle, n int) {
	firstAddr := c.pool.Addr(first)

	if c.head == noDescriptor {
		c.head = first
		c.tail = last
		c.active += n
		if c.queueActive {
			// The queue can only be empty while the controller is active if the
			// last completion was missed; restarting is always safe then.
			c.l.WithField("addr", fmt.Sprintf("%#x", firstAddr)).
				Debug("Restarting controller on an empty queue that was still marked active")
		}
		c.env.Controller.WriteHeadPointer(c.id, firstAddr)
		c.queueActive = true
		c.metrics.headEnqueue.Inc(1)
		return
	}

	prev := c.tail
	c.pool.entry(prev).next = first
	c.tail = last
	c.active += n

	// Link in the controller's view first, then look at the end of queue flag.
	// If the controller parked on the previous tail it will not follow the new
	// link by itself and must be pointed at it.
	prevDesc := c.pool.Descriptor(prev)
	prevDesc.setHwNext(firstAddr)
	c.metrics.tailEnqueue.Inc(1)
	if prevDesc.clearEndOfQueue() {
		c.env.Controller.WriteHeadPointer(c.id, firstAddr)
		c.queueActive = true
		c.metrics.requeue.Inc(1)
	}
}

// signalReady wakes a producer that ran out of descriptors. Must be called
// with the lock held.
func (c *Channel) signalReady() {
	if !c.waiting {
		return
	}
	c.waiting = false
	select {
	case c.ready <- struct{}{}:
	default:
	}
}
