package cpdma

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/ring"
)

var (
	// ErrUnknownChannel is returned for channels that were never opened.
	ErrUnknownChannel = errors.New("channel was never opened")
	// ErrEngineClosed is returned once the engine was closed.
	ErrEngineClosed = errors.New("engine is closed")
	// ErrDescriptorMemoryExhausted is returned when a channel does not fit the
	// descriptor memory left.
	ErrDescriptorMemoryExhausted = errors.New("descriptor memory exhausted")
)

// ChannelConfig opens one channel of an [Engine].
type ChannelConfig struct {
	ID ring.ChannelID
	ring.ChannelConfig
}

// TransmitCompleteFunc receives the tokens of transmitted fragments in
// submission order.
type TransmitCompleteFunc func(ch ring.ChannelID, tokens []ring.Token)

// PacketReceivedFunc receives a filled buffer and owns it from then on.
type PacketReceivedFunc func(ch ring.ChannelID, buf ring.Buffer, length int)

type EngineOption func(*Engine)

// WithTransmitComplete sets the receiver of transmit completions.
func WithTransmitComplete(f TransmitCompleteFunc) EngineOption {
	return func(e *Engine) { e.onTransmit = f }
}

// WithPacketReceived sets the receiver of received packets. Without one,
// received buffers go straight back to the allocator.
func WithPacketReceived(f PacketReceivedFunc) EngineOption {
	return func(e *Engine) { e.onReceive = f }
}

// WithLink makes transmit channels refuse packets while the link is down.
func WithLink(link ring.LinkState) EngineOption {
	return func(e *Engine) { e.link = link }
}

// WithRegistry sets the registry channel counters are kept in.
func WithRegistry(r metrics.Registry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

type window struct {
	first, capacity int
}

// Engine drives the channels of one DMA controller. Every channel gets its own
// window of the shared descriptor memory the first time it is opened and keeps
// it for the lifetime of the engine.
type Engine struct {
	l        *logrus.Logger
	ctlr     ring.Controller
	mem      *ring.Memory
	alloc    ring.BufferAllocator
	link     ring.LinkState
	registry metrics.Registry

	onTransmit TransmitCompleteFunc
	onReceive  PacketReceivedFunc

	mu       sync.RWMutex
	channels [2][ring.ChannelsPerDirection]*ring.Channel
	windows  [2][ring.ChannelsPerDirection]window
	nextFree int
	closed   bool

	sched *scheduler
}

// NewEngine creates an engine without any open channel.
func NewEngine(l *logrus.Logger, ctlr ring.Controller, mem *ring.Memory, alloc ring.BufferAllocator, opts ...EngineOption) (*Engine, error) {
	if ctlr == nil || mem == nil {
		return nil, errors.New("engine needs a controller and descriptor memory")
	}

	e := &Engine{
		l:        l,
		ctlr:     ctlr,
		mem:      mem,
		alloc:    alloc,
		registry: metrics.DefaultRegistry,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sched = newScheduler(l, e, ctlr, e.registry)
	return e, nil
}

// OpenChannel initializes the channel if needed and hands it to the
// controller. A channel that was disabled is reopened with its previous
// configuration, cfg only applies to channels that are uninitialized or
// closed.
func (e *Engine) OpenChannel(cfg ChannelConfig) error {
	ch, err := e.channelFor(cfg)
	if err != nil {
		return err
	}

	switch ch.State() {
	case ring.Uninitialized, ring.Closed:
		if err := ch.Init(cfg.ChannelConfig); err != nil {
			return err
		}
	}

	if err := ch.Open(); err != nil {
		return err
	}

	c := ch.Config()
	e.l.WithField("channel", cfg.ID.String()).
		WithField("descriptors", c.Descriptors).
		WithField("serviceMax", c.ServiceMax).
		Info("Channel opened")
	return nil
}

// channelFor returns the channel named by cfg, creating it and reserving its
// descriptor window on first use.
func (e *Engine) channelFor(cfg ChannelConfig) (*ring.Channel, error) {
	id := cfg.ID
	if !id.Valid() {
		return nil, fmt.Errorf("invalid channel %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if ch := e.channels[id.Direction][id.Number]; ch != nil {
		return ch, nil
	}

	if err := ring.CheckDescriptorCount(cfg.Descriptors); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ring.ErrInvalidConfig, id, err)
	}
	if e.nextFree+cfg.Descriptors > e.mem.Count() {
		return nil, fmt.Errorf("%w: %s needs %d descriptors but only %d are left",
			ErrDescriptorMemoryExhausted, id, cfg.Descriptors, e.mem.Count()-e.nextFree)
	}

	w := window{first: e.nextFree, capacity: cfg.Descriptors}
	ch, err := ring.NewChannel(e.l, id, ring.Environment{
		Controller: e.ctlr,
		Memory:     e.mem,
		First:      w.first,
		Capacity:   w.capacity,
		Allocator:  e.alloc,
		Link:       e.link,
		Handler:    e,
		Registry:   e.registry,
	})
	if err != nil {
		return nil, err
	}

	e.nextFree += w.capacity
	e.windows[id.Direction][id.Number] = w
	e.channels[id.Direction][id.Number] = ch
	return ch, nil
}

// Channel returns the channel or nil if it was never opened.
func (e *Engine) Channel(id ring.ChannelID) *ring.Channel {
	if !id.Valid() {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channels[id.Direction][id.Number]
}

func (e *Engine) lookup(id ring.ChannelID) (*ring.Channel, error) {
	ch := e.Channel(id)
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return ch, nil
}

// DisableChannel tears the channel down but keeps its descriptors so it can be
// opened again without a new configuration.
func (e *Engine) DisableChannel(id ring.ChannelID) error {
	ch, err := e.lookup(id)
	if err != nil {
		return err
	}
	return ch.Disable()
}

// CloseChannel tears the channel down and retires its descriptors. Closing a
// closed channel returns [ring.ErrAlreadyClosed] and has no other effect.
func (e *Engine) CloseChannel(id ring.ChannelID) error {
	ch, err := e.lookup(id)
	if err != nil {
		return err
	}
	return ch.Close()
}

// Submit queues a packet on a transmit channel. When the channel's reclaim
// threshold is reached the channel is drained right away on the caller's
// goroutine.
func (e *Engine) Submit(id ring.ChannelID, pkt ring.Packet) error {
	ch, err := e.lookup(id)
	if err != nil {
		return err
	}

	if err := ch.Submit(pkt); err != nil {
		return err
	}

	if ch.ShouldReclaim() {
		ch.Drain(ch.ServiceMax())
	}
	return nil
}

// SubmitWait is Submit that waits for descriptors to become available instead
// of returning [ring.ErrOutOfDescriptors].
func (e *Engine) SubmitWait(ctx context.Context, id ring.ChannelID, pkt ring.Packet) error {
	ch, err := e.lookup(id)
	if err != nil {
		return err
	}

	for {
		err := e.Submit(id, pkt)
		if !errors.Is(err, ring.ErrOutOfDescriptors) {
			return err
		}

		// Completions may be sitting there without an interrupt yet.
		if n, _ := ch.Drain(ch.ServiceMax()); n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch.Ready():
		}
	}
}

// Drain reclaims up to budget completed descriptors of a channel.
func (e *Engine) Drain(id ring.ChannelID, budget int) (processed int, more bool, err error) {
	ch, err := e.lookup(id)
	if err != nil {
		return 0, false, err
	}
	processed, more = ch.Drain(budget)
	return processed, more, nil
}

// HandleInterrupt services the interrupt line. Every pending cause is masked
// and queued for the poll worker, nothing is drained here.
func (e *Engine) HandleInterrupt() {
	e.sched.interrupt()
}

// Poll runs every queued poll unit once.
func (e *Engine) Poll() int {
	return e.sched.poll()
}

// Run is the poll worker. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.sched.run(ctx)
}

// Close closes every channel. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	channels := e.channels
	e.mu.Unlock()

	var errs []error
	for d := range channels {
		for _, ch := range channels[d] {
			if ch == nil {
				continue
			}
			if err := ch.Close(); err != nil && !errors.Is(err, ring.ErrAlreadyClosed) {
				errs = append(errs, fmt.Errorf("close %s: %w", ch.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every channel that was ever opened, RX first.
func (e *Engine) Stats() []ring.Stats {
	e.mu.RLock()
	channels := e.channels
	e.mu.RUnlock()

	var out []ring.Stats
	for _, d := range []ring.Direction{ring.RX, ring.TX} {
		for _, ch := range channels[d] {
			if ch != nil {
				out = append(out, ch.Stats())
			}
		}
	}
	return out
}

// Check verifies the descriptor accounting of every channel.
func (e *Engine) Check() error {
	e.mu.RLock()
	channels := e.channels
	e.mu.RUnlock()

	var errs []error
	for d := range channels {
		for _, ch := range channels[d] {
			if ch == nil {
				continue
			}
			if err := ch.Check(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ch.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// OnTransmitComplete implements [ring.Handler].
func (e *Engine) OnTransmitComplete(ch ring.ChannelID, tokens []ring.Token) {
	if e.onTransmit != nil {
		e.onTransmit(ch, tokens)
	}
}

// OnPacketReceived implements [ring.Handler].
func (e *Engine) OnPacketReceived(ch ring.ChannelID, buf ring.Buffer, length int) {
	if e.onReceive != nil {
		e.onReceive(ch, buf, length)
		return
	}
	if err := e.alloc.Release(buf); err != nil {
		e.l.WithError(err).WithField("channel", ch.String()).Error("Failed to release an unclaimed receive buffer")
	}
}
