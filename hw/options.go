package hw

import (
	"errors"

	"github.com/slackhq/cpdma/ring"
)

// Bus resolves bus addresses of data buffers to memory. [bufpool.Pool]
// implements it.
type Bus interface {
	Bytes(addr uint32, n int) ([]byte, error)
}

// TransmitHook is called with every frame the controller put on the wire.
type TransmitHook func(ch ring.ChannelID, frame []byte)

type optionValues struct {
	bus          Bus
	loopback     bool
	rxQueueLimit int
	onTransmit   TransmitHook
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.rxQueueLimit <= 0 {
		return errors.New("rx queue limit must be positive")
	}
	return nil
}

var optionDefaults = optionValues{
	rxQueueLimit: 1024,
}

// Option can be passed to [NewController] to influence its behavior.
type Option func(*optionValues)

// WithBus returns an [Option] that lets the controller read transmitted and
// write received data. Without a bus frames are tracked by length only.
func WithBus(bus Bus) Option {
	return func(o *optionValues) { o.bus = bus }
}

// WithLoopback returns an [Option] that feeds every frame transmitted on TX
// channel n into RX channel n.
func WithLoopback(enabled bool) Option {
	return func(o *optionValues) { o.loopback = enabled }
}

// WithRxQueueLimit returns an [Option] that bounds the number of frames
// waiting for a receive descriptor per channel. Frames beyond that are
// dropped.
func WithRxQueueLimit(n int) Option {
	return func(o *optionValues) { o.rxQueueLimit = n }
}

// WithTransmitHook returns an [Option] that observes transmitted frames.
func WithTransmitHook(hook TransmitHook) Option {
	return func(o *optionValues) { o.onTransmit = hook }
}
