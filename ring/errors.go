package ring

import "errors"

var (
	// ErrOutOfDescriptors is returned by Submit when the pool cannot hold the
	// packet. Stop submitting until a completion was observed, see
	// [Channel.Ready].
	ErrOutOfDescriptors = errors.New("out of descriptors")
	// ErrNoLink is returned by Submit while the link is down.
	ErrNoLink = errors.New("link is down")
	// ErrNotOpen is returned by Submit on a channel that is not open.
	ErrNotOpen = errors.New("channel is not open")
	// ErrEmptyPacket is returned by Submit for a packet without data.
	ErrEmptyPacket = errors.New("packet has no fragments")
	// ErrPacketTooLarge is returned by Submit for packets the mode word cannot
	// describe.
	ErrPacketTooLarge = errors.New("packet is too large")
	// ErrWrongDirection is returned when a TX only operation is used on an RX
	// channel or the other way round.
	ErrWrongDirection = errors.New("operation not supported in this direction")

	ErrAlreadyInitialized = errors.New("channel is already initialized")
	ErrNotInitialized     = errors.New("channel is not initialized")
	ErrAlreadyOpen        = errors.New("channel is already open")
	// ErrAlreadyClosed reports a double close. The second close has no effect.
	ErrAlreadyClosed = errors.New("channel is already closed")
	// ErrTeardownInProgress is returned when a state change is requested while
	// another caller is tearing the channel down.
	ErrTeardownInProgress = errors.New("channel teardown in progress")

	// ErrInvalidConfig is wrapped by every configuration validation error.
	ErrInvalidConfig = errors.New("invalid channel config")
)
