package test

import (
	"slices"
	"sync"

	"github.com/slackhq/cpdma/ring"
)

// Received is one packet seen by a [Recorder].
type Received struct {
	Channel ring.ChannelID
	Buffer  ring.Buffer
	Length  int
}

// Frame returns a copy of the received bytes.
func (r Received) Frame() []byte {
	return slices.Clone(r.Buffer.Data[:r.Length])
}

// Recorder is a [ring.Handler] that keeps everything it is handed.
type Recorder struct {
	mu       sync.Mutex
	tokens   []ring.Token
	batches  int
	received []Received
	notify   chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) OnTransmitComplete(_ ring.ChannelID, tokens []ring.Token) {
	r.mu.Lock()
	r.tokens = append(r.tokens, tokens...)
	r.batches++
	r.mu.Unlock()
	r.poke()
}

func (r *Recorder) OnPacketReceived(ch ring.ChannelID, buf ring.Buffer, length int) {
	r.mu.Lock()
	r.received = append(r.received, Received{Channel: ch, Buffer: buf, Length: length})
	r.mu.Unlock()
	r.poke()
}

func (r *Recorder) poke() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Notify fires after every callback.
func (r *Recorder) Notify() <-chan struct{} {
	return r.notify
}

// Tokens returns the transmit tokens in the order they were completed.
func (r *Recorder) Tokens() []ring.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tokens)
}

// Batches returns the number of OnTransmitComplete calls.
func (r *Recorder) Batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

// Received returns the received packets in order.
func (r *Recorder) Received() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.received)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = nil
	r.batches = 0
	r.received = nil
}
