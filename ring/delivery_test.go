package ring_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/cpdma/ring"
	"github.com/slackhq/cpdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedHandler holds on to the first transmit completion until release is
// closed.
type gatedHandler struct {
	*test.Recorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedHandler() *gatedHandler {
	return &gatedHandler{
		Recorder: test.NewRecorder(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (h *gatedHandler) OnTransmitComplete(ch ring.ChannelID, tokens []ring.Token) {
	first := false
	h.once.Do(func() { first = true })
	if first {
		close(h.entered)
		<-h.release
	}
	h.Recorder.OnTransmitComplete(ch, tokens)
}

// gatedChannel opens a TX channel on the fixture's memory that reports to h.
func gatedChannel(t *testing.T, f *fixture, h ring.Handler, descriptors int) *ring.Channel {
	t.Helper()
	ch, err := ring.NewChannel(test.NewLogger(), tx0, ring.Environment{
		Controller: f.ctl,
		Memory:     f.mem,
		First:      0,
		Capacity:   f.mem.Count(),
		Allocator:  f.bufs,
		Link:       f.link,
		Handler:    h,
		Registry:   metrics.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, ch.Init(ring.ChannelConfig{Descriptors: descriptors}))
	require.NoError(t, ch.Open())
	return ch
}

func stillRunning(t *testing.T, done <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-done:
		t.Fatal(msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestChannel_ConcurrentDrainsKeepOrder(t *testing.T) {
	f := newFixture(t, tx0, 8)
	h := newGatedHandler()
	ch := gatedChannel(t, f, h, 4)

	require.NoError(t, ch.Submit(f.packet(t, 1, payload(64, 0))))
	require.NoError(t, ch.Submit(f.packet(t, 2, payload(64, 0))))

	require.Equal(t, 1, f.ctl.Step(tx0, 1))
	first := make(chan struct{})
	go func() {
		ch.Drain(1)
		close(first)
	}()
	<-h.entered

	// The first drain is stuck in the handler with token 1 while the second
	// one finds token 2.
	require.Equal(t, 1, f.ctl.Step(tx0, 1))
	second := make(chan struct{})
	go func() {
		ch.Drain(1)
		close(second)
	}()
	stillRunning(t, second, "the second drain delivered while the first was still in the handler")

	close(h.release)
	<-first
	<-second
	assert.Equal(t, []int{1, 2}, ints(h.Tokens()))
	assert.Equal(t, 2, h.Batches())
	assert.NoError(t, ch.Check())
}

func TestChannel_TeardownWaitsForDelivery(t *testing.T) {
	f := newFixture(t, tx0, 8)
	h := newGatedHandler()
	ch := gatedChannel(t, f, h, 4)

	require.NoError(t, ch.Submit(f.packet(t, 1, payload(64, 0))))
	require.NoError(t, ch.Submit(f.packet(t, 2, payload(64, 0))))
	require.Equal(t, 1, f.ctl.Step(tx0, 1))

	drained := make(chan struct{})
	go func() {
		ch.Drain(4)
		close(drained)
	}()
	<-h.entered

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, ch.Close())
		close(closed)
	}()
	stillRunning(t, closed, "teardown delivered while a drain was still in the handler")

	close(h.release)
	<-drained
	<-closed
	assert.Equal(t, []int{1, 2}, ints(h.Tokens()))
	assert.Equal(t, ring.Closed, ch.State())
}

func TestChannel_CompletionAckedOncePerDrain(t *testing.T) {
	f := newOpenFixture(t, tx0, ring.ChannelConfig{Descriptors: 4}, 8)
	for i := range 3 {
		require.NoError(t, f.ch.Submit(f.packet(t, i, payload(64, 0))))
	}
	require.Equal(t, 3, f.ctl.Step(tx0, 3))
	completion := f.ctl.ReadCompletionPointer(tx0)

	writes := f.ctl.Stats(tx0).CompletionWrites
	n, _ := f.ch.Drain(4)
	require.Equal(t, 3, n)
	assert.Equal(t, writes+1, f.ctl.Stats(tx0).CompletionWrites)
	assert.Equal(t, completion, f.ctl.ReadCompletionPointer(tx0), "the last descriptor of the queue is acknowledged")

	// Nothing reclaimed, nothing acknowledged.
	n, _ = f.ch.Drain(4)
	assert.Zero(t, n)
	assert.Equal(t, writes+1, f.ctl.Stats(tx0).CompletionWrites)
}

func TestChannel_PacketLargerThanPool(t *testing.T) {
	f := newOpenFixture(t, tx0, ring.ChannelConfig{Descriptors: 2}, 8)

	err := f.ch.Submit(f.packet(t, 1, payload(64, 0), payload(64, 1), payload(64, 2)))
	assert.ErrorIs(t, err, ring.ErrPacketTooLarge)
	assert.NotErrorIs(t, err, ring.ErrOutOfDescriptors)
	assert.Zero(t, f.ch.Stats().DescAllocFail)

	// Nobody was told to wait, so nothing is signalled either.
	f.ctl.Step(tx0, 1)
	f.ch.Drain(2)
	select {
	case <-f.ch.Ready():
		t.Fatal("a rejected packet left a waiter behind")
	default:
	}

	assert.NoError(t, f.ch.Submit(f.packet(t, 2, payload(64, 0), payload(64, 1))))
	assert.Equal(t, 0, f.ch.Stats().Free)
}

func TestChannel_UnmaskIfOpen(t *testing.T) {
	f := newOpenFixture(t, tx0, ring.ChannelConfig{Descriptors: 4}, 8)

	f.ctl.MaskInterrupt(tx0.Cause())
	require.NoError(t, f.ch.Submit(f.packet(t, 1, payload(64, 0))))
	require.Equal(t, 1, f.ctl.Step(tx0, 1))
	assert.Zero(t, f.ctl.ReadInterruptVector())

	assert.True(t, f.ch.UnmaskIfOpen())
	assert.Equal(t, tx0.Cause(), f.ctl.ReadInterruptVector())

	// The teardown raises the cause, closing masks it and it has to stay
	// masked.
	require.NoError(t, f.ch.Close())
	assert.False(t, f.ch.UnmaskIfOpen())
	assert.Zero(t, f.ctl.ReadInterruptVector())
}
