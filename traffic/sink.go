package traffic

import (
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/ring"
)

// SinkStats is a snapshot of what a [Sink] received on one channel.
type SinkStats struct {
	Frames     uint64
	Bytes      uint64
	Malformed  uint64
	OutOfOrder uint64
	// Next is the sequence number expected next.
	Next uint64
}

// Sink consumes received frames, checks their sequence numbers and hands the
// buffers back to the allocator.
type Sink struct {
	l     *logrus.Logger
	alloc ring.BufferAllocator

	mu       sync.Mutex
	channels map[ring.ChannelID]*SinkStats

	frames     metrics.Counter
	bytes      metrics.Counter
	malformed  metrics.Counter
	outOfOrder metrics.Counter
}

func NewSink(l *logrus.Logger, alloc ring.BufferAllocator, r metrics.Registry) *Sink {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	return &Sink{
		l:          l,
		alloc:      alloc,
		channels:   make(map[ring.ChannelID]*SinkStats),
		frames:     metrics.GetOrRegisterCounter("cpdma.traffic.rx.frames", r),
		bytes:      metrics.GetOrRegisterCounter("cpdma.traffic.rx.bytes", r),
		malformed:  metrics.GetOrRegisterCounter("cpdma.traffic.rx.malformed", r),
		outOfOrder: metrics.GetOrRegisterCounter("cpdma.traffic.rx.out_of_order", r),
	}
}

// Receive is meant to be used as the engine's packet received callback.
func (s *Sink) Receive(ch ring.ChannelID, buf ring.Buffer, length int) {
	seq, err := ParseFrame(buf.Data[:length])

	s.mu.Lock()
	st := s.channels[ch]
	if st == nil {
		st = &SinkStats{}
		s.channels[ch] = st
	}

	switch {
	case err != nil:
		st.Malformed++
		s.malformed.Inc(1)
	default:
		if seq != st.Next {
			st.OutOfOrder++
			s.outOfOrder.Inc(1)
		}
		st.Next = seq + 1
		st.Frames++
		st.Bytes += uint64(length)
		s.frames.Inc(1)
		s.bytes.Inc(int64(length))
	}
	s.mu.Unlock()

	if err != nil && s.l.Level >= logrus.DebugLevel {
		s.l.WithError(err).WithField("channel", ch.String()).WithField("length", length).Debug("Received a frame that is not a test frame")
	}

	if err := s.alloc.Release(buf); err != nil {
		s.l.WithError(err).WithField("channel", ch.String()).Error("Failed to release a receive buffer")
	}
}

// Stats returns a snapshot of a channel.
func (s *Sink) Stats(ch ring.ChannelID) SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.channels[ch]; st != nil {
		return *st
	}
	return SinkStats{}
}
