package cpdma

import (
	"context"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/ring"
)

// scheduler defers the draining of interrupting channels to a single poll
// worker. A channel's cause stays masked from the interrupt until its poll unit
// drained everything the channel had, so a busy channel raises one interrupt
// per burst instead of one per packet.
type scheduler struct {
	l    *logrus.Logger
	e    *Engine
	ctlr ring.Controller

	mu     sync.Mutex
	units  *queue.Queue
	queued ring.Cause
	wake   chan struct{}

	interrupts metrics.Counter
	spurious   metrics.Counter
	polls      metrics.Counter
	reschedule metrics.Counter
	dropped    metrics.Counter
}

func newScheduler(l *logrus.Logger, e *Engine, ctlr ring.Controller, r metrics.Registry) *scheduler {
	return &scheduler{
		l:          l,
		e:          e,
		ctlr:       ctlr,
		units:      queue.New(),
		wake:       make(chan struct{}, 1),
		interrupts: metrics.GetOrRegisterCounter("cpdma.poll.interrupts", r),
		spurious:   metrics.GetOrRegisterCounter("cpdma.poll.spurious", r),
		polls:      metrics.GetOrRegisterCounter("cpdma.poll.units", r),
		reschedule: metrics.GetOrRegisterCounter("cpdma.poll.reschedule", r),
		dropped:    metrics.GetOrRegisterCounter("cpdma.poll.dropped", r),
	}
}

// interrupt masks and queues every pending cause, RX channels first.
func (s *scheduler) interrupt() {
	s.interrupts.Inc(1)

	vector := s.ctlr.ReadInterruptVector()
	if vector == 0 {
		s.spurious.Inc(1)
		return
	}

	s.mu.Lock()
	for _, id := range vector.Channels() {
		cause := id.Cause()
		s.ctlr.MaskInterrupt(cause)
		s.enqueue(id)
	}
	s.mu.Unlock()

	if s.l.Level >= logrus.TraceLevel {
		s.l.WithField("causes", vector.String()).Trace("Interrupt")
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue adds a poll unit unless the channel already has one. Must be called
// with the lock held.
func (s *scheduler) enqueue(id ring.ChannelID) {
	cause := id.Cause()
	if s.queued&cause != 0 {
		return
	}
	s.queued |= cause
	s.units.Add(id)
}

// poll runs the units that were queued when it was called. Units that still
// have work are queued again behind them. It returns the number of units run.
func (s *scheduler) poll() int {
	s.mu.Lock()
	n := s.units.Length()
	batch := make([]ring.ChannelID, n)
	for i := range batch {
		batch[i] = s.units.Remove().(ring.ChannelID)
		s.queued &^= batch[i].Cause()
	}
	s.mu.Unlock()

	again := false
	for _, id := range batch {
		s.polls.Inc(1)

		ch := s.e.Channel(id)
		if ch == nil || ch.State() != ring.Opened {
			// Closing masked the cause already, leave it that way.
			s.dropped.Inc(1)
			continue
		}

		_, more := ch.Drain(ch.ServiceMax())
		if more {
			s.reschedule.Inc(1)
			s.mu.Lock()
			s.enqueue(id)
			s.mu.Unlock()
			again = true
			continue
		}

		ch.UnmaskIfOpen()
	}

	if again {
		runtime.Gosched()
	}
	return n
}

// pending returns the number of queued poll units.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units.Length()
}

// run polls whenever an interrupt queued work, until ctx is done.
func (s *scheduler) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		for s.poll() > 0 {
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}
