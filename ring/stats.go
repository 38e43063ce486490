package ring

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type channelMetrics struct {
	headEnqueue     metrics.Counter
	tailEnqueue     metrics.Counter
	requeue         metrics.Counter
	misqueued       metrics.Counter
	descAllocFail   metrics.Counter
	bufAllocFail    metrics.Counter
	runtTransmit    metrics.Counter
	rxFragment      metrics.Counter
	goodDequeue     metrics.Counter
	teardownDequeue metrics.Counter
	teardownTimeout metrics.Counter
}

func newChannelMetrics(id ChannelID, r metrics.Registry) *channelMetrics {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("cpdma.%s.%d.%s", id.Direction, id.Number, name), r)
	}
	return &channelMetrics{
		headEnqueue:     c("head_enqueue"),
		tailEnqueue:     c("tail_enqueue"),
		requeue:         c("requeue"),
		misqueued:       c("misqueued"),
		descAllocFail:   c("desc_alloc_fail"),
		bufAllocFail:    c("buf_alloc_fail"),
		runtTransmit:    c("runt_transmit"),
		rxFragment:      c("rx_fragment"),
		goodDequeue:     c("good_dequeue"),
		teardownDequeue: c("teardown_dequeue"),
		teardownTimeout: c("teardown_timeout"),
	}
}

// Stats is a point in time view of a channel.
type Stats struct {
	ID          ChannelID
	State       State
	Descriptors int
	Free        int
	Active      int
	QueueActive bool

	HeadEnqueue     int64
	TailEnqueue     int64
	Requeue         int64
	Misqueued       int64
	DescAllocFail   int64
	BufAllocFail    int64
	RuntTransmit    int64
	RxFragment      int64
	GoodDequeue     int64
	TeardownDequeue int64
	TeardownTimeout int64
}

// Stats returns a snapshot of the channel's queue and counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		ID:          c.id,
		State:       c.state,
		Active:      c.active,
		QueueActive: c.queueActive,

		HeadEnqueue:     c.metrics.headEnqueue.Count(),
		TailEnqueue:     c.metrics.tailEnqueue.Count(),
		Requeue:         c.metrics.requeue.Count(),
		Misqueued:       c.metrics.misqueued.Count(),
		DescAllocFail:   c.metrics.descAllocFail.Count(),
		BufAllocFail:    c.metrics.bufAllocFail.Count(),
		RuntTransmit:    c.metrics.runtTransmit.Count(),
		RxFragment:      c.metrics.rxFragment.Count(),
		GoodDequeue:     c.metrics.goodDequeue.Count(),
		TeardownDequeue: c.metrics.teardownDequeue.Count(),
		TeardownTimeout: c.metrics.teardownTimeout.Count(),
	}
	if c.pool != nil {
		s.Descriptors = c.pool.Size()
		s.Free = c.pool.Free()
	}
	return s
}

// Check verifies that every descriptor of the pool is on exactly one of the
// free list and the active queue, and that none is owned by the controller
// unless the channel is open.
func (c *Channel) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool == nil {
		if c.head != noDescriptor || c.active != 0 {
			return errors.New("channel without a pool has an active queue")
		}
		return nil
	}

	seen := make([]bool, c.pool.Size())

	free, err := c.pool.freeHandles()
	if err != nil {
		return err
	}
	if len(free) != c.pool.Free() {
		return fmt.Errorf("free list holds %d descriptors but the pool counts %d", len(free), c.pool.Free())
	}
	for _, h := range free {
		if !c.pool.entry(h).free {
			return fmt.Errorf("descriptor %d is on the free list but not marked free", h)
		}
		if c.pool.Descriptor(h).Mode()&FlagOwner != 0 {
			return fmt.Errorf("free descriptor %d is owned by the controller", h)
		}
		seen[h] = true
	}

	active := 0
	h := c.head
	last := noDescriptor
	for h != noDescriptor {
		if seen[h] {
			return fmt.Errorf("descriptor %d is reachable twice", h)
		}
		if c.pool.entry(h).free {
			return fmt.Errorf("descriptor %d is in the active queue but marked free", h)
		}
		if c.state != Opened && c.pool.Descriptor(h).Mode()&FlagOwner != 0 {
			return fmt.Errorf("descriptor %d is owned by the controller on a %s channel", h, c.state)
		}
		seen[h] = true
		active++
		last = h
		h = c.pool.entry(h).next
	}
	if last != c.tail {
		return fmt.Errorf("active queue ends at %d but the tail is %d", last, c.tail)
	}
	if active != c.active {
		return fmt.Errorf("active queue holds %d descriptors but the channel counts %d", active, c.active)
	}

	for i := range seen {
		if !seen[i] {
			return fmt.Errorf("descriptor %d is neither free nor active", i)
		}
	}
	return nil
}
