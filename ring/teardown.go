package ring

import "time"

// teardown stops the controller on this channel and reclaims everything that
// was in flight. The channel must already be in CloseInProgress, which keeps
// submitters and drains away while the lock is not held. The channel ends up in
// the given state.
func (c *Channel) teardown(final State) {
	c.mu.Lock()
	retries := c.cfg.TeardownRetries
	interval := c.cfg.TeardownInterval
	c.mu.Unlock()

	if !c.awaitTeardown(retries, interval) {
		c.metrics.teardownTimeout.Inc(1)
		c.l.WithField("retries", retries).
			WithField("interval", interval).
			Error("Teardown did not complete, reclaiming descriptors anyway")
	}

	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	tokens := c.abandonQueue()
	c.env.Controller.MaskInterrupt(c.id.Cause())
	c.state = final
	c.signalReady()
	c.mu.Unlock()

	// In flight packets may or may not have made it out, their owners get the
	// tokens back either way.
	if len(tokens) > 0 {
		c.env.Handler.OnTransmitComplete(c.id, tokens)
	}
}

// awaitTeardown issues the teardown command and polls the completion register
// for the sentinel, acknowledging it when seen. It gives up after retries
// reads.
func (c *Channel) awaitTeardown(retries int, interval time.Duration) bool {
	ctlr := c.env.Controller
	ctlr.IssueTeardown(c.id)

	for i := 0; i < retries; i++ {
		if ctlr.ReadCompletionPointer(c.id) == TeardownSentinel {
			ctlr.WriteCompletionPointer(c.id, TeardownSentinel)
			return true
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}
	return false
}

// abandonQueue reclaims every descriptor of the active queue regardless of
// ownership and returns the TX tokens. RX buffers go back to the allocator
// without being delivered. Must be called with the lock held.
func (c *Channel) abandonQueue() []Token {
	var tokens []Token

	h := c.head
	for range c.pool.Size() {
		if h == noDescriptor {
			break
		}
		e := c.pool.entry(h)
		next := e.next
		buf := e.buffer

		switch c.id.Direction {
		case TX:
			if buf.Token != nil {
				tokens = append(tokens, buf.Token)
			}
		case RX:
			if err := c.env.Allocator.Release(buf); err != nil {
				c.l.WithError(err).Warn("Failed to release a receive buffer during teardown")
			}
		}

		e.next = noDescriptor
		if err := c.pool.Release(h); err != nil {
			c.l.WithError(err).Error("Failed to return a descriptor to the pool during teardown")
		}
		c.metrics.teardownDequeue.Inc(1)
		h = next
	}

	c.resetQueue()
	return tokens
}
