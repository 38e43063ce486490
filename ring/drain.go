package ring

import "fmt"

// received is a filled receive buffer waiting to be handed to the handler.
type received struct {
	buf    Buffer
	length int
}

// Drain reclaims up to budget descriptors the controller is done with,
// walking the active queue from its head. TX completions are handed to the
// handler as one batch per call, RX buffers are handed over one by one and
// their descriptors are immediately requeued with fresh buffers.
//
// more is true if the walk stopped because the budget was used up while the
// next descriptor was already completed, meaning the caller should poll again
// soon. A channel that is not open drains nothing.
func (c *Channel) Drain(budget int) (processed int, more bool) {
	var (
		tokens []Token
		rx     []received
	)

	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	if c.state != Opened || budget <= 0 {
		c.mu.Unlock()
		return 0, false
	}

	if c.id.Direction == RX {
		// Descriptors left over from a failed refill get another chance.
		c.refill()
	}

	for processed < budget && c.head != noDescriptor {
		h := c.head
		desc := c.pool.Descriptor(h)
		mode, ok := desc.reclaimFromHardware()
		if !ok {
			break
		}

		e := c.pool.entry(h)
		if c.id.Direction == TX {
			buf := e.buffer
			c.advance(h, mode)
			if buf.Token != nil {
				tokens = append(tokens, buf.Token)
			}
			if err := c.pool.Release(h); err != nil {
				c.l.WithError(err).Error("Failed to return a completed descriptor to the pool")
			}
			c.metrics.goodDequeue.Inc(1)
			processed++
			continue
		}

		if mode&(FlagStartOfPacket|FlagEndOfPacket) != FlagStartOfPacket|FlagEndOfPacket {
			// Partial frames are not reassembled, the buffer goes straight back.
			buf := e.buffer
			c.advance(h, mode)
			c.requeue(h, buf)
			c.metrics.rxFragment.Inc(1)
			processed++
			continue
		}

		fresh, ok := c.env.Allocator.Allocate(c.cfg.BufferSize)
		if !ok {
			// Leave the filled buffer where it is, the next drain retries.
			c.metrics.bufAllocFail.Inc(1)
			break
		}

		filled := e.buffer
		length := int(mode & PacketLengthMask)
		if c.cfg.PassCRC && length >= crcLength {
			length -= crcLength
		}
		if length > c.cfg.BufferSize {
			length = c.cfg.BufferSize
		}

		c.advance(h, mode)
		rx = append(rx, received{buf: filled, length: length})
		c.requeue(h, fresh)
		c.metrics.goodDequeue.Inc(1)
		processed++
	}

	if processed > 0 {
		c.env.Controller.WriteCompletionPointer(c.id, c.lastProcessed)
	}
	if processed == budget && c.head != noDescriptor {
		_, more = c.pool.Descriptor(c.head).reclaimFromHardware()
	}
	c.submittedSinceDrain = 0
	if c.id.Direction == TX && processed > 0 {
		c.signalReady()
	}
	c.mu.Unlock()

	if len(tokens) > 0 {
		c.env.Handler.OnTransmitComplete(c.id, tokens)
	}
	for _, r := range rx {
		c.env.Handler.OnPacketReceived(c.id, r.buf, r.length)
	}

	return processed, more
}

// advance removes the head descriptor h from the active queue and records it
// as the one to acknowledge. Must be called with the lock held.
func (c *Channel) advance(h Handle, mode uint32) {
	e := c.pool.entry(h)
	next := e.next
	e.next = noDescriptor

	c.head = next
	if next == noDescriptor {
		c.tail = noDescriptor
	}
	c.active--

	if mode&FlagEndOfQueue != 0 {
		if next != noDescriptor {
			// The controller went idle although more work was linked, it must
			// have read the link just before it was written.
			c.metrics.misqueued.Inc(1)
			c.l.WithField("addr", fmt.Sprintf("%#x", c.pool.Addr(next))).
				Debug("Misqueued completion, restarting controller")
			c.env.Controller.WriteHeadPointer(c.id, c.pool.Addr(next))
		} else {
			c.queueActive = false
		}
	}

	c.lastProcessed = c.pool.Addr(h)
}

// requeue attaches buf to the receive descriptor h, hands it back to the
// controller and appends it to the active queue. Must be called with the lock
// held.
func (c *Channel) requeue(h Handle, buf Buffer) {
	e := c.pool.entry(h)
	e.buffer = buf
	e.next = noDescriptor

	var mode uint32
	if c.cfg.PassCRC {
		mode |= FlagPassCRC
	}
	c.pool.Descriptor(h).HandToHardware(0, buf.Addr, 0, c.cfg.BufferSize, mode)
	c.appendChain(h, h, 1)
}

// refill hands every free descriptor of a receive channel to the controller
// with a fresh buffer, stopping when the allocator runs dry. It returns the
// number of descriptors added. Must be called with the lock held.
func (c *Channel) refill() int {
	n := 0
	for c.pool.Free() > 0 {
		buf, ok := c.env.Allocator.Allocate(c.cfg.BufferSize)
		if !ok {
			c.metrics.bufAllocFail.Inc(1)
			break
		}
		h, _ := c.pool.Allocate()
		c.requeue(h, buf)
		n++
	}
	return n
}
