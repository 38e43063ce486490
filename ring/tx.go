package ring

import "fmt"

// Fragment is one buffer of a packet to transmit.
type Fragment struct {
	Buffer Buffer
	// Offset is where the data starts within the buffer.
	Offset int
	// Length is the number of bytes to transmit from this buffer.
	Length int
}

// Packet is a packet to transmit, split over one or more fragments. The token
// of every fragment is handed back on completion.
type Packet struct {
	Fragments []Fragment
}

// Len returns the number of bytes in the packet.
func (p Packet) Len() int {
	n := 0
	for i := range p.Fragments {
		n += p.Fragments[i].Length
	}
	return n
}

// Submit queues a packet for transmission, one descriptor per fragment.
//
// [ErrOutOfDescriptors] means the pool cannot hold the packet right now; the
// caller should stop submitting until [Channel.Ready] fires or a completion
// was observed. Nothing was queued in that case. A packet with more fragments
// than the whole pool can never fit and gets [ErrPacketTooLarge] instead.
func (c *Channel) Submit(pkt Packet) error {
	if len(pkt.Fragments) == 0 {
		return ErrEmptyPacket
	}
	if c.id.Direction != TX {
		return fmt.Errorf("%w: submit on %s", ErrWrongDirection, c.id)
	}

	total := 0
	for i, f := range pkt.Fragments {
		if f.Length <= 0 || f.Offset < 0 || f.Offset+f.Length > 0xffff {
			return fmt.Errorf("%w: fragment %d has offset %d and length %d",
				ErrPacketTooLarge, i, f.Offset, f.Length)
		}
		total += f.Length
	}
	if total > MaxPacketLength {
		return fmt.Errorf("%w: %d bytes, at most %d", ErrPacketTooLarge, total, MaxPacketLength)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Opened {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, c.id, c.state)
	}
	if c.env.Link != nil && !c.env.Link.Up() {
		return ErrNoLink
	}

	n := len(pkt.Fragments)
	if n > c.pool.Size() {
		return fmt.Errorf("%w: %d fragments, the pool holds %d descriptors",
			ErrPacketTooLarge, n, c.pool.Size())
	}
	if c.pool.Free() < n {
		c.waiting = true
		c.metrics.descAllocFail.Inc(1)
		return ErrOutOfDescriptors
	}

	handles := make([]Handle, n)
	for i := range handles {
		h, ok := c.pool.Allocate()
		if !ok {
			panic("descriptor pool ran dry after checking the free count")
		}
		handles[i] = h
	}

	pktLen := total
	if pktLen < c.cfg.MinPacketSize {
		pktLen = c.cfg.MinPacketSize
		c.metrics.runtTransmit.Inc(1)
	}

	// Populate back to front: by the time a descriptor is handed over, the
	// descriptor it links to is already complete.
	next := uint32(0)
	for i := n - 1; i >= 0; i-- {
		h := handles[i]
		f := pkt.Fragments[i]
		e := c.pool.entry(h)
		e.buffer = f.Buffer
		if i < n-1 {
			e.next = handles[i+1]
		}

		var mode uint32
		if i == 0 {
			mode |= FlagStartOfPacket | uint32(pktLen)&PacketLengthMask
		}
		if i == n-1 {
			mode |= FlagEndOfPacket
		}

		c.pool.Descriptor(h).HandToHardware(next, f.Buffer.Addr, f.Offset, f.Length, mode)
		next = c.pool.Addr(h)
	}

	c.appendChain(handles[0], handles[n-1], n)
	c.submittedSinceDrain++
	return nil
}

// HasFreeDescriptors reports whether a single fragment packet would currently
// fit. Producers use it to decide whether to resume after backpressure.
func (c *Channel) HasFreeDescriptors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool != nil && c.pool.Free() > 0
}
