// Package bufpool is a slab allocator for DMA data buffers. It hands out
// fixed-size slots of one contiguous region that is visible to the controller
// at a bus base address.
package bufpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/cpdma/ring"
)

var (
	// ErrDoubleRelease is returned when a slot is released that is not in use.
	ErrDoubleRelease = errors.New("buffer is not allocated")

	// ErrForeignBuffer is returned for buffers that do not belong to the pool.
	ErrForeignBuffer = errors.New("buffer does not belong to this pool")
)

// Slot is the token of a buffer handed out by a [Pool].
type Slot int

// Pool is a fixed number of equally sized buffers. It is safe for concurrent
// use and implements [ring.BufferAllocator].
type Pool struct {
	base     uint32
	slotSize int
	region   []byte
	release  func() error

	mu    sync.Mutex
	free  []Slot
	inUse []bool

	available metrics.Gauge
	failures  metrics.Counter
}

// New allocates count slots of slotSize bytes, visible to the controller at
// bus address base. Remember to call [Pool.Close].
func New(base uint32, count, slotSize int, r metrics.Registry) (*Pool, error) {
	if count <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("buffer pool needs a positive count and slot size, got %d and %d", count, slotSize)
	}
	if base == 0 {
		return nil, errors.New("buffer pool base must not be 0")
	}
	if uint64(base)+uint64(count)*uint64(slotSize) > 1<<32 {
		return nil, fmt.Errorf("buffer pool at %#x with %d slots of %d bytes exceeds the 32 bit bus", base, count, slotSize)
	}
	if r == nil {
		r = metrics.DefaultRegistry
	}

	region, release, err := allocateRegion(count * slotSize)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer memory: %w", err)
	}

	p := &Pool{
		base:      base,
		slotSize:  slotSize,
		region:    region,
		release:   release,
		free:      make([]Slot, count),
		inUse:     make([]bool, count),
		available: metrics.GetOrRegisterGauge("cpdma.bufpool.available", r),
		failures:  metrics.GetOrRegisterCounter("cpdma.bufpool.alloc_fail", r),
	}
	// Lowest slots are handed out first.
	for i := range p.free {
		p.free[i] = Slot(count - 1 - i)
	}
	p.available.Update(int64(count))
	return p, nil
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocate hands out a buffer of size bytes. It returns false if size does
// not fit a slot or the pool is exhausted.
func (p *Pool) Allocate(size int) (ring.Buffer, bool) {
	if size <= 0 || size > p.slotSize {
		return ring.Buffer{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.failures.Inc(1)
		return ring.Buffer{}, false
	}
	s := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[s] = true
	p.available.Update(int64(len(p.free)))

	off := int(s) * p.slotSize
	return ring.Buffer{
		Addr:  p.base + uint32(off),
		Data:  p.region[off : off+size : off+p.slotSize],
		Token: s,
	}, true
}

// Release returns a buffer to the pool.
func (p *Pool) Release(buf ring.Buffer) error {
	s, err := p.slot(buf.Addr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[s] {
		return fmt.Errorf("%w: slot %d", ErrDoubleRelease, s)
	}
	p.inUse[s] = false
	p.free = append(p.free, s)
	p.available.Update(int64(len(p.free)))
	return nil
}

func (p *Pool) slot(addr uint32) (Slot, error) {
	if addr < p.base {
		return 0, fmt.Errorf("%w: %#x", ErrForeignBuffer, addr)
	}
	off := int(addr - p.base)
	if off%p.slotSize != 0 || off >= len(p.region) {
		return 0, fmt.Errorf("%w: %#x", ErrForeignBuffer, addr)
	}
	return Slot(off / p.slotSize), nil
}

// Bytes resolves n bytes at bus address addr. The range may start anywhere
// inside a slot but must not cross into the next one.
func (p *Pool) Bytes(addr uint32, n int) ([]byte, error) {
	if addr < p.base || n < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrForeignBuffer, addr)
	}
	off := int(addr - p.base)
	if off >= len(p.region) {
		return nil, fmt.Errorf("%w: %#x", ErrForeignBuffer, addr)
	}
	slotEnd := (off/p.slotSize + 1) * p.slotSize
	if off+n > slotEnd {
		return nil, fmt.Errorf("%d bytes at %#x cross a buffer boundary", n, addr)
	}
	return p.region[off : off+n], nil
}

// Close releases the buffer memory. No buffer may be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.release == nil {
		return nil
	}
	release := p.release
	p.release = nil
	p.region = nil
	p.free = nil
	return release()
}
