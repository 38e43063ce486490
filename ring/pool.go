package ring

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleRelease is returned when a descriptor is released that is
	// already part of the free list.
	ErrDoubleRelease = errors.New("descriptor is already free")

	// ErrInvalidHandle is returned for a handle outside of the pool.
	ErrInvalidHandle = errors.New("descriptor handle out of range")

	// ErrDescriptorCountInvalid is returned when a descriptor count is invalid.
	ErrDescriptorCountInvalid = errors.New("descriptor count is invalid")
)

// MaxDescriptors is the largest number of descriptors a single channel may
// own.
const MaxDescriptors = 8192

// CheckDescriptorCount checks if the given value would be a valid descriptor
// count for a channel and returns an [ErrDescriptorCountInvalid], if not.
func CheckDescriptorCount(count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrDescriptorCountInvalid, count)
	}
	if count > MaxDescriptors {
		return fmt.Errorf("%w: %d is larger than the maximum %d",
			ErrDescriptorCountInvalid, count, MaxDescriptors)
	}
	return nil
}

// Handle identifies a descriptor within its [Pool].
type Handle int32

// noDescriptor terminates software chains.
const noDescriptor Handle = -1

// entry is the software shadow of a descriptor.
type entry struct {
	// next is the software link, used for the free list while the descriptor
	// is free and for the active queue while it is in flight.
	next Handle
	// buffer is the buffer currently attached, including its token.
	buffer Buffer
	free   bool
}

// Pool is a fixed-size arena of descriptors backed by a window of a
// [Memory]. Unused descriptors form a singly linked free list through their
// software link. A Pool is not safe for concurrent use; the owning channel
// serializes access.
type Pool struct {
	mem     *Memory
	first   int
	entries []entry

	// freeHead is the first descriptor of the free list or noDescriptor when
	// all descriptors are in use.
	freeHead Handle
	// freeNum tracks the number of descriptors on the free list.
	freeNum int
}

// NewPool creates a pool over count descriptors of mem starting at index
// first. All descriptors start out free.
func NewPool(mem *Memory, first, count int) (*Pool, error) {
	if err := CheckDescriptorCount(count); err != nil {
		return nil, err
	}
	if first < 0 || first+count > mem.Count() {
		return nil, fmt.Errorf("descriptor window [%d, %d) does not fit memory of %d descriptors",
			first, first+count, mem.Count())
	}

	p := &Pool{
		mem:     mem,
		first:   first,
		entries: make([]entry, count),
	}
	p.reset()
	return p, nil
}

// reset chains every descriptor into the free list.
func (p *Pool) reset() {
	for i := range p.entries {
		p.mem.Descriptor(p.first + i).reset()
		next := Handle(i + 1)
		if i == len(p.entries)-1 {
			next = noDescriptor
		}
		p.entries[i] = entry{next: next, free: true}
	}
	p.freeHead = 0
	p.freeNum = len(p.entries)
}

// Allocate takes a descriptor from the free list. It returns false when the
// pool is exhausted, which callers must treat as backpressure.
func (p *Pool) Allocate() (Handle, bool) {
	if p.freeNum == 0 {
		return noDescriptor, false
	}
	if p.freeHead == noDescriptor {
		panic("free list head is unset but there should be free descriptors")
	}

	h := p.freeHead
	e := &p.entries[h]
	p.freeHead = e.next
	p.freeNum--

	e.next = noDescriptor
	e.free = false
	e.buffer = Buffer{}
	return h, true
}

// Release puts a descriptor back on the free list.
func (p *Pool) Release(h Handle) error {
	if !p.valid(h) {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}

	e := &p.entries[h]
	if e.free {
		return fmt.Errorf("%w: %d", ErrDoubleRelease, h)
	}

	p.Descriptor(h).reset()
	e.buffer = Buffer{}
	e.free = true
	e.next = p.freeHead
	p.freeHead = h
	p.freeNum++
	return nil
}

// Free returns the number of descriptors on the free list.
func (p *Pool) Free() int {
	return p.freeNum
}

// Size returns the number of descriptors in the pool.
func (p *Pool) Size() int {
	return len(p.entries)
}

// Descriptor returns the controller-visible descriptor behind h.
func (p *Pool) Descriptor(h Handle) *Descriptor {
	return p.mem.Descriptor(p.first + int(h))
}

// Addr returns the bus address of the descriptor behind h.
func (p *Pool) Addr(h Handle) uint32 {
	return p.mem.Addr(p.first + int(h))
}

// Handle resolves a bus address to a handle of this pool.
func (p *Pool) Handle(addr uint32) (Handle, error) {
	i, err := p.mem.Index(addr)
	if err != nil {
		return noDescriptor, err
	}
	h := Handle(i - p.first)
	if !p.valid(h) {
		return noDescriptor, fmt.Errorf("%w: %#x belongs to another channel", ErrInvalidAddress, addr)
	}
	return h, nil
}

func (p *Pool) valid(h Handle) bool {
	return h >= 0 && int(h) < len(p.entries)
}

func (p *Pool) entry(h Handle) *entry {
	return &p.entries[h]
}

// freeHandles walks the free list. The walk is bounded by the pool size so a
// corrupted list cannot loop forever.
func (p *Pool) freeHandles() ([]Handle, error) {
	out := make([]Handle, 0, p.freeNum)
	next := p.freeHead
	for range len(p.entries) + 1 {
		if next == noDescriptor {
			return out, nil
		}
		out = append(out, next)
		next = p.entries[next].next
	}
	return nil, errors.New("free list contains a loop")
}
