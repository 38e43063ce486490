package ring

import (
	"errors"
	"fmt"
)

// ErrInvalidAddress is returned when a bus address does not point at the start
// of a descriptor inside a [Memory].
var ErrInvalidAddress = errors.New("address is not a descriptor in this memory")

// Memory is the descriptor region shared between software and the
// controller. Descriptors are addressed by index in software and by bus
// address by the controller; the region starts at bus address base.
//
// One Memory is shared by all channels of a controller, every channel owns a
// fixed window of it (see [NewPool]).
type Memory struct {
	base        uint32
	descriptors []Descriptor
	release     func() error
}

// NewMemory allocates a descriptor region holding count descriptors, visible
// to the controller at bus address base. Remember to call [Memory.Close].
func NewMemory(base uint32, count int) (*Memory, error) {
	if count <= 0 {
		return nil, fmt.Errorf("descriptor memory must hold at least one descriptor, got %d", count)
	}
	if base == 0 {
		return nil, errors.New("descriptor memory base must not be 0")
	}
	if base%descriptorSize != 0 {
		return nil, fmt.Errorf("descriptor memory base %#x is not %d byte aligned", base, descriptorSize)
	}
	if uint64(base)+uint64(count)*descriptorSize > 1<<32 {
		return nil, fmt.Errorf("descriptor memory at %#x with %d descriptors exceeds the 32 bit bus", base, count)
	}

	descriptors, release, err := allocateDescriptors(count)
	if err != nil {
		return nil, fmt.Errorf("allocate descriptor memory: %w", err)
	}

	return &Memory{
		base:        base,
		descriptors: descriptors,
		release:     release,
	}, nil
}

// Count returns the number of descriptors in the region.
func (m *Memory) Count() int {
	return len(m.descriptors)
}

// Base returns the bus address of the first descriptor.
func (m *Memory) Base() uint32 {
	return m.base
}

// Addr returns the bus address of the descriptor at index i.
func (m *Memory) Addr(i int) uint32 {
	return m.base + uint32(i)*descriptorSize
}

// Index resolves a bus address to a descriptor index.
func (m *Memory) Index(addr uint32) (int, error) {
	if addr < m.base {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	off := addr - m.base
	if off%descriptorSize != 0 || int(off/descriptorSize) >= len(m.descriptors) {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	return int(off / descriptorSize), nil
}

// Descriptor returns the descriptor at index i.
func (m *Memory) Descriptor(i int) *Descriptor {
	return &m.descriptors[i]
}

// Lookup returns the descriptor at the given bus address.
func (m *Memory) Lookup(addr uint32) (*Descriptor, error) {
	i, err := m.Index(addr)
	if err != nil {
		return nil, err
	}
	return &m.descriptors[i], nil
}

// Close releases the region. The controller must no longer touch it.
func (m *Memory) Close() error {
	if m.release == nil {
		return nil
	}
	m.descriptors = nil
	release := m.release
	m.release = nil
	return release()
}
