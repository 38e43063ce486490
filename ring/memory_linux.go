package ring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// allocateDescriptors maps anonymous memory for the descriptors. Keeping the
// region outside of the Go heap gives it a fixed location for the lifetime of
// the controller, the way a real descriptor RAM would behave.
func allocateDescriptors(count int) ([]Descriptor, func() error, error) {
	buf, err := unix.Mmap(-1, 0, count*descriptorSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}

	descriptors := unsafe.Slice((*Descriptor)(unsafe.Pointer(&buf[0])), count)
	release := func() error {
		if err := unix.Munmap(buf); err != nil {
			return fmt.Errorf("unmap descriptor memory: %w", err)
		}
		return nil
	}
	return descriptors, release, nil
}
