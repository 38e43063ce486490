package bufpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func allocateRegion(size int) ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return buf, func() error {
		if err := unix.Munmap(buf); err != nil {
			return fmt.Errorf("release buffer memory: %w", err)
		}
		return nil
	}, nil
}
