//go:build !linux

package bufpool

func allocateRegion(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
