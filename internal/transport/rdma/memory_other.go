//go:build !linux

package rdma

// allocRegion returns Go heap memory; huge pages are only used on Linux.
func allocRegion(size int, _ bool) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
