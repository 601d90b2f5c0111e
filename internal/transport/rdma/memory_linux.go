//go:build linux

package rdma

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const hugePageSize = 2 << 20

// allocRegion maps size bytes of anonymous memory, trying huge pages first
// when hugepage is set.
func allocRegion(size int, hugepage bool) ([]byte, func() error, error) {
	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	if hugepage {
		length := (size + hugePageSize - 1) / hugePageSize * hugePageSize

		buf, err := unix.Mmap(-1, 0, length, prot, flags|unix.MAP_HUGETLB)
		if err == nil {
			return buf[:size:size], func() error { return unix.Munmap(buf) }, nil
		}

		log.Warn().Err(err).Int("size", length).Msg("Huge page mapping failed, falling back to regular pages")
	}

	buf, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, nil, err
	}

	return buf, func() error { return unix.Munmap(buf) }, nil
}
