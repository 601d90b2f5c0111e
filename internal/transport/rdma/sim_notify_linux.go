//go:build linux

package rdma

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// simNotifier is the readiness fd behind a simulated completion channel or
// async event queue. On Linux it is an eventfd.
type simNotifier struct {
	efd int
}

func newSimNotifier() (*simNotifier, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &simNotifier{efd: efd}, nil
}

func (n *simNotifier) fd() int {
	return n.efd
}

func (n *simNotifier) signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	_, err := unix.Write(n.efd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}

	return err
}

func (n *simNotifier) drain() {
	var buf [8]byte
	_, _ = unix.Read(n.efd, buf[:])
}

func (n *simNotifier) close() error {
	return unix.Close(n.efd)
}
