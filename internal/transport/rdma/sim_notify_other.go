//go:build unix && !linux

package rdma

import (
	"errors"

	"golang.org/x/sys/unix"
)

// simNotifier is the readiness fd behind a simulated completion channel or
// async event queue. Without eventfd it is a non-blocking pipe.
type simNotifier struct {
	r, w int
}

func newSimNotifier() (*simNotifier, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}

	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])

			return nil, err
		}

		unix.CloseOnExec(fd)
	}

	return &simNotifier{r: p[0], w: p[1]}, nil
}

func (n *simNotifier) fd() int {
	return n.r
}

func (n *simNotifier) signal() error {
	_, err := unix.Write(n.w, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}

	return err
}

func (n *simNotifier) drain() {
	var buf [64]byte

	for {
		if c, err := unix.Read(n.r, buf[:]); err != nil || c == 0 {
			return
		}
	}
}

func (n *simNotifier) close() error {
	errW := unix.Close(n.w)
	if err := unix.Close(n.r); err != nil {
		return err
	}

	return errW
}
