package rdma

import (
	"errors"
	"fmt"
)

// Device layer errors.
var (
	ErrNoDevices        = errors.New("no RDMA devices found")
	ErrNoActivePort     = errors.New("no active port found")
	ErrGIDNotFound      = errors.New("requested gid not found in port gid table")
	ErrNoReceiveBuffers = errors.New("no free receive buffers")
	ErrNotInitialized   = errors.New("device not initialized")
	ErrPortNotBound     = errors.New("device has no bound port")
	ErrUnknownChunk     = errors.New("unknown chunk")
	ErrBufferTooSmall   = errors.New("buffer size too small")
)

// FatalError reports a failure the device layer cannot recover from:
// open/query failures, resource creation during init, teardown failures,
// port binding, re-arm, poll and wait failures. Callers are expected to
// stop the process after logging it.
type FatalError struct {
	Device string
	Op     string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("rdma: %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("rdma: %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(device, op string, err error) error {
	return &FatalError{Device: device, Op: op, Err: err}
}

// IsFatal reports whether err, or any error it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
