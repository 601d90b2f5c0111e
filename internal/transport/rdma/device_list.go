package rdma

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/rdmacore/internal/metrics"
)

const pollEvents = unix.POLLIN | unix.POLLERR | unix.POLLNVAL | unix.POLLHUP

// DeviceList owns every RDMA device on the host, in enumeration order, and
// schedules completion polling across them.
//
// Transmit and receive polling share one round-robin cursor, so consecutive
// polls of either kind start at successive devices.
type DeviceList struct {
	verbs       Verbs
	devices     []*Device
	pollFDs     []unix.PollFd
	lastPollDev atomic.Uint64
	pollMu      sync.Mutex
}

// NewDeviceList initializes the verbs layer, opens every device it reports
// and registers their completion channels for blocking waits.
func NewDeviceList(v Verbs, cfg Config) (*DeviceList, error) {
	if err := v.Init(); err != nil {
		return nil, fatal("", "initialize verbs", err)
	}

	infos, err := v.GetDeviceList()
	if err != nil {
		_ = v.Close()
		return nil, fatal("", "get device list", err)
	}

	if len(infos) == 0 {
		_ = v.Close()
		return nil, fatal("", "get device list", ErrNoDevices)
	}

	l := &DeviceList{
		verbs:   v,
		devices: make([]*Device, 0, len(infos)),
		pollFDs: make([]unix.PollFd, 2*len(infos)),
	}

	for _, info := range infos {
		d, err := NewDevice(v, info, cfg)
		if err != nil {
			_ = l.Close()
			return nil, err
		}

		l.devices = append(l.devices, d)
	}

	l.refreshFDs()

	log.Info().Int("devices", len(l.devices)).Msg("RDMA device list ready")

	return l, nil
}

// refreshFDs must be called with pollMu held, or before the list is shared.
func (l *DeviceList) refreshFDs() {
	for i, d := range l.devices {
		tx, rx := d.channelFDs()

		l.pollFDs[2*i] = unix.PollFd{Fd: int32(tx), Events: pollEvents}   //nolint:gosec // G115: file descriptors fit in int32
		l.pollFDs[2*i+1] = unix.PollFd{Fd: int32(rx), Events: pollEvents} //nolint:gosec // G115: file descriptors fit in int32
	}
}

// Len returns the number of devices.
func (l *DeviceList) Len() int {
	return len(l.devices)
}

// Devices returns the devices in enumeration order.
func (l *DeviceList) Devices() []*Device {
	return l.devices
}

// GetDevice returns the device called name, the first device when name is
// empty, or nil.
func (l *DeviceList) GetDevice(name string) *Device {
	for _, d := range l.devices {
		if name == "" || d.Name() == name {
			return d
		}
	}

	return nil
}

// Statuses returns a snapshot of every device.
func (l *DeviceList) Statuses() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(l.devices))
	for _, d := range l.devices {
		out = append(out, d.Status())
	}

	return out
}

// PollTx drains transmit completions from the next device that has any.
// It returns the device polled and the completion count, or (nil, 0, nil)
// when no device had completions.
func (l *DeviceList) PollTx(wc []VerbsWorkCompletion) (*Device, int, error) {
	return l.poll(wc, metrics.DirectionTx, (*Device).PollTxCQ)
}

// PollRx drains receive completions from the next device that has any.
func (l *DeviceList) PollRx(wc []VerbsWorkCompletion) (*Device, int, error) {
	return l.poll(wc, metrics.DirectionRx, (*Device).PollRxCQ)
}

func (l *DeviceList) poll(wc []VerbsWorkCompletion, direction string,
	pollCQ func(*Device, []VerbsWorkCompletion) (int, error),
) (*Device, int, error) {
	num := uint64(len(l.devices))

	for i := uint64(0); i < num; i++ {
		d := l.devices[l.lastPollDev.Add(1)%num]

		n, err := pollCQ(d, wc)
		if err != nil {
			log.Error().Err(err).Str("device", d.Name()).Str("direction", direction).Msg("Completion queue poll failed")
			return d, 0, err
		}

		if n > 0 {
			metrics.RecordPoll(direction, true)
			return d, n, nil
		}
	}

	metrics.RecordPoll(direction, false)

	return nil, 0, nil
}

// PollBlocking waits until a completion channel of any device becomes
// readable or ctx is done, polling in PollTimeout slices. After a wakeup
// one event is consumed from each channel. It returns the number of ready
// descriptors, 0 when ctx ended the wait.
func (l *DeviceList) PollBlocking(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}

	l.pollMu.Lock()
	defer l.pollMu.Unlock()

	l.refreshFDs()

	start := time.Now()
	timeout := int(PollTimeout / time.Millisecond)

	for {
		if ctx.Err() != nil {
			metrics.RecordBlockingWait(false, time.Since(start))
			return 0, nil
		}

		n, err := unix.Poll(l.pollFDs, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			log.Error().Err(err).Msg("Waiting on completion channels failed")

			return 0, fatal("", "poll completion channels", err)
		}

		if n > 0 {
			for _, d := range l.devices {
				d.drainEvents()
			}

			metrics.RecordBlockingWait(true, time.Since(start))

			return n, nil
		}
	}
}

// RearmNotify re-arms the completion queues of every device.
func (l *DeviceList) RearmNotify() error {
	for _, d := range l.devices {
		if err := d.RearmCQs(); err != nil {
			return err
		}
	}

	return nil
}

// Close closes every device and then the verbs layer.
func (l *DeviceList) Close() error {
	var errs []error

	for _, d := range l.devices {
		if err := d.Close(); err != nil {
			log.Error().Err(err).Str("device", d.Name()).Msg("Failed to close RDMA device")
			errs = append(errs, err)
		}
	}

	if err := l.verbs.Close(); err != nil {
		errs = append(errs, fatal("", "close verbs", err))
	}

	return errors.Join(errs...)
}
