package rdma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/rdmacore/internal/metrics"
)

// Device is an opened RDMA adapter and the resources provisioned on it.
//
// The completion channels exist from construction. Init provisions the
// protection domain, buffer pools, shared receive queue and completion
// queues; Uninit releases them again. Either may be called repeatedly.
type Device struct {
	verbs       Verbs
	info        VerbsDeviceInfo
	cfg         Config
	attr        DeviceAttr
	activePort  *Port
	pd          *ProtectionDomain
	mem         *MemoryManager
	txChannel   *CompletionChannel
	rxChannel   *CompletionChannel
	txCQ        *CompletionQueue
	rxCQ        *CompletionQueue
	name        string
	ctx         VerbsContext
	srq         VerbsSRQ
	maxSendWR   int
	maxRecvWR   int
	mu          sync.RWMutex
	initialized atomic.Bool
}

// DeviceStatus is a point-in-time view of a device.
type DeviceStatus struct {
	Name          string `json:"name"`
	FWVer         string `json:"fw_ver"`
	PortState     string `json:"port_state,omitempty"`
	LinkLayer     string `json:"link_layer,omitempty"`
	GID           string `json:"gid,omitempty"`
	PortNum       int    `json:"port_num"`
	GIDIndex      int    `json:"gid_index"`
	MaxSendWR     int    `json:"max_send_wr"`
	MaxRecvWR     int    `json:"max_recv_wr"`
	FreeRxBuffers int    `json:"free_rx_buffers"`
	FreeTxBuffers int    `json:"free_tx_buffers"`
	Initialized   bool   `json:"initialized"`
	PortActive    bool   `json:"port_active"`
}

// NewDevice opens the adapter described by info, captures its capabilities
// and creates its transmit and receive completion channels.
func NewDevice(v Verbs, info VerbsDeviceInfo, cfg Config) (*Device, error) {
	if info.Name == "" {
		return nil, fatal("", "open device", ErrDeviceNotFound)
	}

	ctx, err := v.OpenDevice(info.Name)
	if err != nil {
		return nil, fatal(info.Name, "open device", fmt.Errorf("%w: %w", ErrContextCreation, err))
	}

	d := &Device{
		verbs: v,
		info:  info,
		cfg:   cfg,
		name:  info.Name,
		ctx:   ctx,
	}

	attr, err := v.QueryDevice(ctx)
	if err != nil {
		_ = v.CloseDevice(ctx)
		return nil, fatal(d.name, "query device", err)
	}

	d.attr = *attr

	if err := d.createChannels(); err != nil {
		d.destroyChannels()
		_ = v.CloseDevice(ctx)

		return nil, fatal(d.name, "create completion channels", err)
	}

	log.Debug().
		Str("device", d.name).
		Str("fw_ver", d.attr.FWVer).
		Int("ports", d.attr.PhysPortCnt).
		Int("max_qp_wr", d.attr.MaxQPWR).
		Int("max_srq_wr", d.attr.MaxSRQWR).
		Msg("Opened RDMA device")

	return d, nil
}

func (d *Device) createChannels() error {
	if d.txChannel == nil || d.txChannel.Handle() == 0 {
		d.txChannel = NewCompletionChannel(d.verbs, d.ctx, d.name)
		if err := d.txChannel.Init(); err != nil {
			return err
		}
	}

	if d.rxChannel == nil || d.rxChannel.Handle() == 0 {
		d.rxChannel = NewCompletionChannel(d.verbs, d.ctx, d.name)
		if err := d.rxChannel.Init(); err != nil {
			return err
		}
	}

	return nil
}

// destroyChannels is the best-effort cleanup used on construction failure.
func (d *Device) destroyChannels() {
	for _, ch := range []*CompletionChannel{d.txChannel, d.rxChannel} {
		if ch != nil {
			_ = ch.Close()
		}
	}
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Info returns the enumeration record of the device.
func (d *Device) Info() VerbsDeviceInfo {
	return d.info
}

// Attr returns the capabilities captured at the last query.
func (d *Device) Attr() DeviceAttr {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.attr
}

// Initialized reports whether Init has provisioned the device resources.
func (d *Device) Initialized() bool {
	return d.initialized.Load()
}

// MaxSendWR returns the transmit work request limit computed by Init.
func (d *Device) MaxSendWR() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.maxSendWR
}

// MaxRecvWR returns the receive work request limit computed by Init.
func (d *Device) MaxRecvWR() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.maxRecvWR
}

// ActivePort returns the bound port, or nil.
func (d *Device) ActivePort() *Port {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.activePort
}

// PortAttr returns the attributes of the bound port, or nil.
func (d *Device) PortAttr() *PortAttr {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.activePort == nil {
		return nil
	}

	attr := d.activePort.Attr()

	return &attr
}

// BindPort adopts port portNum as the active port. The port must exist on
// the device and be active.
func (d *Device) BindPort(portNum int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 1; i <= d.attr.PhysPortCnt; i++ {
		if i != portNum {
			continue
		}

		port, err := NewPort(d.verbs, d.ctx, uint8(i), d.cfg.GIDSelector()) //nolint:gosec // G115: port count fits in uint8
		if err != nil {
			var fe *FatalError
			if errors.As(err, &fe) && fe.Device == "" {
				fe.Device = d.name
			}

			return err
		}

		if !port.Active() {
			break
		}

		d.activePort = port

		log.Info().
			Str("device", d.name).
			Int("port", portNum).
			Int("gid_index", port.GIDIndex()).
			Str("gid", port.GID().String()).
			Str("link_layer", port.Attr().LinkLayer).
			Msg("Bound active port")

		return nil
	}

	return fatal(d.name, "bind port", fmt.Errorf("%w: port %d", ErrNoActivePort, portNum))
}

// Init provisions the device resources. On failure everything acquired
// so far is released and a FatalError is returned.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized.Load() {
		return nil
	}

	if err := d.initLocked(); err != nil {
		if terr := d.teardownLocked(); terr != nil {
			log.Error().Err(terr).Str("device", d.name).Msg("Failed to roll back device initialization")
		}

		return err
	}

	d.initialized.Store(true)
	metrics.SetDeviceInitialized(d.name, true)
	d.recordFreeBuffers()

	log.Info().
		Str("device", d.name).
		Int("max_send_wr", d.maxSendWR).
		Int("max_recv_wr", d.maxRecvWR).
		Int("buffer_size", d.cfg.BufferSize).
		Msg("RDMA device initialized")

	return nil
}

func (d *Device) initLocked() error {
	attr, err := d.verbs.QueryDevice(d.ctx)
	if err != nil {
		return fatal(d.name, "query device", err)
	}

	d.attr = *attr

	d.pd, err = NewProtectionDomain(d.verbs, d.ctx)
	if err != nil {
		return fatal(d.name, "allocate protection domain", err)
	}

	if err := unix.SetNonblock(d.verbs.AsyncFD(d.ctx), true); err != nil {
		return fatal(d.name, "set async fd non-blocking", err)
	}

	d.maxSendWR = min(d.attr.MaxQPWR, d.cfg.SendBuffers)
	d.maxRecvWR = min(d.attr.MaxSRQWR, d.cfg.ReceiveBuffers)

	d.mem = NewMemoryManager(d.verbs, d.pd, d.cfg.EnableHugepage)
	if err := d.mem.RegisterRxTx(d.cfg.BufferSize, d.maxRecvWR, d.maxSendWR); err != nil {
		return fatal(d.name, "register buffers", err)
	}

	d.srq, err = d.verbs.CreateSRQ(d.pd.Handle(), uint32(d.maxRecvWR), MaxSharedRxSGE) //nolint:gosec // G115: bounded by device limits
	if err != nil {
		return fatal(d.name, "create shared receive queue", fmt.Errorf("%w: %w", ErrSRQCreation, err))
	}

	if err := d.postChannelClusterLocked(); err != nil {
		return err
	}

	if err := d.createChannels(); err != nil {
		return fatal(d.name, "create completion channels", err)
	}

	d.txCQ = NewCompletionQueue(d.verbs, d.ctx, d.name, d.txChannel, CQDepth)
	if err := d.txCQ.Init(); err != nil {
		d.txCQ = nil
		return fatal(d.name, "create tx completion queue", err)
	}

	d.rxCQ = NewCompletionQueue(d.verbs, d.ctx, d.name, d.rxChannel, CQDepth)
	if err := d.rxCQ.Init(); err != nil {
		d.rxCQ = nil
		return fatal(d.name, "create rx completion queue", err)
	}

	return nil
}

// teardownLocked releases the provisioned resources that exist, in order:
// completion queues, shared receive queue, buffer pools, protection domain.
func (d *Device) teardownLocked() error {
	var errs []error

	for _, cq := range []*CompletionQueue{d.txCQ, d.rxCQ} {
		if cq == nil {
			continue
		}

		if err := cq.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	d.txCQ, d.rxCQ = nil, nil

	if d.srq != 0 {
		if err := d.verbs.DestroySRQ(d.srq); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy shared receive queue: %w", err))
		}

		d.srq = 0
	}

	if d.mem != nil {
		if err := d.mem.Close(); err != nil {
			errs = append(errs, err)
		}

		d.mem = nil
	}

	if d.pd != nil {
		if err := d.pd.Close(); err != nil {
			errs = append(errs, err)
		}

		d.pd = nil
	}

	return errors.Join(errs...)
}

// Uninit releases the provisioned resources: pending channel events are
// acknowledged, then the completion queues, completion channels, shared
// receive queue, buffer pools and protection domain are destroyed.
func (d *Device) Uninit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.uninitLocked()
}

func (d *Device) uninitLocked() error {
	if !d.initialized.Load() {
		return nil
	}

	d.txChannel.AckEvents()
	d.rxChannel.AckEvents()

	d.initialized.Store(false)
	metrics.SetDeviceInitialized(d.name, false)

	for _, cq := range []*CompletionQueue{d.txCQ, d.rxCQ} {
		if err := cq.Close(); err != nil {
			return fatal(d.name, "destroy completion queue", err)
		}
	}

	d.txCQ, d.rxCQ = nil, nil

	for _, ch := range []*CompletionChannel{d.txChannel, d.rxChannel} {
		if err := ch.Close(); err != nil {
			return fatal(d.name, "destroy completion channel", err)
		}
	}

	if err := d.verbs.DestroySRQ(d.srq); err != nil {
		return fatal(d.name, "destroy shared receive queue", err)
	}

	d.srq = 0

	if err := d.mem.Close(); err != nil {
		return fatal(d.name, "release buffers", err)
	}

	d.mem = nil

	if err := d.pd.Close(); err != nil {
		return fatal(d.name, "deallocate protection domain", err)
	}

	d.pd = nil

	log.Info().Str("device", d.name).Msg("RDMA device uninitialized")

	return nil
}

// Close uninitializes the device if needed, releases the bound port and
// closes the device handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == 0 {
		return nil
	}

	if err := d.uninitLocked(); err != nil {
		return err
	}

	for _, ch := range []*CompletionChannel{d.txChannel, d.rxChannel} {
		if err := ch.Close(); err != nil {
			return fatal(d.name, "destroy completion channel", err)
		}
	}

	d.activePort = nil

	if err := d.verbs.CloseDevice(d.ctx); err != nil {
		return fatal(d.name, "close device", err)
	}

	d.ctx = 0

	log.Debug().Str("device", d.name).Msg("Closed RDMA device")

	return nil
}

// CreateQueuePair creates a queue pair on the bound port using the
// device's shared receive queue and completion queues. Failure is not
// fatal: the queue pair is nil and the cause is returned.
func (d *Device) CreateQueuePair(qpType QPType) (*QueuePair, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized.Load() {
		return nil, ErrNotInitialized
	}

	if d.activePort == nil {
		return nil, ErrPortNotBound
	}

	qp := &QueuePair{
		verbs:     d.verbs,
		pd:        d.pd,
		port:      d.activePort,
		txCQ:      d.txCQ,
		rxCQ:      d.rxCQ,
		device:    d.name,
		srq:       d.srq,
		qpType:    qpType,
		maxSendWR: uint32(d.maxSendWR), //nolint:gosec // G115: bounded by device limits
		maxRecvWR: uint32(d.maxRecvWR), //nolint:gosec // G115: bounded by device limits
	}

	if err := qp.Init(); err != nil {
		log.Error().Err(err).Str("device", d.name).Msg("Failed to create queue pair")
		return nil, err
	}

	return qp, nil
}

// PostChunk posts a receive for chunk to the shared receive queue.
func (d *Device) PostChunk(chunk *Chunk) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.srq == 0 {
		return ErrNotInitialized
	}

	if err := d.postChunkLocked(chunk); err != nil {
		return err
	}

	metrics.RecordRxChunksPosted(d.name, 1)

	return nil
}

func (d *Device) postChunkLocked(chunk *Chunk) error {
	wr := VerbsRecvWR{
		SGList: []VerbsSGE{{
			Addr:   chunk.Addr(),
			Length: uint32(chunk.Size()), //nolint:gosec // G115: chunk size bounded by buffer size
			LKey:   chunk.LKey(),
		}},
		WRID: chunk.WRID(),
	}

	if err := d.verbs.PostSRQRecv(d.srq, &wr); err != nil {
		metrics.RecordPostFailure(d.name, "post_recv")
		return fmt.Errorf("%w: %w", ErrPostRecv, err)
	}

	return nil
}

// PostChannelCluster posts every free receive chunk to the shared receive
// queue. Having no free chunk, or failing to post one, is fatal.
func (d *Device) PostChannelCluster() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.srq == 0 {
		return fatal(d.name, "post receive buffers", ErrNotInitialized)
	}

	return d.postChannelClusterLocked()
}

func (d *Device) postChannelClusterLocked() error {
	chunks := d.mem.GetChannelBuffers(0)
	if len(chunks) == 0 {
		return fatal(d.name, "post receive buffers", ErrNoReceiveBuffers)
	}

	for _, c := range chunks {
		if err := d.postChunkLocked(c); err != nil {
			return fatal(d.name, "post receive buffers", err)
		}
	}

	metrics.RecordRxChunksPosted(d.name, len(chunks))

	log.Debug().Str("device", d.name).Int("chunks", len(chunks)).Msg("Posted receive buffers")

	return nil
}

// GetTxBuffers reserves enough transmit chunks to hold minBytes, or every
// free chunk when minBytes is 0. Fewer than requested, or none, may be
// returned.
func (d *Device) GetTxBuffers(minBytes int) []*Chunk {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.mem == nil {
		return nil
	}

	chunks := d.mem.GetSendBuffers(minBytes)

	if minBytes > 0 && d.cfg.BufferSize > 0 {
		metrics.RecordTxBuffers(d.name, (minBytes+d.cfg.BufferSize-1)/d.cfg.BufferSize, len(chunks))
	} else {
		metrics.RecordTxBuffers(d.name, len(chunks), len(chunks))
	}

	return chunks
}

// ReleaseTxBuffers returns transmit chunks to the pool.
func (d *Device) ReleaseTxBuffers(chunks []*Chunk) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.mem == nil {
		return
	}

	d.mem.ReleaseTx(chunks)
}

// ReleaseRxBuffer returns a receive chunk that will not be reposted.
func (d *Device) ReleaseRxBuffer(chunk *Chunk) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.mem == nil {
		return
	}

	d.mem.ReleaseRx(chunk)
}

// Chunk resolves the work request id of a completion to its chunk.
func (d *Device) Chunk(wrid uint64) *Chunk {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.mem == nil {
		return nil
	}

	return d.mem.Chunk(wrid)
}

// PollTxCQ drains transmit completions into wc. An uninitialized device
// yields no completions.
func (d *Device) PollTxCQ(wc []VerbsWorkCompletion) (int, error) {
	return d.pollCQ(wc, true)
}

// PollRxCQ drains receive completions into wc. An uninitialized device
// yields no completions.
func (d *Device) PollRxCQ(wc []VerbsWorkCompletion) (int, error) {
	return d.pollCQ(wc, false)
}

func (d *Device) pollCQ(wc []VerbsWorkCompletion, tx bool) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized.Load() {
		return 0, nil
	}

	cq, direction := d.rxCQ, metrics.DirectionRx
	if tx {
		cq, direction = d.txCQ, metrics.DirectionTx
	}

	n, err := cq.PollCQ(wc)
	if err != nil {
		return 0, fatal(d.name, "poll "+direction+" cq", err)
	}

	metrics.RecordCompletions(d.name, direction, n)

	return n, nil
}

// RearmCQs requests the next completion event on both completion queues.
func (d *Device) RearmCQs() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized.Load() {
		return nil
	}

	if err := d.txCQ.RearmNotify(); err != nil {
		return fatal(d.name, "rearm tx cq", err)
	}

	if err := d.rxCQ.RearmNotify(); err != nil {
		return fatal(d.name, "rearm rx cq", err)
	}

	metrics.RecordCQRearm(d.name)

	return nil
}

// channelFDs returns the transmit and receive channel descriptors, -1 for
// a channel that does not exist.
func (d *Device) channelFDs() (tx, rx int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tx, rx = -1, -1

	if d.txChannel != nil {
		tx = d.txChannel.FD()
	}

	if d.rxChannel != nil {
		rx = d.rxChannel.FD()
	}

	return tx, rx
}

// drainEvents consumes at most one pending event from each channel.
func (d *Device) drainEvents() {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, c := range []struct {
		ch        *CompletionChannel
		direction string
	}{{d.txChannel, metrics.DirectionTx}, {d.rxChannel, metrics.DirectionRx}} {
		if c.ch == nil {
			continue
		}

		ok, err := c.ch.GetCQEvent()
		if err != nil {
			log.Debug().Err(err).Str("device", d.name).Str("direction", c.direction).Msg("Failed to consume cq event")
			continue
		}

		if ok {
			metrics.RecordCQEvent(d.name, c.direction)
		}
	}
}

func (d *Device) recordFreeBuffers() {
	if d.mem == nil {
		return
	}

	metrics.SetFreeBuffers(d.name, metrics.DirectionRx, d.mem.FreeRx())
	metrics.SetFreeBuffers(d.name, metrics.DirectionTx, d.mem.FreeTx())
}

// Status returns a snapshot of the device.
func (d *Device) Status() DeviceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := DeviceStatus{
		Name:        d.name,
		FWVer:       d.attr.FWVer,
		MaxSendWR:   d.maxSendWR,
		MaxRecvWR:   d.maxRecvWR,
		Initialized: d.initialized.Load(),
	}

	if p := d.activePort; p != nil {
		s.PortNum = int(p.Number())
		s.PortState = p.State().String()
		s.PortActive = p.Active()
		s.LinkLayer = p.Attr().LinkLayer
		s.GID = p.GID().String()
		s.GIDIndex = p.GIDIndex()
	}

	if d.mem != nil {
		s.FreeRxBuffers = d.mem.FreeRx()
		s.FreeTxBuffers = d.mem.FreeTx()
	}

	return s
}
