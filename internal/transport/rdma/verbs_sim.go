package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// SimulatedVerbsBackend provides a simulated RDMA backend for testing and
// for hosts without RDMA hardware. Completion channels and async event
// queues are backed by real file descriptors so they can be waited on with
// poll(2) exactly like the kernel ones.
type SimulatedVerbsBackend struct {
	contexts    map[VerbsContext]*simulatedContext
	pds         map[VerbsPD]*simulatedPD
	channels    map[VerbsCompChannel]*simulatedChannel
	cqs         map[VerbsCQ]*simulatedCQ
	srqs        map[VerbsSRQ]*simulatedSRQ
	qps         map[VerbsQP]*simulatedQP
	mrs         map[VerbsMR]*simulatedMR
	failures    map[string]error
	metrics     *verbsMetrics
	devices     []SimulatedDevice
	nextHandle  uintptr
	mu          sync.RWMutex
	initialized bool
}

// SimulatedDevice describes one device exposed by the simulated backend.
type SimulatedDevice struct {
	Info  VerbsDeviceInfo
	Attr  DeviceAttr
	Ports []SimulatedPort // Ports[0] is port 1
}

// SimulatedPort describes one port of a simulated device.
type SimulatedPort struct {
	Attr PortAttr
	GIDs []SimulatedGID
}

// SimulatedGID is one GID table entry.
type SimulatedGID struct {
	GID  GID
	Type GIDType
}

type simulatedContext struct {
	device *SimulatedDevice
	async  *simNotifier
}

type simulatedPD struct {
	ctx VerbsContext
}

type simulatedChannel struct {
	ctx     VerbsContext
	pending []VerbsCQ
	fd      *simNotifier
}

type simulatedCQ struct {
	completions   []VerbsWorkCompletion
	ctx           VerbsContext
	channel       VerbsCompChannel
	size          int
	armed         bool
	solicitedOnly bool
	events        uint64
	acked         uint64
}

type simulatedSRQ struct {
	pd     VerbsPD
	posted []VerbsRecvWR
	maxWR  uint32
	maxSGE uint32
}

type simulatedQP struct {
	pd      VerbsPD
	sendCQ  VerbsCQ
	recvCQ  VerbsCQ
	srq     VerbsSRQ
	qpType  QPType
	qpNum   uint32
	state   int
	port    uint8
	maxSend uint32
	maxRecv uint32
	maxSge  uint32
}

type simulatedMR struct {
	pd     VerbsPD
	length int
	access int
	lkey   uint32
	rkey   uint32
}

type verbsMetrics struct {
	DevicesOpened   int64
	PDsCreated      int64
	ChannelsCreated int64
	CQsCreated      int64
	SRQsCreated     int64
	QPsCreated      int64
	MRsRegistered   int64
	SendsPosted     int64
	RecvsPosted     int64
	Completions     int64
	Events          int64
	Errors          int64
}

// QP states reported by QueryQP.
const (
	qpStateReset = 0
	qpStateInit  = 1
)

var _ Verbs = (*SimulatedVerbsBackend)(nil)

// NewSimulatedVerbsBackend creates a new simulated verbs backend exposing two
// ConnectX style devices.
func NewSimulatedVerbsBackend() *SimulatedVerbsBackend {
	return &SimulatedVerbsBackend{
		contexts: make(map[VerbsContext]*simulatedContext),
		pds:      make(map[VerbsPD]*simulatedPD),
		channels: make(map[VerbsCompChannel]*simulatedChannel),
		cqs:      make(map[VerbsCQ]*simulatedCQ),
		srqs:     make(map[VerbsSRQ]*simulatedSRQ),
		qps:      make(map[VerbsQP]*simulatedQP),
		mrs:      make(map[VerbsMR]*simulatedMR),
		failures: make(map[string]error),
		metrics:  &verbsMetrics{},
		devices: []SimulatedDevice{
			NewSimulatedDevice("mlx5_0", 0xDEADBEEF00000001),
			NewSimulatedDevice("mlx5_1", 0xDEADBEEF00000002),
		},
	}
}

// NewSimulatedDevice returns a dual-port RoCE device whose first port is
// active and whose second port is down. The GID table of each port holds a
// link-local and an IPv4-mapped address, each as RoCEv1 and RoCEv2.
func NewSimulatedDevice(name string, guid uint64) SimulatedDevice {
	linkLocal := GID{0xfe, 0x80, 10: 0x02, 11: 0x42, 12: 0xac, 13: 0x11, 14: 0x00, 15: byte(guid)}
	mapped := GID{10: 0xff, 11: 0xff, 12: 192, 13: 168, 14: 1, 15: byte(guid)}
	gids := []SimulatedGID{
		{GID: linkLocal, Type: GIDTypeRoCEv1},
		{GID: linkLocal, Type: GIDTypeRoCEv2},
		{GID: mapped, Type: GIDTypeRoCEv1},
		{GID: mapped, Type: GIDTypeRoCEv2},
	}

	port := func(state PortState) SimulatedPort {
		return SimulatedPort{
			Attr: PortAttr{
				State:       state,
				MaxMTU:      4096,
				ActiveMTU:   1024,
				GIDTableLen: len(gids),
				LinkLayer:   LinkLayerEthernet,
				ActiveSpeed: 64,
				ActiveWidth: 2,
			},
			GIDs: append([]SimulatedGID(nil), gids...),
		}
	}

	return SimulatedDevice{
		Info: VerbsDeviceInfo{
			Name:         name,
			GUID:         guid,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x1017, // ConnectX-6
			FWVer:        "20.35.1012",
			PhysPortCnt:  2,
		},
		Attr: DeviceAttr{
			FWVer:       "20.35.1012",
			NodeGUID:    guid,
			MaxMRSize:   ^uint64(0),
			MaxQP:       262144,
			MaxQPWR:     32768,
			MaxSGE:      30,
			MaxCQ:       16777216,
			MaxCQE:      4194303,
			MaxMR:       16777216,
			MaxPD:       16777216,
			MaxSRQ:      8388608,
			MaxSRQWR:    32767,
			MaxSRQSGE:   31,
			PhysPortCnt: 2,
		},
		Ports: []SimulatedPort{port(PortStateActive), port(PortStateDown)},
	}
}

// SetDevices replaces the devices exposed by the backend. It must be called
// before any device is opened.
func (b *SimulatedVerbsBackend) SetDevices(devices ...SimulatedDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.devices = devices
}

// FailOn makes every later call of the named operation (for example
// "CreateCQ") return err. A nil err clears the injection.
func (b *SimulatedVerbsBackend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, op)
		return
	}

	b.failures[op] = err
}

// injected must be called with mu held.
func (b *SimulatedVerbsBackend) injected(op string) error {
	if err, ok := b.failures[op]; ok {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return err
	}

	return nil
}

func (b *SimulatedVerbsBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *SimulatedVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("Init"); err != nil {
		return err
	}

	b.initialized = true

	return nil
}

func (b *SimulatedVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.channels {
		_ = ch.fd.close()
	}

	for _, c := range b.contexts {
		_ = c.async.close()
	}

	b.contexts = make(map[VerbsContext]*simulatedContext)
	b.pds = make(map[VerbsPD]*simulatedPD)
	b.channels = make(map[VerbsCompChannel]*simulatedChannel)
	b.cqs = make(map[VerbsCQ]*simulatedCQ)
	b.srqs = make(map[VerbsSRQ]*simulatedSRQ)
	b.qps = make(map[VerbsQP]*simulatedQP)
	b.mrs = make(map[VerbsMR]*simulatedMR)
	b.initialized = false

	return nil
}

func (b *SimulatedVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	if err := b.injected("GetDeviceList"); err != nil {
		return nil, err
	}

	result := make([]VerbsDeviceInfo, 0, len(b.devices))
	for _, d := range b.devices {
		result = append(result, d.Info)
	}

	return result, nil
}

func (b *SimulatedVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	if err := b.injected("OpenDevice"); err != nil {
		return 0, err
	}

	var device *SimulatedDevice

	for i := range b.devices {
		if b.devices[i].Info.Name == name {
			device = &b.devices[i]
			break
		}
	}

	if device == nil {
		return 0, ErrDeviceNotFound
	}

	async, err := newSimNotifier()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrContextCreation, err)
	}

	ctx := VerbsContext(b.handle())
	b.contexts[ctx] = &simulatedContext{device: device, async: async}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("CloseDevice"); err != nil {
		return err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return unix.EINVAL
	}

	delete(b.contexts, ctx)

	return c.async.close()
}

func (b *SimulatedVerbsBackend) QueryDevice(ctx VerbsContext) (*DeviceAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("QueryDevice"); err != nil {
		return nil, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, unix.EINVAL
	}

	attr := c.device.Attr

	return &attr, nil
}

func (b *SimulatedVerbsBackend) port(ctx VerbsContext, port uint8) (*SimulatedPort, error) {
	c, ok := b.contexts[ctx]
	if !ok {
		return nil, unix.EINVAL
	}

	if port == 0 || int(port) > len(c.device.Ports) {
		return nil, unix.EINVAL
	}

	return &c.device.Ports[port-1], nil
}

func (b *SimulatedVerbsBackend) QueryPort(ctx VerbsContext, port uint8) (*PortAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("QueryPort"); err != nil {
		return nil, err
	}

	p, err := b.port(ctx, port)
	if err != nil {
		return nil, err
	}

	attr := p.Attr

	return &attr, nil
}

func (b *SimulatedVerbsBackend) QueryGID(ctx VerbsContext, port uint8, index int) (GID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("QueryGID"); err != nil {
		return GID{}, err
	}

	p, err := b.port(ctx, port)
	if err != nil {
		return GID{}, err
	}

	if index < 0 || index >= len(p.GIDs) {
		return GID{}, unix.EINVAL
	}

	return p.GIDs[index].GID, nil
}

func (b *SimulatedVerbsBackend) QueryGIDType(ctx VerbsContext, port uint8, index int) (GIDType, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("QueryGIDType"); err != nil {
		return 0, err
	}

	p, err := b.port(ctx, port)
	if err != nil {
		return 0, err
	}

	if index < 0 || index >= len(p.GIDs) {
		return 0, unix.EINVAL
	}

	return p.GIDs[index].Type, nil
}

func (b *SimulatedVerbsBackend) AsyncFD(ctx VerbsContext) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return -1
	}

	return c.async.fd()
}

func (b *SimulatedVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("AllocPD"); err != nil {
		return 0, err
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	pd := VerbsPD(b.handle())
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("DeallocPD"); err != nil {
		return err
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedVerbsBackend) RegMR(pd VerbsPD, buf []byte, access int) (*MemoryRegistration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("RegMR"); err != nil {
		return nil, err
	}

	if _, ok := b.pds[pd]; !ok {
		return nil, ErrPDCreation
	}

	h := b.handle()
	mr := VerbsMR(h)
	b.mrs[mr] = &simulatedMR{
		pd:     pd,
		length: len(buf),
		access: access,
		lkey:   uint32(h), //nolint:gosec // G115: handles stay far below 2^32 in simulation
		rkey:   uint32(h), //nolint:gosec // G115: handles stay far below 2^32 in simulation
	}
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &MemoryRegistration{Handle: mr, LKey: b.mrs[mr].lkey, RKey: b.mrs[mr].rkey}, nil
}

func (b *SimulatedVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("DeregMR"); err != nil {
		return err
	}

	delete(b.mrs, mr)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("CreateCompChannel"); err != nil {
		return 0, err
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	fd, err := newSimNotifier()
	if err != nil {
		return 0, err
	}

	ch := VerbsCompChannel(b.handle())
	b.channels[ch] = &simulatedChannel{ctx: ctx, fd: fd}
	atomic.AddInt64(&b.metrics.ChannelsCreated, 1)

	return ch, nil
}

func (b *SimulatedVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("DestroyCompChannel"); err != nil {
		return err
	}

	simCh, ok := b.channels[ch]
	if !ok {
		return unix.EINVAL
	}

	for _, cq := range b.cqs {
		if cq.channel == ch {
			return unix.EBUSY
		}
	}

	delete(b.channels, ch)

	return simCh.fd.close()
}

func (b *SimulatedVerbsBackend) CompChannelFD(ch VerbsCompChannel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simCh, ok := b.channels[ch]
	if !ok {
		return -1
	}

	return simCh.fd.fd()
}

func (b *SimulatedVerbsBackend) GetCQEvent(ch VerbsCompChannel) (VerbsCQ, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("GetCQEvent"); err != nil {
		return 0, false, err
	}

	simCh, ok := b.channels[ch]
	if !ok {
		return 0, false, unix.EINVAL
	}

	if len(simCh.pending) == 0 {
		return 0, false, nil
	}

	cq := simCh.pending[0]
	simCh.pending = simCh.pending[1:]

	if len(simCh.pending) == 0 {
		simCh.fd.drain()
	}

	if simCQ, ok := b.cqs[cq]; ok {
		simCQ.events++
	}

	atomic.AddInt64(&b.metrics.Events, 1)

	return cq, true, nil
}

func (b *SimulatedVerbsBackend) AckCQEvents(cq VerbsCQ, n uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if simCQ, ok := b.cqs[cq]; ok {
		simCQ.acked += uint64(n)
	}
}

func (b *SimulatedVerbsBackend) CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("CreateCQ"); err != nil {
		return 0, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, ErrContextCreation
	}

	if cqe <= 0 || cqe > c.device.Attr.MaxCQE {
		return 0, unix.EINVAL
	}

	if ch != 0 {
		if _, ok := b.channels[ch]; !ok {
			return 0, unix.EINVAL
		}
	}

	cq := VerbsCQ(b.handle())
	b.cqs[cq] = &simulatedCQ{
		ctx:     ctx,
		channel: ch,
		size:    cqe,
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("DestroyCQ"); err != nil {
		return err
	}

	simCQ, ok := b.cqs[cq]
	if !ok {
		return unix.EINVAL
	}

	// ibv_destroy_cq blocks forever on unacknowledged events.
	if simCQ.events != simCQ.acked {
		return unix.EBUSY
	}

	for _, qp := range b.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return unix.EBUSY
		}
	}

	delete(b.cqs, cq)

	return nil
}

func (b *SimulatedVerbsBackend) PollCQ(cq VerbsCQ, wc []VerbsWorkCompletion) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("PollCQ"); err != nil {
		return 0, err
	}

	simCQ, ok := b.cqs[cq]
	if !ok {
		return 0, ErrPollCQ
	}

	n := copy(wc, simCQ.completions)
	simCQ.completions = simCQ.completions[n:]

	atomic.AddInt64(&b.metrics.Completions, int64(n))

	return n, nil
}

func (b *SimulatedVerbsBackend) ReqNotifyCQ(cq VerbsCQ, solicitedOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("ReqNotifyCQ"); err != nil {
		return err
	}

	simCQ, ok := b.cqs[cq]
	if !ok || simCQ.channel == 0 {
		return unix.EINVAL
	}

	simCQ.armed = true
	simCQ.solicitedOnly = solicitedOnly

	return nil
}

// complete must be called with mu held.
func (b *SimulatedVerbsBackend) complete(cq VerbsCQ, wc VerbsWorkCompletion) error {
	simCQ, ok := b.cqs[cq]
	if !ok {
		return unix.EINVAL
	}

	if len(simCQ.completions) >= simCQ.size {
		return unix.ENOSPC
	}

	simCQ.completions = append(simCQ.completions, wc)

	if !simCQ.armed {
		return nil
	}

	simCQ.armed = false

	simCh, ok := b.channels[simCQ.channel]
	if !ok {
		return nil
	}

	simCh.pending = append(simCh.pending, cq)

	return simCh.fd.signal()
}

// PushCompletion queues wc on cq as if the hardware had produced it.
func (b *SimulatedVerbsBackend) PushCompletion(cq VerbsCQ, wc VerbsWorkCompletion) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.complete(cq, wc)
}

func (b *SimulatedVerbsBackend) CreateSRQ(pd VerbsPD, maxWR, maxSGE uint32) (VerbsSRQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("CreateSRQ"); err != nil {
		return 0, err
	}

	simPD, ok := b.pds[pd]
	if !ok {
		return 0, ErrPDCreation
	}

	attr := b.contexts[simPD.ctx].device.Attr
	if maxWR == 0 || int(maxWR) > attr.MaxSRQWR || int(maxSGE) > attr.MaxSRQSGE {
		return 0, unix.EINVAL
	}

	srq := VerbsSRQ(b.handle())
	b.srqs[srq] = &simulatedSRQ{pd: pd, maxWR: maxWR, maxSGE: maxSGE}
	atomic.AddInt64(&b.metrics.SRQsCreated, 1)

	return srq, nil
}

func (b *SimulatedVerbsBackend) DestroySRQ(srq VerbsSRQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("DestroySRQ"); err != nil {
		return err
	}

	if _, ok := b.srqs[srq]; !ok {
		return unix.EINVAL
	}

	for _, qp := range b.qps {
		if qp.srq == srq {
			return unix.EBUSY
		}
	}

	delete(b.srqs, srq)

	return nil
}

func (b *SimulatedVerbsBackend) PostSRQRecv(srq VerbsSRQ, wr *VerbsRecvWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("PostSRQRecv"); err != nil {
		return err
	}

	simSRQ, ok := b.srqs[srq]
	if !ok {
		return unix.EINVAL
	}

	for ; wr != nil; wr = wr.Next {
		if len(wr.SGList) > int(simSRQ.maxSGE) {
			return unix.EINVAL
		}

		if len(simSRQ.posted) >= int(simSRQ.maxWR) {
			return unix.ENOMEM
		}

		posted := *wr
		posted.Next = nil
		simSRQ.posted = append(simSRQ.posted, posted)
		atomic.AddInt64(&b.metrics.RecvsPosted, 1)
	}

	return nil
}

func (b *SimulatedVerbsBackend) CreateQP(pd VerbsPD, attr *QPInitAttr) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("CreateQP"); err != nil {
		return 0, err
	}

	simPD, ok := b.pds[pd]
	if !ok {
		return 0, ErrPDCreation
	}

	if _, ok := b.cqs[attr.SendCQ]; !ok {
		return 0, unix.EINVAL
	}

	if _, ok := b.cqs[attr.RecvCQ]; !ok {
		return 0, unix.EINVAL
	}

	if attr.SRQ != 0 {
		if _, ok := b.srqs[attr.SRQ]; !ok {
			return 0, unix.EINVAL
		}
	}

	devAttr := b.contexts[simPD.ctx].device.Attr
	if int(attr.MaxSendWR) > devAttr.MaxQPWR || int(attr.MaxSendSGE) > devAttr.MaxSGE {
		return 0, unix.EINVAL
	}

	h := b.handle()
	qp := VerbsQP(h)
	b.qps[qp] = &simulatedQP{
		pd:      pd,
		sendCQ:  attr.SendCQ,
		recvCQ:  attr.RecvCQ,
		srq:     attr.SRQ,
		qpType:  attr.QPType,
		qpNum:   uint32(h), //nolint:gosec // G115: handles stay far below 2^32 in simulation
		state:   qpStateReset,
		maxSend: attr.MaxSendWR,
		maxRecv: attr.MaxRecvWR,
		maxSge:  attr.MaxSendSGE,
	}
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("DestroyQP"); err != nil {
		return err
	}

	delete(b.qps, qp)

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToInit(qp VerbsQP, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("ModifyQPToInit"); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrModifyQP
	}

	ctx := b.pds[simQP.pd].ctx
	if port <= 0 || port > len(b.contexts[ctx].device.Ports) {
		return unix.EINVAL
	}

	simQP.state = qpStateInit
	simQP.port = uint8(port) //nolint:gosec // G115: bounded by the port count above

	return nil
}

func (b *SimulatedVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, unix.EINVAL
	}

	return &VerbsQPAttr{
		State:   simQP.state,
		QPN:     simQP.qpNum,
		PortNum: simQP.port,
		Cap: VerbsQPCap{
			MaxSendWR:  simQP.maxSend,
			MaxRecvWR:  simQP.maxRecv,
			MaxSendSge: simQP.maxSge,
			MaxRecvSge: simQP.maxSge,
		},
	}, nil
}

func (b *SimulatedVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("PostSend"); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return unix.EINVAL
	}

	if simQP.state == qpStateReset {
		return unix.EINVAL
	}

	for ; wr != nil; wr = wr.Next {
		var length uint32
		for _, sge := range wr.SGList {
			length += sge.Length
		}

		// Simulate completion
		if err := b.complete(simQP.sendCQ, VerbsWorkCompletion{
			WRID:    wr.WRID,
			Status:  WCSuccess,
			Opcode:  WCOpSend,
			ByteLen: length,
			QPN:     simQP.qpNum,
		}); err != nil {
			return err
		}

		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	}

	return nil
}

// Deliver simulates n inbound messages on qp: up to n receives posted to
// the queue pair's shared receive queue complete on its receive CQ. It
// returns how many were delivered.
func (b *SimulatedVerbsBackend) Deliver(qp VerbsQP, n int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return 0, unix.EINVAL
	}

	simSRQ, ok := b.srqs[simQP.srq]
	if !ok {
		return 0, unix.EINVAL
	}

	delivered := 0
	for delivered < n && len(simSRQ.posted) > 0 {
		wr := simSRQ.posted[0]

		var length uint32
		for _, sge := range wr.SGList {
			length += sge.Length
		}

		if err := b.complete(simQP.recvCQ, VerbsWorkCompletion{
			WRID:    wr.WRID,
			Status:  WCSuccess,
			Opcode:  WCOpRecv,
			ByteLen: length,
			QPN:     simQP.qpNum,
		}); err != nil {
			return delivered, err
		}

		simSRQ.posted = simSRQ.posted[1:]
		delivered++
	}

	return delivered, nil
}

// PostedReceives reports how many receives are outstanding on srq.
func (b *SimulatedVerbsBackend) PostedReceives(srq VerbsSRQ) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simSRQ, ok := b.srqs[srq]
	if !ok {
		return 0
	}

	return len(simSRQ.posted)
}

// Outstanding reports the number of live objects of each kind, keyed like
// GetMetrics.
func (b *SimulatedVerbsBackend) Outstanding() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]int{
		"contexts": len(b.contexts),
		"pds":      len(b.pds),
		"channels": len(b.channels),
		"cqs":      len(b.cqs),
		"srqs":     len(b.srqs),
		"qps":      len(b.qps),
		"mrs":      len(b.mrs),
	}
}

func (b *SimulatedVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":        true,
		"devices_opened":   atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":      atomic.LoadInt64(&b.metrics.PDsCreated),
		"channels_created": atomic.LoadInt64(&b.metrics.ChannelsCreated),
		"cqs_created":      atomic.LoadInt64(&b.metrics.CQsCreated),
		"srqs_created":     atomic.LoadInt64(&b.metrics.SRQsCreated),
		"qps_created":      atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered":   atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":     atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":     atomic.LoadInt64(&b.metrics.RecvsPosted),
		"completions":      atomic.LoadInt64(&b.metrics.Completions),
		"events":           atomic.LoadInt64(&b.metrics.Events),
		"errors":           atomic.LoadInt64(&b.metrics.Errors),
	}
}
