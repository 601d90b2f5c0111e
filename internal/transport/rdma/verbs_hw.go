//go:build linux && cgo && rdma_hw

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <errno.h>
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

static int rc_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

static int rc_query_gid(struct ibv_context *ctx, uint8_t port, int index, uint8_t *out) {
	union ibv_gid gid;
	int ret = ibv_query_gid(ctx, port, index, &gid);
	if (ret == 0) {
		memcpy(out, gid.raw, 16);
	}
	return ret;
}

static int rc_query_gid_type(struct ibv_context *ctx, uint8_t port, int index, int *type) {
	struct ibv_gid_entry entry;
	int ret = ibv_query_gid_ex(ctx, port, index, &entry, 0);
	if (ret == 0) {
		*type = (int)entry.gid_type;
	}
	return ret;
}

static int rc_req_notify_cq(struct ibv_cq *cq, int solicited_only) {
	return ibv_req_notify_cq(cq, solicited_only);
}

static int rc_poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, n, wc);
}

static int rc_get_cq_event(struct ibv_comp_channel *ch, struct ibv_cq **cq) {
	void *cq_ctx;
	if (ibv_get_cq_event(ch, cq, &cq_ctx)) {
		return errno;
	}
	return 0;
}

static int rc_post_srq_recv(struct ibv_srq *srq, uint64_t addr, uint32_t length, uint32_t lkey, uint64_t wr_id) {
	struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
	struct ibv_recv_wr wr = { .wr_id = wr_id, .sg_list = &sge, .num_sge = 1 };
	struct ibv_recv_wr *bad;
	return ibv_post_srq_recv(srq, &wr, &bad);
}

static int rc_post_send(struct ibv_qp *qp, uint64_t addr, uint32_t length, uint32_t lkey, uint64_t wr_id, int opcode, int flags) {
	struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
	struct ibv_send_wr wr = { .wr_id = wr_id, .sg_list = &sge, .num_sge = 1, .opcode = opcode, .send_flags = flags };
	struct ibv_send_wr *bad;
	return ibv_post_send(qp, &wr, &bad);
}

static struct ibv_srq *rc_create_srq(struct ibv_pd *pd, uint32_t max_wr, uint32_t max_sge) {
	struct ibv_srq_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.attr.max_wr = max_wr;
	attr.attr.max_sge = max_sge;
	return ibv_create_srq(pd, &attr);
}

static struct ibv_qp *rc_create_qp(struct ibv_pd *pd, struct ibv_cq *send_cq, struct ibv_cq *recv_cq,
		struct ibv_srq *srq, int qp_type, uint32_t max_send_wr, uint32_t max_recv_wr,
		uint32_t max_send_sge, uint32_t max_recv_sge, int sig_all) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq = send_cq;
	attr.recv_cq = recv_cq;
	attr.srq = srq;
	attr.qp_type = qp_type;
	attr.cap.max_send_wr = max_send_wr;
	attr.cap.max_recv_wr = max_recv_wr;
	attr.cap.max_send_sge = max_send_sge;
	attr.cap.max_recv_sge = max_recv_sge;
	attr.sq_sig_all = sig_all;
	return ibv_create_qp(pd, &attr);
}

static int rc_modify_qp_to_init(struct ibv_qp *qp, uint8_t port) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_INIT;
	attr.pkey_index = 0;
	attr.port_num = port;
	attr.qp_access_flags = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_READ;
	return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
}

static int rc_query_qp(struct ibv_qp *qp, struct ibv_qp_attr *attr, struct ibv_qp_init_attr *init) {
	return ibv_query_qp(qp, attr, IBV_QP_STATE | IBV_QP_CAP | IBV_QP_PORT, init);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// HardwareVerbsBackend drives libibverbs through cgo.
type HardwareVerbsBackend struct {
	contexts    map[VerbsContext]*C.struct_ibv_context
	pds         map[VerbsPD]*C.struct_ibv_pd
	mrs         map[VerbsMR]*C.struct_ibv_mr
	channels    map[VerbsCompChannel]*C.struct_ibv_comp_channel
	cqs         map[VerbsCQ]*hwCQ
	cqByPtr     map[*C.struct_ibv_cq]VerbsCQ
	srqs        map[VerbsSRQ]*C.struct_ibv_srq
	qps         map[VerbsQP]*C.struct_ibv_qp
	devices     map[string]*C.struct_ibv_device
	deviceList  **C.struct_ibv_device
	numDevices  int
	nextHandle  atomic.Uintptr
	mu          sync.RWMutex
	initialized bool
}

type hwCQ struct {
	cq  *C.struct_ibv_cq
	wc  *C.struct_ibv_wc
	cap int
}

func newHardwareBackend() (Verbs, error) {
	return &HardwareVerbsBackend{
		contexts: make(map[VerbsContext]*C.struct_ibv_context),
		pds:      make(map[VerbsPD]*C.struct_ibv_pd),
		mrs:      make(map[VerbsMR]*C.struct_ibv_mr),
		channels: make(map[VerbsCompChannel]*C.struct_ibv_comp_channel),
		cqs:      make(map[VerbsCQ]*hwCQ),
		cqByPtr:  make(map[*C.struct_ibv_cq]VerbsCQ),
		srqs:     make(map[VerbsSRQ]*C.struct_ibv_srq),
		qps:      make(map[VerbsQP]*C.struct_ibv_qp),
		devices:  make(map[string]*C.struct_ibv_device),
	}, nil
}

func errnoOr(ret C.int, fallback error) error {
	if ret > 0 {
		return syscall.Errno(ret)
	}

	if ret < 0 {
		return syscall.Errno(-ret)
	}

	return fallback
}

func (b *HardwareVerbsBackend) handle() uintptr {
	return b.nextHandle.Add(1)
}

func (b *HardwareVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	var num C.int

	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		if err == nil {
			err = ErrRDMANotAvailable
		}

		return fmt.Errorf("failed to get device list: %w", err)
	}

	b.deviceList = list
	b.numDevices = int(num)

	devs := unsafe.Slice(list, int(num))
	for _, dev := range devs {
		b.devices[C.GoString(C.ibv_get_device_name(dev))] = dev
	}

	b.initialized = true

	log.Debug().Int("devices", int(num)).Msg("libibverbs initialized")

	return nil
}

func (b *HardwareVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cq := range b.cqs {
		C.free(unsafe.Pointer(cq.wc))
	}

	if b.deviceList != nil {
		C.ibv_free_device_list(b.deviceList)
		b.deviceList = nil
		b.numDevices = 0
	}

	b.devices = make(map[string]*C.struct_ibv_device)
	b.cqs = make(map[VerbsCQ]*hwCQ)
	b.cqByPtr = make(map[*C.struct_ibv_cq]VerbsCQ)
	b.initialized = false

	return nil
}

func (b *HardwareVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	devs := unsafe.Slice(b.deviceList, b.numDevices)
	out := make([]VerbsDeviceInfo, 0, len(devs))

	for _, dev := range devs {
		out = append(out, VerbsDeviceInfo{
			Name:      C.GoString(C.ibv_get_device_name(dev)),
			GUID:      uint64(C.ibv_get_device_guid(dev)),
			NodeType:  int(dev.node_type),
			Transport: int(dev.transport_type),
		})
	}

	return out, nil
}

func (b *HardwareVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	dev, ok := b.devices[name]
	if !ok {
		return 0, ErrDeviceNotFound
	}

	c, err := C.ibv_open_device(dev)
	if c == nil {
		if err == nil {
			err = ErrContextCreation
		}

		return 0, err
	}

	h := VerbsContext(b.handle())
	b.contexts[h] = c

	return h, nil
}

func (b *HardwareVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.ibv_close_device(c); ret != 0 {
		return errnoOr(ret, unix.EIO)
	}

	delete(b.contexts, ctx)

	return nil
}

func (b *HardwareVerbsBackend) context(ctx VerbsContext) (*C.struct_ibv_context, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, unix.EINVAL
	}

	return c, nil
}

func (b *HardwareVerbsBackend) QueryDevice(ctx VerbsContext) (*DeviceAttr, error) {
	c, err := b.context(ctx)
	if err != nil {
		return nil, err
	}

	var attr C.struct_ibv_device_attr
	if ret := C.ibv_query_device(c, &attr); ret != 0 {
		return nil, errnoOr(ret, unix.EIO)
	}

	return &DeviceAttr{
		FWVer:       C.GoString(&attr.fw_ver[0]),
		NodeGUID:    uint64(attr.node_guid),
		MaxMRSize:   uint64(attr.max_mr_size),
		MaxQP:       int(attr.max_qp),
		MaxQPWR:     int(attr.max_qp_wr),
		MaxSGE:      int(attr.max_sge),
		MaxCQ:       int(attr.max_cq),
		MaxCQE:      int(attr.max_cqe),
		MaxMR:       int(attr.max_mr),
		MaxPD:       int(attr.max_pd),
		MaxSRQ:      int(attr.max_srq),
		MaxSRQWR:    int(attr.max_srq_wr),
		MaxSRQSGE:   int(attr.max_srq_sge),
		PhysPortCnt: int(attr.phys_port_cnt),
	}, nil
}

func (b *HardwareVerbsBackend) QueryPort(ctx VerbsContext, port uint8) (*PortAttr, error) {
	c, err := b.context(ctx)
	if err != nil {
		return nil, err
	}

	var attr C.struct_ibv_port_attr
	if ret := C.rc_query_port(c, C.uint8_t(port), &attr); ret != 0 {
		return nil, errnoOr(ret, unix.EIO)
	}

	linkLayer := LinkLayerInfiniBand
	if attr.link_layer == C.IBV_LINK_LAYER_ETHERNET {
		linkLayer = LinkLayerEthernet
	}

	return &PortAttr{
		State:       PortState(attr.state),
		MaxMTU:      128 << int(attr.max_mtu),
		ActiveMTU:   128 << int(attr.active_mtu),
		GIDTableLen: int(attr.gid_tbl_len),
		LinkLayer:   linkLayer,
		LID:         uint16(attr.lid),
		SMLID:       uint16(attr.sm_lid),
		ActiveSpeed: uint8(attr.active_speed),
		ActiveWidth: uint8(attr.active_width),
	}, nil
}

func (b *HardwareVerbsBackend) QueryGID(ctx VerbsContext, port uint8, index int) (GID, error) {
	c, err := b.context(ctx)
	if err != nil {
		return GID{}, err
	}

	var gid GID
	if ret := C.rc_query_gid(c, C.uint8_t(port), C.int(index), (*C.uint8_t)(unsafe.Pointer(&gid[0]))); ret != 0 {
		return GID{}, errnoOr(ret, unix.EIO)
	}

	return gid, nil
}

func (b *HardwareVerbsBackend) QueryGIDType(ctx VerbsContext, port uint8, index int) (GIDType, error) {
	c, err := b.context(ctx)
	if err != nil {
		return 0, err
	}

	var typ C.int
	if ret := C.rc_query_gid_type(c, C.uint8_t(port), C.int(index), &typ); ret != 0 {
		return 0, errnoOr(ret, unix.EIO)
	}

	switch typ {
	case C.IBV_GID_TYPE_ROCE_V1:
		return GIDTypeRoCEv1, nil
	case C.IBV_GID_TYPE_ROCE_V2:
		return GIDTypeRoCEv2, nil
	default:
		return GIDTypeIB, nil
	}
}

func (b *HardwareVerbsBackend) AsyncFD(ctx VerbsContext) int {
	c, err := b.context(ctx)
	if err != nil {
		return -1
	}

	return int(c.async_fd)
}

func (b *HardwareVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	c, err := b.context(ctx)
	if err != nil {
		return 0, err
	}

	pd, err := C.ibv_alloc_pd(c)
	if pd == nil {
		return 0, errOr(err, ErrPDCreation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := VerbsPD(b.handle())
	b.pds[h] = pd

	return h, nil
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}

	return fallback
}

func (b *HardwareVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.ibv_dealloc_pd(p); ret != 0 {
		return errnoOr(ret, unix.EBUSY)
	}

	delete(b.pds, pd)

	return nil
}

func (b *HardwareVerbsBackend) RegMR(pd VerbsPD, buf []byte, access int) (*MemoryRegistration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok || len(buf) == 0 {
		return nil, unix.EINVAL
	}

	mr, err := C.ibv_reg_mr(p, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return nil, errOr(err, ErrMRCreation)
	}

	h := VerbsMR(b.handle())
	b.mrs[h] = mr

	return &MemoryRegistration{Handle: h, LKey: uint32(mr.lkey), RKey: uint32(mr.rkey)}, nil
}

func (b *HardwareVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mrs[mr]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.ibv_dereg_mr(m); ret != 0 {
		return errnoOr(ret, unix.EBUSY)
	}

	delete(b.mrs, mr)

	return nil
}

func (b *HardwareVerbsBackend) CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error) {
	c, err := b.context(ctx)
	if err != nil {
		return 0, err
	}

	ch, err := C.ibv_create_comp_channel(c)
	if ch == nil {
		return 0, errOr(err, ErrChannelCreation)
	}

	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.ibv_destroy_comp_channel(ch)
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := VerbsCompChannel(b.handle())
	b.channels[h] = ch

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.channels[ch]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.ibv_destroy_comp_channel(c); ret != 0 {
		return errnoOr(ret, unix.EBUSY)
	}

	delete(b.channels, ch)

	return nil
}

func (b *HardwareVerbsBackend) CompChannelFD(ch VerbsCompChannel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.channels[ch]
	if !ok {
		return -1
	}

	return int(c.fd)
}

func (b *HardwareVerbsBackend) GetCQEvent(ch VerbsCompChannel) (VerbsCQ, bool, error) {
	b.mu.RLock()
	c, ok := b.channels[ch]
	b.mu.RUnlock()

	if !ok {
		return 0, false, unix.EINVAL
	}

	var cq *C.struct_ibv_cq

	if ret := C.rc_get_cq_event(c, &cq); ret != 0 {
		if syscall.Errno(ret) == unix.EAGAIN {
			return 0, false, nil
		}

		return 0, false, syscall.Errno(ret)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.cqByPtr[cq], true, nil
}

func (b *HardwareVerbsBackend) AckCQEvents(cq VerbsCQ, n uint32) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if c, ok := b.cqs[cq]; ok {
		C.ibv_ack_cq_events(c.cq, C.uint(n))
	}
}

func (b *HardwareVerbsBackend) CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	c, err := b.context(ctx)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var channel *C.struct_ibv_comp_channel
	if ch != 0 {
		var ok bool
		if channel, ok = b.channels[ch]; !ok {
			return 0, unix.EINVAL
		}
	}

	cq, err := C.ibv_create_cq(c, C.int(cqe), nil, channel, 0)
	if cq == nil {
		return 0, errOr(err, ErrCQCreation)
	}

	h := VerbsCQ(b.handle())
	b.cqs[h] = &hwCQ{cq: cq}
	b.cqByPtr[cq] = h

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cqs[cq]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.ibv_destroy_cq(c.cq); ret != 0 {
		return errnoOr(ret, unix.EBUSY)
	}

	C.free(unsafe.Pointer(c.wc))
	delete(b.cqByPtr, c.cq)
	delete(b.cqs, cq)

	return nil
}

func (b *HardwareVerbsBackend) PollCQ(cq VerbsCQ, wc []VerbsWorkCompletion) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cqs[cq]
	if !ok {
		return 0, unix.EINVAL
	}

	if len(wc) == 0 {
		return 0, nil
	}

	if c.cap < len(wc) {
		C.free(unsafe.Pointer(c.wc))
		c.wc = (*C.struct_ibv_wc)(C.calloc(C.size_t(len(wc)), C.size_t(unsafe.Sizeof(C.struct_ibv_wc{}))))
		c.cap = len(wc)
	}

	ret := C.rc_poll_cq(c.cq, C.int(len(wc)), c.wc)
	if ret < 0 {
		return 0, errnoOr(ret, unix.EIO)
	}

	entries := unsafe.Slice(c.wc, int(ret))
	for i, e := range entries {
		wc[i] = VerbsWorkCompletion{
			WRID:      uint64(e.wr_id),
			Status:    WCStatus(e.status),
			Opcode:    hwOpcode(uint32(e.opcode)),
			VendorErr: uint32(e.vendor_err),
			ByteLen:   uint32(e.byte_len),
			QPN:       uint32(e.qp_num),
			SrcQP:     uint32(e.src_qp),
			WCFlags:   int(e.wc_flags),
			PkeyIndex: uint16(e.pkey_index),
			SLID:      uint16(e.slid),
			SL:        uint8(e.sl),
			DLIDPath:  uint8(e.dlid_path_bits),
		}
	}

	return int(ret), nil
}

func hwOpcode(op uint32) WCOpcode {
	switch op {
	case C.IBV_WC_SEND:
		return WCOpSend
	case C.IBV_WC_RDMA_WRITE:
		return WCOpRDMAWrite
	case C.IBV_WC_RDMA_READ:
		return WCOpRDMARead
	case C.IBV_WC_COMP_SWAP:
		return WCOpCompSwap
	case C.IBV_WC_FETCH_ADD:
		return WCOpFetchAdd
	case C.IBV_WC_BIND_MW:
		return WCOpBindMW
	case C.IBV_WC_LOCAL_INV:
		return WCOpLocalInv
	case C.IBV_WC_RECV_RDMA_WITH_IMM:
		return WCOpRecvRDMAWithImm
	default:
		return WCOpRecv
	}
}

func (b *HardwareVerbsBackend) ReqNotifyCQ(cq VerbsCQ, solicitedOnly bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.cqs[cq]
	if !ok {
		return unix.EINVAL
	}

	var so C.int
	if solicitedOnly {
		so = 1
	}

	if ret := C.rc_req_notify_cq(c.cq, so); ret != 0 {
		return errnoOr(ret, unix.EIO)
	}

	return nil
}

func (b *HardwareVerbsBackend) CreateSRQ(pd VerbsPD, maxWR, maxSGE uint32) (VerbsSRQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return 0, unix.EINVAL
	}

	srq, err := C.rc_create_srq(p, C.uint32_t(maxWR), C.uint32_t(maxSGE))
	if srq == nil {
		return 0, errOr(err, ErrSRQCreation)
	}

	h := VerbsSRQ(b.handle())
	b.srqs[h] = srq

	return h, nil
}

func (b *HardwareVerbsBackend) DestroySRQ(srq VerbsSRQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.srqs[srq]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.ibv_destroy_srq(s); ret != 0 {
		return errnoOr(ret, unix.EBUSY)
	}

	delete(b.srqs, srq)

	return nil
}

func (b *HardwareVerbsBackend) PostSRQRecv(srq VerbsSRQ, wr *VerbsRecvWR) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.srqs[srq]
	if !ok {
		return unix.EINVAL
	}

	for ; wr != nil; wr = wr.Next {
		if len(wr.SGList) != 1 {
			return unix.EINVAL
		}

		sge := wr.SGList[0]
		if ret := C.rc_post_srq_recv(s, C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey), C.uint64_t(wr.WRID)); ret != 0 {
			return errnoOr(ret, unix.EIO)
		}
	}

	return nil
}

func (b *HardwareVerbsBackend) CreateQP(pd VerbsPD, attr *QPInitAttr) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return 0, unix.EINVAL
	}

	sendCQ, ok := b.cqs[attr.SendCQ]
	if !ok {
		return 0, unix.EINVAL
	}

	recvCQ, ok := b.cqs[attr.RecvCQ]
	if !ok {
		return 0, unix.EINVAL
	}

	var srq *C.struct_ibv_srq
	if attr.SRQ != 0 {
		srq = b.srqs[attr.SRQ]
	}

	var sigAll C.int
	if attr.SigAll {
		sigAll = 1
	}

	qp, err := C.rc_create_qp(p, sendCQ.cq, recvCQ.cq, srq, hwQPType(attr.QPType),
		C.uint32_t(attr.MaxSendWR), C.uint32_t(attr.MaxRecvWR),
		C.uint32_t(attr.MaxSendSGE), C.uint32_t(attr.MaxRecvSGE), sigAll)
	if qp == nil {
		return 0, errOr(err, ErrQPCreation)
	}

	h := VerbsQP(b.handle())
	b.qps[h] = qp

	return h, nil
}

func hwQPType(t QPType) C.int {
	switch t {
	case QPTypeUC:
		return C.IBV_QPT_UC
	case QPTypeUD:
		return C.IBV_QPT_UD
	case QPTypeXRC:
		return C.IBV_QPT_XRC_SEND
	default:
		return C.IBV_QPT_RC
	}
}

func (b *HardwareVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.qps[qp]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.ibv_destroy_qp(q); ret != 0 {
		return errnoOr(ret, unix.EBUSY)
	}

	delete(b.qps, qp)

	return nil
}

func (b *HardwareVerbsBackend) ModifyQPToInit(qp VerbsQP, port int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.qps[qp]
	if !ok {
		return unix.EINVAL
	}

	if ret := C.rc_modify_qp_to_init(q, C.uint8_t(port)); ret != 0 {
		return errnoOr(ret, unix.EINVAL)
	}

	return nil
}

func (b *HardwareVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.qps[qp]
	if !ok {
		return nil, unix.EINVAL
	}

	var attr C.struct_ibv_qp_attr

	var init C.struct_ibv_qp_init_attr

	if ret := C.rc_query_qp(q, &attr, &init); ret != 0 {
		return nil, errnoOr(ret, unix.EIO)
	}

	return &VerbsQPAttr{
		State:   int(attr.qp_state),
		QPN:     uint32(q.qp_num),
		PortNum: uint8(attr.port_num),
		Cap: VerbsQPCap{
			MaxSendWR:     uint32(attr.cap.max_send_wr),
			MaxRecvWR:     uint32(attr.cap.max_recv_wr),
			MaxSendSge:    uint32(attr.cap.max_send_sge),
			MaxRecvSge:    uint32(attr.cap.max_recv_sge),
			MaxInlineData: uint32(attr.cap.max_inline_data),
		},
	}, nil
}

func (b *HardwareVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.qps[qp]
	if !ok {
		return unix.EINVAL
	}

	for ; wr != nil; wr = wr.Next {
		if len(wr.SGList) != 1 {
			return unix.EINVAL
		}

		flags := 0
		if wr.SendFlags&SendFlagSignaled != 0 {
			flags |= C.IBV_SEND_SIGNALED
		}

		if wr.SendFlags&SendFlagInline != 0 {
			flags |= C.IBV_SEND_INLINE
		}

		sge := wr.SGList[0]
		if ret := C.rc_post_send(q, C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey),
			C.uint64_t(wr.WRID), C.IBV_WR_SEND, C.int(flags)); ret != 0 {
			return errnoOr(ret, unix.EIO)
		}
	}

	return nil
}
