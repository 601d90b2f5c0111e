package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewSimulatedVerbsBackend(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NotNil(t, backend)

	err := backend.Init()
	require.NoError(t, err)

	defer backend.Close()
}

func TestSimulatedVerbsBackendDoubleInit(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	err := backend.Init()
	require.NoError(t, err)

	// Double init should be ok
	err = backend.Init()
	require.NoError(t, err)

	err = backend.Close()
	require.NoError(t, err)
}

func TestSimulatedVerbsBackendGetDeviceList(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	require.NoError(t, backend.Init())
	defer backend.Close()

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, "mlx5_1", devices[1].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID) // Mellanox
}

func TestSimulatedVerbsBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	_, err := backend.GetDeviceList()
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)

	_, err = backend.OpenDevice("mlx5_0")
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)
}

func TestSimulatedVerbsBackendOpenDevice(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)
	assert.NotZero(t, ctx)
	assert.GreaterOrEqual(t, backend.AsyncFD(ctx), 0)

	_, err = backend.OpenDevice("mlx5_9")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, backend.CloseDevice(ctx))
	assert.Equal(t, -1, backend.AsyncFD(ctx))
}

func TestSimulatedVerbsBackendFailOn(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	backend.FailOn("AllocPD", unix.ENOMEM)

	_, err = backend.AllocPD(ctx)
	require.ErrorIs(t, err, unix.ENOMEM)

	backend.FailOn("AllocPD", nil)

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)
	assert.NotZero(t, pd)

	assert.Equal(t, int64(1), backend.GetMetrics()["errors"])
}

func TestSimulatedCompletionChannelSignalsArmedCQ(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	ch, err := backend.CreateCompChannel(ctx)
	require.NoError(t, err)

	cq, err := backend.CreateCQ(ctx, 16, ch)
	require.NoError(t, err)

	fds := []unix.PollFd{{Fd: int32(backend.CompChannelFD(ch)), Events: unix.POLLIN}}

	// Unarmed: completion is queued but no event fires
	require.NoError(t, backend.PushCompletion(cq, VerbsWorkCompletion{WRID: 1}))

	n, err := unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, backend.ReqNotifyCQ(cq, false))
	require.NoError(t, backend.PushCompletion(cq, VerbsWorkCompletion{WRID: 2}))

	n, err = unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err := backend.GetCQEvent(ch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cq, got)

	_, ok, err = backend.GetCQEvent(ch)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "channel fd should be drained once no event is pending")

	// Unacknowledged events keep the CQ alive
	assert.ErrorIs(t, backend.DestroyCQ(cq), unix.EBUSY)

	backend.AckCQEvents(cq, 1)

	wc := make([]VerbsWorkCompletion, 4)
	n, err = backend.PollCQ(cq, wc)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, uint64(1), wc[0].WRID)
	assert.Equal(t, uint64(2), wc[1].WRID)

	require.NoError(t, backend.DestroyCQ(cq))
	require.NoError(t, backend.DestroyCompChannel(ch))
}

func TestSimulatedSRQDeliver(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)

	cq, err := backend.CreateCQ(ctx, 16, 0)
	require.NoError(t, err)

	srq, err := backend.CreateSRQ(pd, 2, 1)
	require.NoError(t, err)

	for i := uint64(0); i < 2; i++ {
		require.NoError(t, backend.PostSRQRecv(srq, &VerbsRecvWR{
			WRID:   i,
			SGList: []VerbsSGE{{Length: 64}},
		}))
	}

	// SRQ is full
	err = backend.PostSRQRecv(srq, &VerbsRecvWR{WRID: 3, SGList: []VerbsSGE{{Length: 64}}})
	assert.ErrorIs(t, err, unix.ENOMEM)

	qp, err := backend.CreateQP(pd, &QPInitAttr{SendCQ: cq, RecvCQ: cq, SRQ: srq, QPType: QPTypeRC, MaxSendWR: 4, MaxSendSGE: 1})
	require.NoError(t, err)

	delivered, err := backend.Deliver(qp, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, backend.PostedReceives(srq))

	wc := make([]VerbsWorkCompletion, 8)
	n, err := backend.PollCQ(cq, wc)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, WCOpRecv, wc[0].Opcode)
	assert.Equal(t, uint32(64), wc[0].ByteLen)

	// Posting a send before INIT is rejected
	err = backend.PostSend(qp, &VerbsSendWR{WRID: 9, SGList: []VerbsSGE{{Length: 8}}})
	assert.ErrorIs(t, err, unix.EINVAL)

	require.NoError(t, backend.ModifyQPToInit(qp, 1))

	attr, err := backend.QueryQP(qp)
	require.NoError(t, err)
	assert.Equal(t, qpStateInit, attr.State)
	assert.Equal(t, uint8(1), attr.PortNum)
}

func TestNewBackend(t *testing.T) {
	v, err := NewBackend("")
	require.NoError(t, err)
	assert.IsType(t, &SimulatedVerbsBackend{}, v)

	v, err = NewBackend(BackendSimulated)
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = NewBackend("carrier-pigeon")
	assert.Error(t, err)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "ACTIVE", PortStateActive.String())
	assert.Equal(t, "RoCEv2", GIDTypeRoCEv2.String())
	assert.Equal(t, "RC", QPTypeRC.String())
	assert.Equal(t, "QPType(42)", QPType(42).String())
}
