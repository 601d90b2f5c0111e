package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testConfig() Config {
	return Config{
		ReceiveBuffers: 8,
		SendBuffers:    4,
		BufferSize:     4096,
		RoCEVersion:    GIDTypeRoCEv2,
	}
}

func newTestDevice(t *testing.T, backend *SimulatedVerbsBackend, cfg Config) *Device {
	t.Helper()

	require.NoError(t, backend.Init())

	infos, err := backend.GetDeviceList()
	require.NoError(t, err)

	d, err := NewDevice(backend, infos[0], cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = d.Close()
		_ = backend.Close()
	})

	return d
}

// newReadyDevice returns an initialized device bound to port 1 and a queue
// pair on it.
func newReadyDevice(t *testing.T, backend *SimulatedVerbsBackend) (*Device, *QueuePair) {
	t.Helper()

	d := newTestDevice(t, backend, testConfig())
	require.NoError(t, d.BindPort(1))
	require.NoError(t, d.Init())

	qp, err := d.CreateQueuePair(QPTypeRC)
	require.NoError(t, err)
	t.Cleanup(func() { _ = qp.Close() })

	return d, qp
}

func TestNewDeviceCreatesChannels(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	assert.Equal(t, "mlx5_0", d.Name())
	assert.False(t, d.Initialized())
	assert.Equal(t, 2, backend.Outstanding()["channels"])
	assert.Equal(t, 2, d.Attr().PhysPortCnt)

	tx, rx := d.channelFDs()
	assert.GreaterOrEqual(t, tx, 0)
	assert.GreaterOrEqual(t, rx, 0)
	assert.NotEqual(t, tx, rx)
}

func TestNewDeviceFailures(t *testing.T) {
	t.Run("empty name", func(t *testing.T) {
		_, err := NewDevice(NewSimulatedVerbsBackend(), VerbsDeviceInfo{}, testConfig())
		assert.True(t, IsFatal(err))
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	for _, op := range []string{"OpenDevice", "QueryDevice", "CreateCompChannel"} {
		t.Run(op, func(t *testing.T) {
			backend := NewSimulatedVerbsBackend()
			require.NoError(t, backend.Init())
			defer backend.Close()

			backend.FailOn(op, unix.EIO)

			_, err := NewDevice(backend, VerbsDeviceInfo{Name: "mlx5_0"}, testConfig())
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, unix.EIO)
			assert.Equal(t, 0, backend.Outstanding()["contexts"])
			assert.Equal(t, 0, backend.Outstanding()["channels"])
		})
	}
}

func TestDeviceInitProvisionsResources(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	require.NoError(t, d.Init())

	assert.True(t, d.Initialized())
	assert.NotNil(t, d.pd)
	assert.NotNil(t, d.mem)
	assert.NotZero(t, d.srq)
	assert.NotNil(t, d.txCQ)
	assert.NotNil(t, d.rxCQ)
	assert.Equal(t, CQDepth, d.txCQ.Depth())

	out := backend.Outstanding()
	assert.Equal(t, 1, out["pds"])
	assert.Equal(t, 2, out["mrs"])
	assert.Equal(t, 1, out["srqs"])
	assert.Equal(t, 2, out["cqs"])

	// Every receive chunk was posted
	assert.Equal(t, 8, backend.PostedReceives(d.srq))
	assert.Equal(t, 0, d.mem.FreeRx())
	assert.Equal(t, 4, d.mem.FreeTx())

	status := d.Status()
	assert.True(t, status.Initialized)
	assert.Equal(t, 8, status.MaxRecvWR)
	assert.Equal(t, 4, status.FreeTxBuffers)
}

func TestDeviceInitIsIdempotent(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	require.NoError(t, d.Init())

	before := backend.Outstanding()
	srq := d.srq

	require.NoError(t, d.Init())

	assert.Equal(t, before, backend.Outstanding())
	assert.Equal(t, srq, d.srq)
	assert.Equal(t, 8, backend.PostedReceives(d.srq))
}

func TestDeviceUninitReleasesResources(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	require.NoError(t, d.Init())
	require.NoError(t, d.Uninit())

	assert.False(t, d.Initialized())
	assert.Nil(t, d.pd)
	assert.Nil(t, d.mem)
	assert.Zero(t, d.srq)
	assert.Nil(t, d.txCQ)
	assert.Nil(t, d.rxCQ)

	out := backend.Outstanding()
	assert.Equal(t, 0, out["pds"])
	assert.Equal(t, 0, out["mrs"])
	assert.Equal(t, 0, out["srqs"])
	assert.Equal(t, 0, out["cqs"])
	assert.Equal(t, 0, out["channels"])
	assert.Equal(t, 1, out["contexts"])

	// Second uninit is a no-op
	require.NoError(t, d.Uninit())

	tx, rx := d.channelFDs()
	assert.Equal(t, -1, tx)
	assert.Equal(t, -1, rx)
}

func TestDeviceReinitRecreatesChannels(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	require.NoError(t, d.Init())
	require.NoError(t, d.Uninit())
	require.NoError(t, d.Init())

	assert.True(t, d.Initialized())
	assert.Equal(t, 2, backend.Outstanding()["channels"])

	tx, rx := d.channelFDs()
	assert.GreaterOrEqual(t, tx, 0)
	assert.GreaterOrEqual(t, rx, 0)
}

func TestDeviceLimitsClampedToCapabilities(t *testing.T) {
	tests := []struct {
		name               string
		maxQPWR, maxSRQWR  int
		sendBufs, recvBufs int
		wantSend, wantRecv int
	}{
		{name: "config smaller", maxQPWR: 100, maxSRQWR: 100, sendBufs: 4, recvBufs: 8, wantSend: 4, wantRecv: 8},
		{name: "device smaller", maxQPWR: 2, maxSRQWR: 3, sendBufs: 4, recvBufs: 8, wantSend: 2, wantRecv: 3},
		{name: "mixed", maxQPWR: 100, maxSRQWR: 5, sendBufs: 4, recvBufs: 8, wantSend: 4, wantRecv: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := NewSimulatedDevice("mlx5_0", 1)
			dev.Attr.MaxQPWR = tt.maxQPWR
			dev.Attr.MaxSRQWR = tt.maxSRQWR

			backend := NewSimulatedVerbsBackend()
			backend.SetDevices(dev)

			cfg := testConfig()
			cfg.SendBuffers = tt.sendBufs
			cfg.ReceiveBuffers = tt.recvBufs

			d := newTestDevice(t, backend, cfg)
			require.NoError(t, d.Init())

			assert.Equal(t, tt.wantSend, d.MaxSendWR())
			assert.Equal(t, tt.wantRecv, d.MaxRecvWR())
			assert.LessOrEqual(t, d.MaxSendWR(), tt.maxQPWR)
			assert.LessOrEqual(t, d.MaxRecvWR(), tt.maxSRQWR)
			assert.Equal(t, tt.wantRecv, backend.PostedReceives(d.srq))
		})
	}
}

func TestDeviceInitFailureRollsBack(t *testing.T) {
	for _, op := range []string{"QueryDevice", "AllocPD", "RegMR", "CreateSRQ", "PostSRQRecv", "CreateCQ", "ReqNotifyCQ"} {
		t.Run(op, func(t *testing.T) {
			backend := NewSimulatedVerbsBackend()
			d := newTestDevice(t, backend, testConfig())

			backend.FailOn(op, unix.ENOMEM)

			err := d.Init()
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, unix.ENOMEM)
			assert.False(t, d.Initialized())

			out := backend.Outstanding()
			assert.Equal(t, 0, out["pds"])
			assert.Equal(t, 0, out["mrs"])
			assert.Equal(t, 0, out["srqs"])
			assert.Equal(t, 0, out["cqs"])

			backend.FailOn(op, nil)

			require.NoError(t, d.Init())
			assert.True(t, d.Initialized())
		})
	}
}

func TestDevicePostChannelClusterWithoutFreeChunks(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	require.NoError(t, d.Init())

	// Init already posted every receive chunk
	err := d.PostChannelCluster()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrNoReceiveBuffers)
}

func TestDevicePostChunkFailureIsRecoverable(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	assert.ErrorIs(t, d.PostChunk(&Chunk{}), ErrNotInitialized)

	require.NoError(t, d.Init())

	backend.FailOn("PostSRQRecv", unix.ENOMEM)

	err := d.PostChunk(d.Chunk(0))
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrPostRecv)
	assert.ErrorIs(t, err, unix.ENOMEM)
}

func TestDeviceBindPort(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	assert.Nil(t, d.PortAttr())

	for _, port := range []int{0, 2, 3} {
		err := d.BindPort(port)
		require.Error(t, err, "port %d", port)
		assert.True(t, IsFatal(err))
		assert.ErrorIs(t, err, ErrNoActivePort)
		assert.Nil(t, d.ActivePort())
	}

	require.NoError(t, d.BindPort(1))
	require.NotNil(t, d.ActivePort())
	assert.Equal(t, uint8(1), d.ActivePort().Number())
	assert.Equal(t, PortStateActive, d.PortAttr().State)
}

func TestDeviceBindPortGIDNotFoundNamesDevice(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	cfg := testConfig()
	cfg.LocalGID = "2001:0db8:0000:0000:0000:0000:0000:0001"

	d := newTestDevice(t, backend, cfg)

	err := d.BindPort(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGIDNotFound)

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "mlx5_0", fe.Device)
}

func TestDeviceCreateQueuePair(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	_, err := d.CreateQueuePair(QPTypeRC)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, d.Init())

	_, err = d.CreateQueuePair(QPTypeRC)
	assert.ErrorIs(t, err, ErrPortNotBound)

	require.NoError(t, d.BindPort(1))

	qp, err := d.CreateQueuePair(QPTypeRC)
	require.NoError(t, err)
	require.NotNil(t, qp)
	defer qp.Close()

	assert.NotZero(t, qp.Number())
	assert.Equal(t, QPTypeRC, qp.Type())

	attr, err := backend.QueryQP(qp.Handle())
	require.NoError(t, err)
	assert.Equal(t, qpStateInit, attr.State)
	assert.Equal(t, uint8(1), attr.PortNum)
	assert.Equal(t, uint32(4), attr.Cap.MaxSendWR)

	backend.FailOn("CreateQP", unix.ENOMEM)

	failed, err := d.CreateQueuePair(QPTypeRC)
	assert.Nil(t, failed)
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrQPCreation)
}

func TestDeviceTxBuffers(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	assert.Nil(t, d.GetTxBuffers(1))

	require.NoError(t, d.Init())

	chunks := d.GetTxBuffers(2*4096 + 1)
	assert.Len(t, chunks, 3)

	rest := d.GetTxBuffers(0)
	assert.Len(t, rest, 1)

	assert.Empty(t, d.GetTxBuffers(10))

	d.ReleaseTxBuffers(chunks)
	d.ReleaseTxBuffers(rest)
	assert.Equal(t, 4, d.Status().FreeTxBuffers)
}

func TestDevicePollUninitialized(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	wc := make([]VerbsWorkCompletion, 4)

	n, err := d.PollTxCQ(wc)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = d.PollRxCQ(wc)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.NoError(t, d.RearmCQs())
}

func TestDeviceSendAndReceiveCompletions(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d, qp := newReadyDevice(t, backend)

	wc := make([]VerbsWorkCompletion, 16)

	delivered, err := backend.Deliver(qp.Handle(), 3)
	require.NoError(t, err)
	require.Equal(t, 3, delivered)

	n, err := d.PollRxCQ(wc)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, c := range wc[:n] {
		chunk := d.Chunk(c.WRID)
		require.NotNil(t, chunk)
		assert.Equal(t, uint32(chunk.Size()), c.ByteLen)
	}

	tx := d.GetTxBuffers(1)
	require.Len(t, tx, 1)
	tx[0].Fill([]byte("ping"))

	require.NoError(t, qp.PostSend(tx))

	n, err = d.PollTxCQ(wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, tx[0].WRID(), wc[0].WRID)
	assert.Equal(t, uint32(4), wc[0].ByteLen)
	assert.Equal(t, WCOpSend, wc[0].Opcode)
}

func TestDevicePollAndRearmFailuresAreFatal(t *testing.T) {
	for _, op := range []string{"PollCQ", "ReqNotifyCQ"} {
		t.Run(op, func(t *testing.T) {
			backend := NewSimulatedVerbsBackend()
			d := newTestDevice(t, backend, testConfig())
			require.NoError(t, d.Init())

			backend.FailOn(op, unix.EIO)

			var err error
			if op == "PollCQ" {
				_, err = d.PollTxCQ(make([]VerbsWorkCompletion, 1))
			} else {
				err = d.RearmCQs()
			}

			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, unix.EIO)
		})
	}
}

func TestDeviceUninitDestroyFailureIsFatal(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())
	require.NoError(t, d.Init())

	backend.FailOn("DestroySRQ", unix.EBUSY)

	err := d.Uninit()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, unix.EBUSY)

	backend.FailOn("DestroySRQ", nil)
}

func TestDeviceClose(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	require.NoError(t, d.BindPort(1))
	require.NoError(t, d.Init())
	require.NoError(t, d.Close())

	assert.False(t, d.Initialized())
	assert.Nil(t, d.ActivePort())

	out := backend.Outstanding()
	assert.Equal(t, 0, out["contexts"])
	assert.Equal(t, 0, out["channels"])
	assert.Equal(t, 0, out["pds"])

	// Closing twice is harmless
	require.NoError(t, d.Close())
}

func TestDeviceCloseFailureIsFatal(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	d := newTestDevice(t, backend, testConfig())

	backend.FailOn("CloseDevice", unix.EIO)

	err := d.Close()
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	backend.FailOn("CloseDevice", nil)
}
