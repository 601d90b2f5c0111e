package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	NodeInfo.Reset()

	Init("test-node-1")

	assert.Equal(t, float64(1), testutil.ToFloat64(NodeInfo.WithLabelValues("test-node-1", Version)))
}

func TestSetDeviceInitialized(t *testing.T) {
	DeviceInitialized.Reset()

	SetDeviceInitialized("mlx5_0", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(DeviceInitialized.WithLabelValues("mlx5_0")))

	SetDeviceInitialized("mlx5_0", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(DeviceInitialized.WithLabelValues("mlx5_0")))
}

func TestRecordCompletions(t *testing.T) {
	CompletionsTotal.Reset()

	RecordCompletions("mlx5_0", DirectionRx, 4)
	RecordCompletions("mlx5_0", DirectionRx, 0)
	RecordCompletions("mlx5_0", DirectionTx, 1)

	assert.Equal(t, float64(4), testutil.ToFloat64(CompletionsTotal.WithLabelValues("mlx5_0", DirectionRx)))
	assert.Equal(t, float64(1), testutil.ToFloat64(CompletionsTotal.WithLabelValues("mlx5_0", DirectionTx)))
}

func TestRecordPoll(t *testing.T) {
	PollsTotal.Reset()

	RecordPoll(DirectionTx, true)
	RecordPoll(DirectionTx, false)
	RecordPoll(DirectionTx, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(PollsTotal.WithLabelValues(DirectionTx, "hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(PollsTotal.WithLabelValues(DirectionTx, "empty")))
}

func TestRecordTxBuffers(t *testing.T) {
	TxBuffersReserved.Reset()
	TxBuffersExhausted.Reset()

	RecordTxBuffers("mlx5_0", 4, 4)
	assert.Equal(t, float64(4), testutil.ToFloat64(TxBuffersReserved.WithLabelValues("mlx5_0")))
	assert.Equal(t, float64(0), testutil.ToFloat64(TxBuffersExhausted.WithLabelValues("mlx5_0")))

	RecordTxBuffers("mlx5_0", 4, 1)
	assert.Equal(t, float64(5), testutil.ToFloat64(TxBuffersReserved.WithLabelValues("mlx5_0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(TxBuffersExhausted.WithLabelValues("mlx5_0")))
}

func TestRecordPostFailureAndChunks(t *testing.T) {
	PostFailures.Reset()
	RxChunksPosted.Reset()

	RecordRxChunksPosted("mlx5_1", 128)
	RecordPostFailure("mlx5_1", "post_recv")

	assert.Equal(t, float64(128), testutil.ToFloat64(RxChunksPosted.WithLabelValues("mlx5_1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(PostFailures.WithLabelValues("mlx5_1", "post_recv")))
}

func TestRecordEventsAndRearms(t *testing.T) {
	CQEventsTotal.Reset()
	CQRearmsTotal.Reset()

	RecordCQEvent("mlx5_0", DirectionRx)
	RecordCQRearm("mlx5_0")
	RecordCQRearm("mlx5_0")

	assert.Equal(t, float64(1), testutil.ToFloat64(CQEventsTotal.WithLabelValues("mlx5_0", DirectionRx)))
	assert.Equal(t, float64(2), testutil.ToFloat64(CQRearmsTotal.WithLabelValues("mlx5_0")))
}

func TestRecordBlockingWait(t *testing.T) {
	BlockingWaitDuration.Reset()

	RecordBlockingWait(true, time.Millisecond)
	RecordBlockingWait(false, 2*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(BlockingWaitDuration))
}

func TestSetFreeBuffers(t *testing.T) {
	FreeBuffers.Reset()

	SetFreeBuffers("mlx5_0", "rx", 12)

	assert.Equal(t, float64(12), testutil.ToFloat64(FreeBuffers.WithLabelValues("mlx5_0", "rx")))
}
