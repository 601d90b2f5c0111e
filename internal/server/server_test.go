package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmacore/internal/config"
	"github.com/piwi3910/rdmacore/internal/hardware"
	"github.com/piwi3910/rdmacore/internal/poller"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

func testConfig() *config.Config {
	return &config.Config{
		NodeName: "test-node",
		RDMA: config.RDMAConfig{
			Backend:        rdma.BackendSimulated,
			RoCEVersion:    config.RoCEv2,
			PollMode:       string(poller.ModeBlocking),
			PortNum:        1,
			ReceiveBuffers: 16,
			SendBuffers:    8,
			BufferSize:     2048,
			PollBatch:      8,
		},
		Metrics: config.MetricsConfig{
			Address: "127.0.0.1",
			Port:    0,
			Enabled: false,
		},
		Shutdown: config.ShutdownConfig{
			Timeout:       5 * time.Second,
			PollerTimeout: time.Second,
			HTTPTimeout:   time.Second,
			DeviceTimeout: time.Second,
		},
		LogLevel: "info",
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, *rdma.SimulatedVerbsBackend) {
	t.Helper()

	backend := rdma.NewSimulatedVerbsBackend()

	srv, err := New(cfg, append([]Option{WithVerbs(backend)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return srv, backend
}

func get(t *testing.T, srv *Server, path string, out any) int {
	t.Helper()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}

	return w.Code
}

func TestNewInitializesEveryDevice(t *testing.T) {
	srv, backend := newTestServer(t, testConfig())

	require.Equal(t, 2, srv.Devices().Len())

	for _, d := range srv.Devices().Devices() {
		assert.True(t, d.Initialized(), d.Name())
		assert.NotNil(t, d.ActivePort(), d.Name())
	}

	assert.Equal(t, 2, backend.Outstanding()["srqs"])
	assert.Equal(t, 4, backend.Outstanding()["cqs"])
}

func TestNewSelectsConfiguredDevice(t *testing.T) {
	cfg := testConfig()
	cfg.RDMA.DeviceName = "mlx5_1"

	srv, _ := newTestServer(t, cfg)

	assert.False(t, srv.Devices().GetDevice("mlx5_0").Initialized())
	assert.True(t, srv.Devices().GetDevice("mlx5_1").Initialized())

	var statuses []rdma.DeviceStatus
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/devices", &statuses))
	assert.Len(t, statuses, 2)

	// Only the selected device counts towards health
	status := srv.HealthChecker().Check(context.Background())
	assert.Len(t, status.Devices, 1)
	assert.Contains(t, status.Checks, "device:mlx5_1")
}

func TestNewFailures(t *testing.T) {
	t.Run("unknown device", func(t *testing.T) {
		cfg := testConfig()
		cfg.RDMA.DeviceName = "mlx5_9"

		backend := rdma.NewSimulatedVerbsBackend()
		_, err := New(cfg, WithVerbs(backend))
		assert.ErrorIs(t, err, ErrDeviceNotFound)

		// Everything opened is released again
		for kind, n := range backend.Outstanding() {
			assert.Zero(t, n, kind)
		}
	})

	t.Run("inactive port", func(t *testing.T) {
		cfg := testConfig()
		cfg.RDMA.PortNum = 2

		_, err := New(cfg, WithVerbs(rdma.NewSimulatedVerbsBackend()))
		require.Error(t, err)
		assert.True(t, rdma.IsFatal(err))
		assert.ErrorIs(t, err, rdma.ErrNoActivePort)
	})

	t.Run("init failure", func(t *testing.T) {
		backend := rdma.NewSimulatedVerbsBackend()
		backend.FailOn("CreateSRQ", errors.New("ENOMEM"))

		_, err := New(testConfig(), WithVerbs(backend))
		require.Error(t, err)
		assert.True(t, rdma.IsFatal(err))
	})

	t.Run("poller config", func(t *testing.T) {
		cfg := testConfig()
		cfg.RDMA.PollBatch = 0

		backend := rdma.NewSimulatedVerbsBackend()
		_, err := New(cfg, WithVerbs(backend))
		assert.ErrorIs(t, err, poller.ErrInvalidBatch)
		assert.Zero(t, backend.Outstanding()["contexts"])
	})
}

func TestPreflight(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "mlx5_0", "ports", "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mlx5_0", "ports", "1", "state"), []byte("4: ACTIVE\n"), 0o600))

	detector := func() *hardware.Detector {
		return hardware.NewDetector(
			hardware.WithSysfsRoot(root),
			hardware.WithDeviceLister(func() []string { return []string{"mlx5_0"} }),
			hardware.WithCharDeviceLister(func(string) []string { return nil }),
			hardware.WithLinkLookup(func(string) (*hardware.LinkInfo, error) {
				return nil, hardware.ErrLinkInfoUnavailable
			}),
		)
	}

	cfg := testConfig()
	cfg.RDMA.DeviceName = "mlx5_0"

	srv, _ := newTestServer(t, cfg, WithDetector(detector()))

	var inv hardware.Inventory
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/inventory", &inv))
	assert.Equal(t, []string{"mlx5_0"}, inv.Names())

	cfg = testConfig()
	cfg.RDMA.DeviceName = "mlx5_1"

	backend := rdma.NewSimulatedVerbsBackend()
	_, err := New(cfg, WithVerbs(backend), WithDetector(detector()))
	require.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Contains(t, err.Error(), "mlx5_1")
	assert.Zero(t, backend.Outstanding()["contexts"])
}

func TestDiagnosticsRoutes(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	var dev rdma.DeviceStatus
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/devices/mlx5_0", &dev))
	assert.Equal(t, "mlx5_0", dev.Name)
	assert.True(t, dev.Initialized)
	assert.True(t, dev.PortActive)
	assert.Equal(t, 8, dev.FreeTxBuffers)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/devices/mlx5_9", &errBody))
	assert.Contains(t, errBody["error"], "mlx5_9")

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/inventory", nil))

	// Not polling yet
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, get(t, srv, "/health/live", nil))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rdmacore_")
}

func TestStartProcessesCompletions(t *testing.T) {
	var received atomic.Int64

	srv, backend := newTestServer(t, testConfig(), WithReceiveFunc(func(_ *rdma.Device, c *rdma.Chunk) {
		received.Add(int64(c.Len()))
	}))

	qp, err := srv.Devices().GetDevice("mlx5_0").CreateQueuePair(rdma.QPTypeRC)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		return get(t, srv, "/health/ready", nil) == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	n, err := backend.Deliver(qp.Handle(), 10)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	require.Eventually(t, func() bool {
		return received.Load() == 10*2048
	}, 2*time.Second, time.Millisecond)

	var stats struct {
		Mode     string               `json:"mode"`
		Running  bool                 `json:"running"`
		Recycler poller.RecyclerStats `json:"recycler"`
	}
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/poller", &stats))
	assert.Equal(t, "blocking", stats.Mode)
	assert.True(t, stats.Running)
	assert.Equal(t, uint64(10), stats.Recycler.Reposted)

	// Queue pairs go before the devices are released
	require.NoError(t, qp.Close())

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	for kind, n := range backend.Outstanding() {
		assert.Zero(t, n, kind)
	}
}

func TestStartReturnsFatalPollError(t *testing.T) {
	srv, backend := newTestServer(t, testConfig())

	backend.FailOn("PollCQ", errors.New("EIO"))

	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, rdma.IsFatal(err))
	assert.False(t, srv.HealthChecker().IsLive(context.Background()))
}

func TestStartServesDiagnostics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true

	srv, _ := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		return srv.HealthChecker().IsReady(context.Background())
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
