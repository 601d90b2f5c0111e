package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmacore/internal/poller"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rdmacore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	// Keep the lookup away from any rdmacore.yaml on the host
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, rdma.BackendSimulated, cfg.RDMA.Backend)
	assert.Equal(t, 1, cfg.RDMA.PortNum)
	assert.Equal(t, 1024, cfg.RDMA.ReceiveBuffers)
	assert.Equal(t, 1024, cfg.RDMA.SendBuffers)
	assert.Equal(t, 128<<10, cfg.RDMA.BufferSize)
	assert.Equal(t, RoCEv2, cfg.RDMA.RoCEVersion)
	assert.Equal(t, string(poller.ModeBlocking), cfg.RDMA.PollMode)
	assert.Equal(t, poller.DefaultBatchSize, cfg.RDMA.PollBatch)
	assert.False(t, cfg.RDMA.EnableHugepage)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9464", cfg.Metrics.ListenAddr())
	assert.Equal(t, 30*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.NodeName)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
node_name: rack7-node3
log_level: debug
rdma:
  device_name: mlx5_1
  port_num: 2
  receive_buffers: 4096
  send_buffers: 512
  buffer_size: 65536
  enable_hugepage: true
  local_gid: "0000:0000:0000:0000:0000:ffff:c0a8:0101"
  roce_version: v1
  poll_mode: busy
  poll_batch: 32
metrics:
  address: 127.0.0.1
  port: 9999
shutdown:
  timeout: 1m
  poller_timeout: 2s
`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "rack7-node3", cfg.NodeName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "mlx5_1", cfg.RDMA.DeviceName)
	assert.Equal(t, 2, cfg.RDMA.PortNum)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.ListenAddr())
	assert.Equal(t, time.Minute, cfg.Shutdown.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Shutdown.PollerTimeout)
	assert.Equal(t, 10*time.Second, cfg.Shutdown.HTTPTimeout)

	dev := cfg.RDMA.DeviceConfig()
	assert.Equal(t, rdma.Config{
		LocalGID:       "0000:0000:0000:0000:0000:ffff:c0a8:0101",
		ReceiveBuffers: 4096,
		SendBuffers:    512,
		BufferSize:     65536,
		RoCEVersion:    rdma.GIDTypeRoCEv1,
		EnableHugepage: true,
	}, dev)

	assert.Equal(t, poller.Config{Mode: poller.ModeBusy, BatchSize: 32}, cfg.RDMA.PollerConfig())
}

func TestLoadEnvAndOptionsOverride(t *testing.T) {
	path := writeConfig(t, "rdma:\n  send_buffers: 8\n")

	t.Setenv("RDMACORE_RDMA_SEND_BUFFERS", "16")
	t.Setenv("RDMACORE_RDMA_POLL_MODE", "busy")

	cfg, err := Load(path, Options{DeviceName: "mlx5_3", MetricsPort: 8080, LogLevel: "warn"})
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.RDMA.SendBuffers)
	assert.Equal(t, "busy", cfg.RDMA.PollMode)
	assert.Equal(t, "mlx5_3", cfg.RDMA.DeviceName)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{name: "backend", yaml: "rdma:\n  backend: carrier-pigeon\n", errMsg: "unknown backend"},
		{name: "port zero", yaml: "rdma:\n  port_num: 0\n", errMsg: "port_num 0 out of range"},
		{name: "port too large", yaml: "rdma:\n  port_num: 256\n", errMsg: "port_num 256 out of range"},
		{name: "receive buffers", yaml: "rdma:\n  receive_buffers: 0\n", errMsg: "receive_buffers must be positive"},
		{name: "send buffers", yaml: "rdma:\n  send_buffers: -1\n", errMsg: "send_buffers must be positive"},
		{name: "buffer size", yaml: "rdma:\n  buffer_size: 16\n", errMsg: "buffer_size must be at least 64 bytes"},
		{name: "roce version", yaml: "rdma:\n  roce_version: v3\n", errMsg: "unknown roce_version"},
		{name: "poll mode", yaml: "rdma:\n  poll_mode: lazy\n", errMsg: "invalid poll mode"},
		{name: "poll batch", yaml: "rdma:\n  poll_batch: 0\n", errMsg: "invalid poll batch size"},
		{name: "metrics port", yaml: "metrics:\n  port: 70000\n", errMsg: "metrics.port 70000 out of range"},
		{name: "shutdown timeout", yaml: "shutdown:\n  timeout: 0s\n", errMsg: "shutdown.timeout must be positive"},
		{name: "log level", yaml: "log_level: loud\n", errMsg: "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml), Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMetricsPortIgnoredWhenDisabled(t *testing.T) {
	_, err := Load(writeConfig(t, "metrics:\n  enabled: false\n  port: 0\n"), Options{})
	assert.NoError(t, err)
}

func TestRoCEVersionAliases(t *testing.T) {
	for in, want := range map[string]rdma.GIDType{
		"v1":     rdma.GIDTypeRoCEv1,
		"1":      rdma.GIDTypeRoCEv1,
		"RoCEv1": rdma.GIDTypeRoCEv1,
		"v2":     rdma.GIDTypeRoCEv2,
		"2":      rdma.GIDTypeRoCEv2,
	} {
		c := RDMAConfig{RoCEVersion: in}
		got, err := c.gidType()
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
