package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSysfs lays out files below root, keyed by relative path.
func writeSysfs(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o600))
	}
}

func fakeHost(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	writeSysfs(t, root, map[string]string{
		"mlx5_0/node_guid":             "b859:9f03:00d4:1a2c",
		"mlx5_0/sys_image_guid":        "b859:9f03:00d4:1a2c",
		"mlx5_0/board_id":              "MT_0000000222",
		"mlx5_0/fw_ver":                "20.35.1012",
		"mlx5_0/node_type":             "1: CA",
		"mlx5_0/ports/1/state":         "4: ACTIVE",
		"mlx5_0/ports/1/phys_state":    "5: LinkUp",
		"mlx5_0/ports/1/link_layer":    "Ethernet",
		"mlx5_0/ports/1/lid":           "0x0",
		"mlx5_0/ports/1/rate":          "100 Gb/sec (2X HDR)",
		"mlx5_0/ports/1/gids/0":        "fe80:0000:0000:0000:ba59:9fff:fed4:1a2c",
		"mlx5_0/ports/2/state":         "1: DOWN",
		"mlx5_0/ports/2/phys_state":    "3: Disabled",
		"mlx5_0/ports/2/link_layer":    "Ethernet",
		"mlx5_0/ports/2/rate":          "40 Gb/sec (4X QDR)",
		"mlx5_1/fw_ver":                "16.28.1002",
		"mlx5_1/node_type":             "1: CA",
		"mlx5_1/ports/1/state":         "1: DOWN",
		"mlx5_1/ports/1/link_layer":    "InfiniBand",
		"mlx5_1/ports/not-a-port/junk": "x",
	})

	return root
}

func newFakeDetector(root string, link func(string) (*LinkInfo, error)) *Detector {
	if link == nil {
		link = func(string) (*LinkInfo, error) { return nil, ErrLinkInfoUnavailable }
	}

	return NewDetector(
		WithSysfsRoot(root),
		WithDeviceLister(func() []string { return []string{"mlx5_1", "mlx5_0"} }),
		WithCharDeviceLister(func(name string) []string {
			if name == "mlx5_0" {
				return []string{"/dev/infiniband/uverbs0", "/dev/infiniband/rdma_cm"}
			}

			return nil
		}),
		WithLinkLookup(link),
	)
}

func TestDetectorRefresh(t *testing.T) {
	d := newFakeDetector(fakeHost(t), nil)

	assert.False(t, d.HasRDMA())

	inv := d.Refresh()

	require.Len(t, inv.Devices, 2)
	assert.Equal(t, []string{"mlx5_0", "mlx5_1"}, inv.Names())
	assert.False(t, inv.LastUpdated.IsZero())

	dev, ok := inv.Device("mlx5_0")
	require.True(t, ok)
	assert.Equal(t, "20.35.1012", dev.FirmwareVer)
	assert.Equal(t, "b859:9f03:00d4:1a2c", dev.NodeGUID)
	assert.Equal(t, "MT_0000000222", dev.BoardID)
	assert.Equal(t, "CA", dev.NodeType)
	assert.Len(t, dev.CharDevices, 2)

	require.Len(t, dev.Ports, 2)
	assert.Equal(t, 1, dev.Ports[0].Number)
	assert.Equal(t, "ACTIVE", dev.Ports[0].State)
	assert.Equal(t, 4, dev.Ports[0].StateCode)
	assert.Equal(t, "LinkUp", dev.Ports[0].PhysState)
	assert.Equal(t, uint64(100), dev.Ports[0].Rate)
	assert.Equal(t, "fe80:0000:0000:0000:ba59:9fff:fed4:1a2c", dev.Ports[0].GID0)
	assert.Equal(t, "DOWN", dev.Ports[1].State)
	assert.Equal(t, []int{1}, dev.ActivePorts())

	other, ok := inv.Device("mlx5_1")
	require.True(t, ok)
	require.Len(t, other.Ports, 1)
	assert.Empty(t, other.ActivePorts())
	assert.Equal(t, "InfiniBand", other.Ports[0].LinkLayer)

	assert.True(t, d.HasRDMA())
	assert.True(t, d.HasDevice(""))
	assert.True(t, d.HasDevice("mlx5_1"))
	assert.False(t, d.HasDevice("mlx5_9"))
	assert.Contains(t, dev.String(), "active=[1]")
}

func TestDetectorPrefersNetlink(t *testing.T) {
	d := newFakeDetector(fakeHost(t), func(name string) (*LinkInfo, error) {
		switch name {
		case "mlx5_0":
			return &LinkInfo{Index: 3, FirmwareVersion: "20.36.1010", NodeGUID: "b859:9f03:00d4:ffff"}, nil
		default:
			return nil, errors.New("no such device")
		}
	})

	inv := d.Refresh()

	dev, _ := inv.Device("mlx5_0")
	assert.Equal(t, uint32(3), dev.LinkIndex)
	assert.Equal(t, "20.36.1010", dev.FirmwareVer)
	assert.Equal(t, "b859:9f03:00d4:ffff", dev.NodeGUID)
	// Missing netlink attributes keep the sysfs value
	assert.Equal(t, "b859:9f03:00d4:1a2c", dev.SysImageGUID)

	other, _ := inv.Device("mlx5_1")
	assert.Equal(t, "16.28.1002", other.FirmwareVer)
}

func TestDetectorNoDevices(t *testing.T) {
	d := NewDetector(
		WithSysfsRoot(t.TempDir()),
		WithDeviceLister(func() []string { return nil }),
		WithCharDeviceLister(func(string) []string { return nil }),
	)

	inv := d.Refresh()
	assert.Empty(t, inv.Devices)
	assert.False(t, d.HasRDMA())
	assert.False(t, d.HasDevice(""))
}

func TestDetectorStartStop(t *testing.T) {
	root := fakeHost(t)
	d := newFakeDetector(root, nil)
	d.refreshRate = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)
	assert.True(t, d.HasRDMA())

	first := d.Inventory().LastUpdated

	require.Eventually(t, func() bool {
		return d.Inventory().LastUpdated.After(first)
	}, time.Second, time.Millisecond)

	d.Stop()
	d.Stop() // idempotent
}

func TestParseHelpers(t *testing.T) {
	tests := []struct {
		in       string
		wantCode int
		wantName string
	}{
		{"4: ACTIVE", 4, "ACTIVE"},
		{"1: DOWN", 1, "DOWN"},
		{"5: LinkUp", 5, "LinkUp"},
		{"ACTIVE", 0, "ACTIVE"},
		{"x: y", 0, "x: y"},
		{"", 0, ""},
	}

	for _, tt := range tests {
		code, name := parseState(tt.in)
		assert.Equal(t, tt.wantCode, code, tt.in)
		assert.Equal(t, tt.wantName, name, tt.in)
	}

	assert.Equal(t, "CA", parseNodeType("1: CA"))
	assert.Equal(t, "Switch", parseNodeType("2"))
	assert.Equal(t, "Unknown", parseNodeType(""))

	assert.Equal(t, uint64(200), parseSpeed("200 Gb/sec (4X HDR)"))
	assert.Equal(t, uint64(0), parseSpeed(""))
}
