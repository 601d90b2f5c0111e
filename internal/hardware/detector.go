// Package hardware inventories the RDMA adapters present on the host.
//
// The inventory is read from sysfs and the RDMA netlink interface without
// opening the devices, so it can be taken before the verbs layer starts and
// while another process owns the adapters.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// DefaultSysfsRoot is where the kernel exposes RDMA devices.
const DefaultSysfsRoot = "/sys/class/infiniband"

const defaultRefreshRate = 30 * time.Second

// ErrLinkInfoUnavailable is returned by link lookups on hosts without RDMA
// netlink support.
var ErrLinkInfoUnavailable = errors.New("rdma link information unavailable")

// LinkInfo is what the RDMA netlink interface reports about a device.
type LinkInfo struct {
	FirmwareVersion string
	NodeGUID        string
	SysImageGUID    string
	Index           uint32
}

// PortInfo describes one port of an RDMA device.
type PortInfo struct {
	State     string `json:"state"`      // ACTIVE, DOWN, ...
	PhysState string `json:"phys_state"` // LinkUp, Disabled, ...
	LinkLayer string `json:"link_layer"` // InfiniBand, Ethernet
	LID       string `json:"lid,omitempty"`
	GID0      string `json:"gid0,omitempty"`
	Number    int    `json:"number"`
	StateCode int    `json:"state_code"`
	Rate      uint64 `json:"rate_gbps"`
}

// Active reports whether the port is in the ACTIVE state.
func (p PortInfo) Active() bool {
	return p.StateCode == 4
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name"`
	DevicePath   string     `json:"device_path"`
	NodeGUID     string     `json:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid"`
	BoardID      string     `json:"board_id"`
	FirmwareVer  string     `json:"firmware_version"`
	NodeType     string     `json:"node_type"` // CA, Switch, Router
	CharDevices  []string   `json:"char_devices"`
	Ports        []PortInfo `json:"ports"`
	LinkIndex    uint32     `json:"link_index"`
}

// ActivePorts returns the numbers of the ports in the ACTIVE state.
func (r RDMAInfo) ActivePorts() []int {
	active := lo.Filter(r.Ports, func(p PortInfo, _ int) bool { return p.Active() })

	return lo.Map(active, func(p PortInfo, _ int) int { return p.Number })
}

// Inventory is the result of one detection pass.
type Inventory struct {
	LastUpdated time.Time  `json:"last_updated"`
	Devices     []RDMAInfo `json:"devices"`
}

// Names returns the device names in the inventory.
func (inv Inventory) Names() []string {
	return lo.Map(inv.Devices, func(d RDMAInfo, _ int) string { return d.Name })
}

// Device returns the named device.
func (inv Inventory) Device(name string) (RDMAInfo, bool) {
	return lo.Find(inv.Devices, func(d RDMAInfo) bool { return d.Name == name })
}

// Option configures a Detector.
type Option func(*Detector)

// WithSysfsRoot reads device attributes below root instead of
// DefaultSysfsRoot.
func WithSysfsRoot(root string) Option {
	return func(d *Detector) { d.sysfsRoot = root }
}

// WithDeviceLister replaces the RDMA device enumeration.
func WithDeviceLister(fn func() []string) Option {
	return func(d *Detector) { d.listDevices = fn }
}

// WithCharDeviceLister replaces the character device lookup.
func WithCharDeviceLister(fn func(string) []string) Option {
	return func(d *Detector) { d.charDevices = fn }
}

// WithLinkLookup replaces the netlink device lookup.
func WithLinkLookup(fn func(string) (*LinkInfo, error)) Option {
	return func(d *Detector) { d.linkByName = fn }
}

// WithRefreshRate sets the period of the background refresh.
func WithRefreshRate(rate time.Duration) Option {
	return func(d *Detector) { d.refreshRate = rate }
}

// Detector handles RDMA device detection.
type Detector struct {
	listDevices func() []string
	charDevices func(string) []string
	linkByName  func(string) (*LinkInfo, error)
	stopCh      chan struct{}
	inventory   Inventory
	sysfsRoot   string
	refreshRate time.Duration
	mu          sync.RWMutex
	stopOnce    sync.Once
}

// NewDetector creates a new detector reading the host.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		sysfsRoot:   DefaultSysfsRoot,
		listDevices: listRdmaDevices,
		charDevices: rdmaCharDevices,
		linkByName:  rdmaLinkByName,
		refreshRate: defaultRefreshRate,
		stopCh:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start performs a detection pass and keeps refreshing the inventory until
// ctx is done or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	d.Refresh()

	go func() {
		ticker := time.NewTicker(d.refreshRate)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.Refresh()
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop stops the background refresh.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Refresh re-reads the host and returns the new inventory.
func (d *Detector) Refresh() Inventory {
	names := d.listDevices()
	sort.Strings(names)

	inv := Inventory{
		Devices:     lo.Map(names, func(name string, _ int) RDMAInfo { return d.detectDevice(name) }),
		LastUpdated: time.Now(),
	}

	d.mu.Lock()
	d.inventory = inv
	d.mu.Unlock()

	log.Debug().Strs("devices", inv.Names()).Msg("RDMA inventory refreshed")

	return inv
}

// Inventory returns the result of the last detection pass.
func (d *Detector) Inventory() Inventory {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.inventory
}

// HasRDMA reports whether the last pass found any RDMA device.
func (d *Detector) HasRDMA() bool {
	return len(d.Inventory().Devices) > 0
}

// HasDevice reports whether the last pass found the named device. An empty
// name matches any device.
func (d *Detector) HasDevice(name string) bool {
	inv := d.Inventory()
	if name == "" {
		return len(inv.Devices) > 0
	}

	_, ok := inv.Device(name)

	return ok
}

func (d *Detector) detectDevice(name string) RDMAInfo {
	devicePath := filepath.Join(d.sysfsRoot, name)
	info := RDMAInfo{
		Name:         name,
		DevicePath:   devicePath,
		NodeGUID:     readSysfsFile(filepath.Join(devicePath, "node_guid")),
		SysImageGUID: readSysfsFile(filepath.Join(devicePath, "sys_image_guid")),
		BoardID:      readSysfsFile(filepath.Join(devicePath, "board_id")),
		FirmwareVer:  readSysfsFile(filepath.Join(devicePath, "fw_ver")),
		NodeType:     parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type"))),
		CharDevices:  d.charDevices(name),
	}

	// Netlink is authoritative when it answers
	if link, err := d.linkByName(name); err == nil {
		info.LinkIndex = link.Index
		info.FirmwareVer, _ = lo.Coalesce(link.FirmwareVersion, info.FirmwareVer)
		info.NodeGUID, _ = lo.Coalesce(link.NodeGUID, info.NodeGUID)
		info.SysImageGUID, _ = lo.Coalesce(link.SysImageGUID, info.SysImageGUID)
	} else if !errors.Is(err, ErrLinkInfoUnavailable) {
		log.Debug().Err(err).Str("device", name).Msg("RDMA netlink lookup failed")
	}

	info.Ports = d.detectPorts(devicePath)

	return info
}

func (d *Detector) detectPorts(devicePath string) []PortInfo {
	entries, err := os.ReadDir(filepath.Join(devicePath, "ports"))
	if err != nil {
		return nil
	}

	ports := make([]PortInfo, 0, len(entries))

	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		portPath := filepath.Join(devicePath, "ports", entry.Name())
		code, state := parseState(readSysfsFile(filepath.Join(portPath, "state")))
		_, phys := parseState(readSysfsFile(filepath.Join(portPath, "phys_state")))

		ports = append(ports, PortInfo{
			Number:    num,
			State:     state,
			StateCode: code,
			PhysState: phys,
			LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
			LID:       readSysfsFile(filepath.Join(portPath, "lid")),
			GID0:      readSysfsFile(filepath.Join(portPath, "gids", "0")),
			Rate:      parseSpeed(readSysfsFile(filepath.Join(portPath, "rate"))),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts the node_type attribute to a name. The kernel
// writes it as "1: CA".
func parseNodeType(nodeType string) string {
	code, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch code {
	case "1":
		return "CA" // Channel Adapter
	case "2":
		return "Switch"
	case "3":
		return "Router"
	case "4":
		return "RNIC"
	default:
		return "Unknown"
	}
}

// parseState splits a "4: ACTIVE" style attribute.
func parseState(s string) (int, string) {
	code, name, ok := strings.Cut(s, ":")
	if !ok {
		return 0, strings.TrimSpace(s)
	}

	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return 0, strings.TrimSpace(s)
	}

	return n, strings.TrimSpace(name)
}

// parseSpeed parses speed string to Gb/s.
func parseSpeed(rate string) uint64 {
	// Rate is usually in format "100 Gb/sec (4X EDR)"
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}

	return 0
}

// String renders a one-line summary of the device.
func (r RDMAInfo) String() string {
	return fmt.Sprintf("%s fw=%s guid=%s ports=%d active=%v", r.Name, r.FirmwareVer, r.NodeGUID, len(r.Ports), r.ActivePorts())
}
