package rdma

import "time"

// Device resource limits.
const (
	// CQDepth is the number of entries of each completion queue.
	CQDepth = 30000
	// MaxSharedRxSGE is the scatter/gather width of the shared receive queue.
	MaxSharedRxSGE = 1
	// PollTimeout is the wait slice of DeviceList.PollBlocking.
	PollTimeout = time.Millisecond
)

// Config holds the per-device provisioning options.
type Config struct {
	LocalGID       string
	ReceiveBuffers int
	SendBuffers    int
	BufferSize     int
	RoCEVersion    GIDType
	EnableHugepage bool
}

// DefaultConfig returns a default device configuration.
func DefaultConfig() Config {
	return Config{
		ReceiveBuffers: 1024,
		SendBuffers:    1024,
		BufferSize:     128 << 10, // 128KB
		RoCEVersion:    GIDTypeRoCEv2,
	}
}

// GIDSelector returns the GID selection policy of the configuration.
func (c Config) GIDSelector() GIDSelector {
	return GIDSelector{LocalGID: c.LocalGID, RoCEVersion: c.RoCEVersion}
}
