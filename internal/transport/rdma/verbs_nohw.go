//go:build !(linux && cgo && rdma_hw)

package rdma

func newHardwareBackend() (Verbs, error) {
	return nil, ErrRDMANotAvailable
}
