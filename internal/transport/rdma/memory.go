package rdma

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Chunk is one fixed-size buffer carved out of a registered region. Its
// WRID is echoed back in work completions and resolves the chunk through
// MemoryManager.Chunk.
type Chunk struct {
	buf    []byte
	wrid   uint64
	lkey   uint32
	length int
	tx     bool
	inUse  atomic.Bool
}

// WRID returns the work request id identifying the chunk.
func (c *Chunk) WRID() uint64 { return c.wrid }

// LKey returns the local key of the region the chunk belongs to.
func (c *Chunk) LKey() uint32 { return c.lkey }

// Size returns the capacity of the chunk.
func (c *Chunk) Size() int { return len(c.buf) }

// Len returns the number of valid payload bytes.
func (c *Chunk) Len() int { return c.length }

// SetLen sets the number of valid payload bytes, clamped to the capacity.
func (c *Chunk) SetLen(n int) {
	c.length = max(0, min(n, len(c.buf)))
}

// Bytes returns the valid payload.
func (c *Chunk) Bytes() []byte { return c.buf[:c.length] }

// Buffer returns the whole chunk.
func (c *Chunk) Buffer() []byte { return c.buf }

// Fill copies p into the chunk and returns how many bytes fit.
func (c *Chunk) Fill(p []byte) int {
	n := copy(c.buf, p)
	c.length = n

	return n
}

// Addr returns the address the adapter uses for the chunk.
func (c *Chunk) Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(c.buf))))
}

type chunkPool struct {
	region  []byte
	release func() error
	mr      *MemoryRegistration
	free    chan *Chunk
	size    int
}

// MemoryManager owns the registered receive and transmit buffer pools of a
// device. Each pool is one region registered once with the protection
// domain and carved into equally sized chunks.
type MemoryManager struct {
	verbs    Verbs
	pd       *ProtectionDomain
	rx       *chunkPool
	tx       *chunkPool
	chunks   []*Chunk
	hugepage bool
}

// NewMemoryManager returns a manager registering memory with pd. With
// hugepage set, regions are backed by huge pages where the host allows it.
func NewMemoryManager(v Verbs, pd *ProtectionDomain, hugepage bool) *MemoryManager {
	return &MemoryManager{verbs: v, pd: pd, hugepage: hugepage}
}

// RegisterRxTx allocates and registers recvLimit receive chunks and
// sendLimit transmit chunks of bufferSize bytes each.
func (m *MemoryManager) RegisterRxTx(bufferSize, recvLimit, sendLimit int) error {
	if bufferSize <= 0 {
		return fmt.Errorf("%w: %d", ErrBufferTooSmall, bufferSize)
	}

	if m.rx != nil || m.tx != nil {
		return errors.New("memory already registered")
	}

	m.chunks = make([]*Chunk, 0, recvLimit+sendLimit)

	rx, err := m.newPool(bufferSize, recvLimit, false)
	if err != nil {
		return fmt.Errorf("failed to register receive buffers: %w", err)
	}

	m.rx = rx

	tx, err := m.newPool(bufferSize, sendLimit, true)
	if err != nil {
		_ = m.Close()
		return fmt.Errorf("failed to register send buffers: %w", err)
	}

	m.tx = tx

	log.Debug().
		Int("buffer_size", bufferSize).
		Int("rx_chunks", recvLimit).
		Int("tx_chunks", sendLimit).
		Bool("hugepage", m.hugepage).
		Msg("Registered buffer pools")

	return nil
}

func (m *MemoryManager) newPool(size, count int, tx bool) (*chunkPool, error) {
	p := &chunkPool{
		size: size,
		free: make(chan *Chunk, count),
	}

	if count == 0 {
		return p, nil
	}

	region, release, err := allocRegion(size*count, m.hugepage)
	if err != nil {
		return nil, err
	}

	mr, err := m.verbs.RegMR(m.pd.Handle(), region, MRAccessLocalWrite)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("%w: %w", ErrMRCreation, err)
	}

	p.region = region
	p.release = release
	p.mr = mr

	for i := 0; i < count; i++ {
		c := &Chunk{
			buf:  region[i*size : (i+1)*size : (i+1)*size],
			wrid: uint64(len(m.chunks)),
			lkey: mr.LKey,
			tx:   tx,
		}
		m.chunks = append(m.chunks, c)
		p.free <- c
	}

	return p, nil
}

// Chunk resolves a work request id to its chunk, or nil if unknown.
func (m *MemoryManager) Chunk(wrid uint64) *Chunk {
	if wrid >= uint64(len(m.chunks)) {
		return nil
	}

	return m.chunks[wrid]
}

// GetChannelBuffers takes free receive chunks: every free chunk when
// minBytes is 0, otherwise enough to hold minBytes, capped at what is free.
func (m *MemoryManager) GetChannelBuffers(minBytes int) []*Chunk {
	chunks := take(m.rx, minBytes)
	for _, c := range chunks {
		c.length = len(c.buf)
	}

	return chunks
}

// GetSendBuffers takes free transmit chunks with the same sizing rule as
// GetChannelBuffers. It may return fewer than requested, or none.
func (m *MemoryManager) GetSendBuffers(minBytes int) []*Chunk {
	chunks := take(m.tx, minBytes)
	for _, c := range chunks {
		c.length = 0
	}

	return chunks
}

func take(p *chunkPool, minBytes int) []*Chunk {
	if p == nil {
		return nil
	}

	want := len(p.free)
	if minBytes > 0 {
		want = min(want, (minBytes+p.size-1)/p.size)
	}

	out := make([]*Chunk, 0, want)
	for len(out) < want {
		select {
		case c := <-p.free:
			c.inUse.Store(true)
			out = append(out, c)
		default:
			return out
		}
	}

	return out
}

// ReleaseRx returns a receive chunk to the free pool.
func (m *MemoryManager) ReleaseRx(c *Chunk) {
	if m.rx == nil || c == nil || c.tx {
		return
	}

	release(m.rx, c)
}

// ReleaseTx returns transmit chunks to the free pool.
func (m *MemoryManager) ReleaseTx(chunks []*Chunk) {
	if m.tx == nil {
		return
	}

	for _, c := range chunks {
		if c != nil && c.tx {
			release(m.tx, c)
		}
	}
}

func release(p *chunkPool, c *Chunk) {
	if !c.inUse.CompareAndSwap(true, false) {
		return
	}

	c.length = 0

	select {
	case p.free <- c:
	default:
		// Pool is full, this shouldn't happen with proper sizing
	}
}

// FreeRx returns the number of free receive chunks.
func (m *MemoryManager) FreeRx() int {
	if m.rx == nil {
		return 0
	}

	return len(m.rx.free)
}

// FreeTx returns the number of free transmit chunks.
func (m *MemoryManager) FreeTx() int {
	if m.tx == nil {
		return 0
	}

	return len(m.tx.free)
}

// Close deregisters and releases both pools.
func (m *MemoryManager) Close() error {
	var errs []error

	for _, p := range []*chunkPool{m.rx, m.tx} {
		if p == nil || p.mr == nil {
			continue
		}

		if err := m.verbs.DeregMR(p.mr.Handle); err != nil {
			errs = append(errs, fmt.Errorf("failed to deregister memory region: %w", err))
		}

		if err := p.release(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release memory region: %w", err))
		}
	}

	m.rx = nil
	m.tx = nil
	m.chunks = nil

	return errors.Join(errs...)
}
