package poller

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmacore/internal/metrics"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

// ReceiveFunc is called with every successfully received chunk before it
// is reposted. The chunk contents are only valid during the call.
type ReceiveFunc func(d *rdma.Device, c *rdma.Chunk)

// Recycler is a Handler that keeps the buffer pools circulating: received
// chunks are reposted to the shared receive queue and sent chunks are
// returned to the transmit pool.
type Recycler struct {
	onReceive ReceiveFunc

	reposted     atomic.Uint64
	released     atomic.Uint64
	unknown      atomic.Uint64
	failed       atomic.Uint64
	repostFailed atomic.Uint64
}

var _ Handler = (*Recycler)(nil)

// NewRecycler returns a Recycler. onReceive may be nil.
func NewRecycler(onReceive ReceiveFunc) *Recycler {
	return &Recycler{onReceive: onReceive}
}

// RecyclerStats counts recycled chunks.
type RecyclerStats struct {
	Reposted     uint64 `json:"reposted"`
	Released     uint64 `json:"released"`
	Unknown      uint64 `json:"unknown"`
	Failed       uint64 `json:"failed"`
	RepostFailed uint64 `json:"repost_failed"`
}

// Stats returns a snapshot of the counters.
func (r *Recycler) Stats() RecyclerStats {
	return RecyclerStats{
		Reposted:     r.reposted.Load(),
		Released:     r.released.Load(),
		Unknown:      r.unknown.Load(),
		Failed:       r.failed.Load(),
		RepostFailed: r.repostFailed.Load(),
	}
}

// OnTxCompletion returns the sent chunks to the transmit pool.
func (r *Recycler) OnTxCompletion(d *rdma.Device, wc []rdma.VerbsWorkCompletion) error {
	chunks := make([]*rdma.Chunk, 0, len(wc))

	for i := range wc {
		c := d.Chunk(wc[i].WRID)
		if c == nil {
			r.unknown.Add(1)
			log.Warn().Str("device", d.Name()).Uint64("wr_id", wc[i].WRID).Msg("Send completion for unknown chunk")

			continue
		}

		if wc[i].Status != rdma.WCSuccess {
			r.failed.Add(1)
			metrics.RecordCompletionError(d.Name(), metrics.DirectionTx, wc[i].Status.String())
		}

		chunks = append(chunks, c)
	}

	d.ReleaseTxBuffers(chunks)
	r.released.Add(uint64(len(chunks)))

	return nil
}

// OnRxCompletion hands each received chunk to the receive callback and
// posts it again. A chunk that cannot be reposted goes back to the free
// receive pool.
func (r *Recycler) OnRxCompletion(d *rdma.Device, wc []rdma.VerbsWorkCompletion) error {
	for i := range wc {
		c := d.Chunk(wc[i].WRID)
		if c == nil {
			r.unknown.Add(1)
			log.Warn().Str("device", d.Name()).Uint64("wr_id", wc[i].WRID).Msg("Receive completion for unknown chunk")

			continue
		}

		if wc[i].Status == rdma.WCSuccess {
			c.SetLen(int(wc[i].ByteLen))

			if r.onReceive != nil {
				r.onReceive(d, c)
			}
		} else {
			r.failed.Add(1)
			metrics.RecordCompletionError(d.Name(), metrics.DirectionRx, wc[i].Status.String())
		}

		c.SetLen(c.Size())

		if err := d.PostChunk(c); err != nil {
			r.repostFailed.Add(1)
			log.Warn().Err(err).Str("device", d.Name()).Uint64("wr_id", c.WRID()).Msg("Failed to repost receive chunk")
			d.ReleaseRxBuffer(c)

			continue
		}

		r.reposted.Add(1)
	}

	return nil
}
