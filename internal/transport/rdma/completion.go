package rdma

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// MaxAckEvents is how many completion events are consumed before they are
// acknowledged in one batch.
const MaxAckEvents = 5000

// CompletionChannel is the file-descriptor based event source a completion
// queue signals when it has been armed and receives a completion.
type CompletionChannel struct {
	verbs   Verbs
	device  string
	ctx     VerbsContext
	handle  VerbsCompChannel
	cq      VerbsCQ
	unacked uint32
	mu      sync.Mutex
}

// NewCompletionChannel returns an uninitialized channel for ctx.
func NewCompletionChannel(v Verbs, ctx VerbsContext, device string) *CompletionChannel {
	return &CompletionChannel{verbs: v, ctx: ctx, device: device}
}

// Init creates the underlying channel.
func (c *CompletionChannel) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.verbs.CreateCompChannel(c.ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannelCreation, err)
	}

	c.handle = ch

	return nil
}

// Handle returns the verbs handle, zero before Init.
func (c *CompletionChannel) Handle() VerbsCompChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.handle
}

// FD returns the readiness file descriptor, or -1 before Init.
func (c *CompletionChannel) FD() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == 0 {
		return -1
	}

	return c.verbs.CompChannelFD(c.handle)
}

func (c *CompletionChannel) bind(cq VerbsCQ) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cq = cq
}

// GetCQEvent consumes one pending event without blocking. It reports
// whether an event was consumed.
func (c *CompletionChannel) GetCQEvent() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == 0 {
		return false, nil
	}

	cq, ok, err := c.verbs.GetCQEvent(c.handle)
	if err != nil {
		return false, fmt.Errorf("failed to get cq event: %w", err)
	}

	if !ok {
		return false, nil
	}

	c.cq = cq
	c.unacked++

	if c.unacked >= MaxAckEvents {
		c.verbs.AckCQEvents(c.cq, c.unacked)
		c.unacked = 0
	}

	return true, nil
}

// AckEvents acknowledges every consumed but unacknowledged event.
func (c *CompletionChannel) AckEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ackLocked()
}

func (c *CompletionChannel) ackLocked() {
	if c.unacked == 0 || c.cq == 0 {
		return
	}

	c.verbs.AckCQEvents(c.cq, c.unacked)
	c.unacked = 0
}

// Close destroys the channel. Outstanding events must be acknowledged and
// the bound completion queue destroyed first.
func (c *CompletionChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == 0 {
		return nil
	}

	if err := c.verbs.DestroyCompChannel(c.handle); err != nil {
		return fmt.Errorf("failed to destroy completion channel: %w", err)
	}

	log.Debug().Str("device", c.device).Msg("Destroyed completion channel")

	c.handle = 0
	c.cq = 0

	return nil
}

// CompletionQueue is a completion queue bound to a CompletionChannel.
type CompletionQueue struct {
	verbs   Verbs
	channel *CompletionChannel
	device  string
	ctx     VerbsContext
	handle  VerbsCQ
	depth   int
}

// NewCompletionQueue returns an uninitialized queue of the given depth
// bound to ch.
func NewCompletionQueue(v Verbs, ctx VerbsContext, device string, ch *CompletionChannel, depth int) *CompletionQueue {
	return &CompletionQueue{verbs: v, ctx: ctx, device: device, channel: ch, depth: depth}
}

// Init creates the queue and arms it for notification.
func (q *CompletionQueue) Init() error {
	cq, err := q.verbs.CreateCQ(q.ctx, q.depth, q.channel.Handle())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCQCreation, err)
	}

	q.handle = cq
	q.channel.bind(cq)

	if err := q.RearmNotify(); err != nil {
		_ = q.verbs.DestroyCQ(cq)
		q.handle = 0

		return err
	}

	return nil
}

// Handle returns the verbs handle, zero before Init.
func (q *CompletionQueue) Handle() VerbsCQ {
	return q.handle
}

// Depth returns the number of entries the queue was created with.
func (q *CompletionQueue) Depth() int {
	return q.depth
}

// PollCQ drains up to len(wc) completions into wc.
func (q *CompletionQueue) PollCQ(wc []VerbsWorkCompletion) (int, error) {
	n, err := q.verbs.PollCQ(q.handle, wc)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPollCQ, err)
	}

	return n, nil
}

// RearmNotify requests an event on the channel for the next completion.
func (q *CompletionQueue) RearmNotify() error {
	if err := q.verbs.ReqNotifyCQ(q.handle, false); err != nil {
		return fmt.Errorf("%w: %w", ErrNotifyCQ, err)
	}

	return nil
}

// Close destroys the queue.
func (q *CompletionQueue) Close() error {
	if q.handle == 0 {
		return nil
	}

	if err := q.verbs.DestroyCQ(q.handle); err != nil {
		return fmt.Errorf("failed to destroy completion queue: %w", err)
	}

	q.handle = 0

	return nil
}
