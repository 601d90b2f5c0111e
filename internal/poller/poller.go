// Package poller drives completion processing across an RDMA device list.
//
// A Poller repeatedly drains transmit and receive completions and hands them
// to a Handler. In busy mode it spins; in blocking mode an empty pass re-arms
// the completion queues and waits on the completion channels.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmacore/internal/metrics"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

// Mode selects how the poller behaves when no completion is pending.
type Mode string

const (
	// ModeBusy polls continuously.
	ModeBusy Mode = "busy"
	// ModeBlocking re-arms and sleeps on the completion channels.
	ModeBlocking Mode = "blocking"
)

// Default configuration values.
const (
	DefaultBatchSize = 64
	MaxBatchSize     = 4096
)

var (
	ErrAlreadyRunning = errors.New("poller already running")
	ErrInvalidMode    = errors.New("invalid poll mode")
	ErrInvalidBatch   = errors.New("invalid poll batch size")
)

// Source is the set of device list operations the poller needs.
type Source interface {
	PollTx(wc []rdma.VerbsWorkCompletion) (*rdma.Device, int, error)
	PollRx(wc []rdma.VerbsWorkCompletion) (*rdma.Device, int, error)
	PollBlocking(ctx context.Context) (int, error)
	RearmNotify() error
}

var _ Source = (*rdma.DeviceList)(nil)

// Handler consumes drained completions. The slice is only valid for the
// duration of the call. A FatalError returned by a handler stops the poller;
// any other error is logged.
type Handler interface {
	OnTxCompletion(d *rdma.Device, wc []rdma.VerbsWorkCompletion) error
	OnRxCompletion(d *rdma.Device, wc []rdma.VerbsWorkCompletion) error
}

// Config holds poller options.
type Config struct {
	Mode      Mode
	BatchSize int
}

// DefaultConfig returns a blocking poller configuration.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeBlocking,
		BatchSize: DefaultBatchSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeBusy, ModeBlocking:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}

	if c.BatchSize <= 0 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: %d", ErrInvalidBatch, c.BatchSize)
	}

	return nil
}

// Stats counts poller activity since creation.
type Stats struct {
	Passes        uint64 `json:"passes"`
	TxCompletions uint64 `json:"tx_completions"`
	RxCompletions uint64 `json:"rx_completions"`
	Waits         uint64 `json:"waits"`
	Wakeups       uint64 `json:"wakeups"`
}

// Poller drains completions from a Source.
type Poller struct {
	source  Source
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	wc      []rdma.VerbsWorkCompletion
	cfg     Config
	mu      sync.Mutex

	passes        atomic.Uint64
	txCompletions atomic.Uint64
	rxCompletions atomic.Uint64
	waits         atomic.Uint64
	wakeups       atomic.Uint64
}

// New creates a poller over source dispatching to handler.
func New(source Source, handler Handler, cfg Config) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Poller{
		source:  source,
		handler: handler,
		cfg:     cfg,
		wc:      make([]rdma.VerbsWorkCompletion, cfg.BatchSize),
	}, nil
}

// Mode returns the configured mode.
func (p *Poller) Mode() Mode {
	return p.cfg.Mode
}

// Running reports whether Run is in progress.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.done != nil
}

// Stats returns a snapshot of the activity counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Passes:        p.passes.Load(),
		TxCompletions: p.txCompletions.Load(),
		RxCompletions: p.rxCompletions.Load(),
		Waits:         p.waits.Load(),
		Wakeups:       p.wakeups.Load(),
	}
}

// Run polls until ctx is done, Stop is called or a fatal error occurs. It
// returns nil on cancellation and the fatal error otherwise.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	defer func() {
		cancel()

		p.mu.Lock()
		p.cancel, p.done = nil, nil
		p.mu.Unlock()

		close(done)
	}()

	log.Info().Str("mode", string(p.cfg.Mode)).Int("batch", p.cfg.BatchSize).Msg("Completion poller started")

	err := p.loop(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Completion poller stopped on fatal error")
		return err
	}

	log.Info().Msg("Completion poller stopped")

	return nil
}

func (p *Poller) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		p.passes.Add(1)

		n, err := p.drain()
		if err != nil {
			return err
		}

		if n > 0 {
			continue
		}

		if p.cfg.Mode == ModeBusy {
			runtime.Gosched()
			continue
		}

		// Completions that raced the re-arm are picked up by the second pass
		if err := p.source.RearmNotify(); err != nil {
			return err
		}

		n, err = p.drain()
		if err != nil {
			return err
		}

		if n > 0 {
			continue
		}

		p.waits.Add(1)

		ready, err := p.source.PollBlocking(ctx)
		if err != nil {
			return err
		}

		if ready > 0 {
			p.wakeups.Add(1)
		}
	}

	return nil
}

// drain performs one transmit and one receive poll and dispatches what it
// finds. It returns the number of completions handled.
func (p *Poller) drain() (int, error) {
	total := 0

	d, n, err := p.source.PollTx(p.wc)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		p.txCompletions.Add(uint64(n))
		total += n

		if err := p.dispatch(d, metrics.DirectionTx, p.handler.OnTxCompletion, n); err != nil {
			return total, err
		}
	}

	d, n, err = p.source.PollRx(p.wc)
	if err != nil {
		return total, err
	}

	if n > 0 {
		p.rxCompletions.Add(uint64(n))
		total += n

		if err := p.dispatch(d, metrics.DirectionRx, p.handler.OnRxCompletion, n); err != nil {
			return total, err
		}
	}

	return total, nil
}

func (p *Poller) dispatch(d *rdma.Device, direction string,
	fn func(*rdma.Device, []rdma.VerbsWorkCompletion) error, n int,
) error {
	err := fn(d, p.wc[:n])
	if err == nil {
		return nil
	}

	if rdma.IsFatal(err) {
		return err
	}

	log.Warn().Err(err).Str("device", d.Name()).Str("direction", direction).Msg("Completion handler failed")

	return nil
}

// Stop cancels a running poller and waits for it to return or for ctx to
// expire. Stopping an idle poller is a no-op.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if done == nil {
		return nil
	}

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for poller to stop: %w", ctx.Err())
	}
}
