// Package shutdown provides graceful shutdown coordination for rdmacore.
//
// The coordinator releases RDMA resources in the order the verbs layer
// requires. It implements a phased shutdown sequence:
//
//  1. Workers - Stop the completion pollers and the hardware detector
//  2. HTTP Servers - Shutdown the diagnostics servers concurrently
//  3. Devices - Uninit each device (QPs, CQs, SRQ, MRs, PD)
//  4. Release - Close the device list (channels and device handles)
//
// Pollers must be gone before any CQ is destroyed, and every device must
// be uninitialized before its handle is closed. The coordinator tracks
// progress with metrics and respects configurable timeouts so a wedged
// adapter cannot hang the process.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseWorkers        Phase = "workers"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseDevices        Phase = "devices"
	PhaseRelease        Phase = "release"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// PollerTimeout is the time to wait for completion pollers to stop.
	// Default: 5 seconds
	PollerTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// DeviceTimeout is the time to wait for each device to release its
	// resources, and for the device list to close.
	// Default: 10 seconds
	DeviceTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:  30 * time.Second,
		PollerTimeout: 5 * time.Second,
		HTTPTimeout:   10 * time.Second,
		DeviceTimeout: 10 * time.Second,
		ForceTimeout:  5 * time.Second,
	}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of all server components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// setPhase updates the current phase and logs the transition.
func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	elapsed := time.Since(c.started)
	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", elapsed).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

// addError records a shutdown error.
func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components. Failures are
// collected in Errors rather than returned so every phase runs.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	// Ensure we only shutdown once
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeShutdownSequence(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

// watchForceTimeout monitors for force timeout and triggers forced shutdown.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// Pollers are the completion pollers
	Pollers []Stopper

	// Detector is the hardware inventory refresher
	Detector StoppableNoError

	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown

	// Devices are uninitialized one by one
	Devices []Uninitializer

	// DeviceList closes every device handle
	DeviceList io.Closer
}

// Stopper represents a component with a context-aware Stop method.
type Stopper interface {
	Stop(ctx context.Context) error
}

// StoppableNoError represents a component with a Stop method that doesn't return an error.
type StoppableNoError interface {
	Stop()
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Uninitializer releases the resources provisioned on a device.
type Uninitializer interface {
	Name() string
	Uninit() error
}

// executeShutdownSequence runs through all shutdown phases in order.
func (c *Coordinator) executeShutdownSequence(ctx context.Context, components ShutdownComponents) {
	// Phase 1: Stop pollers before their CQs go away
	c.executeWorkersPhase(ctx, components)

	// Phase 2: Stop HTTP servers
	c.executeHTTPServersPhase(ctx, components)

	// Phase 3: Uninit devices
	c.executeDevicesPhase(ctx, components)

	// Phase 4: Close the device list
	c.executeReleasePhase(ctx, components)
}

func (c *Coordinator) executeWorkersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseWorkers)
	c.runHooks(ctx, PhaseWorkers)

	workerCtx, cancel := context.WithTimeout(ctx, c.config.PollerTimeout)
	defer cancel()

	for _, p := range components.Pollers {
		if err := p.Stop(workerCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping completion poller")
			c.addError(err)

			continue
		}

		IncrementWorkersStopped()
	}

	if components.Detector != nil {
		c.stopComponentNoError(workerCtx, "hardware_detector", components.Detector)
		IncrementWorkersStopped()
	}
}

func (c *Coordinator) executeHTTPServersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	// Shutdown HTTP servers concurrently
	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) executeDevicesPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDevices)
	c.runHooks(ctx, PhaseDevices)

	for _, dev := range components.Devices {
		devCtx, cancel := context.WithTimeout(ctx, c.config.DeviceTimeout)
		c.runWithTimeout(devCtx, dev.Name(), dev.Uninit)
		cancel()

		IncrementDevicesReleased()
	}
}

func (c *Coordinator) executeReleasePhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseRelease)
	c.runHooks(ctx, PhaseRelease)

	if components.DeviceList == nil {
		return
	}

	releaseCtx, cancel := context.WithTimeout(ctx, c.config.DeviceTimeout)
	defer cancel()

	c.runWithTimeout(releaseCtx, "device_list", components.DeviceList.Close)
}

// runWithTimeout runs fn and gives up waiting when ctx expires. fn keeps
// running in the background in that case.
func (c *Coordinator) runWithTimeout(ctx context.Context, name string, fn func() error) {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error releasing component")
			c.addError(err)
		} else {
			log.Info().Str("component", name).Msg("Component released")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout releasing component")
		c.addError(ctx.Err())
	}
}

func (c *Coordinator) stopComponentNoError(ctx context.Context, name string, component StoppableNoError) {
	done := make(chan struct{}, 1)

	go func() {
		component.Stop()
		done <- struct{}{}
	}()

	select {
	case <-done:
		log.Debug().Str("component", name).Msg("Component stopped")
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout stopping component (no error)")
		c.addError(ctx.Err())
	}
}
