package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmacore/internal/config"
	"github.com/piwi3910/rdmacore/internal/hardware"
	"github.com/piwi3910/rdmacore/internal/health"
	"github.com/piwi3910/rdmacore/internal/metrics"
	"github.com/piwi3910/rdmacore/internal/poller"
	"github.com/piwi3910/rdmacore/internal/shutdown"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

// ErrDeviceNotFound is returned when the configured device does not exist.
var ErrDeviceNotFound = errors.New("rdma device not found")

// Server owns the RDMA devices of the node, the completion poller and the
// diagnostics HTTP server.
type Server struct {
	cfg *config.Config

	verbs    rdma.Verbs
	devices  *rdma.DeviceList
	active   activeDevices
	detector *hardware.Detector

	// Completion processing
	poller    *poller.Poller
	recycler  *poller.Recycler
	onReceive poller.ReceiveFunc

	healthChecker *health.Checker
	coordinator   *shutdown.Coordinator

	router     chi.Router
	diagServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithVerbs uses v instead of the backend named in the configuration.
func WithVerbs(v rdma.Verbs) Option {
	return func(s *Server) { s.verbs = v }
}

// WithDetector runs the host inventory pre-flight check with d.
func WithDetector(d *hardware.Detector) Option {
	return func(s *Server) { s.detector = d }
}

// WithReceiveFunc passes every received chunk to fn before it is reposted.
func WithReceiveFunc(fn poller.ReceiveFunc) Option {
	return func(s *Server) { s.onReceive = fn }
}

// activeDevices are the devices this node initialized.
type activeDevices []*rdma.Device

func (a activeDevices) Statuses() []rdma.DeviceStatus {
	out := make([]rdma.DeviceStatus, 0, len(a))
	for _, d := range a {
		out = append(out, d.Status())
	}

	return out
}

// New opens the RDMA devices, binds and initializes the configured ones
// and prepares the poller and diagnostics server. Nothing runs until
// Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	srv := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(srv)
	}

	metrics.Init(cfg.NodeName)
	log.Info().Str("node", cfg.NodeName).Msg("Metrics initialized")

	if srv.verbs == nil {
		v, err := rdma.NewBackend(cfg.RDMA.Backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create verbs backend: %w", err)
		}

		srv.verbs = v
	}

	if srv.detector == nil && cfg.RDMA.Backend == rdma.BackendHardware {
		srv.detector = hardware.NewDetector()
	}

	if srv.detector != nil {
		if err := srv.preflight(); err != nil {
			return nil, err
		}
	}

	devices, err := rdma.NewDeviceList(srv.verbs, cfg.RDMA.DeviceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open RDMA devices: %w", err)
	}

	srv.devices = devices

	if err := srv.initDevices(); err != nil {
		_ = devices.Close()
		return nil, err
	}

	srv.recycler = poller.NewRecycler(srv.onReceive)

	srv.poller, err = poller.New(devices, srv.recycler, cfg.RDMA.PollerConfig())
	if err != nil {
		_ = devices.Close()
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	srv.healthChecker = health.NewChecker(srv.active)
	srv.healthChecker.SetPoller(srv.poller)

	srv.coordinator = shutdown.NewCoordinator(shutdown.Config{
		TotalTimeout:  cfg.Shutdown.Timeout,
		PollerTimeout: cfg.Shutdown.PollerTimeout,
		HTTPTimeout:   cfg.Shutdown.HTTPTimeout,
		DeviceTimeout: cfg.Shutdown.DeviceTimeout,
		ForceTimeout:  shutdown.DefaultConfig().ForceTimeout,
	})

	srv.setupDiagnosticsServer()

	return srv, nil
}

// preflight checks that the host reports the devices we are about to open.
func (s *Server) preflight() error {
	inv := s.detector.Refresh()

	if !s.detector.HasDevice(s.cfg.RDMA.DeviceName) {
		name := s.cfg.RDMA.DeviceName
		if name == "" {
			name = "any"
		}

		return fmt.Errorf("%w on host: %s (found %v)", ErrDeviceNotFound, name, inv.Names())
	}

	for _, dev := range inv.Devices {
		log.Info().
			Str("device", dev.Name).
			Str("fw", dev.FirmwareVer).
			Ints("active_ports", dev.ActivePorts()).
			Msg("RDMA device present")
	}

	return nil
}

func (s *Server) initDevices() error {
	name := s.cfg.RDMA.DeviceName

	targets := s.devices.Devices()
	if name != "" {
		d := s.devices.GetDevice(name)
		if d == nil {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
		}

		targets = []*rdma.Device{d}
	}

	for _, d := range targets {
		if err := d.BindPort(s.cfg.RDMA.PortNum); err != nil {
			return fmt.Errorf("failed to bind %s port %d: %w", d.Name(), s.cfg.RDMA.PortNum, err)
		}

		if err := d.Init(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", d.Name(), err)
		}

		st := d.Status()
		log.Info().
			Str("device", d.Name()).
			Int("port", st.PortNum).
			Str("gid", st.GID).
			Int("gid_index", st.GIDIndex).
			Int("max_send_wr", st.MaxSendWR).
			Int("max_recv_wr", st.MaxRecvWR).
			Msg("RDMA device initialized")

		s.active = append(s.active, d)
	}

	return nil
}

func (s *Server) setupDiagnosticsServer() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)
	r.Get("/health/detailed", healthHandler.DetailedHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{name}", s.handleGetDevice)
		r.Get("/poller", s.handlePollerStats)
		r.Get("/inventory", s.handleInventory)
	})

	s.router = r
	s.diagServer = &http.Server{
		Addr:         s.cfg.Metrics.ListenAddr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Handler returns the diagnostics HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Devices returns the device list.
func (s *Server) Devices() *rdma.DeviceList {
	return s.devices
}

// HealthChecker returns the health checker.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// Start runs the poller and the diagnostics server until ctx is done or
// the poller hits a fatal error, then shuts everything down. A fatal
// device error is returned.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.detector != nil {
		s.detector.Start(ctx)
	}

	// Completion poller
	g.Go(func() error {
		if err := s.poller.Run(ctx); err != nil {
			s.healthChecker.MarkFatal(err)
			return err
		}

		return nil
	})

	// Diagnostics server
	if s.cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info().Str("addr", s.diagServer.Addr).Msg("Starting diagnostics server")

			if err := s.diagServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server error: %w", err)
			}

			return nil
		})
	}

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")

		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops the poller and the diagnostics server and releases every
// device. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	components := shutdown.ShutdownComponents{
		Pollers:    []shutdown.Stopper{s.poller},
		DeviceList: s.devices,
	}

	if s.detector != nil {
		components.Detector = s.detector
	}

	if s.cfg.Metrics.Enabled {
		components.HTTPServers = []shutdown.HTTPServerShutdown{namedServer{name: "diagnostics", Server: s.diagServer}}
	}

	for _, d := range s.active {
		components.Devices = append(components.Devices, d)
	}

	if err := s.coordinator.Shutdown(ctx, components); err != nil {
		return err
	}

	return errors.Join(s.coordinator.Errors()...)
}

type namedServer struct {
	*http.Server
	name string
}

func (n namedServer) Name() string {
	return n.name
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Statuses())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	d := s.devices.GetDevice(name)
	if d == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found: " + name})
		return
	}

	writeJSON(w, http.StatusOK, d.Status())
}

func (s *Server) handlePollerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":     s.poller.Mode(),
		"running":  s.poller.Running(),
		"poller":   s.poller.Stats(),
		"recycler": s.recycler.Stats(),
	})
}

func (s *Server) handleInventory(w http.ResponseWriter, _ *http.Request) {
	if s.detector == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "host inventory disabled"})
		return
	}

	writeJSON(w, http.StatusOK, s.detector.Inventory())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
