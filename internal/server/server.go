// Package server runs a wolbridge node: the TCP listener, the configured
// bridges, and the optional health and control endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/wolbridge/internal/config"
	"github.com/postalsys/wolbridge/internal/control"
	"github.com/postalsys/wolbridge/internal/health"
	"github.com/postalsys/wolbridge/internal/heartbeat"
	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/lookup"
	"github.com/postalsys/wolbridge/internal/metrics"
	"github.com/postalsys/wolbridge/internal/peer"
	"github.com/postalsys/wolbridge/internal/recovery"
	"github.com/postalsys/wolbridge/internal/routing"
	"github.com/postalsys/wolbridge/internal/wake"
)

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("server stopped")
)

var (
	_ health.StatsProvider = (*Server)(nil)
	_ control.Node         = (*Server)(nil)
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger instead of building one from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsRegistry registers metrics with reg and serves them from it.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = metrics.NewMetricsWithRegistry(reg)
		s.gatherer = reg
	}
}

// WithWaker replaces the local Wake-on-LAN sender.
func WithWaker(w routing.LocalWaker) Option {
	return func(s *Server) {
		s.waker = w
	}
}

// WithDialer replaces the dialer used for outbound connections.
func WithDialer(dial peer.DialFunc) Option {
	return func(s *Server) {
		s.dial = dial
	}
}

// Server is one node of the relay mesh.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	dial     peer.DialFunc

	registry    *peer.Registry
	scheduler   *heartbeat.Scheduler
	router      *routing.Router
	endpoints   *lookup.EndpointTable
	bridgeTable *lookup.BridgeTable
	computers   *lookup.ComputerTable
	waker       routing.LocalWaker
	peerOpts    peer.Options

	healthServer  *health.Server
	controlServer *control.Server

	heartbeats atomic.Bool
	startedAt  atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[*peer.Connection]struct{}

	// Root context, cancelled by Stop
	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server with the given configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		conns:  make(map[*peer.Connection]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.heartbeats.Store(true)

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	s.logger = s.logger.With(logging.KeyServer, cfg.Server.Name)

	s.initComponents()
	return s, nil
}

// initComponents wires the registry, scheduler, lookups, waker and router.
func (s *Server) initComponents() {
	cfg := s.cfg

	s.registry = peer.NewRegistry(s.metrics)
	s.scheduler = heartbeat.New(s.ctx, heartbeat.Config{
		Interval: cfg.Connections.HeartbeatTick,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})

	s.endpoints = lookup.NewEndpointTable(cfg.Lookups.EndpointsFile, cfg.Lookups.Endpoints, s.logger)
	s.bridgeTable = lookup.NewBridgeTable(cfg.Lookups.BridgesFile, s.logger)
	s.computers = lookup.NewComputerTable(cfg.Lookups.ComputersFile, cfg.Lookups.Computers, s.logger)

	if s.waker == nil {
		s.waker = wake.New(wake.Config{
			Port:      cfg.Wake.Port,
			Broadcast: cfg.Wake.Broadcast,
			Count:     cfg.Wake.Count,
			Silent:    cfg.Wake.Silent,
			Computers: s.computers,
			Logger:    s.logger,
		})
	}

	s.router = routing.NewRouter(routing.Config{
		LocalName: cfg.Server.Name,
		Bridges:   s.lookupBridge,
		Endpoints: s.endpoints,
		Waker:     s.waker,
		Dial:      s.dialRelay,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})

	s.peerOpts = peer.Options{
		Registry:           s.registry,
		Scheduler:          s.scheduler,
		Handler:            s.router,
		Logger:             s.logger,
		Metrics:            s.metrics,
		Dial:               s.dial,
		RetryInterval:      cfg.Connections.RetryInterval,
		FailureLogInterval: cfg.Connections.FailureLogInterval,
		HeartbeatGrace:     cfg.Connections.HeartbeatGrace,
		QueueSize:          cfg.Connections.QueueSize,
		HeartbeatsEnabled:  s.heartbeats.Load,
	}

	if cfg.Health.Enabled {
		s.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     s.gatherer,
		}, s)
	}

	if cfg.Control.Enabled {
		controlCfg := control.DefaultServerConfig()
		controlCfg.SocketPath = cfg.Control.SocketPath
		s.controlServer = control.NewServer(controlCfg, s)
	}
}

// Start waits for the boot delay, binds the listener, starts the configured
// bridges and begins accepting connections. If the listener cannot be bound
// the error is returned and nothing else is started.
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	s.logger.Info("starting server",
		logging.KeyAddress, s.cfg.Server.Listen,
		logging.KeyComponent, "server")

	if delay := s.cfg.Server.BootDelay; delay > 0 {
		s.logger.Info("boot delay", logging.KeyDuration, delay)
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return ErrStopped
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(s.ctx, "tcp", s.cfg.Server.Listen)
	if err != nil {
		s.logger.Error("failed to start listener",
			logging.KeyAddress, s.cfg.Server.Listen,
			logging.KeyError, err)
		return fmt.Errorf("start listener %s: %w", s.cfg.Server.Listen, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.startedAt.Store(time.Now().UnixNano())
	s.running.Store(true)

	s.logger.Info("listener started", logging.KeyLocalAddr, ln.Addr().String())

	bridges := s.bridgeConfigs()
	for _, b := range bridges {
		s.startBridge(b)
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)

	if s.healthServer != nil {
		if err := s.healthServer.Start(); err != nil {
			s.logger.Error("failed to start HTTP server",
				logging.KeyAddress, s.cfg.Health.Address,
				logging.KeyError, err)
			s.Stop()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		s.logger.Info("HTTP server started", logging.KeyAddress, s.healthServer.Address())
	}

	if s.controlServer != nil {
		if err := s.controlServer.Start(); err != nil {
			s.logger.Error("failed to start control socket",
				logging.KeyAddress, s.cfg.Control.SocketPath,
				logging.KeyError, err)
			s.Stop()
			return fmt.Errorf("start control socket: %w", err)
		}
		s.logger.Info("control socket started", logging.KeyAddress, s.controlServer.SocketPath())
	}

	s.logger.Info("server started", "bridges", len(bridges))
	return nil
}

// bridgeConfigs merges the configured bridges with the bridges file.
// A bridge named in both places keeps the config entry.
func (s *Server) bridgeConfigs() []peer.Bridge {
	var out []peer.Bridge
	seen := make(map[string]bool)

	for _, b := range s.cfg.Bridges {
		name := peer.NormalizeName(b.Name)
		seen[name] = true
		out = append(out, peer.Bridge{Name: name, Endpoint: b.Address, HeartbeatSeconds: b.HeartbeatSeconds})
	}
	for _, e := range s.bridgeTable.Bridges() {
		if seen[e.Name] {
			s.logger.Warn("duplicate bridge in bridges file", logging.KeyBridge, e.Name)
			continue
		}
		seen[e.Name] = true
		out = append(out, peer.Bridge{Name: e.Name, Endpoint: e.Endpoint, HeartbeatSeconds: e.HeartbeatSeconds()})
	}
	return out
}

func (s *Server) startBridge(b peer.Bridge) {
	c := peer.NewBridgeClient(s.ctx, b, s.peerOpts)
	if !s.track(c) {
		return
	}
	s.logger.Info("starting bridge",
		logging.KeyBridge, b.Name,
		logging.KeyEndpoint, b.Endpoint,
		"heartbeat_seconds", b.HeartbeatSeconds)
	c.Start()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.acceptLoop")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("accept error",
				logging.KeyLocalAddr, ln.Addr().String(),
				logging.KeyError, err)
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		c := peer.NewInbound(s.ctx, conn, s.peerOpts)
		if !s.track(c) {
			continue
		}
		c.Start()
	}
}

// track records c until it closes. It reports false, closing c, once the
// server is stopping.
func (s *Server) track(c *peer.Connection) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		c.Close()
		return false
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	recovery.Go(&s.wg, s.logger, "server.track", func() {
		<-c.Done()
		c.Wait()

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	})
	return true
}

// lookupBridge adapts the registry to the router.
func (s *Server) lookupBridge(name string) (routing.Sender, bool) {
	c, ok := s.registry.Get(name)
	if !ok {
		return nil, false
	}
	return c, true
}

// dialRelay opens a transient connection that closes once its frame has
// been acknowledged.
func (s *Server) dialRelay(endpoint string) routing.Sender {
	c := peer.NewRelay(s.ctx, endpoint, s.peerOpts)
	s.track(c)
	return c
}

// Stop cancels the root context, closes the listener and every connection,
// and waits for all goroutines to exit.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping server")

		s.running.Store(false)
		s.cancel()

		if s.controlServer != nil {
			s.controlServer.Stop()
		}
		if s.healthServer != nil {
			s.healthServer.Stop()
		}

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		conns := make([]*peer.Connection, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
		s.registry.CloseAll()

		s.wg.Wait()
		s.scheduler.Wait()

		s.logger.Info("server stopped")
	})
	return nil
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true between a successful Start and Stop.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Name returns the name this node answers to.
func (s *Server) Name() string {
	return s.router.LocalName()
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAddress returns the bound listener address as a string.
func (s *Server) ListenAddress() string {
	if addr := s.Addr(); addr != nil {
		return addr.String()
	}
	return s.cfg.Server.Listen
}

// StartedAt returns when the listener was bound.
func (s *Server) StartedAt() time.Time {
	ns := s.startedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetHeartbeatsEnabled turns heartbeat transmission on or off. Lease
// enforcement is not affected.
func (s *Server) SetHeartbeatsEnabled(enabled bool) {
	if s.heartbeats.Swap(enabled) != enabled {
		s.logger.Info("heartbeat transmission changed", "enabled", enabled)
	}
}

// HeartbeatsEnabled reports whether heartbeat transmission is on.
func (s *Server) HeartbeatsEnabled() bool {
	return s.heartbeats.Load()
}

// Submit routes a wakeup payload as if it had arrived on a connection.
func (s *Server) Submit(ctx context.Context, payload string) (routing.Decision, error) {
	return s.router.Route(ctx, payload)
}

// Router returns the wakeup router.
func (s *Server) Router() *routing.Router {
	return s.router
}

// Bridges returns the registered bridges.
func (s *Server) Bridges() []peer.Info {
	return s.registry.Snapshot()
}

// Stats implements health.StatsProvider.
func (s *Server) Stats() health.Stats {
	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()

	var uptime time.Duration
	if started := s.StartedAt(); !started.IsZero() {
		uptime = time.Since(started)
	}

	return health.Stats{
		Name:              s.Name(),
		ListenAddress:     s.ListenAddress(),
		Uptime:            uptime,
		BridgeCount:       s.registry.Len(),
		ConnectionCount:   conns,
		HeartbeatsEnabled: s.HeartbeatsEnabled(),
	}
}
