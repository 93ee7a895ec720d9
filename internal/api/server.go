package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/phyn-bridge/internal/audit"
	"github.com/nerrad567/phyn-bridge/internal/device"
	"github.com/nerrad567/phyn-bridge/internal/fleet"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/config"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Fleet is the coordinator surface the API uses. *fleet.Coordinator
// satisfies it.
type Fleet interface {
	State() fleet.State
	LastReport() *fleet.SweepReport
	Tick(ctx context.Context) (*fleet.SweepReport, error)
	Lookup(deviceID string) (*device.Agent, error)
	Agents() []*device.Agent
	Subscribe(fn func(device.Change)) func()
}

// HealthChecker is implemented by components reported on /system.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Metrics config.MetricsConfig
	Logger  *logging.Logger
	Fleet   Fleet

	// Optional.
	AuditRepo audit.Repository
	Recorder  *audit.Recorder
	Gatherer  prometheus.Gatherer
	Checks    map[string]HealthChecker
	Version   string

	// OnSweep is called after every sweep announced through the server,
	// scheduled or requested over the API.
	OnSweep func(*fleet.SweepReport, error)
}

// Server is the HTTP API server.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	metrics   config.MetricsConfig
	logger    *logging.Logger
	fleet     Fleet
	auditRepo audit.Repository
	recorder  *audit.Recorder
	gatherer  prometheus.Gatherer
	checks    map[string]HealthChecker
	version   string
	onSweep   func(*fleet.SweepReport, error)
	startTime time.Time

	hub         *Hub
	server      *http.Server
	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a new API server. It is not listening until Start.
//
// Returns:
//   - *Server: Configured server
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Fleet == nil {
		return nil, fmt.Errorf("fleet is required")
	}
	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		fleet:     deps.Fleet,
		auditRepo: deps.AuditRepo,
		recorder:  deps.Recorder,
		gatherer:  deps.Gatherer,
		checks:    deps.Checks,
		version:   deps.Version,
		onSweep:   deps.OnSweep,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger, deps.Fleet),
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start relays change notifications to the hub and starts listening in
// the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.unsubscribe = s.fleet.Subscribe(s.relayChange)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.server.Addr, "cert", s.cfg.TLS.CertFile)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// relayChange forwards a change notification to WebSocket subscribers.
// It runs on agent goroutines and never blocks.
func (s *Server) relayChange(ch device.Change) {
	s.hub.PublishChange(ch)
}

// AnnounceSweep hands a finished sweep to Deps.OnSweep and relays the
// report to WebSocket subscribers. Its signature matches
// fleet.Scheduler.OnSweep.
func (s *Server) AnnounceSweep(report *fleet.SweepReport, err error) {
	if report == nil {
		return
	}
	if s.onSweep != nil {
		s.onSweep(report, err)
	}
	s.hub.Broadcast(ChannelSweep, report)
}

// Close gracefully shuts down the API server.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.logger.Info("API server shutting down")
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutting down API server: %w", shutdownErr)
		}
	})
	return err
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
