package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/commandlog"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/config"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/logging"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timedqueue"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the conductor surface used by the API.
// *conductor.Conductor satisfies it.
type Controller interface {
	Devices() []conductor.DeviceInfo
	Device(id string) (conductor.DeviceInfo, error)
	QueuedCommands(id string) ([]timedqueue.Entry, error)
	ResyncStates(id string) error
	ResetResolver()

	Timeline() []timeline.Object
	SetTimeline(objects []timeline.Object) error
	Mappings() timeline.Mappings
	SetMappings(m timeline.Mappings)

	Phase() conductor.Phase
	Cycles() uint64
	NextResolve() int64
}

var _ Controller = (*conductor.Conductor)(nil)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Metrics   config.MetricsConfig
	Logger    *logging.Logger
	Conductor Controller

	// CommandLog is optional; without it /commands returns 503.
	CommandLog commandlog.Repository

	// MetricsHandler serves the Prometheus scrape endpoint when metrics are enabled.
	MetricsHandler http.Handler

	Version string
}

// Server is the operator HTTP API.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	metricsCfg     config.MetricsConfig
	logger         *logging.Logger
	conductor      Controller
	commandLog     commandlog.Repository
	metricsHandler http.Handler
	version        string
	startTime      time.Time

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The hub exists as soon as New returns so it can be registered as a
// conductor observer before Start.
//
// Parameters:
//   - deps: Required dependencies (logger, conductor)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Conductor == nil {
		return nil, fmt.Errorf("conductor is required")
	}

	return &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		metricsCfg:     deps.Metrics,
		logger:         deps.Logger,
		conductor:      deps.Conductor,
		commandLog:     deps.CommandLog,
		metricsHandler: deps.MetricsHandler,
		version:        deps.Version,
		startTime:      time.Now(),
		hub:            NewHub(deps.WS, deps.Logger),
	}, nil
}

// Hub returns the WebSocket hub. Register it with the conductor to relay events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub; cancelling it disconnects clients
//
// Returns:
//   - error: Always nil; listener errors are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

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
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
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

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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
