// Package adminapi provides a small JWT-protected HTTP+WebSocket admin
// surface over the protocol core: connection-manager status and a live
// telegram stream for operators, following the same lifecycle shape as
// the rest of the module — New() then Start(ctx) then Close().
//
// It deliberately does not expose device, scene, or location management:
// this is an operator surface over the KNX connection itself, not a
// home-automation API.
package adminapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/knxcore/internal/config"
	"github.com/nerrad567/knxcore/internal/knx/connstate"
	"github.com/nerrad567/knxcore/internal/knx/queue"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
)

const gracefulShutdownTimeout = 10 * time.Second

// TransportStats is the subset of transport.Client's status this package
// reports; defined here so adminapi does not import the transport package
// directly and can be fed by a fake in tests.
type TransportStats struct {
	FramesTx     uint64
	FramesRx     uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	Connected    bool
}

// StatsProvider is the transport contract adminapi's status endpoint reads.
type StatsProvider interface {
	Stats() TransportStats
}

// Logger is the minimal structured-logging surface adminapi depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Deps holds the dependencies required by the admin API server.
type Deps struct {
	Config    config.AdminAPIConfig
	Logger    Logger
	ConnState *connstate.Manager
	Queue     *queue.Queue
	Transport StatsProvider
	Version   string
}

// Server is the admin HTTP+WebSocket server.
type Server struct {
	cfg       config.AdminAPIConfig
	log       Logger
	connState *connstate.Manager
	queue     *queue.Queue
	transport StatsProvider
	version   string
	startTime time.Time

	httpServer *http.Server
	hub        *Hub
	sub        queue.Subscription
	cancel     context.CancelFunc
}

// New creates an admin API server. It does not start listening until
// Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("adminapi: logger is required")
	}
	if deps.ConnState == nil {
		return nil, fmt.Errorf("adminapi: connection state manager is required")
	}
	if deps.Config.JWT.Secret == "" {
		return nil, fmt.Errorf("adminapi: jwt secret is required")
	}

	return &Server{
		cfg:       deps.Config,
		log:       deps.Logger,
		connState: deps.ConnState,
		queue:     deps.Queue,
		transport: deps.Transport,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       newHub(deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections and, if a queue was
// supplied, subscribes to it to feed the live telegram stream.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.run(srvCtx)

	if s.queue != nil {
		s.sub = s.queue.Subscribe(s.broadcastTelegram, queue.WithOutgoingMatch())
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second, //nolint:mnd // conservative slowloris guard
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin API server error", "error", err)
		}
	}()

	s.log.Info("admin API listening", "address", s.httpServer.Addr)
	return nil
}

func (s *Server) broadcastTelegram(tg telegram.Telegram) {
	s.hub.broadcast(telegramEventFor(tg))
}

// Close gracefully shuts down the admin API server.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.queue != nil {
		s.queue.Unsubscribe(s.sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("adminapi: shutting down: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("adminapi health check: %w", ctx.Err())
	default:
	}
	if s.httpServer == nil {
		return fmt.Errorf("adminapi: server not started")
	}
	return nil
}

type statusResponse struct {
	Version          string    `json:"version"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	ConnectionState  string    `json:"connection_state"`
	TransportTxCount uint64    `json:"transport_frames_tx,omitempty"`
	TransportRxCount uint64    `json:"transport_frames_rx,omitempty"`
	TransportErrors  uint64    `json:"transport_errors_total,omitempty"`
	LastActivity     time.Time `json:"last_activity,omitempty"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{
		Version:         s.version,
		UptimeSeconds:   time.Since(s.startTime).Seconds(),
		ConnectionState: s.connState.State().String(),
	}
	if s.transport != nil {
		stats := s.transport.Stats()
		resp.TransportTxCount = stats.FramesTx
		resp.TransportRxCount = stats.FramesRx
		resp.TransportErrors = stats.ErrorsTotal
		resp.LastActivity = stats.LastActivity
	}
	return resp
}
