// Package server exposes the chat relay over HTTP: the versioned websocket
// endpoint plus health, stats and Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/config"
	"chatrelay/domain"
	"chatrelay/hub"
	"chatrelay/metrics"
	"chatrelay/protocol"
	"chatrelay/relay"
	"chatrelay/session"
	ws "chatrelay/websocket"
)

// NewFabric returns the in-process hub, or a Redis relay around it when a
// Redis address is configured. The relay is connected before it is returned.
func NewFabric(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (domain.Fabric, error) {
	local := hub.New()
	addr := cfg.RedisAddr()
	if addr == "" {
		logger.Info("broadcast fabric", "mode", "local")
		return local, nil
	}

	r, err := relay.New(ctx, local, relay.Options{
		Addr:     addr,
		Password: cfg.RedisKey,
		Prefix:   cfg.ChannelPrefix,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}
	logger.Info("broadcast fabric", "mode", "relay", "addr", addr, "node", r.Node())
	return r, nil
}

type Server struct {
	cfg      config.Config
	fabric   domain.Fabric
	handler  *protocol.Handler
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	baseCtx  context.Context

	mu    sync.Mutex
	conns map[string]domain.Connection
}

// New wires the dispatcher over fabric. m may be nil; gatherer may be nil
// when /metrics is not wanted.
func New(cfg config.Config, fabric domain.Fabric, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := session.NewRegistry(fabric, m, logger)
	return &Server{
		cfg:    cfg,
		fabric: fabric,
		handler: protocol.NewHandler(registry, fabric,
			protocol.WithMetrics(m),
			protocol.WithLogger(logger)),
		gatherer: gatherer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		baseCtx: context.Background(),
		conns:   make(map[string]domain.Connection),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(s.cfg.WSPath(), s.wsHandler)
	r.Get("/health", healthHandler)
	r.Get("/stats", s.statsHandler)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully and closes
// every open websocket.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", srv.Addr, "path", s.cfg.WSPath())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.closeConnections()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close drops every open websocket and closes the fabric.
func (s *Server) Close() error {
	s.closeConnections()
	return s.fabric.Close()
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	conns := make([]domain.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) Connect(conn domain.Connection) {
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
	s.handler.Connect(conn)
}

func (s *Server) Handle(ctx context.Context, conn domain.Connection, data []byte) {
	s.handler.Handle(ctx, conn, data)
}

func (s *Server) Disconnect(ctx context.Context, conn domain.Connection) {
	s.handler.Disconnect(ctx, conn)
	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade error", "error", err)
		return
	}

	id := uuid.New().String()
	s.logger.Info("socketConnected", "connectionId", id, "remoteAddr", r.RemoteAddr, "userAgent", r.UserAgent())

	c := ws.NewConn(id, conn, s, ws.Options{
		PingInterval:   s.cfg.PingInterval,
		PingTimeout:    s.cfg.PingTimeout,
		MaxMessageSize: s.cfg.MaxMessageSize,
		Logger:         s.logger,
	})
	c.Start(s.baseCtx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, connections := s.fabric.Stats()
	s.mu.Lock()
	sockets := len(s.conns)
	s.mu.Unlock()
	writeJSON(w, map[string]int{"sessions": sessions, "connections": connections, "sockets": sockets})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
