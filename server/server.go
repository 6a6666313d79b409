package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kbukum/flowkit/component"
	"github.com/kbukum/flowkit/logger"
)

// ShutdownTimeout bounds graceful shutdown when the caller's context has no
// earlier deadline.
const ShutdownTimeout = 5 * time.Second

// Server is a gin engine served over HTTP/1.1 and h2c on one listener.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	mux        *http.ServeMux
	config     Config
	log        *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	serveErr error
}

var _ component.Component = (*Server)(nil)

// New creates a Server. Routes are added through Engine or Handle before
// Start.
func New(cfg Config) *Server {
	cfg.ApplyDefaults()
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	mux := http.NewServeMux()
	mux.Handle("/", engine)

	h2s := &http2.Server{
		MaxConcurrentStreams: cfg.MaxStreams,
		IdleTimeout:          cfg.IdleTimeout,
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      h2c.NewHandler(mux, h2s),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		engine: engine,
		mux:    mux,
		config: cfg,
		log:    logger.Get("server"),
	}
}

// Engine returns the gin engine for route registration.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Handle mounts a plain http.Handler beside the gin engine.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
	s.log.Debug("handler mounted", logger.Fields("pattern", pattern))
}

// Handler returns the root handler, h2c included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Name implements component.Component.
func (s *Server) Name() string { return "http" }

// Start binds the listener and serves in the background. It returns once
// the port is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.serveErr = nil
	s.mu.Unlock()

	go func() {
		err := s.httpServer.Serve(ln)
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", logger.Fields(logger.FieldError, err.Error()))
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()

	s.log.Info("HTTP server started", logger.Fields("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down gracefully. Open event streams see their
// request context cancelled and cancel their subscriptions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// Streams that outlive the grace period are cut.
		_ = s.httpServer.Close()
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// Health reports unhealthy when the serve loop failed.
func (s *Server) Health(context.Context) component.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.serveErr != nil:
		return component.Health{Name: s.Name(), Status: component.StatusUnhealthy, Message: s.serveErr.Error()}
	case s.listener == nil:
		return component.Health{Name: s.Name(), Status: component.StatusUnhealthy, Message: "not started"}
	}
	return component.Health{Name: s.Name(), Status: component.StatusHealthy}
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// ApplyMiddleware installs recovery, request IDs and request logging.
func (s *Server) ApplyMiddleware() {
	s.engine.Use(Recovery(), RequestID(), RequestLogger(s.log))
}
