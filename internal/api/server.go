package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/pneumoscan/internal/asset"
	"github.com/seantiz/pneumoscan/internal/engine"
	"github.com/seantiz/pneumoscan/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	// writeSlack is added to the worker timeout when deriving the write
	// timeout, covering upload, queueing and response time.
	writeSlack = 30 * time.Second
	// defaultShutdownGrace applies when no worker timeout bounds a request.
	defaultShutdownGrace = 10 * time.Second
	// abortGrace is how long aborted requests get to release their assets
	// and finalize their jobs once in-flight work has been canceled.
	abortGrace = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Addr string
	// UploadLimit is the maximum accepted image size in bytes.
	UploadLimit int64
	// WorkerTimeout is the worker runtime limit. Zero disables the HTTP
	// write timeout as well, since a prediction may then take arbitrarily long.
	WorkerTimeout time.Duration
	// ShutdownGrace is how long in-flight requests may run after a shutdown
	// signal before they are canceled. Zero derives it from WorkerTimeout.
	ShutdownGrace time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router        *chi.Mux
	store         store.Store
	engine        *engine.Engine
	logger        *slog.Logger
	addr          string
	uploadLimit   int64
	writeTimeout  time.Duration
	shutdownGrace time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, s store.Store, eng *engine.Engine, logger *slog.Logger) *Server {
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = asset.DefaultLimit
	}
	srv := &Server{
		router:      chi.NewRouter(),
		store:       s,
		engine:      eng,
		logger:      logger,
		addr:        opts.Addr,
		uploadLimit: opts.UploadLimit,
	}
	if opts.WorkerTimeout > 0 {
		srv.writeTimeout = opts.WorkerTimeout + writeSlack
	}
	switch {
	case opts.ShutdownGrace > 0:
		srv.shutdownGrace = opts.ShutdownGrace
	case opts.WorkerTimeout > 0:
		srv.shutdownGrace = opts.WorkerTimeout + writeSlack
	default:
		srv.shutdownGrace = defaultShutdownGrace
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", jobIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/", s.handleDescriptor)
	s.router.Post("/predict", s.handlePredict)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run listens on the configured address and serves until SIGINT or SIGTERM.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	return s.Serve(ln, quit)
}

// Serve accepts connections on ln until a value arrives on quit, then shuts
// down gracefully. In-flight predictions get the shutdown grace to finish;
// after that their request contexts are canceled, which kills workers that
// honor cancellation, and the handlers get abortGrace to release assets and
// finalize jobs before Serve returns.
func (s *Server) Serve(ln net.Listener, quit <-chan os.Signal) error {
	baseCtx, abort := context.WithCancel(context.Background())
	defer abort()

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String(), "grace", s.shutdownGrace.String())
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown grace expired, canceling in-flight requests", "error", err)
		abort()

		abortCtx, abortCancel := context.WithTimeout(context.Background(), abortGrace)
		defer abortCancel()
		if err := httpServer.Shutdown(abortCtx); err != nil {
			httpServer.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}
