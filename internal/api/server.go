package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// eventsRoute is the chi pattern of the task event stream.
const eventsRoute = "/v1/tasks/{id}/events"

// Server serves the HTTP bridge and the gRPC services on one listener.
type Server struct {
	router      *chi.Mux
	service     *dispatch.Service
	store       store.Store
	grpc        *grpc.Server
	workerToken string
	logger      *slog.Logger
	addr        string
}

// NewServer creates and configures the server. grpcServer may be nil, in
// which case only the HTTP bridge is served.
func NewServer(addr string, svc *dispatch.Service, s store.Store, grpcServer *grpc.Server, workerToken string, logger *slog.Logger) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		service:     svc,
		store:       s,
		grpc:        grpcServer,
		workerToken: workerToken,
		logger:      logger,
		addr:        addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(instrument)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Access-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Post("/v1/generate", s.handleGenerateImage)

	s.router.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/events", s.handleStreamEvents)
	})

	s.router.Route("/v1/worker", func(r chi.Router) {
		r.Use(s.requireWorkerToken)
		r.Post("/next", s.handleNextTask)
		r.Post("/tasks/{id}/status", s.handleUpdateStatus)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the combined handler: HTTP/2 requests with a gRPC content
// type go to the gRPC server, everything else to the router. Cleartext
// HTTP/2 (h2c) is accepted so gRPC clients need no TLS.
func (s *Server) Handler() http.Handler {
	mixed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.grpc != nil && r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
			s.grpc.ServeHTTP(w, r)
			return
		}
		s.router.ServeHTTP(w, r)
	})
	return h2c.NewHandler(mixed, &http2.Server{})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// No WriteTimeout: gRPC streams and SSE connections stay open.
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr, "grpc", s.grpc != nil)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// requireWorkerToken rejects requests without the configured worker token
// in the X-Access-Token header.
func (s *Server) requireWorkerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !dispatch.ValidToken(s.workerToken, r.Header.Get(dispatch.TokenHeader)) {
			s.writeError(w, http.StatusUnauthorized, dispatch.ErrUnauthenticated.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
