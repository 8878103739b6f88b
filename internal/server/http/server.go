package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZYQFXY/xiapi/internal/audit"
	"github.com/ZYQFXY/xiapi/internal/events"
	"github.com/ZYQFXY/xiapi/internal/metrics"
	"github.com/ZYQFXY/xiapi/internal/scheduler"
	"github.com/ZYQFXY/xiapi/internal/server/http/controllers"
)

// Options wires the control surface's collaborators.
type Options struct {
	Scheduler *scheduler.Scheduler
	Audit     *audit.Store // nil when the sink is disabled
	Bus       *events.Bus
	Metrics   *metrics.Metrics

	ShutdownWait time.Duration
	Logger       *zap.Logger
}

// Server is the HTTP control surface.
type Server struct {
	srv          *http.Server
	lis          net.Listener
	shutdownWait time.Duration
	logger       *zap.Logger
}

// New builds the server and mounts all routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := opts.ShutdownWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	mux := http.NewServeMux()
	registry := controllers.NewControllerRegistry(opts.Scheduler, opts.Audit, opts.Bus)
	registry.RegisterAllRoutes(mux)
	if opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	return &Server{
		srv:          &http.Server{Handler: cors(mux)},
		shutdownWait: wait,
		logger:       logger,
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http server listening", zap.String("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), s.shutdownWait)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close force-closes the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
