package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"picgo/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Health is the body of /healthz.
type Health struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Model  string `json:"model,omitempty"`
	Device string `json:"device,omitempty"`
	Queue  int    `json:"queue"`
}

// HealthFunc reports the current application state.
type HealthFunc func() Health

// Server serves /metrics and /healthz on a local address.
type Server struct {
	collector *Collector
	health    HealthFunc
	logger    *zap.Logger
	srv       *http.Server
}

// NewServer creates a Server. health may be nil.
func NewServer(collector *Collector, health HealthFunc, logger *zap.Logger) *Server {
	return &Server{collector: collector, health: health, logger: logging.OrNop(logger)}
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if reg := s.collector.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok"}
	if s.health != nil {
		h = s.health()
		if h.Status == "" {
			h.Status = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h)
}

// Start listens on addr and serves in the background. The bound address is
// returned so ":0" can be used.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Metrics server listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
