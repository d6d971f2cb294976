package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/cfg"
	"github.com/sluiceio/sluice/telemetry"
)

// shutdownTimeout bounds how long Stop waits for in-flight requests.
const shutdownTimeout = 5 * time.Second

// Server is the ops HTTP server: pprof, health, Prometheus metrics,
// and the admin API on a single port.
type Server struct {
	address string
	port    int

	listener net.Listener
	server   *http.Server
}

// NewServer creates the ops server for the given bind address.
func NewServer(address string, port int, handlers *Handlers) *Server {
	mux := http.NewServeMux()

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	if cfg.Config.Admin.Enabled && handlers != nil {
		RegisterRoutes(mux, handlers)
	}

	return &Server{
		address: address,
		port:    port,
		server:  &http.Server{Handler: mux},
	}
}

// Start binds the listener and begins serving. Bind failures surface
// here; serve errors after that are logged, not returned.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	log.Info().Str("address", addr).Msg("Starting ops HTTP server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ops HTTP server failed")
		}
	}()

	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down ops HTTP server: %w", err)
	}
	return nil
}
