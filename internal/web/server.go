package web

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"
)

// TelemetryInterval is the period of the telemetry events on /status/stream.
const TelemetryInterval = 500 * time.Millisecond

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for addr exposing mount.
func NewServer(addr string, broadcaster *StatusBroadcaster, mount Mount) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, mount, NewMetrics(mount)),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("POST /axis/{axis}/speed", s.handlers.HandleSetSpeed)
	mux.HandleFunc("POST /autoguide", s.handlers.HandleGuiding)
	mux.Handle("GET /metrics", s.handlers.Metrics.Handler())

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. Telemetry
// is pushed to stream clients while the server runs.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	pubCtx, stopPublish := context.WithCancel(ctx)
	defer stopPublish()
	go s.handlers.Broadcaster.Publish(pubCtx, TelemetryInterval, func() any {
		return s.handlers.Mount.Status()
	})

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
