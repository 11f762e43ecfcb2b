// Package server is the proxy's accept loop: it owns the listening socket,
// dispatches GET/POST to the Proxy Handler and CONNECT to the tunnel relay,
// tracks in-flight requests for a graceful shutdown, and drives the
// periodic request-rate log.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sergeospb/warcproxy/internal/proxyhandler"
	"github.com/sergeospb/warcproxy/internal/ratelog"
	"github.com/sergeospb/warcproxy/internal/tunnel"
)

// Server is the proxy's HTTP frontend.
type Server struct {
	httpServer *http.Server
	handler    *proxyhandler.Handler
	rate       *ratelog.Logger
	logger     *slog.Logger

	inFlight WaitGroupWithCount
}

// Config configures a Server.
type Config struct {
	Addr          string // listen address, e.g. ":8888"
	RateLogWindow time.Duration
}

// New wires a Server around an already-constructed Proxy Handler.
func New(cfg Config, handler *proxyhandler.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		handler: handler,
		rate:    ratelog.New(cfg.RateLogWindow, logger),
		logger:  logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s,
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe binds cfg.Addr and serves until ctx is canceled, at which
// point it stops accepting new connections and waits for in-flight requests
// to finish (graceful shutdown). It returns a non-nil error only on bind
// failure or an unexpected serve error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	go s.rate.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server: shutdown", slog.Any("err", err))
		}
		s.inFlight.Wait()
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeHTTP dispatches by method: GET/POST to the Proxy Handler, CONNECT to
// the tunnel relay, anything else gets a 405.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.inFlight.Add(1)
	defer s.inFlight.Done()
	defer s.rate.Incr()

	switch r.Method {
	case http.MethodGet, http.MethodPost:
		s.handler.ServeHTTP(w, r)
	case http.MethodConnect:
		s.handleConnect(w, r)
	default:
		http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConnect hijacks the client connection and hands it to tunnel.Relay,
// which dials the requested host:port. The dial happens after the hijack, so
// on a dial failure the 502 status line is written directly to the hijacked
// connection.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "502 bad gateway", http.StatusBadGateway)
		return
	}

	client, _, err := hijacker.Hijack()
	if err != nil {
		s.logger.Warn("server: hijack failed", slog.Any("err", err))
		http.Error(w, "502 bad gateway", http.StatusBadGateway)
		return
	}
	defer client.Close()

	err = tunnel.Relay(r.Context(), client, r.Host, func() error {
		_, werr := client.Write([]byte("HTTP/1.0 200 Connection established\r\n\r\n"))
		return werr
	})
	if err != nil {
		var tunErr *tunnel.Error
		if errors.As(err, &tunErr) {
			client.Write([]byte("HTTP/1.0 502 Bad Gateway\r\n\r\n"))
		}
		s.logger.Warn("server: tunnel ended", slog.String("host", r.Host), slog.Any("err", err))
	}
}

// InFlight reports the number of requests currently being served.
func (s *Server) InFlight() int {
	return s.inFlight.Size()
}
