// Package api serves the manager's state and commands over HTTP, and streams
// frames and state changes over a WebSocket.
//
//	server := api.New(manager, "127.0.0.1:8765", log)
//	server.Start(ctx)
//	go server.Hub().Run(ctx, frames, states)
//	go server.Hub().RunDevices(ctx, devices)
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chaz8081/pulselink/internal/ble"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	readHeaderTimeout       = 10 * time.Second
)

// Controller is the part of ble.Manager the API drives.
type Controller interface {
	Snapshot() ble.State
	StartScanning() error
	StopScanning() error
	ConnectID(id string) error
	Disconnect() error
	RequestSignalStrength() error
}

// Server is the HTTP API server.
type Server struct {
	ctrl   Controller
	addr   string
	log    *slog.Logger
	hub    *Hub
	server *http.Server
}

// New creates a server for ctrl listening on addr. It is not started until
// Start is called.
func New(ctrl Controller, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		ctrl: ctrl,
		addr: addr,
		log:  log,
		hub:  NewHub(log),
	}
}

// Hub returns the WebSocket hub fed with frames and states.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router. Start uses it; tests call it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.log.Info("[API] listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("[API] server error", "error", err)
		}
	}()
	return nil
}

// Close disconnects WebSocket clients and shuts the listener down.
func (s *Server) Close() error {
	s.hub.closeAll()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
