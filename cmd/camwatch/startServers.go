package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mikeyg42/camwatch/internal/recorderlog"
)

// ServerManager handles the lifecycle of the metrics endpoint
type ServerManager struct {
	server  *http.Server
	logger  recorderlog.Logger
	done    chan struct{}
	started bool
	bound   string
}

// NewServerManager creates a new server manager
func NewServerManager(addr, path string, handler http.Handler, logger recorderlog.Logger) *ServerManager {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	return &ServerManager{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("metrics-server").With(recorderlog.String("addr", addr), recorderlog.String("path", path)),
		done:   make(chan struct{}),
	}
}

// startServers binds the listener and serves in the background. A bind
// failure is returned immediately.
func (sm *ServerManager) startServers() error {
	ln, err := net.Listen("tcp", sm.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	sm.started = true
	sm.bound = ln.Addr().String()
	sm.logger.Info("Serving metrics")
	go func() {
		defer close(sm.done)
		if err := sm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sm.logger.Error("Metrics server ended unexpectedly", recorderlog.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (sm *ServerManager) Shutdown(ctx context.Context) {
	if !sm.started {
		return
	}
	if err := sm.server.Shutdown(ctx); err != nil {
		sm.logger.Warn("Metrics server shutdown", recorderlog.Error(err))
	}
	select {
	case <-sm.done:
	case <-ctx.Done():
	}
}

// listenAddr returns the bound address, which differs from the configured
// one when the port was 0.
func (sm *ServerManager) listenAddr() string {
	if sm.bound != "" {
		return sm.bound
	}
	return sm.server.Addr
}
