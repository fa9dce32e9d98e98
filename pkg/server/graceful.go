// Package server runs the admin HTTP endpoints with graceful shutdown.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/logging"
)

// DefaultShutdownTimeout bounds how long in-flight requests may drain.
const DefaultShutdownTimeout = 30 * time.Second

// ConfigReloadFunc reloads configuration on SIGHUP.
type ConfigReloadFunc func() error

// GracefulServer wraps an HTTP server with graceful shutdown capabilities
type GracefulServer struct {
	server          *http.Server
	logger          logging.Logger
	shutdownTimeout time.Duration

	ready     chan struct{}
	addrMu    sync.RWMutex
	addr      net.Addr
	readyOnce sync.Once

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	configMu       sync.RWMutex
	configReloadFn ConfigReloadFunc
}

func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:          logger.With(logging.Component("admin_server")),
		shutdownTimeout: DefaultShutdownTimeout,
		ready:           make(chan struct{}),
		shutdownCh:      make(chan struct{}),
	}
}

// SetShutdownTimeout overrides DefaultShutdownTimeout.
func (gs *GracefulServer) SetShutdownTimeout(d time.Duration) {
	gs.shutdownTimeout = d
}

// Run serves until ctx is done, then shuts down gracefully. It returns nil
// after a clean shutdown.
func (gs *GracefulServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	gs.addrMu.Lock()
	gs.addr = ln.Addr()
	gs.addrMu.Unlock()
	gs.readyOnce.Do(func() { close(gs.ready) })

	gs.logger.Info("starting HTTP server", logging.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		if err := gs.Shutdown(gs.shutdownTimeout); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// Ready is closed once the server is listening.
func (gs *GracefulServer) Ready() <-chan struct{} {
	return gs.ready
}

// Addr returns the listening address, or nil before Run has bound it.
func (gs *GracefulServer) Addr() net.Addr {
	gs.addrMu.RLock()
	defer gs.addrMu.RUnlock()
	return gs.addr
}

// Shutdown initiates a graceful shutdown
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		gs.logger.Info("initiating graceful shutdown", logging.Duration("timeout", timeout))
		if err = gs.server.Shutdown(ctx); err != nil {
			gs.logger.Error("error during shutdown", logging.Error(err))
			return
		}
		gs.logger.Info("server shutdown complete")
	})
	return err
}

// WatchReload calls ReloadConfig on every SIGHUP until ctx is done.
func (gs *GracefulServer) WatchReload(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			gs.logger.Info("received SIGHUP, reloading configuration")
			_ = gs.ReloadConfig()
		}
	}
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown is initiated
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetConfigReloadFunc sets the function to call when configuration reload is triggered
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.configMu.Lock()
	defer gs.configMu.Unlock()
	gs.configReloadFn = fn
}

// ReloadConfig runs the configured reload function, if any.
func (gs *GracefulServer) ReloadConfig() error {
	gs.configMu.RLock()
	reloadFn := gs.configReloadFn
	gs.configMu.RUnlock()

	if reloadFn == nil {
		gs.logger.Warn("configuration reload requested, but no reload function configured")
		return nil
	}
	if err := reloadFn(); err != nil {
		gs.logger.Error("configuration reload failed", logging.Error(err))
		return err
	}
	gs.logger.Info("configuration reload complete")
	return nil
}
