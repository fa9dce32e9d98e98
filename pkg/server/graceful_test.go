package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func startServer(t *testing.T, gs *GracefulServer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gs.Run(ctx) }()

	select {
	case <-gs.Ready():
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return cancel, done
}

// TestGracefulServer_ServesUntilCancelled tests serving and shutdown via context
func TestGracefulServer_ServesUntilCancelled(t *testing.T) {
	gs := NewGracefulServer("127.0.0.1:0", okHandler(), nil)
	gs.SetShutdownTimeout(time.Second)
	cancel, done := startServer(t, gs)

	resp, err := http.Get("http://" + gs.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !gs.IsShuttingDown() {
		t.Error("IsShuttingDown should report true after shutdown")
	}
	select {
	case <-gs.ShutdownChannel():
	default:
		t.Error("shutdown channel should be closed")
	}
}

func TestGracefulServer_ListenError(t *testing.T) {
	gs := NewGracefulServer("127.0.0.1:0", okHandler(), nil)
	cancel, done := startServer(t, gs)
	defer func() {
		cancel()
		<-done
	}()

	clash := NewGracefulServer(gs.Addr().String(), okHandler(), nil)
	if err := clash.Run(context.Background()); err == nil {
		t.Error("expected an error binding an address already in use")
	}
}

func TestGracefulServer_ShutdownIsIdempotent(t *testing.T) {
	gs := NewGracefulServer("127.0.0.1:0", okHandler(), nil)
	if err := gs.Shutdown(time.Second); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := gs.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

// TestGracefulServer_ConfigReload tests configuration reload via SIGHUP
func TestGracefulServer_ConfigReload(t *testing.T) {
	gs := NewGracefulServer("127.0.0.1:0", okHandler(), nil)

	var reloads atomic.Int32
	gs.SetConfigReloadFunc(func() error {
		reloads.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		gs.WatchReload(ctx)
	}()

	// give signal.Notify time to register
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("Failed to send SIGHUP: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reloads.Load() != 1 {
		t.Errorf("reload called %d times, want 1", reloads.Load())
	}
	if gs.IsShuttingDown() {
		t.Error("Server should not be shutting down after SIGHUP")
	}

	cancel()
	<-watching
}

// TestGracefulServer_ReloadConfig tests the ReloadConfig method
func TestGracefulServer_ReloadConfig(t *testing.T) {
	gs := NewGracefulServer(":0", okHandler(), nil)

	if err := gs.ReloadConfig(); err != nil {
		t.Errorf("ReloadConfig() without a function = %v", err)
	}

	reloadCalled := false
	gs.SetConfigReloadFunc(func() error {
		reloadCalled = true
		return nil
	})
	if err := gs.ReloadConfig(); err != nil {
		t.Errorf("ReloadConfig() error = %v", err)
	}
	if !reloadCalled {
		t.Error("Config reload function was not called")
	}
}

// TestGracefulServer_ReloadConfigWithError tests error handling during reload
func TestGracefulServer_ReloadConfigWithError(t *testing.T) {
	gs := NewGracefulServer(":0", okHandler(), nil)

	errReload := errors.New("bad config")
	gs.SetConfigReloadFunc(func() error { return errReload })

	if err := gs.ReloadConfig(); !errors.Is(err, errReload) {
		t.Errorf("ReloadConfig() error = %v, want %v", err, errReload)
	}
}
