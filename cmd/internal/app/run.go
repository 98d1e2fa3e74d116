package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
)

// Run starts the server and blocks until the context is cancelled or
// SIGINT/SIGTERM arrives, then shuts down gracefully.
func Run(ctx context.Context) error {
	cfg := LoadConfig()
	log := NewLogger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := a.Server()
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr, "config", cfg.String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
