package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/todosync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API with background sync",
}

func init() {
	// assigned here rather than in the literal: serve reads serveCmd's flags,
	// which would otherwise be an initialization cycle
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	}
	serveCmd.Flags().StringP("addr", "a", "", "listen address (overrides server_addr)")
}

func serve(ctx context.Context) error {
	if addr, _ := serveCmd.Flags().GetString("addr"); addr != "" {
		cfg.ServerAddr = addr
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	hub := NewWSHub()
	defer hub.Close()
	unsubscribe := a.svc.Subscribe(hub.OnChange)
	defer unsubscribe()

	a.prober.Start(ctx)
	a.scheduler.Start(ctx)

	unwatch, err := a.svc.WatchRemote(ctx)
	if err != nil {
		// still serving; passes on the interval pick up remote changes
		logging.Warn("Remote change feed unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		defer unwatch()
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server listening", map[string]interface{}{"addr": cfg.ServerAddr, "user_id": cfg.UserID})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
