// Package main provides the local sync server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/invsync/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/invsync/backend/internal/config"
	"github.com/kimhsiao/invsync/backend/internal/logging"
	"github.com/kimhsiao/invsync/backend/internal/services"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "invsync-desktop",
		Short:        "Local sync server for the desktop app",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default: invsync.yaml)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// run serves until ctx is done, then drains the server and the sync stack.
func run(ctx context.Context, configPath string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	cfg.Log.InitLogging(os.Stdout)

	svc, err := services.NewSyncService(ctx, cfg, services.Dependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	loader.Watch(svc.ApplyConfig)

	hub := NewWSHub()
	snapshots, unsubscribe := svc.Subscribe()
	defer unsubscribe()
	go hub.Run(ctx)
	go hub.Relay(ctx, snapshots)

	svc.Start(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(svc, hub),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Sync.PassTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server starting", map[string]interface{}{
			"addr":     cfg.Server.Addr,
			"data_dir": cfg.DataDir,
			"version":  Version,
		})
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logging.Info("Shutting down desktop server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server forced to shutdown", err)
	}
	return nil
}

// newRouter wires the REST API and the WebSocket endpoint.
func newRouter(svc handlers.QueueService, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)
		handlers.NewSyncHandler(svc).Routes(r)
	})
	r.Get("/ws", HandleWebSocket(hub))
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "invsync-desktop",
		"version": Version,
	})
}

// requestLogger logs each request through internal/logging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Debug("HTTP request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
		}()
		next.ServeHTTP(ww, r)
	})
}
