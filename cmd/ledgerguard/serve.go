package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerguard/ledgerguard/internal/api"
	"github.com/ledgerguard/ledgerguard/internal/config"
)

// serveCmd exposes the API, the live append feed and /metrics on the
// configured address until SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the LedgerGuard API",
	Long: `Serve the REST API, the WebSocket feed of ledger appends and the
Prometheus /metrics endpoint on the address from config.yaml
(default 127.0.0.1:3200).

Edits to config.yaml are picked up without a restart; analyzer thresholds
change for the next request. Storage, events and the listen address need a
restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// runServe wires the stack together:
//
//  1. Load config (file, .env, environment)
//  2. Open the ledger store and the Kafka publisher
//  3. Build the API server over the auditor
//  4. Watch config.yaml and the dataset directory
//  5. Listen until a signal, then drain for 10 seconds
func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auditor, closeFn, err := openAuditor(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	srv := api.New(api.Options{Auditor: auditor})
	defer srv.Close()

	var extra []string
	if dir := dataDir(cfg); dir != configDir {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			extra = append(extra, dir)
		}
	}
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			next, reloadErr := config.Load(configPath())
			if reloadErr != nil {
				slog.Warn("config reload rejected, keeping previous", "error", reloadErr)
				return
			}
			auditor.SetConfig(next)
			slog.Info("config reloaded")
		},
		OnDatasetChange: func(name string) {
			// Feeds re-read their files per request; this only records it.
			slog.Info("dataset updated", "file", name)
		},
	}, extra...)
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[ledgerguard] API listening on http://%s\n", cfg.Addr())
		fmt.Println("[ledgerguard] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[ledgerguard] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[ledgerguard] Shutdown error: %v\n", err)
	}

	fmt.Println("[ledgerguard] Stopped")
	return nil
}
