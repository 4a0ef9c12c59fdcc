package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/syncd/internal/config"
	"github.com/teranos/syncd/internal/httpserver"
	"github.com/teranos/syncd/internal/logger"
	"github.com/teranos/syncd/internal/supervisor"
)

// drainTimeout bounds how long Stop waits for the worker's in-flight tick
// to finish requeuing before the process exits anyway (§5).
const drainTimeout = 10 * time.Second

var configPath string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the syncd webhook receiver and sync worker",
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to syncd.toml (overrides project-config discovery)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Initialize(logger.Level(cfg.Logging.Level), true); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	log := logger.ComponentLogger("main")

	sup, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}
	if err := sup.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	srv := httpserver.New(sup, logger.ComponentLogger("http"))
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv}

	errChan := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		log.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server did not shut down cleanly", "error", err)
	}

	if err := sup.Stop(drainTimeout); err != nil {
		return fmt.Errorf("supervisor stop: %w", err)
	}
	log.Info("stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}
