package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/vgrid/internal/config"
	"github.com/me/vgrid/internal/gridserver"
	"github.com/me/vgrid/internal/logging"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.APIKey, "api-key", os.Getenv("VGRID_API_KEY"), "Required X-Api-Key header (or VGRID_API_KEY env); empty disables the check")
	flag.IntVar(&cfg.RenderPolls, "render-polls", cfg.RenderPolls, "Status polls a render reports in progress before completing")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.NewLogger(level, cfg.LogFormat)
	if cfg.APIKey == "" {
		logger.Warn("api key check disabled")
	}

	gridCfg := gridserver.DefaultConfig()
	gridCfg.APIKey = cfg.APIKey
	gridCfg.RenderPolls = cfg.RenderPolls
	srv := gridserver.New(gridCfg, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("grid starting", "addr", cfg.Addr, "render_polls", cfg.RenderPolls)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("grid stopped")
}
