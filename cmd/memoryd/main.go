package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/application"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/config"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/logger"
	httpserver "github.com/zirenlegend/EverMemOS-sub001/internal/interfaces/http"
	"github.com/zirenlegend/EverMemOS-sub001/pkg/safego"
)

const (
	appName    = "evermem-memoryd"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	// Load config first: log level/format come from it
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting memory service",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	server := httpserver.NewServer(&cfg.Server, app.Service, log)
	safego.Go(log, "http-server", func() {
		if err := server.Run(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	})

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	app.Stop()
}

func printUsage() {
	fmt.Printf(`%s v%s — conversational memory extraction and retrieval service

Usage:
  memoryd            start the service
  memoryd version    print version
  memoryd help       show this help

Configuration is read from ./config/config.yaml (or ./config.yaml),
overridable via MEMOS_* environment variables. Required at startup:
LLM_API_KEY, LLM_MODEL, DATABASE_DSN, REDIS_ADDR.
`, appName, appVersion)
}
