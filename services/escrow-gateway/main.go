package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowd/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrow-gateway.yaml", "path to the gateway config file")
	flag.Parse()

	logger := logging.Setup("escrow-gateway", os.Getenv("ESCROW_GATEWAY_ENV"))

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	auth := NewAuthenticator(cfg.APIKeys, nil)
	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	dispatcher := NewWebhookDispatcher(logger)
	poller := NewEventPoller(node, store, dispatcher, cfg.PollInterval(), logger)
	server := NewServer(auth, node, store, dispatcher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)
	go poller.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("escrow gateway listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrow gateway")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
