package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/observability/otel"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

func main() {
	configFile := flag.String("config", "./escrowd.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	logger := logging.Setup("escrowd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	authToken := cfg.AuthToken()
	if authToken == "" {
		logger.Error("no RPC auth token configured", "hint", "set RPCAuthToken or "+config.AuthTokenEnv)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "escrowd",
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.OTLPInsecure,
			Headers:     cfg.Telemetry.OTLPHeaders,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "err", err)
			}
		}()
	}

	dbPath := filepath.Join(cfg.DataDir, "ledger")
	freshState := false
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		freshState = true
	}

	db, err := storage.NewLevelDB(dbPath)
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	if freshState {
		if err := applyGenesis(cfg, manager); err != nil {
			logger.Error("failed to apply genesis allocations", "err", err)
			os.Exit(1)
		}
		logger.Info("applied genesis allocations", "accounts", len(cfg.Genesis))
	}

	feed := events.NewFeed(cfg.EventBufferSize)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(feed)

	server := rpc.NewServer(engine, manager, feed, authToken, logger)
	defaultArbitrator, err := cfg.DefaultArbitratorAddress()
	if err != nil {
		logger.Error("invalid default arbitrator", "err", err)
		os.Exit(1)
	}
	server.SetDefaultArbitrator(defaultArbitrator)
	logger.Info("escrowd starting", "network", cfg.NetworkName, "rpc", cfg.RPCAddress, "data", cfg.DataDir)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("rpc server stopped", "err", err)
		os.Exit(1)
	}
}

func applyGenesis(cfg *config.Config, manager *state.Manager) error {
	balances, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	for raw, balance := range balances {
		if err := manager.Credit(raw[:], balance); err != nil {
			addr := crypto.MustNewAddress(crypto.EscrowPrefix, raw[:])
			return fmt.Errorf("credit %s: %w", addr.String(), err)
		}
	}
	return nil
}
