// Package main provides the omnid daemon - the Omnimonster cross-chain swap
// resolver.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PrabalParihar/omnimonster-sub000/internal/api"
	"github.com/PrabalParihar/omnimonster-sub000/internal/config"
	"github.com/PrabalParihar/omnimonster-sub000/internal/htlc"
	"github.com/PrabalParihar/omnimonster-sub000/internal/pricing"
	"github.com/PrabalParihar/omnimonster-sub000/internal/registry"
	"github.com/PrabalParihar/omnimonster-sub000/internal/resolver"
	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
	"github.com/PrabalParihar/omnimonster-sub000/internal/wallet"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.omnimonster", "Data directory")
		apiAddr     = flag.String("api", "", "REST API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("omnid %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = *dataDir

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}
	if len(cfg.Chains) == 0 {
		log.Fatal("No chains configured", "config", config.ConfigFileName, "data-dir", *dataDir)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Token registry
	reg, err := registry.New(cfg.Tokens, cfg.Pairs)
	if err != nil {
		log.Fatal("Failed to build token registry", "error", err)
	}
	for _, tok := range cfg.Tokens {
		if err := store.SaveSupportedToken(tok.Chain, tok.Symbol, tok.Address, tok.Decimals); err != nil {
			log.Warn("Failed to persist supported token", "chain", tok.Chain, "token", tok.Symbol, "error", err)
		}
	}
	log.Info("Token registry loaded", "tokens", len(cfg.Tokens), "pairs", len(cfg.Pairs))

	// Chain adapters: one signer and one HTLC adapter per configured chain.
	adapters := make(map[string]htlc.Adapter, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		signer, err := wallet.NewSigner(chainCfg)
		if err != nil {
			log.Fatal("Failed to initialize signer", "chain", name, "error", err)
		}

		adapter, err := htlc.NewEVMAdapter(ctx, name, chainCfg, signer, log)
		if err != nil {
			log.Fatal("Failed to connect chain", "chain", name, "error", err)
		}
		adapters[name] = adapter
		log.Info("Chain connected", "chain", name, "operator", signer.Address().Hex(), "contract", chainCfg.HTLCContract)
	}
	defer func() {
		for _, a := range adapters {
			a.Close()
		}
	}()

	priceSource := pricing.NewStaticSource(reg)

	// One engine per chain; each handles both the source and target role for
	// swaps touching its chain.
	engines := make([]*resolver.Engine, 0, len(adapters))
	for name := range adapters {
		eng := resolver.NewEngine(name, cfg.Resolver, store, reg, priceSource, adapters, log)
		eng.Start(ctx)
		engines = append(engines, eng)
	}
	log.Info("Resolver engines started", "chains", len(engines), "interval", cfg.Resolver.ProcessingInterval)

	refresher := resolver.NewRefresher(store, reg, adapters, cfg.Resolver.InventoryRefresh, log)
	refresher.Start(ctx)

	// REST/WebSocket API
	server := api.NewServer(cfg.API, store, reg, adapters, log)
	server.Start()

	printBanner(log, cfg, dataPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	refresher.Stop()
	for _, eng := range engines {
		eng.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping API server", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config, dataPath string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Omnimonster Resolver")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Info("  Chains:")
	for name, ch := range cfg.Chains {
		log.Infof("    %s (chain id %d)", name, ch.ChainID)
	}
	log.Info("")
	log.Infof("  API: http://%s", cfg.API.ListenAddr)
	log.Infof("  WS:  ws://%s/swaps/{id}/events", cfg.API.ListenAddr)
	log.Info("")
	log.Infof("  Data dir: %s", dataPath)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
