// Package main provides the resolverd daemon - an off-chain cross-chain swap
// resolver.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/config"
	"github.com/crossmesh/fusion-resolver/internal/contracts/escrowfactory"
	"github.com/crossmesh/fusion-resolver/internal/destchain"
	"github.com/crossmesh/fusion-resolver/internal/engine"
	"github.com/crossmesh/fusion-resolver/internal/escrow"
	"github.com/crossmesh/fusion-resolver/internal/events"
	"github.com/crossmesh/fusion-resolver/internal/keyring"
	"github.com/crossmesh/fusion-resolver/internal/monitor"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/internal/profit"
	"github.com/crossmesh/fusion-resolver/internal/storage"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.fusion-resolver", "Data directory")
		rpcURL      = flag.String("rpc-url", "", "Source chain RPC endpoint, overrides config")
		contract    = flag.String("contract", "", "Escrow factory address, overrides config")
		eventsAddr  = flag.String("events", "", "Operator websocket listen address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("resolverd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Testnet keeps its own data directory so databases never mix.
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.Load(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *rpcURL != "" {
		cfg.Source.RPCURL = *rpcURL
	}
	if *contract != "" {
		cfg.Source.ContractAddress = *contract
	}
	if *eventsAddr != "" {
		cfg.Events.ListenAddr = *eventsAddr
	}
	if *testnet {
		cfg.NetworkType = string(chain.Testnet)
	}
	cfg.Logging.Level = *logLevel

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err, "path", config.Path(effectiveDataDir))
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.Path(effectiveDataDir))

	network := cfg.Network()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage.
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "dir", cfg.Storage.DataDir)

	// Keyring: encrypted seed, created on first run.
	password := os.Getenv(cfg.Keyring.PasswordEnv)
	if password == "" {
		log.Fatal("Seed password not set", "env", cfg.Keyring.PasswordEnv)
	}
	mnemonic, created, err := keyring.LoadOrCreate(cfg.SeedPath(), password)
	if err != nil {
		log.Fatal("Failed to open seed", "error", err, "path", cfg.SeedPath())
	}
	if created {
		log.Warn("Generated new resolver seed, back it up", "path", cfg.SeedPath())
	}
	keys, err := keyring.NewFromMnemonic(mnemonic, "", network)
	if err != nil {
		log.Fatal("Failed to derive keys", "error", err)
	}

	// Destination chain backends behind circuit breakers.
	backends := newBackendRegistry(cfg, network)
	if err := backends.ConnectAll(ctx); err != nil {
		log.Warn("Some backends failed to connect", "error", err)
	}
	defer backends.CloseAll()
	log.Info("Backends initialized", "network", network, "chains", backends.List())

	destRegistry := destchain.NewRegistry()
	destRegistry.RegisterAdapter(destchain.NewUTXOAdapter(backends, keys, network, log))

	// Source chain factory client, signing with the keyring's source key.
	sourceKey, err := keys.PrivateKey(cfg.Source.ChainSymbol, network)
	if err != nil {
		log.Fatal("Failed to derive source chain key", "error", err)
	}
	factory, err := escrowfactory.New(ctx, escrowfactory.Config{
		RPCURL:          cfg.Source.RPCURL,
		ContractAddress: cfg.Source.ContractAddress,
		ChainSymbol:     cfg.Source.ChainSymbol,
		PrivateKey:      hex.EncodeToString(sourceKey.Serialize()),
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to escrow factory", "error", err)
	}
	defer factory.Close()
	log.Info("Escrow factory connected",
		"contract", factory.ContractAddress().Hex(), "resolver", factory.ResolverAddress().Hex())

	// Operator event hub.
	hub := events.NewHub(log)
	go hub.Run(ctx)

	var eventsSrv *http.Server
	if cfg.Events.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		eventsSrv = &http.Server{Addr: cfg.Events.ListenAddr, Handler: mux}
		go func() {
			if err := eventsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Events server failed", "error", err)
			}
		}()
		log.Info("Operator hub listening", "ws", "ws://"+cfg.Events.ListenAddr+"/ws")
	}

	// Engine: executor, scheduler, refund manager.
	registry := order.NewRegistry()
	ledger := escrow.NewLedger()

	executor := engine.NewExecutor(factory, destRegistry, store, ledger, hub, network,
		&engine.ExecutorConfig{
			SecretPollInterval: cfg.Engine.SecretPollInterval,
			RefundPollInterval: cfg.Engine.RefundPollInterval,
		}, log)

	scheduler := engine.NewScheduler(executor, registry, &engine.SchedulerConfig{
		LoopInterval: cfg.Engine.LoopInterval,
		MaxInFlight:  cfg.Engine.MaxInFlight,
	}, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	refunds := engine.NewRefundManager(destRegistry, store, &engine.RefundConfig{
		ScanInterval:        cfg.Engine.RefundScanInterval,
		BroadcastsPerMinute: cfg.Engine.BroadcastsPerMinute,
	}, log)
	go refunds.Run(ctx)

	// Profitability gate over the factory's query surface.
	analyzer := profit.NewAnalyzer(factory, factory, profitConfig(cfg, log), log)

	// Resume executions interrupted by the last shutdown.
	if n, err := executor.ResumeActive(ctx); err != nil {
		log.Warn("Failed to resume executions", "error", err)
	} else if n > 0 {
		log.Info("Resumed interrupted executions", "count", n)
	}

	// Order monitor feeding the pipeline.
	handler := &orderHandler{
		ctx:       ctx,
		analyzer:  analyzer,
		scheduler: scheduler,
		hub:       hub,
		store:     store,
		resolver:  factory.ResolverAddress(),
		log:       log.Component("pipeline"),
	}
	mon := monitor.New(factory, registry, handler, &monitor.Config{
		StartBlock:        cfg.Source.StartBlock,
		ReconcileInterval: 30 * time.Second,
	}, log)
	if err := mon.Start(ctx); err != nil {
		log.Fatal("Failed to start order monitor", "error", err)
	}
	defer mon.Stop()

	printBanner(log, cfg, factory.ResolverAddress().Hex())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()
	mon.Stop()
	scheduler.Stop()
	if eventsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		eventsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	log.Info("Goodbye!")
}

// orderHandler connects monitor callbacks to the profitability gate and the
// execution queue.
type orderHandler struct {
	ctx       context.Context
	analyzer  *profit.Analyzer
	scheduler *engine.Scheduler
	hub       *events.Hub
	store     *storage.Storage
	resolver  common.Address
	log       *logging.Logger
}

func (h *orderHandler) HandleOrderCreated(o *order.SwapOrder) {
	if err := h.store.SaveOrder(o); err != nil {
		h.log.Warn("failed to persist order", "order", order.HashString(o.OrderHash), "error", err)
	}
	h.hub.NewOrder(o)

	// Analysis touches the chain; keep the monitor's event loop free.
	go func() {
		assessment := h.analyzer.Analyze(h.ctx, o)
		if !assessment.IsProfitable {
			h.log.Debug("skipping order", "order", order.HashString(o.OrderHash),
				"reason", assessment.Reasoning)
			return
		}
		h.log.Info("queueing order", "order", order.HashString(o.OrderHash),
			"priority", assessment.Priority, "reason", assessment.Reasoning)
		h.scheduler.Enqueue(&engine.ExecutableOrder{
			Order:      o,
			Assessment: assessment,
			EnqueuedAt: time.Now(),
		})
	}()
}

func (h *orderHandler) HandleOrderMatched(orderHash [32]byte, resolver string) {
	if resolver != h.resolver.Hex() {
		h.log.Debug("order matched by another resolver",
			"order", order.HashString(orderHash), "resolver", resolver)
	}
	h.setStatus(orderHash, order.StatusMatched, resolver)
}

func (h *orderHandler) HandleOrderCompleted(orderHash [32]byte, secret [32]byte) {
	h.setStatus(orderHash, order.StatusCompleted, "")
}

func (h *orderHandler) HandleOrderCancelled(orderHash [32]byte) {
	h.setStatus(orderHash, order.StatusCancelled, "")
}

func (h *orderHandler) setStatus(orderHash [32]byte, status order.Status, resolver string) {
	err := h.store.SetOrderStatus(orderHash, status, resolver)
	if err != nil && !errors.Is(err, storage.ErrOrderNotFound) {
		h.log.Warn("failed to persist order status",
			"order", order.HashString(orderHash), "error", err)
	}
	h.hub.NotifyOrderUpdate(orderHash, status)
}

// newBackendRegistry builds the explorer registry from defaults plus config
// overrides, every backend wrapped in a circuit breaker.
func newBackendRegistry(cfg *config.Config, network chain.Network) *backend.Registry {
	configs := backend.DefaultConfigs()
	for symbol, override := range cfg.Backends {
		configs[symbol] = override
	}

	r := backend.NewRegistry()
	for symbol, bcfg := range configs {
		b, err := backend.New(bcfg, network)
		if err != nil {
			continue
		}
		r.Register(symbol, backend.WithBreaker(b, symbol))
	}
	return r
}

// profitConfig translates the yaml thresholds into the analyzer's config.
func profitConfig(cfg *config.Config, log *logging.Logger) *profit.Config {
	pc := profit.DefaultConfig()
	if cfg.Profit.MinProfit != "" {
		if v, ok := new(big.Int).SetString(cfg.Profit.MinProfit, 10); ok {
			pc.MinProfit = v
		} else {
			log.Warn("Invalid profit.min_profit, using default", "value", cfg.Profit.MinProfit)
		}
	}
	pc.MinMarginBps = cfg.Profit.MinMarginBps
	pc.MaxSafetyDepositBps = cfg.Profit.MaxSafetyDepositBps
	pc.OpportunityCostBps = cfg.Profit.OpportunityCostBps
	pc.SourceGasUnits = cfg.Profit.SourceGasUnits
	pc.MinTimeToExpiry = cfg.Profit.MinTimeToExpiry
	return pc
}

func printBanner(log *logging.Logger, cfg *config.Config, resolver string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Fusion Resolver (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Resolver: %s", resolver)
	log.Infof("  Source:   %s @ %s", cfg.Source.ChainSymbol, cfg.Source.RPCURL)
	log.Infof("  Factory:  %s", cfg.Source.ContractAddress)
	if cfg.Events.Enabled {
		log.Infof("  Operator WS: ws://%s/ws", cfg.Events.ListenAddr)
	}
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
