package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/assets"
	"github.com/xibeiwind/solidity-task/native/auction"
	"github.com/xibeiwind/solidity-task/native/bank"
	"github.com/xibeiwind/solidity-task/native/oracle"
	"github.com/xibeiwind/solidity-task/observability/logging"
	"github.com/xibeiwind/solidity-task/observability/metrics"
	telemetry "github.com/xibeiwind/solidity-task/observability/otel"
	"github.com/xibeiwind/solidity-task/services/auctiond/config"
	"github.com/xibeiwind/solidity-task/services/auctiond/eventlog"
	"github.com/xibeiwind/solidity-task/services/auctiond/server"
	"github.com/xibeiwind/solidity-task/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/auctiond/config.yaml", "path to auctiond configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("auctiond: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logOpts := logging.Options{Service: "auctiond", Env: env, Level: cfg.Log.Level}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger, logCloser := logging.Configure(logOpts)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "auctiond",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("auctiond: init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("auctiond: create data dir: %v", err)
	}
	db, err := storage.Open(cfg.StateBackend, filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		log.Fatalf("auctiond: open %s state: %v", cfg.StateBackend, err)
	}
	defer db.Close()
	mgr := state.NewManager(db)

	archiveDB, err := eventlog.Open(cfg.Events.ArchiveDSN)
	if err != nil {
		log.Fatalf("auctiond: open event archive: %v", err)
	}
	archive, err := eventlog.New(archiveDB, logger)
	if err != nil {
		log.Fatalf("auctiond: event archive: %v", err)
	}
	defer archive.Close()
	hub := server.NewHub(cfg.Events.StreamBuffer, 0)
	emitter := events.Fanout{archive, hub}

	native := bank.NewNative(mgr)
	tokens := bank.NewTokens(mgr)
	registryAssets := assets.NewRegistry(mgr)
	native.SetEmitter(emitter)
	tokens.SetEmitter(emitter)
	registryAssets.SetEmitter(emitter)

	if _, err := seedGenesis(ctx, mgr, ledgers{native: native, tokens: tokens, assets: registryAssets}, cfg.Genesis, logger); err != nil {
		log.Fatalf("auctiond: %v", err)
	}
	if err := grantAdmins(mgr, auction.AdminRole, cfg.Admins); err != nil {
		log.Fatalf("auctiond: %v", err)
	}

	feed, manual, err := buildFeed(ctx, cfg.Oracle)
	if err != nil {
		log.Fatalf("auctiond: %v", err)
	}
	feedKind := "manual"
	if manual == nil {
		feedKind = "aggregator"
	}
	logger.Info("auctiond: price feed configured",
		slog.String("component", feedKind),
		slog.Int("feeds", len(cfg.Oracle.Feeds)),
		logging.MaskField("rpc_url", cfg.Oracle.RPCURL))
	adapterOpts := []oracle.Option{
		oracle.WithQuoteValidity(cfg.Oracle.QuoteValidity.Duration),
		oracle.WithHealthBound(cfg.Oracle.HealthBound.Duration),
		oracle.WithEmitter(emitter),
		oracle.WithLogger(logger),
	}
	feedRefs := make([]string, 0, len(cfg.Oracle.Feeds))
	for _, fc := range cfg.Oracle.Feeds {
		unit, _ := types.ParsePaymentUnit(fc.Unit)
		decimals := fc.Decimals
		if agg, ok := feed.(*oracle.AggregatorFeed); ok && decimals == 0 {
			decimals, err = agg.Decimals(ctx, fc.Ref)
			if err != nil {
				log.Fatalf("auctiond: feed %s decimals: %v", fc.Ref, err)
			}
		}
		adapterOpts = append(adapterOpts, oracle.WithUnitFeed(unit, oracle.FeedConfig{
			Ref:          fc.Ref,
			Decimals:     decimals,
			UnitDecimals: fc.UnitDecimals,
		}))
		feedRefs = append(feedRefs, fc.Ref)
	}
	adapter, err := oracle.NewAdapter(mgr, feed, adapterOpts...)
	if err != nil {
		log.Fatalf("auctiond: oracle adapter: %v", err)
	}
	go watchFeedHealth(ctx, adapter, feedRefs, cfg.Oracle.CheckInterval.Duration, logger)

	registry, err := auction.NewRegistry(mgr, auction.Dependencies{
		Assets: registryAssets,
		Native: native,
		Tokens: tokens,
		Valuer: adapter,
	}, cfg.EngineCacheSize,
		auction.WithEmitter(emitter),
		auction.WithLogger(logger),
		auction.WithPauseView(mgr),
	)
	if err != nil {
		log.Fatalf("auctiond: auction registry: %v", err)
	}

	rateLimits := make(map[string]server.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		rateLimits[name] = server.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		MaxConnections: cfg.MaxConnections,
		Auth: server.AuthConfig{
			Disabled:   cfg.Auth.Disabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			AdminScope: cfg.Auth.AdminScope,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimits: rateLimits,
	}, server.Deps{
		Auctions: registry,
		Oracle:   adapter,
		Manual:   manual,
		Archive:  archive,
		Hub:      hub,
		Native:   native,
		Tokens:   tokens,
		Pauses:   mgr,
	}, logger)
	if err != nil {
		log.Fatalf("auctiond: %v", err)
	}

	if cfg.Auth.Disabled {
		logger.Warn("auctiond: authentication disabled, callers are taken from " + server.CallerHeader)
	} else {
		logger.Info("auctiond: jwt authentication enabled",
			slog.String("issuer", cfg.Auth.Issuer),
			logging.MaskField("hmac_secret", cfg.Auth.HMACSecret))
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("auctiond: server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("auctiond: shut down")
}

// buildFeed selects the on-chain aggregator when an RPC endpoint is configured
// and a manual feed otherwise. The manual feed is returned separately so the
// admin API can post observations into it.
func buildFeed(ctx context.Context, cfg config.OracleConfig) (oracle.Feed, *oracle.ManualFeed, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		manual := oracle.NewManualFeed()
		return manual, manual, nil
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	return oracle.NewAggregatorFeed(client), nil, nil
}

func watchFeedHealth(ctx context.Context, adapter *oracle.Adapter, refs []string, interval time.Duration, logger *slog.Logger) {
	if len(refs) == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, ref := range refs {
			healthy := adapter.IsFeedHealthy(ctx, ref)
			metrics.Auction().SetFeedHealthy(ref, healthy)
			if !healthy {
				logger.Warn("auctiond: price feed unhealthy", slog.String("feed", ref))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
