package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kusd/cmd/internal/passphrase"
	"kusd/config"
	"kusd/core"
	"kusd/core/genesis"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/gateway/middleware"
	"kusd/gateway/routes"
	"kusd/native/oracle"
	"kusd/observability/logging"
	telemetry "kusd/observability/otel"
	"kusd/services/indexer"
	"kusd/services/pricefeed"
	"kusd/services/webhooks"
	"kusd/storage"
)

const (
	adminPassEnv   = "KUSD_ADMIN_PASS"
	genesisPathEnv = "KUSD_GENESIS"
	envVar         = "KUSD_ENV"

	gaugeInterval = 15 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides KUSD_GENESIS and config GenesisFile)")
	flag.Parse()

	if err := run(*configFile, *genesisFlag); err != nil {
		slog.Error("kusdd exited", "error", err)
		os.Exit(1)
	}
}

func run(configFile, genesisFlag string) error {
	passSource := passphrase.NewSource(adminPassEnv, "admin keystore")
	cfg, err := config.Load(configFile, passSource.Get)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv(envVar))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("kusdd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	pass, err := passSource.Get()
	if err != nil {
		return err
	}
	adminKey, err := crypto.LoadFromKeystore(cfg.AdminKeystorePath, pass)
	if err != nil {
		return fmt.Errorf("load admin key: %w", err)
	}
	admin := adminKey.PubKey().Address()
	logger.Info("admin key loaded", "address", admin.String(), logging.MaskField("keystore", cfg.AdminKeystorePath))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	index, err := indexer.Open(cfg.EventIndexPath)
	if err != nil {
		return err
	}
	defer index.Close()

	sources := oracle.NewSources()
	var feeds *pricefeed.Manager
	if path := strings.TrimSpace(cfg.PriceFeeds.SourcesFile); path != "" {
		file, err := pricefeed.LoadFile(path)
		if err != nil {
			return err
		}
		feeds, err = pricefeed.New(file, pricefeed.NewRegistry(), sources, cfg.PollInterval(),
			pricefeed.WithLogger(logger), pricefeed.WithRecorder(index))
		if err != nil {
			return fmt.Errorf("configure price feeds: %w", err)
		}
		if err := feeds.Tick(ctx); err != nil {
			logger.Warn("initial price poll incomplete", "error", err)
		}
	}

	node, err := core.NewNode(db, sources, core.WithLogger(logger))
	if errors.Is(err, state.ErrStateVersionMismatch) {
		return fmt.Errorf("%w; run `kusdctl migrate --data-dir %s` first", err, cfg.DataDir)
	}
	if err != nil {
		return err
	}
	if !node.Initialized() {
		path, err := resolveGenesisPath(genesisFlag, cfg.GenesisFile, os.LookupEnv)
		if err != nil {
			return err
		}
		spec, err := genesis.LoadGenesisSpec(path)
		if err != nil {
			return fmt.Errorf("load genesis: %w", err)
		}
		if err := node.InitGenesis(ctx, spec, admin); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
	}

	ix := indexer.New(index, node, 5*time.Second, logger)
	node.OnCommit(ix.Notify)

	if endpoint := strings.TrimSpace(cfg.Webhooks.Endpoint); endpoint != "" {
		secret := cfg.WebhookSecret()
		if secret == "" {
			return fmt.Errorf("webhooks.Endpoint set but %s is empty", cfg.Webhooks.SecretEnv)
		}
		hooks, err := webhooks.NewDispatcher(endpoint, []byte(secret),
			webhooks.WithEvents(cfg.Webhooks.Events...),
			webhooks.WithRetryPolicy(cfg.Webhooks.MaxAttempts, 0, 0),
			webhooks.WithLogger(logger.With("component", "webhooks")))
		if err != nil {
			return err
		}
		defer hooks.Close()
		node.OnCommit(hooks.Notify)
		logger.Info("webhook delivery enabled", "endpoint", endpoint, "events", cfg.Webhooks.Events)
	}

	handler, err := routes.New(routes.Config{
		Ledger:   node,
		Index:    index,
		Operator: admin,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.AdminTokenSecret(),
			Issuer:     cfg.Gateway.AdminTokenIssuer,
			Audience:   cfg.Gateway.AdminTokenAudience,
		}, logger),
		RateLimiter:   middleware.NewRateLimiter(rateLimits(cfg.Gateway), logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: cfg.Telemetry.ServiceName, LogRequests: cfg.Gateway.LogRequests}, logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.Gateway.AllowedOrigins},
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(handler, "kusd-gateway"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background task stopped", "component", name, "error", err)
			}
		}()
	}
	if feeds != nil {
		background("pricefeed", feeds.Run)
	}
	background("indexer", ix.Run)
	background("gauges", func(ctx context.Context) error {
		return publishGauges(ctx, node, logger)
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress)
		serverErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve http: %w", err)
		}
		stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	return runErr
}

func rateLimits(gw config.Gateway) map[string]middleware.RateLimit {
	read := middleware.RateLimit{RatePerSecond: gw.RateLimitPerSecond, Burst: gw.Burst}
	return map[string]middleware.RateLimit{
		routes.LimitRead:      read,
		routes.LimitRebalance: {RatePerSecond: 1, Burst: 5},
		routes.LimitAdmin:     {RatePerSecond: 1, Burst: 5},
	}
}

func publishGauges(ctx context.Context, node *core.Node, logger *slog.Logger) error {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		if err := node.PublishGauges(); err != nil {
			logger.Debug("gauge refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolveGenesisPath picks the genesis file: CLI flag, then environment, then
// config.
func resolveGenesisPath(cliValue, cfgValue string, lookup func(string) (string, bool)) (string, error) {
	if trimmed := strings.TrimSpace(cliValue); trimmed != "" {
		return trimmed, nil
	}
	if value, ok := lookup(genesisPathEnv); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed, nil
		}
	}
	if trimmed := strings.TrimSpace(cfgValue); trimmed != "" {
		return trimmed, nil
	}
	return "", fmt.Errorf("ledger has no genesis; provide --genesis, %s or GenesisFile", genesisPathEnv)
}
