package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fxsage/fxadvisor/internal/alerts"
	"github.com/fxsage/fxadvisor/internal/api"
	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/delivery"
	"github.com/fxsage/fxadvisor/internal/learning"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/metrics"
	"github.com/fxsage/fxadvisor/internal/position"
	"github.com/fxsage/fxadvisor/internal/predictor"
	"github.com/fxsage/fxadvisor/internal/registry"
	sigmon "github.com/fxsage/fxadvisor/internal/signal"
	"github.com/fxsage/fxadvisor/internal/store"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Bootstrap logging until the configured logger takes over.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting fxadvisor daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Vault-managed secrets override file and environment values.
	vaultCfg := config.GetVaultConfigFromEnv()
	if vaultCfg.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg, vaultCfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
		}
	}
	if cfg.App.Environment == "production" {
		if problems := config.ValidateProductionSecrets(cfg); len(problems) > 0 {
			log.Fatal().Str("details", problems.Error()).Msg("Production secrets failed validation")
		}
	}

	// Operator alerting. Everything downstream pages through the
	// default manager.
	alertMgr, err := alerts.FromConfig(cfg.Alerts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure alerting")
	}
	alerts.SetDefaultManager(alertMgr)

	// PostgreSQL
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	candleStore := store.NewCandleStore(db.Pool())
	signalStore := store.NewSignalStore(db.Pool())
	modelStore := store.NewModelStore(db.Pool())
	positionStore := store.NewPositionStore(db.Pool())
	receiptStore := store.NewReceiptStore(db.Pool())
	subscriptionStore := store.NewSubscriptionStore(db.Pool())
	trainingStore := store.NewTrainingLogStore(db.Pool())

	// Redis is the warm-restart snapshot layer; the cache runs fine
	// without it.
	var redisClient *redis.Client
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, continuing without snapshots")
		_ = rc.Close()
	} else {
		redisClient = rc
		defer rc.Close()
	}

	// Event bus
	eventBus, err := bus.New(bus.Config{
		Embedded: cfg.NATS.Embedded,
		URL:      cfg.NATS.URL,
		Prefix:   cfg.NATS.SubjectPrefix,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}
	defer eventBus.Close()

	// Market cache
	fetcher := market.NewHTTPFetcher(market.FetcherConfig{
		BaseURL:           cfg.Market.BaseURL,
		APIKey:            cfg.Market.APIKey,
		Timeout:           cfg.Market.GetFetchTimeout(),
		RequestsPerMinute: cfg.Market.RequestsPerMinute,
	}, log.Logger)
	marketSvc := market.NewService(
		market.NewCache(cfg.Market.CacheDepth, log.Logger),
		fetcher,
		market.NewRedisCandleCache(redisClient, 0),
		candleStore,
		log.Logger,
	)

	subscriptionSvc := subscription.NewService(subscriptionStore, cfg.Delivery)

	// Model routing table. A daemon that cannot route predictions is
	// not allowed up; the alert marks it as an operator problem.
	router := registry.NewRouter(modelStore, log.Logger)
	if err := router.Load(ctx); err != nil {
		alerts.AlertRoutingIntegrity(ctx, err)
		log.Fatal().Err(err).Msg("Model routing table failed to load")
	}

	predictorClient := predictor.NewClient(cfg.Predictor)

	signalMonitor := sigmon.NewMonitor(
		cfg.Monitor, marketSvc, predictorClient, router,
		signalStore, subscriptionSvc, eventBus,
	)
	if err := signalMonitor.Warm(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to warm signal state")
	}

	positionSvc := position.NewService(positionStore)
	positionMonitor := position.NewMonitor(
		cfg.Position, positionStore, marketSvc, predictorClient, router, eventBus,
	)

	transport, err := delivery.NewTransport(ctx, cfg.Delivery)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build delivery transport")
	}
	engine := delivery.NewEngine(
		cfg.Delivery, eventBus, subscriptionSvc, receiptStore, positionStore, transport,
	)

	controller := learning.NewController(
		cfg.Learning, predictorClient, router, signalStore, trainingStore, eventBus,
	)

	// Promotions change the routing table out from under the monitors;
	// reload on every announcement.
	promoSub, err := eventBus.Subscribe(bus.TopicModelPromoted, func(ev *bus.Event) error {
		if err := router.Load(ctx); err != nil {
			alerts.AlertRoutingIntegrity(ctx, err)
			return err
		}
		log.Info().Msg("Routing table reloaded after promotion")
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to promotions")
	}
	defer promoSub.Unsubscribe()

	apiServer := api.NewServer(cfg.API, api.Deps{
		Market:        marketSvc,
		Subscriptions: subscriptionSvc,
		Positions:     positionSvc,
		Signals:       signalStore,
		Models:        modelStore,
		Events:        eventBus,
	})

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	// Pre-load the subscribed series so the first monitor tick hits a
	// warm cache. Best effort: a cold key heals on its first check.
	if keys, err := subscriptionSvc.ActiveKeys(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not enumerate subscriptions for warm-up")
	} else if err := marketSvc.EnsureWarm(ctx, keys, cfg.Market.WarmCandles); err != nil {
		log.Warn().Err(err).Msg("Market cache warm-up incomplete")
	}

	// Long-running components. Any of them returning an error brings
	// the daemon down.
	errChan := make(chan error, 4)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := signalMonitor.Driver().Run(ctx); err != nil {
			errChan <- fmt.Errorf("signal monitor: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := positionMonitor.Driver().Run(ctx); err != nil {
			errChan <- fmt.Errorf("position monitor: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			errChan <- fmt.Errorf("delivery engine: %w", err)
		}
	}()

	if err := controller.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start training schedule")
	}
	defer controller.Stop()

	go func() {
		if err := apiServer.Start(); err != nil {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Cache upkeep: evict expired real-time candles and refresh pool
	// stats off the hot path.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				marketSvc.ExpireStale()
				db.ReportStats()
			}
		}
	}()

	if metricsServer != nil {
		metricsServer.SetReady(true)
	}
	log.Info().Msg("All components started")

	// Wait for a shutdown signal or a component failure.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Component failed")
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then let the workers drain.
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown grace expired with workers still running")
	}

	// Persist the cache so the next boot starts warm.
	marketSvc.Snapshot(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	log.Info().Msg("Shutdown complete")
}
