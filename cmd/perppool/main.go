package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PerpPool/internal/config"
	"PerpPool/internal/core"
	"PerpPool/internal/custody"
	"PerpPool/internal/ingestion"
	fpmath "PerpPool/internal/math"
	"PerpPool/internal/observability"
	"PerpPool/internal/persistence"
	"PerpPool/internal/pricefeed"
	"PerpPool/internal/query"
	"PerpPool/internal/server"
	"PerpPool/internal/state"
	"PerpPool/migrations"
)

const housekeepingInterval = time.Minute

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config: %v\n", err)
		os.Exit(1)
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, component, level)
	}
	logger := newLogger("main")

	if err := run(cfg, newLogger); err != nil {
		logger.Fatal().Err(err).Msg("PerpPool stopped")
	}
	logger.Info().Msg("PerpPool shutdown complete")
}

func run(cfg config.Config, newLogger func(string) zerolog.Logger) error {
	logger := newLogger("main")
	market := cfg.Market
	engineKey := market.EngineID.Hex()
	logger.Info().Str("ticker", market.Ticker).Str("engine", engineKey).Msg("PerpPool starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	var files fs.FS = migrations.Files
	if cfg.MigrationsDir != "" {
		files = os.DirFS(cfg.MigrationsDir)
	}
	if _, err := persistence.NewMigrator(db, files, newLogger("migrator")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, newLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, newLogger("nats")); err != nil {
		return err
	}

	// --- Registry ---
	registry, err := state.NewParamsManager(market.Params)
	if err != nil {
		return err
	}
	registry.AddEngine(market.EngineID, market.TrustWindow)
	if market.Successor != (common.Address{}) {
		if err := registry.Redeploy(market.EngineID, market.Successor, market.TrustWindow); err != nil {
			return err
		}
	}

	// --- Mark price ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	prices, subscriber, rdb, err := buildPriceFeed(cfg, js, metrics, newLogger("price-subscriber"))
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db, engineKey)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	nextSeq, err := snapMgr.NextSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log tail: %w", err)
	}
	if snap != nil && snap.Sequence > nextSeq {
		return fmt.Errorf("snapshot at sequence %d is ahead of event log tail %d", snap.Sequence, nextSeq)
	}

	// --- Tokens ---
	// Balances are carried by snapshots. Without one the bootstrap
	// allocation is minted and the whole log replays on top of it.
	saleToken := custody.NewToken("SALE")
	rewardToken := custody.NewToken("REWARD")
	if snap == nil {
		if err := mintAll(saleToken, market.Bootstrap.SaleToken); err != nil {
			return fmt.Errorf("bootstrap sale token: %w", err)
		}
		if err := mintAll(rewardToken, market.Bootstrap.RewardToken); err != nil {
			return fmt.Errorf("bootstrap reward token: %w", err)
		}
	}

	marketStart := market.Start
	if marketStart.IsZero() {
		marketStart = time.Now().UTC()
	}

	dbChecker := persistence.NewPostgresOrderIDChecker(db, engineKey)
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	engine, err := core.New(core.Config{
		EngineID:    market.EngineID,
		MarketID:    market.Ticker,
		MarketStart: marketStart,
		Registry:    registry,
		Prices:      prices,
		SaleToken:   saleToken,
		RewardToken: rewardToken,
		OrderIDs:    core.NewOrderIDGuard(cfg.OrderIDLRUCapacity, dbChecker),
		PersistChan: persistChan,
		PublishChan: publishChan,
		Metrics:     metrics,
		Logger:      newLogger("engine"),
	})
	if err != nil {
		return err
	}

	var from int64
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		from = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Str("staked", saleToken.Custodied().String()).
			Msg("restored from snapshot")
	} else {
		logger.Info().Int64("log_tail", nextSeq).Msg("no snapshot found, cold start")
	}
	replayed, err := replayEventsFromLog(ctx, snapMgr, engine, from, newLogger("replay"))
	if err != nil {
		return fmt.Errorf("event replay: %w", err)
	}
	if got := engine.Sequence(); got != nextSeq {
		return fmt.Errorf("replay stopped at sequence %d, event log tail is %d", got, nextSeq)
	}
	if replayed > 0 {
		logger.Info().Int("events", replayed).Int64("sequence", nextSeq).Msg("replayed event log")
	}
	if ids, err := dbChecker.RecentOrderIDs(ctx, 0, cfg.OrderIDLRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("order id warm-up failed")
	} else {
		engine.WarmOrderIDs(ids)
	}

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, engineKey, persistChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, newLogger("persistence"))
	persistWorker.SetLastPersisted(nextSeq - 1)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, newLogger("publisher"))

	// Both drain until their channel is closed, after every producer stops.
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(context.Background()) }()
	publishDone := make(chan error, 1)
	go func() { publishDone <- publisher.Run(context.Background()) }()

	// --- Servers ---
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)
	health.AddCheck("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats %s", st)
		}
		return nil
	})

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, newLogger("grpc"))
	lc, _ := engine.Lifecycle()
	grpcServer.SetEngineLifecycle(lc)

	httpServer, err := server.NewHTTPServer(server.HTTPConfig{
		Addr:        cfg.HTTPAddr,
		Engine:      engine,
		Registry:    registry,
		Admin:       market.Admin,
		RateLimit:   cfg.HTTPRateLimit,
		RateBurst:   cfg.HTTPRateBurst,
		Health:      health,
		Audit:       query.NewQueryService(db, engineKey),
		OnLifecycle: grpcServer.SetEngineLifecycle,
		Metrics:     metrics,
		Logger:      newLogger("http"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return httpServer.Start(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, newLogger("metrics")) })
	if subscriber != nil {
		g.Go(func() error {
			if err := subscriber.Subscribe(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			subscriber.Stop()
			return nil
		})
	}
	hk := &housekeeper{
		engine:   engine,
		worker:   persistWorker,
		snapMgr:  snapMgr,
		grpc:     grpcServer,
		cfg:      cfg,
		persist:  persistChan,
		publish:  publishChan,
		metrics:  metrics,
		logger:   newLogger("snapshot"),
		lastSnap: nextSeq,
	}
	g.Go(func() error { return hk.run(gctx) })

	health.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpPool ready")

	runErr := g.Wait()
	health.SetReady(false)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Every producer has stopped: drain the workers, then take the final
	// snapshot so the next boot resumes at the log tail.
	close(persistChan)
	close(publishChan)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case err := <-persistDone:
		if err != nil {
			logger.Error().Err(err).Msg("persistence worker failed")
		}
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence worker did not drain in time")
	}
	select {
	case <-publishDone:
	case <-shutdownCtx.Done():
	}
	if err := hk.snapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// buildPriceFeed wires the configured mark price source. The NATS and Redis
// sources both need the oracle subscriber; Redis adds a shared cache.
func buildPriceFeed(
	cfg config.Config,
	js jetstream.JetStream,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (core.PriceFeed, *ingestion.PriceSubscriber, *redis.Client, error) {
	switch cfg.PriceSource {
	case config.PriceSourceStatic:
		price, err := fpmath.ParseFixedInt64(cfg.StaticPrice, fpmath.USDConfig)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("PERP_STATIC_PRICE: %w", err)
		}
		return pricefeed.NewStatic(price), nil, nil, nil

	case config.PriceSourceRedis:
		latest := pricefeed.NewLatest(cfg.PriceMaxAge)
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ttl := cfg.PriceMaxAge
		if ttl <= 0 {
			ttl = time.Minute
		}
		cached := pricefeed.NewRedis(latest, rdb, cfg.Market.Ticker, ttl)
		sub := ingestion.NewPriceSubscriber(js, cfg.Market.Ticker, latest, cached, metrics, logger)
		return cached, sub, rdb, nil

	default:
		latest := pricefeed.NewLatest(cfg.PriceMaxAge)
		sub := ingestion.NewPriceSubscriber(js, cfg.Market.Ticker, latest, nil, metrics, logger)
		return latest, sub, nil, nil
	}
}

func mintAll(token *custody.Token, balances map[common.Address]string) error {
	for addr, s := range balances {
		amount, err := config.ParseAmount(s)
		if err != nil {
			return err
		}
		if amount.Sign() == 0 {
			continue
		}
		if err := token.Mint(addr, amount); err != nil {
			return fmt.Errorf("mint %s: %w", addr.Hex(), err)
		}
	}
	return nil
}

// replayEventsFromLog re-applies the events logged after the snapshot,
// page by page.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.Engine,
	fromSequence int64,
	logger zerolog.Logger,
) (int, error) {
	const pageSize = 1000
	replayer := engine.Replayer()

	for {
		envs, err := snapMgr.LoadEventsFrom(ctx, fromSequence, pageSize)
		if err != nil {
			return replayer.Applied(), fmt.Errorf("load events from %d: %w", fromSequence, err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := replayer.Apply(env); err != nil {
				return replayer.Applied(), err
			}
		}
		fromSequence = envs[len(envs)-1].Sequence + 1
		logger.Debug().Int64("next", fromSequence).Msg("replayed page")
	}
	return replayer.Applied(), replayer.Finish()
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
