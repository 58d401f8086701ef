package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marginledger/internal/collateral"
	"marginledger/internal/config"
	"marginledger/internal/core"
	"marginledger/internal/custody"
	"marginledger/internal/event"
	"marginledger/internal/ledger"
	"marginledger/internal/liquidation"
	"marginledger/internal/margin"
	"marginledger/internal/observability"
	"marginledger/internal/persistence"
	"marginledger/internal/pricefeed"
	"marginledger/internal/server"
	"marginledger/internal/stream"
)

// staticRoles grants governance to the configured caller set.
type staticRoles struct {
	governors map[uuid.UUID]bool
}

func newStaticRoles(governors []uuid.UUID) *staticRoles {
	m := make(map[uuid.UUID]bool, len(governors))
	for _, g := range governors {
		m[g] = true
	}
	return &staticRoles{governors: m}
}

func (r *staticRoles) HasRole(caller uuid.UUID, role core.Role) bool {
	return role == core.RoleGovernance && r.governors[caller]
}

func main() {
	log := observability.NewLogger("marginledger")
	log.Info().Msg("marginledger starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- NATS ---
	nc, js, err := stream.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := stream.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure events stream")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Oracle & custody ---
	feed := pricefeed.New(cfg.OracleHeartbeat, log)
	if err := feed.Subscribe(nc); err != nil {
		log.Fatal().Err(err).Msg("subscribe price feed")
	}
	defer feed.Stop()

	vault := custody.NewVault(log)

	// --- Domain engines ---
	primary := collateral.Asset{Symbol: cfg.PrimarySymbol, Decimals: cfg.PrimaryDecimals}
	registry, err := collateral.NewRegistry(primary, cfg.PrimaryCap)
	if err != nil {
		log.Fatal().Err(err).Msg("init collateral registry")
	}

	led := ledger.New(registry, feed, vault)

	marginEngine := margin.NewEngine(led, margin.Params{
		MinMargin:           cfg.Risk.MinMargin,
		MinMarginAtCreation: cfg.Risk.MinMarginAtCreation,
	})

	insurance := liquidation.NewInsuranceReserve()
	liqEngine := liquidation.NewEngine(led, marginEngine, insurance, liquidation.Params{
		LiquidationRewardRate:    cfg.Risk.LiquidationRewardRate,
		InsuranceShare:           cfg.Risk.InsuranceShare,
		UADebtSeizureThreshold:   cfg.Risk.UADebtSeizureThreshold,
		NonUACollSeizureDiscount: cfg.Risk.NonUACollSeizureDiscount,
		ProposalTolerance:        cfg.Risk.ProposalTolerance,
	})

	engine := core.NewEngine(registry, led, marginEngine, liqEngine,
		newStaticRoles(cfg.Governors), metrics, log)

	// --- Fan-out channels ---
	// The persist channel blocks (backpressure); publish drops when full.
	persistChan := make(chan event.Envelope, cfg.PersistChanSize)
	publishChan := make(chan event.Envelope, cfg.PublishChanSize)
	journalChan := make(chan *ledger.Batch, cfg.PersistChanSize)

	engine.SetEventSinks(persistChan, publishChan)
	led.SetBatchSink(func(b *ledger.Batch) {
		journalChan <- b
	})

	// --- Workers & servers ---
	errChan := make(chan error, 8)

	writer := persistence.NewHistoryWriter(db)
	worker := persistence.NewWorker(writer, persistChan, journalChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, log)
	go func() {
		errChan <- worker.Run(ctx)
	}()

	publisher := stream.NewPublisher(js, publishChan, log)
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	apiServer := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Engine:        engine,
		Settlement:    engine.GrantSettlement(),
		HealthChecker: healthChecker,
		Logger:        log,
	})
	go func() {
		errChan <- apiServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- apiServer.StartHTTP(ctx)
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("marginledger ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	cancel()

	// Give the persistence worker a moment to flush its tail.
	time.Sleep(500 * time.Millisecond)

	log.Info().Msg("marginledger shutdown complete")
}
