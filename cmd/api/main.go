package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-clinic-checkout/internal/checkout"
	"github.com/ariefcatur/go-clinic-checkout/internal/config"
	"github.com/ariefcatur/go-clinic-checkout/internal/httpx"
	"github.com/ariefcatur/go-clinic-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-clinic-checkout/internal/kafka"
	"github.com/ariefcatur/go-clinic-checkout/internal/logx"
	"github.com/ariefcatur/go-clinic-checkout/internal/orders"
	"github.com/ariefcatur/go-clinic-checkout/internal/payment"
	"github.com/ariefcatur/go-clinic-checkout/internal/postgres"
	"github.com/ariefcatur/go-clinic-checkout/internal/redisx"
	"github.com/ariefcatur/go-clinic-checkout/internal/settlement"
	"github.com/ariefcatur/go-clinic-checkout/internal/sources"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// lockMargin keeps the checkout lock alive a little past the request budget.
const lockMargin = 5 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logx.New(cfg.AppEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	if cfg.DBMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("db migrate failed", zap.Error(err))
		}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()

	// Gateways
	momo, err := payment.NewMobileMoney(payment.MobileMoneyConfig{
		BaseURL:         cfg.MoMoBaseURL,
		APIUser:         cfg.MoMoAPIUser,
		APIKey:          cfg.MoMoAPIKey,
		SubscriptionKey: cfg.MoMoSubscriptionKey,
		TargetEnv:       cfg.MoMoTargetEnv,
		ContactPattern:  cfg.MoMoContactPattern,
		Timeout:         cfg.GatewayTimeout,
		RatePerSec:      cfg.GatewayRatePerSec,
	}, &payment.RedisTokenStore{RDB: rdb, Key: fmt.Sprintf(redisx.KeyMoMoToken, cfg.MoMoTargetEnv)}, log)
	if err != nil {
		log.Fatal("mobile money gateway", zap.Error(err))
	}

	policy := settlement.Policy{MaxAttempts: cfg.SettleAttempts, Interval: cfg.SettleInterval}
	if err := policy.Validate(); err != nil {
		log.Fatal("settlement policy", zap.Error(err))
	}

	ledger := &orders.Ledger{DB: db}
	svc := &checkout.Service{
		Stock:   &inventory.Manager{DB: db},
		Ledger:  ledger,
		Methods: &payment.Methods{DB: db},
		Gateways: map[payment.MethodKind]payment.Gateway{
			payment.KindInstant:     payment.Instant{},
			payment.KindAsyncRemote: momo,
		},
		Carts:            &sources.Carts{DB: db},
		Appointments:     &sources.Appointments{DB: db},
		Locker:           &redisx.Locker{RDB: rdb, TTL: cfg.CheckoutBudget() + lockMargin},
		Events:           prod,
		Settler:          &settlement.Poller{Policy: policy, Log: log},
		Log:              log,
		DeliveryFeeCents: cfg.DeliveryFeeCents,
		Currency:         cfg.Currency,
		ServiceName:      cfg.ServiceName,
	}

	router := httpx.NewRouter(log, cfg.CheckoutBudget())
	(&httpx.CheckoutHandler{
		Checkout: svc,
		Orders:   ledger,
		Cache:    &redisx.StatusCache{RDB: rdb},
		Log:      log,
	}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr),
			zap.Duration("checkout_budget", cfg.CheckoutBudget()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	// in-flight checkouts may still be settling
	ctx2, cancel2 := context.WithTimeout(context.Background(), cfg.CheckoutBudget())
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	prod.Close() // close inbox, flush and close writer
	cancel()
	prod.WaitClosed()
}
