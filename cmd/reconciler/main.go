package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ariefcatur/go-clinic-checkout/internal/config"
	"github.com/ariefcatur/go-clinic-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-clinic-checkout/internal/kafka"
	"github.com/ariefcatur/go-clinic-checkout/internal/logx"
	"github.com/ariefcatur/go-clinic-checkout/internal/orders"
	"github.com/ariefcatur/go-clinic-checkout/internal/payment"
	"github.com/ariefcatur/go-clinic-checkout/internal/postgres"
	"github.com/ariefcatur/go-clinic-checkout/internal/redisx"
	"github.com/ariefcatur/go-clinic-checkout/internal/reconcile"
	"github.com/ariefcatur/go-clinic-checkout/internal/settlement"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

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
	log = log.Named("reconciler")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()

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

	policy := settlement.Policy{MaxAttempts: cfg.ReconcileAttempts, Interval: cfg.ReconcileInterval}
	if err := policy.Validate(); err != nil {
		log.Fatal("reconcile policy", zap.Error(err))
	}

	svc := &reconcile.Service{
		Ledger: &orders.Ledger{DB: db},
		Stock:  &inventory.Manager{DB: db},
		Gateways: map[payment.MethodKind]payment.Gateway{
			payment.KindInstant:     payment.Instant{},
			payment.KindAsyncRemote: momo,
		},
		Settler:     &settlement.Poller{Policy: policy, Log: log},
		Dedup:       &redisx.Dedup{RDB: rdb, Service: "reconciler"},
		Events:      prod,
		MaxRounds:   cfg.ReconcileMaxRounds,
		ServiceName: cfg.ServiceName + "-reconciler",
		Log:         log,
	}

	consumers := []struct {
		topic string
		h     kafkax.Handler
	}{
		{orders.TopicPaymentUnresolved, svc.HandleUnresolved},
		{orders.TopicReconciliationRequired, svc.HandleReconciliationRequired},
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcileGroup, c.topic, cfg.ReconcileWorkers, log)
		wg.Add(1)
		go func(topic string, h kafkax.Handler) {
			defer wg.Done()
			log.Info("consumer started", zap.String("topic", topic), zap.Int("workers", cfg.ReconcileWorkers))
			if err := cons.Start(ctx, h); err != nil {
				log.Error("consumer exit", zap.String("topic", topic), zap.Error(err))
				cancel()
			}
		}(c.topic, c.h)
	}

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumers")
	cancel()
	wg.Wait()
	prod.Close()
	prod.WaitClosed()
}
