package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rentflow/auth"
	"rentflow/config"
	"rentflow/db"
	"rentflow/deposit"
	"rentflow/lease"
	"rentflow/notify"
	"rentflow/payment"
	"rentflow/property"
	"rentflow/provider"
	"rentflow/telemetry"
)

func main() {
	ctx := context.Background()

	if err := telemetry.Init("rentflow-api"); err != nil {
		panic(err)
	}
	defer telemetry.Sync()
	log := telemetry.Logger

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load configuration", zap.Error(err))
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	alipay, err := provider.NewAlipay(cfg.Alipay, log.Named("alipay"))
	if err != nil {
		log.Fatal("configure alipay adapter", zap.Error(err))
	}
	adapters := map[payment.Method]provider.Adapter{
		payment.MethodAlipay: alipay,
		payment.MethodWechat: provider.NewWechat(cfg.Wechat),
		payment.MethodCard:   provider.NewCard(cfg.Card),
	}

	emitter := notify.NewEmitter()
	properties := property.NewRepository(pool)
	paymentRepo := payment.NewRepository(pool)
	leaseRepo := lease.NewRepository(pool)
	depositRepo := deposit.NewRepository(pool)

	rates := payment.SplitRates{PlatformBps: cfg.PlatformFeeBps, AgentBps: cfg.AgentFeeBps}
	releaser := payment.NewReleaser(pool, paymentRepo, properties, leaseRepo, emitter, rates, log.Named("release"))

	server := &Server{
		authService:    auth.NewService(auth.NewRepository(pool), cfg.JWTSecret),
		paymentService: payment.NewService(paymentRepo, adapters, log.Named("payment")),
		payments:       paymentRepo,
		reconciler:     payment.NewReconciler(pool, paymentRepo, properties, emitter, adapters, cfg.PollGraceWindow, log.Named("reconcile")),
		releaser:       releaser,
		leaseService:   lease.NewService(pool, leaseRepo, releaser),
		depositService: deposit.NewService(pool, depositRepo, properties, emitter),
		statusPageURL:  cfg.StatusPageURL,
		log:            log.Named("http"),
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	log.Info("api listening", zap.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server", zap.Error(err))
	}
}
