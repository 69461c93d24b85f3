package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/internal/events"
	"github.com/xenking/bagmarket/internal/handler"
	"github.com/xenking/bagmarket/pkg/health"
	"github.com/xenking/bagmarket/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("payments", cfg.Payment.Provider),
	)

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.close()

	payments, err := newPayments(cfg.Payment)
	if err != nil {
		return err
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck(st.name, 5*time.Second, health.PingCheck(st.db))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Process-local state unless Redis is configured.
	var (
		nonces      httpmiddleware.NonceStore       = httpmiddleware.NewMemoryNonceStore()
		idempotency httpmiddleware.IdempotencyStore = httpmiddleware.NewMemoryIdempotencyStore()
		rateLimit   httpmiddleware.Middleware
	)
	limits := httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "ping redis")
		}
		nonces = httpmiddleware.NewRedisNonceStore(rdb, cfg.Redis.Prefix)
		idempotency = httpmiddleware.NewRedisIdempotencyStore(rdb, cfg.Redis.Prefix)
		limits.Limiter = httpmiddleware.NewRedisLimiter(rdb, cfg.Redis.Prefix, cfg.RateLimit.Max, cfg.RateLimit.Window)
		rateLimit = httpmiddleware.RateLimit(limits)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	} else {
		rateLimit = httpmiddleware.RateLimitWithCleanup(ctx, limits)
	}

	var relay *events.Relay
	if brokers := events.ParseBrokers(cfg.Events.Brokers); len(brokers) > 0 {
		publisher := events.NewKafkaPublisher(brokers, cfg.Events.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("Close kafka writer", zap.Error(err))
			}
		}()
		relay = events.NewRelay(st.outbox, publisher, events.RelayConfig{
			Interval:  cfg.Events.Interval,
			BatchSize: cfg.Events.BatchSize,
		})
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, events.BrokerCheck(brokers))
	} else {
		lg.Warn("Kafka brokers not configured, order events stay in the outbox")
	}

	orderService := order.NewService(st.bags, st.orders, payments,
		order.WithMeterProvider(m.MeterProvider()),
		order.WithCurrency(cfg.Payment.Currency),
	)

	hcfg := handler.Config{
		Idempotency: httpmiddleware.Idempotency(httpmiddleware.IdempotencyConfig{
			Store: idempotency,
			TTL:   cfg.Idempotency.TTL,
		}),
		StripeWebhookSecret: cfg.Webhook.StripeSecret,
	}
	if cfg.Webhook.Secret != "" {
		hcfg.WebhookAuth = httpmiddleware.VerifySignature(httpmiddleware.SignatureConfig{
			Secret:    cfg.Webhook.Secret,
			Scope:     "payments",
			Nonces:    nonces,
			ClockSkew: cfg.Webhook.ClockSkew,
		})
	} else {
		lg.Warn("Webhook secret not configured, payment webhooks are unauthenticated")
	}
	router := handler.NewRouter(handler.New(orderService, hcfg))

	routeFinder := httpmiddleware.MakeRouteFinder(router)
	mux := http.NewServeMux()
	healthSvc.Register(mux)
	mux.Handle("/api/", router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			rateLimit,
			httpmiddleware.Instrument("bagmarket-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		// Drain: fail readiness first so load balancers stop routing here.
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	return g.Wait()
}
