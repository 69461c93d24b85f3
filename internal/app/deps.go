package app

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/bagmarket/internal/domain/bag"
	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/internal/domain/payment"
	"github.com/xenking/bagmarket/internal/events"
	"github.com/xenking/bagmarket/internal/payment/httpclient"
	"github.com/xenking/bagmarket/internal/payment/stripepay"
	"github.com/xenking/bagmarket/internal/storage/postgres"
	"github.com/xenking/bagmarket/internal/storage/sqlite"
	"github.com/xenking/bagmarket/pkg/health"
)

// stores groups the repositories of one storage driver.
type stores struct {
	name   string
	bags   bag.Gateway
	orders order.Store
	outbox events.Source
	db     health.Pinger
	close  func()
}

func openStores(ctx context.Context, cfg StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		return &stores{
			name:   "sqlite",
			bags:   sqlite.NewBagRepository(db),
			orders: sqlite.NewOrderRepository(db),
			outbox: sqlite.NewOutboxRepository(db),
			db:     db,
			close:  func() { _ = db.Close() },
		}, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		return &stores{
			name:   "postgres",
			bags:   postgres.NewBagRepository(pool),
			orders: postgres.NewOrderRepository(pool),
			outbox: postgres.NewOutboxRepository(pool),
			db:     pool,
			close:  pool.Close,
		}, nil
	}
}

func newPayments(cfg PaymentConfig) (payment.Gateway, error) {
	switch cfg.Provider {
	case "stripe":
		g, err := stripepay.New(stripepay.Config{APIKey: cfg.StripeKey, AccountID: cfg.StripeAccount})
		if err != nil {
			return nil, errors.Wrap(err, "stripe gateway")
		}
		return g, nil
	default:
		c, err := httpclient.New(httpclient.Config{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			return nil, errors.Wrap(err, "payment client")
		}
		return c, nil
	}
}
