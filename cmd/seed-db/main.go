// Command seed-db loads the bag catalog into the order store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/bagmarket/internal/domain/bag"
	"github.com/xenking/bagmarket/internal/storage/postgres"
	"github.com/xenking/bagmarket/internal/storage/sqlite"
)

type upserter interface {
	Upsert(ctx context.Context, bags []bag.Snapshot) error
}

func main() {
	var (
		driver      string
		databaseURL string
		sqlitePath  string
		bagsFile    string
	)

	flag.StringVar(&driver, "driver", "postgres", "order store driver: postgres or sqlite")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&sqlitePath, "sqlite-path", "bagmarket.db", "SQLite database file")
	flag.StringVar(&bagsFile, "bags-file", "db/seed/bags.json", "path to bags JSON file, optionally gzip compressed (.gz)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, driver, databaseURL, sqlitePath, bagsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, driver, databaseURL, sqlitePath, bagsFile string) error {
	bags, err := loadBags(bagsFile)
	if err != nil {
		return errors.Wrap(err, "load bags")
	}
	slog.Info("loaded bags", slog.String("path", bagsFile), slog.Int("count", len(bags)))

	var store upserter
	switch driver {
	case "postgres":
		if databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		slog.Info("connecting to database")
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		slog.Info("running migrations")
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		store = postgres.NewBagRepository(pool)
	case "sqlite":
		slog.Info("opening sqlite database", slog.String("path", sqlitePath))
		db, err := sqlite.Open(ctx, sqlitePath)
		if err != nil {
			return errors.Wrap(err, "open sqlite")
		}
		defer func() { _ = db.Close() }()
		store = sqlite.NewBagRepository(db)
	default:
		return errors.Errorf("unknown driver %q", driver)
	}

	if err := store.Upsert(ctx, bags); err != nil {
		return errors.Wrap(err, "upsert bags")
	}
	slog.Info("upserted bags", slog.Int("count", len(bags)))
	return nil
}
