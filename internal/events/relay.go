package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Source reads unsent events from the outbox.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]Event, error)
	MarkSent(ctx context.Context, ids []string) error
}

// Publisher delivers events to the broker.
type Publisher interface {
	Publish(ctx context.Context, batch []Event) error
}

// RelayConfig tunes the outbox polling loop.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Relay moves events from the outbox to the broker with at-least-once
// delivery: an event is marked sent only after the broker accepted it.
type Relay struct {
	src Source
	pub Publisher
	cfg RelayConfig
}

// NewRelay creates a Relay. Zero config values fall back to one second and
// one hundred events per batch.
func NewRelay(src Source, pub Publisher, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{src: src, pub: pub, cfg: cfg}
}

// Run polls the outbox until ctx is cancelled. Failed batches are retried on
// the next tick.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("relay")
	lg.Info("Starting outbox relay",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
		}
		for {
			n, err := r.Flush(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				lg.Warn("Outbox flush failed", zap.Error(err))
				break
			}
			if n < r.cfg.BatchSize {
				break
			}
		}
	}
}

// Flush publishes one batch of pending events and returns how many were
// sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	batch, err := r.src.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "fetch pending")
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := r.pub.Publish(ctx, batch); err != nil {
		return 0, errors.Wrap(err, "publish")
	}

	ids := make([]string, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	if err := r.src.MarkSent(ctx, ids); err != nil {
		return 0, errors.Wrap(err, "mark sent")
	}

	zctx.From(ctx).Debug("Outbox batch published", zap.Int("count", len(batch)))
	return len(batch), nil
}
