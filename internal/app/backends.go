package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"chorus.org/internal/auth"
	"chorus.org/internal/history"
	"chorus.org/internal/ledger"
	"chorus.org/internal/store/pg"
)

// Backends are the connections a binary opens from Config.
type Backends struct {
	Ledger ledger.Store
	Logins auth.Store
	// PG is nil when the ledger is kept in memory.
	PG    *pg.Store
	Redis *redis.Client
	Queue *asynq.Client
}

// Open connects to PostgreSQL when PG_DSN is set and falls back to the
// in-memory ledger otherwise. Redis is only dialed for the queue sink.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.PG = store
		b.Ledger = store
		b.Logins = auth.NewPGStore(store.DB())
	} else {
		logger.Warn("PG_DSN not set, using in-memory ledger")
		b.Ledger = ledger.NewInMemory()
		b.Logins = auth.NewMemoryStore()
	}

	if cfg.HistorySink == HistoryQueue {
		b.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping", slog.Any("error", err))
		}
		b.Queue = asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	}
	return b, nil
}

// HistorySink returns the sink selected by cfg.HistorySink.
func (b *Backends) HistorySink(cfg *Config, logger *slog.Logger) (history.Sink, error) {
	switch cfg.HistorySink {
	case HistoryQueue:
		if b.Queue == nil {
			return nil, errors.New("history queue not connected")
		}
		return history.NewQueueSink(b.Queue), nil
	case HistoryDB:
		if b.PG == nil {
			return nil, errors.New("history table needs postgres")
		}
		return b.PG.HistorySink(), nil
	default:
		return history.NewLogSink(logger), nil
	}
}

// Close releases every open connection.
func (b *Backends) Close() error {
	var errs []error
	if b.Queue != nil {
		errs = append(errs, b.Queue.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	if b.PG != nil {
		errs = append(errs, b.PG.Close())
	}
	return errors.Join(errs...)
}
