// Package usagelog exports ledger records to Postgres asynchronously. It is
// an optional sink: in-memory accounting stays authoritative, and a slow or
// unreachable database never blocks the request path.
package usagelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/security"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS relay_usage_log (
	id                TEXT PRIMARY KEY,
	started_at        TIMESTAMPTZ NOT NULL,
	ended_at          TIMESTAMPTZ NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	status            TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT ''
)`

const insertSQL = `
INSERT INTO relay_usage_log
	(id, started_at, ended_at, model, provider, prompt_tokens, completion_tokens, total_tokens, status, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

// Logger batches ledger records into Postgres. Log never blocks: when the
// queue is full the record is dropped and counted.
type Logger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	cfg    config.UsageLogConfig

	queue chan ledger.Record
	stop  chan struct{}
	wg    sync.WaitGroup

	queued  atomic.Uint64
	written atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// New connects to the configured database and prepares the usage table.
func New(ctx context.Context, cfg config.UsageLogConfig, log *slog.Logger) (*Logger, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage log pool: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to prepare usage log table: %w", err)
	}

	log.Info("Usage log sink connected",
		"dsn", security.MaskDatabaseURL(cfg.DSN),
		"queue_size", cfg.QueueSize,
		"batch_size", cfg.BatchSize,
		"flush_interval", cfg.FlushInterval,
	)

	return &Logger{
		pool:   pool,
		logger: log,
		cfg:    cfg,
		queue:  make(chan ledger.Record, cfg.QueueSize),
		stop:   make(chan struct{}),
	}, nil
}

// Start launches the background flusher. Must be called once.
func (l *Logger) Start() {
	l.wg.Add(1)
	go l.run()
}

// Log enqueues a record without blocking. Full queue drops the record.
func (l *Logger) Log(rec ledger.Record) {
	select {
	case l.queue <- rec:
		l.queued.Add(1)
	default:
		l.dropped.Add(1)
	}
}

// Stop flushes pending records and closes the pool.
func (l *Logger) Stop() {
	close(l.stop)
	l.wg.Wait()
	l.pool.Close()

	l.logger.Info("Usage log sink stopped",
		"queued", l.queued.Load(),
		"written", l.written.Load(),
		"dropped", l.dropped.Load(),
		"errors", l.errors.Load(),
	)
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ledger.Record, 0, l.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.insertBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			// Drain whatever is already queued before exiting
			for {
				select {
				case rec := <-l.queue:
					batch = append(batch, rec)
					if len(batch) >= l.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case rec := <-l.queue:
			batch = append(batch, rec)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Logger) insertBatch(records []ledger.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := &pgx.Batch{}
	for _, rec := range records {
		b.Queue(insertSQL,
			rec.ID,
			rec.Start,
			rec.End,
			rec.Model,
			rec.Provider,
			rec.PromptTokens,
			rec.CompletionTokens,
			rec.TotalTokens,
			rec.Status,
			rec.Error,
		)
	}

	if err := l.pool.SendBatch(ctx, b).Close(); err != nil {
		l.errors.Add(1)
		l.logger.Warn("Failed to write usage log batch",
			"records", len(records),
			"error", err,
		)
		return
	}

	l.written.Add(uint64(len(records)))
}
