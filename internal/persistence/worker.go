package persistence

import (
	"context"
	"database/sql"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WorkerConfig sizes a PersistenceWorker.
type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	MaxBackoff   time.Duration
}

// PersistenceWorker drains the persist channel and batch-writes the settle
// log to Postgres. The core sends on that channel blocking, so a slow worker
// stalls the core instead of losing calls.
type PersistenceWorker struct {
	db        *sql.DB
	writer    *SettleLogWriter
	states    *StateStore
	inputChan <-chan core.CoreOutput
	cfg       WorkerConfig
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// NewPersistenceWorker builds a worker. states may be nil.
func NewPersistenceWorker(
	db *sql.DB,
	states *StateStore,
	inputChan <-chan core.CoreOutput,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &PersistenceWorker{
		db:        db,
		writer:    NewSettleLogWriter(cfg.BatchSize),
		states:    states,
		inputChan: inputChan,
		cfg:       cfg,
		metrics:   metrics,
		log:       log,
	}
}

type batch struct {
	calls   []CallRow
	records []RecordRow
	outputs []core.CoreOutput
}

func (b *batch) reset() {
	b.calls = b.calls[:0]
	b.records = b.records[:0]
	b.outputs = b.outputs[:0]
}

// Run batches outputs and flushes when the batch is full or the flush
// timeout fires. It returns after a final flush once ctx is cancelled or the
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		calls:   make([]CallRow, 0, pw.cfg.BatchSize),
		records: make([]RecordRow, 0, pw.cfg.BatchSize*4),
		outputs: make([]core.CoreOutput, 0, pw.cfg.BatchSize),
	}

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return pw.finalFlush(b)

		case output, ok := <-pw.inputChan:
			if !ok {
				return pw.finalFlush(b)
			}
			call, records, err := Rows(output)
			if err != nil {
				// A record that cannot be encoded will never encode.
				pw.log.Error().Err(err).Int64("sequence", output.Call.Sequence).Msg("dropping unencodable call")
				pw.countError("encode")
				continue
			}
			b.calls = append(b.calls, call)
			b.records = append(b.records, records...)
			b.outputs = append(b.outputs, output)

			if len(b.calls) >= pw.cfg.BatchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					return err
				}
				b.reset()
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(b.calls) > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					return err
				}
				b.reset()
			}
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

func (pw *PersistenceWorker) finalFlush(b *batch) error {
	if len(b.calls) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pw.flush(ctx, b); err != nil {
		pw.log.Error().Err(err).Int("calls", len(b.calls)).Msg("final flush failed")
		return errors.Wrap(err, "final flush")
	}
	return nil
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops a batch: on shutdown it falls through to one last
// attempt without the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = pw.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return pw.flush(ctx, b)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		pw.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Int("calls", len(b.calls)).
			Msg("persistence retry")
	})
	if err == nil {
		if attempt > 1 {
			pw.log.Info().Int("retries", attempt-1).Msg("persistence flush succeeded after retries")
		}
		return nil
	}
	if ctx.Err() != nil {
		return pw.finalFlush(b)
	}
	return err
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCallBatch(ctx, tx, b.calls); err != nil {
		pw.countError("write_calls")
		return err
	}
	if err := pw.writer.WriteRecordBatch(ctx, tx, b.records); err != nil {
		pw.countError("write_records")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return errors.Wrap(err, "commit")
	}

	// The log is committed; the state store is a cache of it and may lag.
	if pw.states != nil {
		for _, out := range b.outputs {
			if out.Delta == nil {
				continue
			}
			if err := pw.states.Apply(out.Call.Sequence, out.Call.StateHash, out.Delta, false); err != nil {
				pw.countError("state_store")
				pw.log.Error().Err(err).Int64("sequence", out.Call.Sequence).Msg("state store apply failed")
				break
			}
		}
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.calls)))
		pw.metrics.PersistCallsWritten.Add(float64(len(b.calls)))
		pw.metrics.PersistRecordsWritten.Add(float64(len(b.records)))
		pw.metrics.PersistLastSequence.Set(float64(b.calls[len(b.calls)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
