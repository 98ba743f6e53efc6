package main

import (
	"context"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// runPeriodicSnapshots checks every 10s whether interval calls have
// committed since the last snapshot. A snapshot is saved unverified and
// marked verified once the persistence worker has logged its sequence.
func runPeriodicSnapshots(
	ctx context.Context,
	runner *core.Runner,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	var lastSnapshotSeq int64 = -1
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := snapMgr.VerifyPending(ctx); err != nil {
				log.Warn().Err(err).Msg("verify snapshots")
			} else if n > 0 {
				log.Info().Int64("verified", n).Msg("snapshots verified")
			}

			var snap *core.SnapshotState
			err := runner.Query(ctx, func(c *core.DeterministicCore) {
				if lastSnapshotSeq < 0 {
					lastSnapshotSeq = c.GetSequence() - 1
				}
				if c.GetSequence()-1-lastSnapshotSeq >= interval {
					snap = c.CreateSnapshotState()
				}
			})
			if err != nil || snap == nil {
				continue
			}
			if err := takeSnapshot(ctx, snap, snapMgr, metrics, log); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = snap.Sequence
		}
	}
}

// takeSnapshot saves snap and tries to verify it straight away, which only
// succeeds when the log already holds its sequence.
func takeSnapshot(
	ctx context.Context,
	snap *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	log zerolog.Logger,
) error {
	if snap.Sequence < 0 {
		return nil
	}
	start := time.Now()

	size, err := snapMgr.SaveSnapshot(ctx, snap, start)
	if err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		log.Debug().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot left pending verification")
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	log.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
