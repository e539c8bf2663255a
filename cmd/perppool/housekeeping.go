package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpPool/internal/config"
	"PerpPool/internal/core"
	"PerpPool/internal/observability"
	"PerpPool/internal/persistence"
	"PerpPool/internal/server"
)

// housekeeper takes periodic snapshots and runs the engine's maintenance:
// order pruning, trust refresh and channel gauges.
type housekeeper struct {
	engine  *core.Engine
	worker  *persistence.PersistenceWorker
	snapMgr *persistence.SnapshotManager
	grpc    *server.GRPCServer
	cfg     config.Config
	persist chan core.CoreOutput
	publish chan core.CoreOutput
	metrics *observability.Metrics
	logger  zerolog.Logger

	lastSnap int64 // sequence of the newest stored snapshot
}

func (h *housekeeper) run(ctx context.Context) error {
	snapTicker := time.NewTicker(h.cfg.SnapshotInterval)
	defer snapTicker.Stop()
	hkTicker := time.NewTicker(housekeepingInterval)
	defer hkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-snapTicker.C:
			if err := h.snapshot(ctx); err != nil {
				h.logger.Error().Err(err).Msg("periodic snapshot failed")
			}

		case <-hkTicker.C:
			h.maintain()
		}
	}
}

func (h *housekeeper) maintain() {
	if pruned := h.engine.PruneOrders(); pruned > 0 {
		h.logger.Debug().Int("orders", pruned).Msg("pruned finished orders")
	}
	lc := h.engine.Refresh()
	h.grpc.SetEngineLifecycle(lc)
	h.metrics.SetChannelMetrics("persist", len(h.persist), cap(h.persist))
	h.metrics.SetChannelMetrics("publish", len(h.publish), cap(h.publish))
}

// snapshot stores the engine state once the event log has caught up with
// it, so a restart finds the snapshot at the log tail.
func (h *housekeeper) snapshot(ctx context.Context) error {
	start := time.Now()
	snap := h.engine.CreateSnapshotState()
	if snap.Sequence == h.lastSnap {
		return nil
	}

	if err := h.waitPersisted(ctx, snap.Sequence-1); err != nil {
		return err
	}

	size, err := h.snapMgr.SaveSnapshot(ctx, snap, time.Now().UTC())
	if err != nil {
		return err
	}
	h.lastSnap = snap.Sequence

	h.metrics.SnapshotTaken.Inc()
	h.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	h.metrics.SnapshotSizeBytes.Set(float64(size))
	h.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))

	pruned, err := h.snapMgr.Prune(ctx, h.cfg.SnapshotsKept)
	if err != nil {
		h.logger.Warn().Err(err).Msg("snapshot prune failed")
	}
	h.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("bytes", size).
		Int64("pruned", pruned).
		Msg("snapshot saved")
	return nil
}

func (h *housekeeper) waitPersisted(ctx context.Context, seq int64) error {
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for h.worker.LastPersisted() < seq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("event log stuck at %d, snapshot needs %d", h.worker.LastPersisted(), seq)
		case <-poll.C:
		}
	}
	return nil
}
