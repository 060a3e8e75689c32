// Package reconcile keeps the in-memory gallery in agreement with the
// store: new face rows get embedded and added, active-flag changes get
// mirrored, deleted users get evicted.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/your-org/facegate/internal/gallery"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/storage"
)

// snapshotTimeout bounds the light snapshot query per cycle.
const snapshotTimeout = 60 * time.Second

type Reconciler struct {
	repo     storage.Repository
	gal      *gallery.Gallery
	embed    gallery.EmbedFunc
	interval time.Duration

	// busy drops overlapping ticks instead of queueing them.
	busy atomic.Bool
}

func New(repo storage.Repository, gal *gallery.Gallery, embed gallery.EmbedFunc, interval time.Duration) *Reconciler {
	return &Reconciler{repo: repo, gal: gal, embed: embed, interval: interval}
}

// Run ticks until ctx is cancelled. The server waits for Run to return
// during shutdown, so a cycle is never abandoned mid-flight.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("reconciler started", "interval", r.interval.String())

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle performs one reconciliation pass. If a prior cycle is still
// executing the tick is dropped.
func (r *Reconciler) RunCycle(ctx context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		observability.ReconcileCycles.WithLabelValues("skipped_busy").Inc()
		return
	}
	defer r.busy.Store(false)

	defer func() {
		if rec := recover(); rec != nil {
			observability.ReconcileCycles.WithLabelValues("panic").Inc()
			slog.Error("reconcile cycle panicked", "panic", rec)
		}
	}()

	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	snapshot, err := r.repo.SnapshotActiveFaceUsers(snapCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			observability.ReconcileCycles.WithLabelValues("timeout").Inc()
			slog.Debug("reconcile snapshot timed out, skipping cycle")
			return
		}
		observability.ReconcileCycles.WithLabelValues("error").Inc()
		slog.Error("reconcile snapshot failed", "error", err)
		return
	}

	known := r.gal.Users()

	// Additions: embed the stored face image for ids the gallery has
	// never seen. The per-id fetch is the only query that pulls blobs.
	for id, active := range snapshot {
		if _, ok := known[id]; ok {
			continue
		}
		row, err := r.repo.FetchFaceRow(ctx, id)
		if err != nil {
			observability.ReconcileCycles.WithLabelValues("error").Inc()
			slog.Error("reconcile fetch failed", "enroll_id", id, "error", err)
			return
		}
		if row == nil {
			continue
		}
		emb := row.Embedding
		if len(emb) == 0 {
			emb, err = r.embed(row.Record)
			if err != nil {
				slog.Warn("reconcile embed failed", "enroll_id", id, "error", err)
				continue
			}
		}
		r.gal.Upsert(id, emb, row.Name, active)
		slog.Info("gallery add", "enroll_id", id, "name", row.Name)
	}

	// Active-flag updates.
	for id, u := range known {
		active, ok := snapshot[id]
		if ok && u.IsActive != active {
			r.gal.SetActive(id, active)
			slog.Info("gallery active flag updated", "enroll_id", id, "active", active)
		}
	}

	// Evictions: the store no longer has face data for these ids.
	for _, id := range r.gal.IDs() {
		if _, ok := snapshot[id]; !ok {
			r.gal.Remove(id)
			slog.Info("gallery evict", "enroll_id", id)
		}
	}

	observability.ReconcileCycles.WithLabelValues("ok").Inc()
}
