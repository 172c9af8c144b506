// Package workers holds the background maintenance loops that run alongside
// the dispatch worker.
package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postloom/postloom/backend/internal/store"
)

// ClaimReclaimWorker periodically clears dispatch claims whose owner stopped
// reporting progress, so posts claimed by a crashed dispatcher become
// claimable again instead of sitting in limbo.
type ClaimReclaimWorker struct {
	Dispatch *store.DispatchStore
	Log      logrus.FieldLogger
	// Liveness must match the dispatcher's claim window.
	Liveness time.Duration
	Interval time.Duration
}

// Start runs the reclaim loop until the context is cancelled.
func (w *ClaimReclaimWorker) Start(ctx context.Context) {
	if w.Liveness <= 0 {
		w.Liveness = 5 * time.Minute
	}
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.Log.WithFields(logrus.Fields{
		"liveness": w.Liveness.String(), "interval": w.Interval.String(),
	}).Info("claim reclaim worker started")

	for {
		select {
		case <-ctx.Done():
			w.Log.Info("claim reclaim worker stopped")
			return
		case <-ticker.C:
			w.reclaim(ctx)
		}
	}
}

func (w *ClaimReclaimWorker) reclaim(ctx context.Context) {
	n, err := w.Dispatch.ReleaseExpired(ctx, time.Now(), w.Liveness)
	if err != nil {
		w.Log.WithError(err).Error("claim reclaim failed")
		return
	}
	if n > 0 {
		w.Log.WithField("reclaimed", n).Warn("released expired dispatch claims")
	}
}
