// Package retention implements the scheduled purge and redaction loop
// (spec §4.J): runs on startup, then hourly, grounded on the teacher's
// ModelLimiter reset-ticker goroutine shape.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rpay/apipod-smart-proxy/internal/store"
)

const (
	interval      = time.Hour
	purgeAfter    = 30 * 24 * time.Hour
	redactAfter   = 3 * 24 * time.Hour
)

var sensitiveHeaders = []string{
	"authorization", "x-api-key", "api-key", "x-auth-token", "cookie", "set-cookie",
}

// Worker owns the background purge/redaction loop.
type Worker struct {
	store  store.Store
	logger *zap.SugaredLogger
}

// New constructs a retention worker against the given store, logging
// through logger the way every other ambient component in this repo
// does.
func New(s store.Store, logger *zap.SugaredLogger) *Worker {
	return &Worker{store: s, logger: logger}
}

// Run executes one pass immediately, then on every tick of interval,
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	now := time.Now()

	purgeCutoff := now.Add(-purgeAfter).Unix()
	purged, err := w.store.PurgeOlderThan(ctx, purgeCutoff)
	if err != nil {
		w.logger.Errorw("retention purge failed", "err", err)
	} else if purged > 0 {
		w.logger.Infow("retention purged old request records", "count", purged, "window", "30d")
	}

	redactCutoff := now.Add(-redactAfter).Unix()
	redacted, err := w.store.RedactHeadersOlderThan(ctx, redactCutoff, sensitiveHeaders)
	if err != nil {
		w.logger.Errorw("retention redaction failed", "err", err)
	} else if redacted > 0 {
		w.logger.Infow("retention redacted sensitive headers", "count", redacted, "window", "3d")
	}
}
