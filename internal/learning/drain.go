package learning

import (
	"context"
	"log/slog"
	"time"
)

// DefaultDrainInterval is how often the drainer sweeps approved items.
const DefaultDrainInterval = time.Minute

// Drainer periodically drains approved learning items through the
// pipeline so reviewed knowledge lands without manual apply calls.
type Drainer struct {
	pipeline *Pipeline
	logger   *slog.Logger

	interval time.Duration
	limit    int
}

// NewDrainer creates a drainer. Zero interval/limit select defaults.
func NewDrainer(pipeline *Pipeline, interval time.Duration, limit int, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	if limit < 1 {
		limit = DefaultDrainLimit
	}
	return &Drainer{pipeline: pipeline, logger: logger, interval: interval, limit: limit}
}

// Run blocks until ctx is canceled, draining once per interval. Callers
// must track the goroutine with a WaitGroup or similar.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("learning drainer started", "interval", d.interval, "limit", d.limit)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("learning drainer stopped")
			return
		case <-ticker.C:
			result, err := d.pipeline.ProcessApproved(ctx, 0, d.limit)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				d.logger.Error("draining approved items", "error", err)
				continue
			}
			if result.Applied > 0 || result.Flagged > 0 || len(result.Failures) > 0 {
				d.logger.Info("drained approved items",
					"applied", result.Applied, "skipped", result.Skipped,
					"flagged", result.Flagged, "failures", len(result.Failures))
			}
		}
	}
}
