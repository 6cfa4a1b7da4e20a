package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

// StuckDetector reports running instances whose last update is older than
// a threshold. It only reports; recovery is an operator decision.
type StuckDetector struct {
	scanner   InstanceScanner
	threshold time.Duration
	limit     int
	clock     engine.Clock
	logger    *slog.Logger
}

// NewStuckDetector creates a detector. A nil clock uses the system clock;
// a nil logger uses slog.Default().
func NewStuckDetector(scanner InstanceScanner, threshold time.Duration, clock engine.Clock, logger *slog.Logger) *StuckDetector {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StuckDetector{
		scanner:   scanner,
		threshold: threshold,
		limit:     100,
		clock:     clock,
		logger:    logger.With("worker", "stuck"),
	}
}

// Detect returns up to 100 stale running instances, oldest first, and
// logs a warning for each.
func (d *StuckDetector) Detect(ctx context.Context) ([]ir.Instance, error) {
	now := d.clock.Now()
	stale, err := d.scanner.StaleInstances(ctx, now.Add(-d.threshold), d.limit)
	if err != nil {
		return nil, err
	}
	for _, inst := range stale {
		d.logger.Warn("instance looks stuck",
			"instance_id", inst.ID,
			"current_nodes", inst.CurrentNodes,
			"idle", now.Sub(inst.UpdatedAt),
		)
	}
	return stale, nil
}

// Poll adapts Detect to Run. Stuck instances are not work the detector
// can drain, so it always reports zero and sleeps between scans.
func (d *StuckDetector) Poll(ctx context.Context) (int, error) {
	_, err := d.Detect(ctx)
	return 0, err
}
