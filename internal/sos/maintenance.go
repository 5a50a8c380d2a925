package sos

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultMaintenanceInterval = time.Hour

// PurgeExpiredRateWindows deletes rate windows past their retention.
func (s *EventStore) PurgeExpiredRateWindows(ctx context.Context) (int64, error) {
	removed, err := purgeExpiredWindows(s.db.WithContext(ctx), s.clock())
	if err != nil {
		logError(s.logger, opPurgeRateWindows, "delete_failed", err)
		return 0, newServiceError(opPurgeRateWindows, "delete_failed", err)
	}
	return removed, nil
}

// RunMaintenance purges expired rate windows on every tick until ctx is cancelled.
func (s *EventStore) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.PurgeExpiredRateWindows(ctx)
			if err == nil && removed > 0 {
				s.logger.Info("expired rate windows purged", zap.Int64("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
