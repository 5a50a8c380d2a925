package sos

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultOutboxInterval    = 5 * time.Second
	DefaultOutboxGrace       = 15 * time.Second
	DefaultOutboxMaxAttempts = 10
	defaultOutboxBatchSize   = 50
)

// FanoutTrigger starts the fanout for one event.
type FanoutTrigger interface {
	TriggerFanout(ctx context.Context, familyID, eventID string) (FanoutResult, error)
}

// OutboxRelayConfig describes the fallback relay.
type OutboxRelayConfig struct {
	Database    *gorm.DB
	Trigger     FanoutTrigger
	Clock       func() time.Time
	Interval    time.Duration
	Grace       time.Duration
	MaxAttempts int
	BatchSize   int
	Logger      *zap.Logger
}

// OutboxRelay retries fanout for created events the request path did not finish.
type OutboxRelay struct {
	db          *gorm.DB
	trigger     FanoutTrigger
	clock       func() time.Time
	interval    time.Duration
	grace       time.Duration
	maxAttempts int
	batchSize   int
	logger      *zap.Logger
}

// RelayStats summarizes one relay pass.
type RelayStats struct {
	Settled  int
	Deferred int
	Failed   int
	Dropped  int
}

// NewOutboxRelay validates dependencies and constructs an OutboxRelay.
func NewOutboxRelay(cfg OutboxRelayConfig) (*OutboxRelay, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Trigger == nil {
		return nil, newServiceError(opServiceNew, "missing_trigger", errMissingTrigger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultOutboxInterval
	}
	grace := cfg.Grace
	if grace < 0 {
		grace = 0
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultOutboxMaxAttempts
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &OutboxRelay{
		db:          cfg.Database,
		trigger:     cfg.Trigger,
		clock:       clock,
		interval:    interval,
		grace:       grace,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		logger:      logger,
	}, nil
}

// Run relays pending entries on every tick until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := r.RelayOnce(ctx)
			if err != nil {
				logError(r.logger, opRelayOutbox, "relay_failed", err)
			} else if stats.Settled+stats.Failed+stats.Dropped > 0 {
				r.logger.Info("outbox relay pass",
					zap.Int("settled", stats.Settled),
					zap.Int("deferred", stats.Deferred),
					zap.Int("failed", stats.Failed),
					zap.Int("dropped", stats.Dropped))
			}
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		}
	}
}

// RelayOnce processes one batch of entries older than the grace period.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (RelayStats, error) {
	cutoffMs := r.clock().Add(-r.grace).UTC().UnixMilli()

	var entries []OutboxEntry
	if err := r.db.WithContext(ctx).
		Where("processed_at_ms IS NULL AND created_at_ms <= ?", cutoffMs).
		Order("created_at_ms ASC").
		Limit(r.batchSize).
		Find(&entries).Error; err != nil {
		return RelayStats{}, newServiceError(opRelayOutbox, "select_failed", err)
	}

	var stats RelayStats
	for _, entry := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		fields := append(eventFields(entry.FamilyID, entry.EventID), zap.String("outbox_id", entry.ID))

		result, err := r.trigger.TriggerFanout(ctx, entry.FamilyID, entry.EventID)
		if err != nil {
			attempts := entry.Attempts + 1
			updates := map[string]any{
				"attempts":   attempts,
				"last_error": truncateError(err),
			}
			if attempts >= r.maxAttempts {
				updates["processed_at_ms"] = r.clock().UTC().UnixMilli()
				stats.Dropped++
				logError(r.logger, opRelayOutbox, "attempts_exhausted", err,
					append(fields, zap.Int("attempts", attempts))...)
			} else {
				stats.Failed++
				r.logger.Warn("outbox fanout attempt failed",
					append(fields, zap.Int("attempts", attempts), zap.Error(err))...)
			}
			if updateErr := r.db.WithContext(ctx).Model(&OutboxEntry{}).
				Where("id = ?", entry.ID).
				Updates(updates).Error; updateErr != nil {
				return stats, newServiceError(opRelayOutbox, "update_failed", updateErr)
			}
			continue
		}

		if !result.Outcome.Settled() {
			stats.Deferred++
			continue
		}
		if err := r.db.WithContext(ctx).Model(&OutboxEntry{}).
			Where("id = ?", entry.ID).
			Update("processed_at_ms", r.clock().UTC().UnixMilli()).Error; err != nil {
			return stats, newServiceError(opRelayOutbox, "update_failed", err)
		}
		stats.Settled++
		r.logger.Debug("outbox entry settled", append(fields, zap.String("outcome", string(result.Outcome)))...)
	}
	return stats, nil
}

func truncateError(err error) string {
	message := err.Error()
	if len(message) > maxStoredErrorLength {
		return message[:maxStoredErrorLength]
	}
	return message
}
