package sos

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultDailyLimit    = 20
	DefaultMinInterval   = 10 * time.Second
	DefaultRateWindowTTL = 14 * 24 * time.Hour
)

// RateLimitConfig bounds how often a subject may create events.
type RateLimitConfig struct {
	DailyLimit  int
	MinInterval time.Duration
	WindowTTL   time.Duration
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.DailyLimit <= 0 {
		c.DailyLimit = DefaultDailyLimit
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.WindowTTL <= 0 {
		c.WindowTTL = DefaultRateWindowTTL
	}
	return c
}

// RateLimiter enforces a daily cap and a minimum spacing per subject.
// It runs inside the caller's transaction.
type RateLimiter struct {
	config RateLimitConfig
}

// NewRateLimiter constructs a RateLimiter, filling unset limits with defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{config: cfg.withDefaults()}
}

// Config returns the effective limits.
func (l *RateLimiter) Config() RateLimitConfig {
	return l.config
}

type windowKey struct {
	familyID  string
	subjectID string
	dayKey    string
}

// admit checks both limits and records the event in today's window.
func (l *RateLimiter) admit(tx *gorm.DB, key windowKey, now time.Time) error {
	nowMs := now.UTC().UnixMilli()

	var window RateLimitWindow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("family_id = ? AND subject_id = ? AND day_key = ?", key.familyID, key.subjectID, key.dayKey).
		Take(&window).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		window = RateLimitWindow{
			FamilyID:      key.familyID,
			SubjectID:     key.subjectID,
			DayKey:        key.dayKey,
			Count:         1,
			LastEventAtMs: nowMs,
			ExpiresAtMs:   now.Add(l.config.WindowTTL).UTC().UnixMilli(),
			UpdatedAtMs:   nowMs,
		}
		return tx.Create(&window).Error
	}
	if err != nil {
		return err
	}

	if window.Count >= l.config.DailyLimit {
		return newDetailedError(opCreateEvent, "quota_exceeded",
			fmt.Errorf("%w: %d events already recorded on %s", ErrQuotaExceeded, window.Count, key.dayKey),
			map[string]any{
				"limit_per_day": l.config.DailyLimit,
				"day_key":       key.dayKey,
			})
	}

	sinceLast := time.Duration(nowMs-window.LastEventAtMs) * time.Millisecond
	if sinceLast < l.config.MinInterval {
		retryAfter := l.config.MinInterval - sinceLast
		return newDetailedError(opCreateEvent, "too_frequent",
			fmt.Errorf("%w: last event %s ago", ErrTooFrequent, sinceLast),
			map[string]any{
				"min_interval_s": int(l.config.MinInterval / time.Second),
				"retry_after_ms": retryAfter.Milliseconds(),
			})
	}

	return tx.Model(&RateLimitWindow{}).
		Where("family_id = ? AND subject_id = ? AND day_key = ?", key.familyID, key.subjectID, key.dayKey).
		Updates(map[string]any{
			"event_count":      gorm.Expr("event_count + 1"),
			"last_event_at_ms": nowMs,
			"expires_at_ms":    now.Add(l.config.WindowTTL).UTC().UnixMilli(),
			"updated_at_ms":    nowMs,
		}).Error
}

// purgeExpiredWindows deletes windows whose retention has elapsed.
func purgeExpiredWindows(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Where("expires_at_ms <= ?", now.UTC().UnixMilli()).Delete(&RateLimitWindow{})
	return result.RowsAffected, result.Error
}
