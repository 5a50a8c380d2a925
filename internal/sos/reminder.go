package sos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks"
)

const (
	// DefaultRemindInterval is the delay between announcements of an active event.
	DefaultRemindInterval = 10 * time.Second
	// DefaultRemindMaxAge stops the reminder chain for events older than this.
	DefaultRemindMaxAge = 30 * time.Minute
)

// Deliverer sends the alert for an event without claiming it.
type Deliverer interface {
	Deliver(ctx context.Context, event Event) (DeliveryReport, error)
}

// ReminderOutcome describes what a reminder task did.
type ReminderOutcome string

const (
	ReminderDelivered  ReminderOutcome = "delivered"
	ReminderExpired    ReminderOutcome = "expired"
	ReminderNotFound   ReminderOutcome = "not_found"
	ReminderInactive   ReminderOutcome = "inactive"
	ReminderSuperseded ReminderOutcome = "superseded"
)

// SchedulerConfig describes the dependencies of the reminder scheduler.
type SchedulerConfig struct {
	Database  *gorm.DB
	Queue     tasks.Enqueuer
	Deliverer Deliverer
	Clock     func() time.Time
	Interval  time.Duration
	MaxAge    time.Duration
	Logger    *zap.Logger
}

// Scheduler re-announces active events on a fixed cadence until they are
// resolved or too old. Each task carries the cycle it belongs to, so a task
// delivered twice advances the chain once.
type Scheduler struct {
	db        *gorm.DB
	queue     tasks.Enqueuer
	deliverer Deliverer
	clock     func() time.Time
	interval  time.Duration
	maxAge    time.Duration
	logger    *zap.Logger
}

// NewScheduler validates dependencies and constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Deliverer == nil {
		return nil, newServiceError(opServiceNew, "missing_deliverer", errMissingDeliverer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRemindInterval
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultRemindMaxAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		db:        cfg.Database,
		queue:     cfg.Queue,
		deliverer: cfg.Deliverer,
		clock:     clock,
		interval:  interval,
		maxAge:    maxAge,
		logger:    logger,
	}, nil
}

// ScheduleReminder enqueues the task one interval from now.
func (s *Scheduler) ScheduleReminder(ctx context.Context, task tasks.ReminderTask) error {
	notBefore := s.clock().Add(s.interval)
	if err := s.queue.Enqueue(ctx, task, notBefore); err != nil {
		logError(s.logger, opScheduleReminder, "enqueue_failed", err,
			append(eventFields(task.FamilyID, task.EventID), zap.Int64("seq", task.Sequence))...)
		return newServiceError(opScheduleReminder, "enqueue_failed", err)
	}
	return nil
}

// HandleReminder re-announces the event and schedules the next cycle.
// A returned error means the task should be redelivered.
func (s *Scheduler) HandleReminder(ctx context.Context, task tasks.ReminderTask) (ReminderOutcome, error) {
	if err := task.Validate(); err != nil {
		return "", newServiceError(opHandleReminder, "invalid_task", fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}
	fields := append(eventFields(task.FamilyID, task.EventID), zap.Int64("seq", task.Sequence))

	now := s.clock()
	if now.UTC().UnixMilli()-task.CreatedAtMs > s.maxAge.Milliseconds() {
		s.logger.Info("reminder chain expired", fields...)
		return ReminderExpired, nil
	}

	event, err := s.loadForDelivery(ctx, task)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Info("reminder for unknown event dropped", fields...)
		return ReminderNotFound, nil
	}
	if err != nil {
		logError(s.logger, opHandleReminder, "event_select_failed", err, fields...)
		return "", newServiceError(opHandleReminder, "event_select_failed", err)
	}
	if event.Status != StatusActive {
		s.logger.Info("reminder chain stopped for inactive event", fields...)
		return ReminderInactive, nil
	}
	if event.ReminderCount != task.Sequence {
		s.logger.Debug("stale reminder task dropped",
			append(fields, zap.Int64("current_seq", event.ReminderCount))...)
		return ReminderSuperseded, nil
	}

	// A resolve that lands after the read above still races the send already
	// in flight. The advance below is conditional on status, so it ends the chain.
	report, err := s.deliverer.Deliver(ctx, event)
	if err != nil {
		logError(s.logger, opHandleReminder, "delivery_failed", err, fields...)
		return "", newServiceError(opHandleReminder, "delivery_failed",
			fmt.Errorf("%w: %w", ErrTransientDelivery, err))
	}

	advance := s.db.WithContext(ctx).Model(&Event{}).
		Where("family_id = ? AND event_id = ? AND reminder_count = ? AND status = ?",
			task.FamilyID, task.EventID, task.Sequence, StatusActive).
		Updates(map[string]any{
			"reminder_count":      task.Sequence + 1,
			"last_reminded_at_ms": s.clock().UTC().UnixMilli(),
		})
	if advance.Error != nil {
		logError(s.logger, opHandleReminder, "advance_failed", advance.Error, fields...)
		return "", newServiceError(opHandleReminder, "advance_failed", advance.Error)
	}
	if advance.RowsAffected == 0 {
		var current Event
		err := s.db.WithContext(ctx).
			Select("status").
			Where("family_id = ? AND event_id = ?", task.FamilyID, task.EventID).
			Take(&current).Error
		if err == nil && current.Status != StatusActive {
			s.logger.Info("reminder chain stopped for event resolved during delivery", fields...)
			return ReminderInactive, nil
		}
		s.logger.Debug("reminder cycle advanced elsewhere", fields...)
		return ReminderSuperseded, nil
	}

	s.logger.Info("reminder delivered",
		append(fields,
			zap.Int("attempted_recipients", report.AttemptedRecipients),
			zap.Int("success_count", report.SuccessCount),
			zap.Int("invalid_tokens_removed", report.InvalidTokensRemoved))...)

	// An enqueue failure ends the chain; ScheduleReminder logs it.
	next := task
	next.Sequence = task.Sequence + 1
	_ = s.ScheduleReminder(ctx, next)
	return ReminderDelivered, nil
}

// loadForDelivery reads the event under a row lock held only for the read,
// so a concurrent resolve either commits first or waits for it.
func (s *Scheduler) loadForDelivery(ctx context.Context, task tasks.ReminderTask) (Event, error) {
	var event Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("family_id = ? AND event_id = ?", task.FamilyID, task.EventID).
			Take(&event).Error
	})
	return event, err
}

// Handle adapts HandleReminder to a queue handler.
func (s *Scheduler) Handle(ctx context.Context, task tasks.ReminderTask) error {
	_, err := s.HandleReminder(ctx, task)
	return err
}
