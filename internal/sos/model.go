package sos

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Status is the lifecycle state of an event.
type Status string

const (
	// StatusActive marks an event that is still being announced.
	StatusActive Status = "active"
	// StatusResolved marks an event a family member has closed.
	StatusResolved Status = "resolved"
)

// Location is the position reported with an event.
type Location struct {
	Latitude       float64  `gorm:"column:lat;not null"`
	Longitude      float64  `gorm:"column:lng;not null"`
	AccuracyMeters *float64 `gorm:"column:accuracy_m"`
}

// NewLocation validates coordinates and an optional accuracy radius.
func NewLocation(latitude, longitude float64, accuracyMeters *float64) (Location, error) {
	if math.IsNaN(latitude) || latitude < -90 || latitude > 90 {
		return Location{}, fmt.Errorf("%w: latitude %v out of range", ErrInvalidArgument, latitude)
	}
	if math.IsNaN(longitude) || longitude < -180 || longitude > 180 {
		return Location{}, fmt.Errorf("%w: longitude %v out of range", ErrInvalidArgument, longitude)
	}
	location := Location{Latitude: latitude, Longitude: longitude}
	if accuracyMeters != nil {
		accuracy := *accuracyMeters
		if math.IsNaN(accuracy) || math.IsInf(accuracy, 0) || accuracy < 0 {
			return Location{}, fmt.Errorf("%w: accuracy %v invalid", ErrInvalidArgument, accuracy)
		}
		location.AccuracyMeters = &accuracy
	}
	return location, nil
}

// FanoutState tracks the single claimed delivery of an event.
// A set SentAtMs is terminal.
type FanoutState struct {
	ClaimedAtMs          *int64  `gorm:"column:claimed_at_ms"`
	ClaimID              *string `gorm:"column:claim_id;size:64"`
	SentAtMs             *int64  `gorm:"column:sent_at_ms;index"`
	AttemptedRecipients  *int    `gorm:"column:attempted_recipients"`
	SuccessCount         *int    `gorm:"column:success_count"`
	InvalidTokensRemoved *int    `gorm:"column:invalid_tokens_removed"`
	AttemptedCount       int64   `gorm:"column:attempted_count;not null;default:0"`
	LastError            *string `gorm:"column:last_error;type:text"`
	LastErrorAtMs        *int64  `gorm:"column:last_error_at_ms"`
}

// Sent reports whether the fanout completed.
func (f FanoutState) Sent() bool {
	return f.SentAtMs != nil
}

// Event is a persisted distress signal.
type Event struct {
	FamilyID         string      `gorm:"column:family_id;primaryKey;size:190;not null"`
	EventID          string      `gorm:"column:event_id;primaryKey;size:190;not null"`
	CreatedBy        string      `gorm:"column:created_by;size:190;not null;index"`
	CreatedByRole    string      `gorm:"column:created_by_role;size:32;not null"`
	CreatedAtMs      int64       `gorm:"column:created_at_ms;not null;index"`
	Status           Status      `gorm:"column:status;size:16;not null;index"`
	DayKey           string      `gorm:"column:day_key;size:10;not null"`
	Location         Location    `gorm:"embedded;embeddedPrefix:location_"`
	ResolvedBy       *string     `gorm:"column:resolved_by;size:190"`
	ResolvedAtMs     *int64      `gorm:"column:resolved_at_ms"`
	Fanout           FanoutState `gorm:"embedded;embeddedPrefix:fanout_"`
	ReminderCount    int64       `gorm:"column:reminder_count;not null;default:0"`
	LastRemindedAtMs *int64      `gorm:"column:last_reminded_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "sos_events"
}

// CreatedAt returns the creation time in UTC.
func (e Event) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtMs).UTC()
}

// RateLimitWindow counts events per subject and calendar day.
type RateLimitWindow struct {
	FamilyID      string `gorm:"column:family_id;primaryKey;size:190;not null"`
	SubjectID     string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	DayKey        string `gorm:"column:day_key;primaryKey;size:10;not null"`
	Count         int    `gorm:"column:event_count;not null"`
	LastEventAtMs int64  `gorm:"column:last_event_at_ms;not null"`
	ExpiresAtMs   int64  `gorm:"column:expires_at_ms;not null;index"`
	UpdatedAtMs   int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RateLimitWindow) TableName() string {
	return "sos_rate_limits"
}

// OutboxKindCreated marks an outbox entry written for a newly created event.
const OutboxKindCreated = "sos_created"

// OutboxEntry records a created event that the relay must fan out.
type OutboxEntry struct {
	ID            string  `gorm:"column:id;primaryKey;size:64;not null"`
	FamilyID      string  `gorm:"column:family_id;size:190;not null;uniqueIndex:idx_sos_outbox_event,priority:1"`
	EventID       string  `gorm:"column:event_id;size:190;not null;uniqueIndex:idx_sos_outbox_event,priority:2"`
	Kind          string  `gorm:"column:kind;size:32;not null;uniqueIndex:idx_sos_outbox_event,priority:3"`
	CreatedAtMs   int64   `gorm:"column:created_at_ms;not null;index:idx_sos_outbox_pending,priority:2"`
	ProcessedAtMs *int64  `gorm:"column:processed_at_ms;index:idx_sos_outbox_pending,priority:1"`
	Attempts      int     `gorm:"column:attempts;not null;default:0"`
	LastError     *string `gorm:"column:last_error;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxEntry) TableName() string {
	return "sos_outbox"
}

// Models lists every table owned by the package, in migration order.
func Models() []any {
	return []any{&Event{}, &RateLimitWindow{}, &OutboxEntry{}}
}

func normalizeIdentifier(kind, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidArgument, kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidArgument, kind, maxIdentifierLength)
	}
	return trimmed, nil
}

func int64Ptr(value int64) *int64 {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func stringPtr(value string) *string {
	return &value
}
