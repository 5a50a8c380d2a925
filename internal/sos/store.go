package sos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/members"
)

const maxTransactionAttempts = 3

var (
	// DefaultAllowedRoles are the roles permitted to raise an event.
	DefaultAllowedRoles = []string{members.RoleChild.String(), members.RoleParent.String()}

	errConcurrentCreate = errors.New("event inserted by a concurrent request")
)

// MembershipResolver answers family membership questions.
type MembershipResolver interface {
	Resolve(ctx context.Context, subjectID string) (members.Membership, error)
	IsMember(ctx context.Context, familyID, subjectID string) (bool, error)
}

// EventStoreConfig describes the dependencies of the event store.
type EventStoreConfig struct {
	Database     *gorm.DB
	Membership   MembershipResolver
	RateLimiter  *RateLimiter
	DayClock     DayClock
	AllowedRoles []string
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
}

// EventStore persists events with idempotent creation keyed by family and event id.
type EventStore struct {
	db           *gorm.DB
	membership   MembershipResolver
	limiter      *RateLimiter
	dayClock     DayClock
	allowedRoles map[string]struct{}
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
}

// NewEventStore validates dependencies and constructs an EventStore.
func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Membership == nil {
		return nil, newServiceError(opServiceNew, "missing_membership", errMissingMembership)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(RateLimitConfig{})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	roles := cfg.AllowedRoles
	if len(roles) == 0 {
		roles = DefaultAllowedRoles
	}
	allowedRoles := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized != "" {
			allowedRoles[normalized] = struct{}{}
		}
	}

	return &EventStore{
		db:           cfg.Database,
		membership:   cfg.Membership,
		limiter:      limiter,
		dayClock:     cfg.DayClock,
		allowedRoles: allowedRoles,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
	}, nil
}

// CreateEventInput carries a validated creation request.
type CreateEventInput struct {
	FamilyID  string
	EventID   string
	SubjectID string
	Role      string
	Location  Location
}

// CreateEventResult reports the stored event and whether this call created it.
type CreateEventResult struct {
	Event   Event
	Created bool
}

// CreateEvent records the event once. Replays of a known event id return the
// stored record without consuming quota.
func (s *EventStore) CreateEvent(ctx context.Context, input CreateEventInput) (CreateEventResult, error) {
	familyID, err := normalizeIdentifier("family id", input.FamilyID)
	if err != nil {
		return CreateEventResult{}, newServiceError(opCreateEvent, "invalid_family_id", err)
	}
	eventID, err := normalizeIdentifier("event id", input.EventID)
	if err != nil {
		return CreateEventResult{}, newServiceError(opCreateEvent, "invalid_event_id", err)
	}
	subjectID, err := normalizeIdentifier("subject id", input.SubjectID)
	if err != nil {
		return CreateEventResult{}, newServiceError(opCreateEvent, "invalid_subject_id", err)
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if _, allowed := s.allowedRoles[role]; !allowed {
		return CreateEventResult{}, newServiceError(opCreateEvent, "role_not_allowed",
			fmt.Errorf("%w: role %q may not raise events", ErrPermissionDenied, role))
	}

	now := s.clock()
	record := Event{
		FamilyID:      familyID,
		EventID:       eventID,
		CreatedBy:     subjectID,
		CreatedByRole: role,
		CreatedAtMs:   now.UTC().UnixMilli(),
		Status:        StatusActive,
		DayKey:        s.dayClock.DayKey(now),
		Location:      input.Location,
	}

	for attempt := 1; ; attempt++ {
		result, err := s.createOnce(ctx, record, now)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, errConcurrentCreate) {
			existing, loadErr := s.GetEvent(ctx, familyID, eventID)
			if loadErr != nil {
				return CreateEventResult{}, loadErr
			}
			return CreateEventResult{Event: existing, Created: false}, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) && attempt < maxTransactionAttempts {
			s.logger.Debug("retrying event creation after write conflict",
				append(eventFields(familyID, eventID), zap.Int("attempt", attempt))...)
			continue
		}
		if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrTooFrequent) {
			s.logger.Info("sos event rejected by rate limit",
				append(eventFields(familyID, eventID),
					zap.String("subject_id", subjectID),
					zap.String("code", ErrorCode(err)))...)
			return CreateEventResult{}, err
		}
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return CreateEventResult{}, err
		}
		logError(s.logger, opCreateEvent, "transaction_failed", err, eventFields(familyID, eventID)...)
		return CreateEventResult{}, newServiceError(opCreateEvent, "transaction_failed", err)
	}
}

func (s *EventStore) createOnce(ctx context.Context, record Event, now time.Time) (CreateEventResult, error) {
	var result CreateEventResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Event
		err := tx.Where("family_id = ? AND event_id = ?", record.FamilyID, record.EventID).
			Take(&existing).Error
		if err == nil {
			result = CreateEventResult{Event: existing, Created: false}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		key := windowKey{familyID: record.FamilyID, subjectID: record.CreatedBy, dayKey: record.DayKey}
		if err := s.limiter.admit(tx, key, now); err != nil {
			return err
		}

		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return errConcurrentCreate
		}

		outboxID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opCreateEvent, "id_generation_failed", err)
		}
		entry := OutboxEntry{
			ID:          outboxID,
			FamilyID:    record.FamilyID,
			EventID:     record.EventID,
			Kind:        OutboxKindCreated,
			CreatedAtMs: record.CreatedAtMs,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
			return err
		}

		result = CreateEventResult{Event: record, Created: true}
		return nil
	})
	return result, err
}

// ResolveResult reports the event after resolution and whether this call changed it.
type ResolveResult struct {
	Event   Event
	Changed bool
}

// ResolveEvent marks an active event resolved. Resolving twice is a no-op.
func (s *EventStore) ResolveEvent(ctx context.Context, familyID, eventID, resolverID string) (ResolveResult, error) {
	normalizedFamilyID, err := normalizeIdentifier("family id", familyID)
	if err != nil {
		return ResolveResult{}, newServiceError(opResolveEvent, "invalid_family_id", err)
	}
	normalizedEventID, err := normalizeIdentifier("event id", eventID)
	if err != nil {
		return ResolveResult{}, newServiceError(opResolveEvent, "invalid_event_id", err)
	}
	normalizedResolverID, err := normalizeIdentifier("resolver id", resolverID)
	if err != nil {
		return ResolveResult{}, newServiceError(opResolveEvent, "invalid_resolver_id", err)
	}

	isMember, err := s.membership.IsMember(ctx, normalizedFamilyID, normalizedResolverID)
	if err != nil {
		logError(s.logger, opResolveEvent, "membership_lookup_failed", err,
			eventFields(normalizedFamilyID, normalizedEventID)...)
		return ResolveResult{}, newServiceError(opResolveEvent, "membership_lookup_failed", err)
	}
	if !isMember {
		return ResolveResult{}, newServiceError(opResolveEvent, "not_family_member",
			fmt.Errorf("%w: %s is not a member of %s", ErrPermissionDenied, normalizedResolverID, normalizedFamilyID))
	}

	var result ResolveResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Event
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("family_id = ? AND event_id = ?", normalizedFamilyID, normalizedEventID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opResolveEvent, "not_found",
				fmt.Errorf("%w: %s/%s", ErrNotFound, normalizedFamilyID, normalizedEventID))
		}
		if err != nil {
			return err
		}
		if existing.Status == StatusResolved {
			result = ResolveResult{Event: existing, Changed: false}
			return nil
		}

		resolvedAtMs := s.clock().UTC().UnixMilli()
		update := tx.Model(&Event{}).
			Where("family_id = ? AND event_id = ? AND status = ?", normalizedFamilyID, normalizedEventID, StatusActive).
			Updates(map[string]any{
				"status":         StatusResolved,
				"resolved_by":    normalizedResolverID,
				"resolved_at_ms": resolvedAtMs,
			})
		if update.Error != nil {
			return update.Error
		}
		existing.Status = StatusResolved
		existing.ResolvedBy = stringPtr(normalizedResolverID)
		existing.ResolvedAtMs = int64Ptr(resolvedAtMs)
		result = ResolveResult{Event: existing, Changed: update.RowsAffected > 0}
		return nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return ResolveResult{}, err
		}
		logError(s.logger, opResolveEvent, "transaction_failed", err,
			eventFields(normalizedFamilyID, normalizedEventID)...)
		return ResolveResult{}, newServiceError(opResolveEvent, "transaction_failed", err)
	}
	return result, nil
}

// GetEvent loads one event.
func (s *EventStore) GetEvent(ctx context.Context, familyID, eventID string) (Event, error) {
	var event Event
	err := s.db.WithContext(ctx).
		Where("family_id = ? AND event_id = ?", familyID, eventID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, fmt.Errorf("%w: %s/%s", ErrNotFound, familyID, eventID)
	}
	if err != nil {
		return Event{}, fmt.Errorf("sos: load event: %w", err)
	}
	return event, nil
}
