package sos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/members"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks"
)

// Observer is notified about lifecycle changes after they are committed.
type Observer interface {
	EventCreated(event Event)
	EventResolved(event Event)
}

// ServiceConfig wires the lifecycle components together.
type ServiceConfig struct {
	Membership MembershipResolver
	Store      *EventStore
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Observer   Observer
	Logger     *zap.Logger
}

// Service exposes the event lifecycle to request handlers and workers.
type Service struct {
	membership MembershipResolver
	store      *EventStore
	dispatcher *Dispatcher
	scheduler  *Scheduler
	observer   Observer
	logger     *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Membership == nil {
		return nil, newServiceError(opServiceNew, "missing_membership", errMissingMembership)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Dispatcher == nil {
		return nil, newServiceError(opServiceNew, "missing_dispatcher", errMissingDispatcher)
	}
	if cfg.Scheduler == nil {
		return nil, newServiceError(opServiceNew, "missing_scheduler", errMissingScheduler)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		membership: cfg.Membership,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		scheduler:  cfg.Scheduler,
		observer:   cfg.Observer,
		logger:     logger,
	}, nil
}

// CreateRequest is a distress signal raised by an authenticated subject.
type CreateRequest struct {
	SubjectID      string
	EventID        string
	Latitude       float64
	Longitude      float64
	AccuracyMeters *float64
}

// CreateResponse reports the stored event together with the limits that apply to it.
type CreateResponse struct {
	Event       Event
	Created     bool
	LimitPerDay int
	MinInterval time.Duration
	TimeZone    string
	Fanout      *FanoutResult
}

// CreateEvent records the event and attempts the fanout in the same call.
// A failed fanout is logged and left to the outbox relay.
func (s *Service) CreateEvent(ctx context.Context, request CreateRequest) (CreateResponse, error) {
	subjectID := strings.TrimSpace(request.SubjectID)
	if subjectID == "" {
		return CreateResponse{}, newServiceError(opCreateEvent, "unauthenticated", ErrUnauthenticated)
	}
	location, err := NewLocation(request.Latitude, request.Longitude, request.AccuracyMeters)
	if err != nil {
		return CreateResponse{}, newServiceError(opCreateEvent, "invalid_location", err)
	}
	if _, err := normalizeIdentifier("event id", request.EventID); err != nil {
		return CreateResponse{}, newServiceError(opCreateEvent, "invalid_event_id", err)
	}

	membership, err := s.resolveMembership(ctx, opCreateEvent, subjectID)
	if err != nil {
		return CreateResponse{}, err
	}

	result, err := s.store.CreateEvent(ctx, CreateEventInput{
		FamilyID:  membership.FamilyID,
		EventID:   request.EventID,
		SubjectID: subjectID,
		Role:      membership.Role.String(),
		Location:  location,
	})
	if err != nil {
		return CreateResponse{}, err
	}

	limits := s.store.limiter.Config()
	response := CreateResponse{
		Event:       result.Event,
		Created:     result.Created,
		LimitPerDay: limits.DailyLimit,
		MinInterval: limits.MinInterval,
		TimeZone:    s.store.dayClock.ZoneName(),
	}
	if result.Created && s.observer != nil {
		s.observer.EventCreated(result.Event)
	}
	if result.Event.Fanout.Sent() || result.Event.Status != StatusActive {
		return response, nil
	}

	fanout, err := s.TriggerFanout(ctx, result.Event.FamilyID, result.Event.EventID)
	if err != nil {
		s.logger.Warn("fanout deferred to outbox relay",
			append(eventFields(result.Event.FamilyID, result.Event.EventID), zap.Error(err))...)
		return response, nil
	}
	response.Fanout = &fanout
	return response, nil
}

// ResolveEvent closes an event on behalf of a family member.
func (s *Service) ResolveEvent(ctx context.Context, subjectID, familyID, eventID string) (ResolveResult, error) {
	if strings.TrimSpace(subjectID) == "" {
		return ResolveResult{}, newServiceError(opResolveEvent, "unauthenticated", ErrUnauthenticated)
	}
	result, err := s.store.ResolveEvent(ctx, familyID, eventID, subjectID)
	if err != nil {
		return ResolveResult{}, err
	}
	if result.Changed && s.observer != nil {
		s.observer.EventResolved(result.Event)
	}
	return result, nil
}

// TriggerFanout runs the claimed fanout and starts the reminder chain when
// this call is the one that completed it.
func (s *Service) TriggerFanout(ctx context.Context, familyID, eventID string) (FanoutResult, error) {
	result, err := s.dispatcher.Fanout(ctx, familyID, eventID)
	if err != nil {
		return FanoutResult{}, err
	}
	if result.Outcome != FanoutSent {
		return result, nil
	}

	err = s.scheduler.ScheduleReminder(ctx, tasks.ReminderTask{
		FamilyID:    result.Event.FamilyID,
		EventID:     result.Event.EventID,
		CreatedAtMs: result.Event.CreatedAtMs,
		Sequence:    result.Event.ReminderCount,
	})
	result.ReminderScheduled = err == nil
	return result, nil
}

// HandleReminder processes one deferred reminder task.
func (s *Service) HandleReminder(ctx context.Context, task tasks.ReminderTask) (ReminderOutcome, error) {
	return s.scheduler.HandleReminder(ctx, task)
}

// FamilyOf returns the family of an authenticated subject.
func (s *Service) FamilyOf(ctx context.Context, subjectID string) (string, error) {
	membership, err := s.resolveMembership(ctx, opFamilyOf, subjectID)
	if err != nil {
		return "", err
	}
	return membership.FamilyID, nil
}

func (s *Service) resolveMembership(ctx context.Context, operation, subjectID string) (members.Membership, error) {
	membership, err := s.membership.Resolve(ctx, subjectID)
	switch {
	case err == nil:
		return membership, nil
	case errors.Is(err, members.ErrNotFound):
		return members.Membership{}, newServiceError(operation, "profile_not_found",
			fmt.Errorf("%w: %w", ErrFailedPrecondition, err))
	case errors.Is(err, members.ErrMissingFamily), errors.Is(err, members.ErrMissingRole):
		return members.Membership{}, newServiceError(operation, "profile_incomplete",
			fmt.Errorf("%w: %w", ErrFailedPrecondition, err))
	case errors.Is(err, members.ErrInvalidIdentifier):
		return members.Membership{}, newServiceError(operation, "invalid_subject",
			fmt.Errorf("%w: %w", ErrUnauthenticated, err))
	default:
		logError(s.logger, operation, "membership_lookup_failed", err, zap.String("subject_id", subjectID))
		return members.Membership{}, newServiceError(operation, "membership_lookup_failed", err)
	}
}
