package sos

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("sos: invalid argument")
	// ErrUnauthenticated indicates the caller could not be identified.
	ErrUnauthenticated = errors.New("sos: unauthenticated")
	// ErrPermissionDenied indicates the caller may not perform the operation.
	ErrPermissionDenied = errors.New("sos: permission denied")
	// ErrFailedPrecondition indicates the caller's profile is incomplete.
	ErrFailedPrecondition = errors.New("sos: failed precondition")
	// ErrQuotaExceeded indicates the subject reached the daily event limit.
	ErrQuotaExceeded = errors.New("sos: daily quota exceeded")
	// ErrTooFrequent indicates the subject triggered events too close together.
	ErrTooFrequent = errors.New("sos: too frequent")
	// ErrNotFound indicates the event does not exist.
	ErrNotFound = errors.New("sos: event not found")
	// ErrTransientDelivery indicates fanout failed and may be retried.
	ErrTransientDelivery = errors.New("sos: transient delivery failure")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingMembership = errors.New("membership resolver is required")
	errMissingTokens     = errors.New("token directory is required")
	errMissingGateway    = errors.New("notification gateway is required")
	errMissingQueue      = errors.New("task queue is required")
	errMissingDeliverer  = errors.New("deliverer is required")
	errMissingStore      = errors.New("event store is required")
	errMissingDispatcher = errors.New("fanout dispatcher is required")
	errMissingScheduler  = errors.New("reminder scheduler is required")
	errMissingTrigger    = errors.New("fanout trigger is required")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable dotted code and optional details for clients.
type ServiceError struct {
	code    string
	err     error
	details map[string]any
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted error code, for example sos.create_event.quota_exceeded.
func (e *ServiceError) Code() string {
	return e.code
}

// Details returns the structured parameters attached to the error.
func (e *ServiceError) Details() map[string]any {
	return e.details
}

const (
	opServiceNew        = "sos.service.new"
	opCreateEvent       = "sos.create_event"
	opResolveEvent      = "sos.resolve_event"
	opFamilyOf          = "sos.family_of"
	opFanout            = "sos.fanout"
	opScheduleReminder  = "sos.schedule_reminder"
	opHandleReminder    = "sos.handle_reminder"
	opRelayOutbox       = "sos.relay_outbox"
	opPurgeRateWindows  = "sos.purge_rate_windows"
	serviceErrorMessage = "sos service error"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func newDetailedError(operation, reason string, cause error, details map[string]any) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause, details: details}
}

// ErrorDetails extracts the details of a ServiceError anywhere in the chain.
func ErrorDetails(err error) map[string]any {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Details()
	}
	return nil
}

// ErrorCode extracts the code of a ServiceError anywhere in the chain.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(serviceErrorMessage, attrs...)
}

func eventFields(familyID, eventID string) []zap.Field {
	return []zap.Field{
		zap.String("family_id", familyID),
		zap.String("event_id", eventID),
	}
}
