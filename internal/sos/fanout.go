package sos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/push"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tokens"
)

const (
	// DefaultClaimLease is how long a fanout claim blocks other attempts.
	DefaultClaimLease = 120 * time.Second

	maxStoredErrorLength = 1024
)

// TokenDirectory lists and prunes family push tokens.
type TokenDirectory interface {
	ListFamilyTokens(ctx context.Context, familyID string) ([]tokens.Record, error)
	DeleteTokens(ctx context.Context, familyID string, refs []tokens.Ref) (int, error)
}

// FanoutOutcome describes what a fanout attempt did.
type FanoutOutcome string

const (
	// FanoutSent means this attempt delivered and committed the fanout.
	FanoutSent FanoutOutcome = "sent"
	// FanoutAlreadySent means an earlier attempt completed the fanout.
	FanoutAlreadySent FanoutOutcome = "already_sent"
	// FanoutAlreadyClaimed means another attempt holds a live claim.
	FanoutAlreadyClaimed FanoutOutcome = "already_claimed"
	// FanoutLeaseLost means the claim expired and was taken over before commit.
	FanoutLeaseLost FanoutOutcome = "lease_lost"
	// FanoutInactive means the event was resolved before any fanout.
	FanoutInactive FanoutOutcome = "inactive"
	// FanoutNotFound means the event does not exist.
	FanoutNotFound FanoutOutcome = "not_found"
)

// Settled reports whether no later attempt can change the fanout for this event.
func (o FanoutOutcome) Settled() bool {
	switch o {
	case FanoutSent, FanoutAlreadySent, FanoutInactive, FanoutNotFound:
		return true
	default:
		return false
	}
}

// DeliveryReport summarizes one delivery pass.
type DeliveryReport struct {
	AttemptedRecipients  int
	SuccessCount         int
	InvalidTokensRemoved int
	TransientFailures    int
	Batches              int
}

// FanoutResult is the outcome of Fanout.
type FanoutResult struct {
	Outcome           FanoutOutcome
	Event             Event
	Report            DeliveryReport
	ReminderScheduled bool
}

// DispatcherConfig describes the dependencies of the fanout dispatcher.
type DispatcherConfig struct {
	Database   *gorm.DB
	Tokens     TokenDirectory
	Gateway    push.Gateway
	Clock      func() time.Time
	IDProvider IDProvider
	Lease      time.Duration
	BatchSize  int
	Logger     *zap.Logger
}

// Dispatcher announces each event to the family exactly once.
type Dispatcher struct {
	db         *gorm.DB
	tokens     TokenDirectory
	gateway    push.Gateway
	clock      func() time.Time
	idProvider IDProvider
	lease      time.Duration
	batchSize  int
	logger     *zap.Logger
}

// NewDispatcher validates dependencies and constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_tokens", errMissingTokens)
	}
	if cfg.Gateway == nil {
		return nil, newServiceError(opServiceNew, "missing_gateway", errMissingGateway)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > push.MaxMulticastTokens {
		batchSize = push.MaxMulticastTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{
		db:         cfg.Database,
		tokens:     cfg.Tokens,
		gateway:    cfg.Gateway,
		clock:      clock,
		idProvider: cfg.IDProvider,
		lease:      lease,
		batchSize:  batchSize,
		logger:     logger,
	}, nil
}

// Fanout claims the event, delivers the alert and records the result.
// Concurrent callers are safe: at most one holds the claim and a committed
// fanout is never repeated.
func (d *Dispatcher) Fanout(ctx context.Context, familyID, eventID string) (FanoutResult, error) {
	event, claimID, outcome, err := d.claim(ctx, familyID, eventID)
	if err != nil {
		logError(d.logger, opFanout, "claim_failed", err, eventFields(familyID, eventID)...)
		return FanoutResult{}, newServiceError(opFanout, "claim_failed", err)
	}
	if outcome != "" {
		d.logger.Debug("fanout skipped",
			append(eventFields(familyID, eventID), zap.String("outcome", string(outcome)))...)
		return FanoutResult{Outcome: outcome, Event: event}, nil
	}

	report, err := d.Deliver(ctx, event)
	if err != nil {
		d.release(ctx, event, claimID, err)
		return FanoutResult{}, newServiceError(opFanout, "delivery_failed",
			fmt.Errorf("%w: %w", ErrTransientDelivery, err))
	}

	sentAtMs := d.clock().UTC().UnixMilli()
	committed, err := d.commit(ctx, event, claimID, report, sentAtMs)
	if err != nil {
		d.release(ctx, event, claimID, err)
		logError(d.logger, opFanout, "commit_failed", err, eventFields(familyID, eventID)...)
		return FanoutResult{}, newServiceError(opFanout, "commit_failed",
			fmt.Errorf("%w: %w", ErrTransientDelivery, err))
	}
	if !committed {
		d.logger.Warn("fanout claim lost before commit",
			append(eventFields(familyID, eventID), zap.String("claim_id", claimID))...)
		return FanoutResult{Outcome: FanoutLeaseLost, Event: event, Report: report}, nil
	}

	event.Fanout.ClaimedAtMs = nil
	event.Fanout.ClaimID = nil
	event.Fanout.SentAtMs = int64Ptr(sentAtMs)
	event.Fanout.AttemptedRecipients = intPtr(report.AttemptedRecipients)
	event.Fanout.SuccessCount = intPtr(report.SuccessCount)
	event.Fanout.InvalidTokensRemoved = intPtr(report.InvalidTokensRemoved)

	d.logger.Info("fanout sent",
		append(eventFields(familyID, eventID),
			zap.Int("attempted_recipients", report.AttemptedRecipients),
			zap.Int("success_count", report.SuccessCount),
			zap.Int("invalid_tokens_removed", report.InvalidTokensRemoved),
			zap.Int("transient_failures", report.TransientFailures))...)
	return FanoutResult{Outcome: FanoutSent, Event: event, Report: report}, nil
}

// Deliver sends the alert to every family token except the creator's and
// prunes tokens the gateway reports as permanently invalid. It does not
// touch the claim.
func (d *Dispatcher) Deliver(ctx context.Context, event Event) (DeliveryReport, error) {
	records, err := d.tokens.ListFamilyTokens(ctx, event.FamilyID)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("list family tokens: %w", err)
	}

	recipients := make([]tokens.Record, 0, len(records))
	for _, record := range records {
		if record.OwnerID == event.CreatedBy || record.Token == "" {
			continue
		}
		recipients = append(recipients, record)
	}

	report := DeliveryReport{AttemptedRecipients: len(recipients)}
	if len(recipients) == 0 {
		return report, nil
	}

	message := alertMessage(event)
	for start := 0; start < len(recipients); start += d.batchSize {
		end := start + d.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]
		tokenValues := make([]string, len(batch))
		for index, record := range batch {
			tokenValues[index] = record.Token
		}

		results, err := d.gateway.SendMulticast(ctx, tokenValues, message)
		if err != nil {
			return report, fmt.Errorf("send batch %d: %w", report.Batches, err)
		}
		if len(results) != len(batch) {
			return report, fmt.Errorf("send batch %d: got %d results for %d tokens", report.Batches, len(results), len(batch))
		}
		report.Batches++

		var invalid []tokens.Ref
		for index, result := range results {
			switch {
			case result.Succeeded():
				report.SuccessCount++
			case result.TokenPermanentlyInvalid():
				invalid = append(invalid, batch[index].Ref())
			default:
				report.TransientFailures++
				d.logger.Debug("push delivery failed for token",
					append(eventFields(event.FamilyID, event.EventID),
						zap.String("token_hash", batch[index].TokenHash),
						zap.Error(result.Err))...)
			}
		}
		if len(invalid) == 0 {
			continue
		}
		// Pruning is best effort. The alert already reached this batch.
		if _, err := d.tokens.DeleteTokens(ctx, event.FamilyID, invalid); err != nil {
			logError(d.logger, opFanout, "prune_failed", err,
				append(eventFields(event.FamilyID, event.EventID), zap.Int("invalid_tokens", len(invalid)))...)
			continue
		}
		report.InvalidTokensRemoved += len(invalid)
	}
	return report, nil
}

func (d *Dispatcher) claim(ctx context.Context, familyID, eventID string) (Event, string, FanoutOutcome, error) {
	var (
		event   Event
		claimID string
		outcome FanoutOutcome
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("family_id = ? AND event_id = ?", familyID, eventID).
			Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = FanoutNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if event.Fanout.Sent() {
			outcome = FanoutAlreadySent
			return nil
		}
		if event.Status != StatusActive {
			outcome = FanoutInactive
			return nil
		}

		nowMs := d.clock().UTC().UnixMilli()
		leaseCutoffMs := nowMs - d.lease.Milliseconds()
		if event.Fanout.ClaimedAtMs != nil && *event.Fanout.ClaimedAtMs > leaseCutoffMs {
			outcome = FanoutAlreadyClaimed
			return nil
		}

		newClaimID, err := d.idProvider.NewID()
		if err != nil {
			return err
		}
		update := tx.Model(&Event{}).
			Where("family_id = ? AND event_id = ? AND fanout_sent_at_ms IS NULL AND (fanout_claimed_at_ms IS NULL OR fanout_claimed_at_ms <= ?)",
				familyID, eventID, leaseCutoffMs).
			Updates(map[string]any{
				"fanout_claimed_at_ms":   nowMs,
				"fanout_claim_id":        newClaimID,
				"fanout_attempted_count": gorm.Expr("fanout_attempted_count + 1"),
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			outcome = FanoutAlreadyClaimed
			return nil
		}
		claimID = newClaimID
		event.Fanout.ClaimedAtMs = int64Ptr(nowMs)
		event.Fanout.ClaimID = stringPtr(newClaimID)
		event.Fanout.AttemptedCount++
		return nil
	})
	return event, claimID, outcome, err
}

func (d *Dispatcher) commit(ctx context.Context, event Event, claimID string, report DeliveryReport, sentAtMs int64) (bool, error) {
	update := d.db.WithContext(ctx).Model(&Event{}).
		Where("family_id = ? AND event_id = ? AND fanout_claim_id = ? AND fanout_sent_at_ms IS NULL",
			event.FamilyID, event.EventID, claimID).
		Updates(map[string]any{
			"fanout_sent_at_ms":             sentAtMs,
			"fanout_attempted_recipients":   report.AttemptedRecipients,
			"fanout_success_count":          report.SuccessCount,
			"fanout_invalid_tokens_removed": report.InvalidTokensRemoved,
			"fanout_claimed_at_ms":          nil,
			"fanout_claim_id":               nil,
		})
	if update.Error != nil {
		return false, update.Error
	}
	return update.RowsAffected > 0, nil
}

// release clears the claim after a failed attempt so a retry can proceed
// without waiting for the lease to expire.
func (d *Dispatcher) release(ctx context.Context, event Event, claimID string, cause error) {
	err := d.db.WithContext(context.WithoutCancel(ctx)).Model(&Event{}).
		Where("family_id = ? AND event_id = ? AND fanout_claim_id = ?", event.FamilyID, event.EventID, claimID).
		Updates(map[string]any{
			"fanout_claimed_at_ms":    nil,
			"fanout_claim_id":         nil,
			"fanout_last_error":       truncateError(cause),
			"fanout_last_error_at_ms": d.clock().UTC().UnixMilli(),
		}).Error
	if err != nil {
		logError(d.logger, opFanout, "claim_release_failed", err, eventFields(event.FamilyID, event.EventID)...)
	}
	logError(d.logger, opFanout, "delivery_failed", cause,
		append(eventFields(event.FamilyID, event.EventID), zap.String("claim_id", claimID))...)
}
