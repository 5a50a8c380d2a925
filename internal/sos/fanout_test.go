package sos

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/push"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tokens"
)

func TestFanoutExcludesCreatorAndCommitsOnce(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()
	engine.registerToken(t, testChildID, "child")
	parentToken := engine.registerToken(t, testParentA, "parent-a")
	otherToken := engine.registerToken(t, testParentB, "parent-b")
	engine.createEvent(t, "evt-fanout")

	result, err := engine.dispatcher.Fanout(ctx, testFamilyID, "evt-fanout")
	if err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if result.Outcome != FanoutSent {
		t.Fatalf("expected sent outcome, got %s", result.Outcome)
	}
	if result.Report.AttemptedRecipients != 2 || result.Report.SuccessCount != 2 {
		t.Fatalf("unexpected report %+v", result.Report)
	}

	sent := engine.gateway.sentTokens()
	sort.Strings(sent)
	expected := []string{parentToken, otherToken}
	sort.Strings(expected)
	if len(sent) != 2 || sent[0] != expected[0] || sent[1] != expected[1] {
		t.Fatalf("unexpected recipients %v", sent)
	}

	message := engine.gateway.messages[0]
	if message.CollapseKey != "sos_evt-fanout" || message.Data["sosId"] != "evt-fanout" || message.Data["childUid"] != testChildID {
		t.Fatalf("unexpected alert message %+v", message)
	}

	stored := engine.loadEvent(t, "evt-fanout")
	if !stored.Fanout.Sent() || *stored.Fanout.SentAtMs != testStart.UnixMilli() {
		t.Fatalf("expected sent timestamp to be recorded, got %+v", stored.Fanout)
	}
	if stored.Fanout.ClaimID != nil || stored.Fanout.ClaimedAtMs != nil {
		t.Fatalf("commit must clear the claim, got %+v", stored.Fanout)
	}
	if stored.Fanout.AttemptedRecipients == nil || *stored.Fanout.AttemptedRecipients != 2 {
		t.Fatalf("expected attempted recipients to be stored, got %+v", stored.Fanout)
	}

	again, err := engine.dispatcher.Fanout(ctx, testFamilyID, "evt-fanout")
	if err != nil {
		t.Fatalf("second fanout failed: %v", err)
	}
	if again.Outcome != FanoutAlreadySent {
		t.Fatalf("expected already_sent, got %s", again.Outcome)
	}
	if engine.gateway.callCount() != 1 {
		t.Fatalf("gateway must be called once, got %d", engine.gateway.callCount())
	}
}

func TestFanoutConcurrentTriggersDeliverOnce(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	engine.registerToken(t, testParentA, "parent-a")
	engine.createEvent(t, "evt-race")

	const workers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[FanoutOutcome]int)
	)
	for index := 0; index < workers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.dispatcher.Fanout(context.Background(), testFamilyID, "evt-race")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes["error"]++
				return
			}
			outcomes[result.Outcome]++
		}()
	}
	wg.Wait()

	if outcomes[FanoutSent] != 1 {
		t.Fatalf("expected exactly one sent outcome, got %v", outcomes)
	}
	if outcomes["error"] != 0 {
		t.Fatalf("unexpected errors %v", outcomes)
	}
	if engine.gateway.callCount() != 1 {
		t.Fatalf("expected one gateway call, got %d", engine.gateway.callCount())
	}
}

func TestFanoutRespectsLiveClaimUntilLeaseExpires(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()
	engine.registerToken(t, testParentA, "parent-a")
	event := engine.createEvent(t, "evt-lease")

	if err := engine.db.Model(&Event{}).
		Where("family_id = ? AND event_id = ?", testFamilyID, "evt-lease").
		Updates(map[string]any{
			"fanout_claimed_at_ms": testStart.UnixMilli(),
			"fanout_claim_id":      "stale-claim",
		}).Error; err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}

	engine.clock.Advance(119 * time.Second)
	result, err := engine.dispatcher.Fanout(ctx, testFamilyID, "evt-lease")
	if err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if result.Outcome != FanoutAlreadyClaimed {
		t.Fatalf("expected already_claimed inside the lease, got %s", result.Outcome)
	}
	if engine.gateway.callCount() != 0 {
		t.Fatalf("gateway must not be called while the lease is live")
	}

	engine.clock.Advance(2 * time.Second)
	result, err = engine.dispatcher.Fanout(ctx, testFamilyID, "evt-lease")
	if err != nil {
		t.Fatalf("fanout after lease failed: %v", err)
	}
	if result.Outcome != FanoutSent {
		t.Fatalf("expected takeover after lease expiry, got %s", result.Outcome)
	}

	committed, err := engine.dispatcher.commit(ctx, event, "stale-claim", DeliveryReport{}, engine.clock.Now().UnixMilli())
	if err != nil {
		t.Fatalf("stale commit errored: %v", err)
	}
	if committed {
		t.Fatalf("stale claim holder must not commit")
	}
	stored := engine.loadEvent(t, "evt-lease")
	if stored.Fanout.AttemptedCount != 1 {
		t.Fatalf("expected one recorded attempt, got %d", stored.Fanout.AttemptedCount)
	}
}

func TestFanoutPrunesPermanentlyInvalidTokens(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	engine.registerToken(t, testChildID, "child")
	unregistered := engine.registerToken(t, testParentA, "gone")
	invalid := engine.registerToken(t, testParentA, "bad")
	transient := engine.registerToken(t, testParentB, "flaky")
	engine.gateway.failures[unregistered] = push.FailureUnregistered
	engine.gateway.failures[invalid] = push.FailureInvalidToken
	engine.gateway.failures[transient] = push.FailureOther
	engine.createEvent(t, "evt-prune")

	result, err := engine.dispatcher.Fanout(context.Background(), testFamilyID, "evt-prune")
	if err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if result.Outcome != FanoutSent {
		t.Fatalf("per-token failures must not fail the fanout, got %s", result.Outcome)
	}
	report := result.Report
	if report.AttemptedRecipients != 3 || report.SuccessCount != 0 || report.InvalidTokensRemoved != 2 || report.TransientFailures != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	owners, family := engine.familyTokenCount(t)
	if owners != 2 || family != 2 {
		t.Fatalf("expected the child and transient tokens to remain in both indexes, got %d owner and %d family", owners, family)
	}
}

func TestFanoutWithoutRecipientsStillCommits(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	engine.registerToken(t, testChildID, "child")
	engine.createEvent(t, "evt-alone")

	result, err := engine.dispatcher.Fanout(context.Background(), testFamilyID, "evt-alone")
	if err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if result.Outcome != FanoutSent || result.Report.AttemptedRecipients != 0 {
		t.Fatalf("expected an empty sent fanout, got %+v", result)
	}
	if engine.gateway.callCount() != 0 {
		t.Fatalf("gateway must not be called without recipients")
	}
	if !engine.loadEvent(t, "evt-alone").Fanout.Sent() {
		t.Fatalf("empty fanout must still be committed")
	}
}

func TestFanoutReleasesClaimOnGatewayFailure(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()
	engine.registerToken(t, testParentA, "parent-a")
	engine.createEvent(t, "evt-retry")
	engine.gateway.setError(errors.New("gateway unavailable"))

	_, err := engine.dispatcher.Fanout(ctx, testFamilyID, "evt-retry")
	if !errors.Is(err, ErrTransientDelivery) {
		t.Fatalf("expected ErrTransientDelivery, got %v", err)
	}
	stored := engine.loadEvent(t, "evt-retry")
	if stored.Fanout.Sent() || stored.Fanout.ClaimID != nil {
		t.Fatalf("failed attempt must release the claim, got %+v", stored.Fanout)
	}
	if stored.Fanout.LastError == nil || stored.Fanout.LastErrorAtMs == nil {
		t.Fatalf("failed attempt must record the error, got %+v", stored.Fanout)
	}

	engine.gateway.setError(nil)
	result, err := engine.dispatcher.Fanout(ctx, testFamilyID, "evt-retry")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Outcome != FanoutSent {
		t.Fatalf("expected retry to send, got %s", result.Outcome)
	}
	if engine.loadEvent(t, "evt-retry").Fanout.AttemptedCount != 2 {
		t.Fatalf("expected two recorded attempts")
	}
}

func TestFanoutSplitsRecipientsIntoBatches(t *testing.T) {
	engine := newTestEngine(t, engineOptions{batchSize: 2})
	for _, name := range []string{"a1", "a2", "a3"} {
		engine.registerToken(t, testParentA, name)
	}
	for _, name := range []string{"b1", "b2"} {
		engine.registerToken(t, testParentB, name)
	}
	engine.createEvent(t, "evt-batch")

	result, err := engine.dispatcher.Fanout(context.Background(), testFamilyID, "evt-batch")
	if err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if result.Report.Batches != 3 || result.Report.SuccessCount != 5 {
		t.Fatalf("unexpected report %+v", result.Report)
	}
	for index, call := range engine.gateway.calls {
		if len(call) > 2 {
			t.Fatalf("batch %d exceeded the batch size: %d tokens", index, len(call))
		}
	}
}

func TestFanoutSkipsResolvedAndMissingEvents(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()
	engine.registerToken(t, testParentA, "parent-a")
	engine.createEvent(t, "evt-closed")
	if _, err := engine.store.ResolveEvent(ctx, testFamilyID, "evt-closed", testParentA); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	result, err := engine.dispatcher.Fanout(ctx, testFamilyID, "evt-closed")
	if err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if result.Outcome != FanoutInactive {
		t.Fatalf("expected inactive, got %s", result.Outcome)
	}

	result, err = engine.dispatcher.Fanout(ctx, testFamilyID, "evt-unknown")
	if err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if result.Outcome != FanoutNotFound {
		t.Fatalf("expected not_found, got %s", result.Outcome)
	}
	if engine.gateway.callCount() != 0 {
		t.Fatalf("gateway must not be called")
	}
}

type failingPruneDirectory struct {
	*tokens.Directory
	deleteCalls int
}

func (d *failingPruneDirectory) DeleteTokens(context.Context, string, []tokens.Ref) (int, error) {
	d.deleteCalls++
	return 0, errors.New("store unavailable")
}

func TestFanoutCommitsWhenPruningFails(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()
	goodToken := engine.registerToken(t, testParentA, "parent-a")
	staleToken := engine.registerToken(t, testParentB, "parent-b")
	engine.gateway.failures[staleToken] = push.FailureUnregistered
	engine.createEvent(t, "evt-prune-fail")

	core, logs := observer.New(zapcore.ErrorLevel)
	directory := &failingPruneDirectory{Directory: engine.tokens}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Database:   engine.db,
		Tokens:     directory,
		Gateway:    engine.gateway,
		Clock:      engine.clock.Now,
		IDProvider: &sequentialIDs{},
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	result, err := dispatcher.Fanout(ctx, testFamilyID, "evt-prune-fail")
	if err != nil {
		t.Fatalf("prune failure must not fail the fanout: %v", err)
	}
	if result.Outcome != FanoutSent {
		t.Fatalf("expected sent outcome, got %s", result.Outcome)
	}
	if result.Report.SuccessCount != 1 || result.Report.InvalidTokensRemoved != 0 {
		t.Fatalf("unexpected report %+v", result.Report)
	}
	if directory.deleteCalls != 1 {
		t.Fatalf("expected one prune attempt, got %d", directory.deleteCalls)
	}
	if !engine.loadEvent(t, "evt-prune-fail").Fanout.Sent() {
		t.Fatalf("event must be committed as sent")
	}
	entries := logs.FilterField(zap.String("reason", "prune_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one prune failure log entry, got %d", len(entries))
	}

	again, err := dispatcher.Fanout(ctx, testFamilyID, "evt-prune-fail")
	if err != nil {
		t.Fatalf("second fanout failed: %v", err)
	}
	if again.Outcome != FanoutAlreadySent {
		t.Fatalf("expected already_sent, got %s", again.Outcome)
	}
	deliveries := 0
	for _, token := range engine.gateway.sentTokens() {
		if token == goodToken {
			deliveries++
		}
	}
	if deliveries != 1 {
		t.Fatalf("healthy recipient must be alerted once, got %d", deliveries)
	}

	remaining, err := engine.tokens.ListFamilyTokens(ctx, testFamilyID)
	if err != nil {
		t.Fatalf("failed to list tokens: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("stale token stays until a later prune succeeds, got %d tokens", len(remaining))
	}
}
