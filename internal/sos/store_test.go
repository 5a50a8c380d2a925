package sos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func windowCount(t *testing.T, engine *testEngine, dayKey string) int {
	t.Helper()
	var window RateLimitWindow
	err := engine.db.Where("family_id = ? AND subject_id = ? AND day_key = ?", testFamilyID, testChildID, dayKey).
		Take(&window).Error
	if err != nil {
		t.Fatalf("failed to load rate window for %s: %v", dayKey, err)
	}
	return window.Count
}

func createInput(eventID string) CreateEventInput {
	return CreateEventInput{
		FamilyID:  testFamilyID,
		EventID:   eventID,
		SubjectID: testChildID,
		Role:      "child",
		Location:  Location{Latitude: 10.7769, Longitude: 106.7009},
	}
}

func TestCreateEventIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	first, err := engine.store.CreateEvent(ctx, createInput("evt-1"))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first call to create the event")
	}
	if first.Event.DayKey != "2026-03-10" {
		t.Fatalf("unexpected day key %q", first.Event.DayKey)
	}
	if first.Event.Status != StatusActive {
		t.Fatalf("expected active status, got %q", first.Event.Status)
	}

	engine.clock.Advance(30 * time.Second)
	replay, err := engine.store.CreateEvent(ctx, createInput("evt-1"))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Created {
		t.Fatalf("expected replay to report created=false")
	}
	if replay.Event.CreatedAtMs != first.Event.CreatedAtMs {
		t.Fatalf("replay must return the stored record unchanged")
	}

	var events, outbox int64
	engine.db.Model(&Event{}).Count(&events)
	engine.db.Model(&OutboxEntry{}).Count(&outbox)
	if events != 1 || outbox != 1 {
		t.Fatalf("expected one event and one outbox entry, got %d and %d", events, outbox)
	}
	if got := windowCount(t, engine, "2026-03-10"); got != 1 {
		t.Fatalf("replay must not consume quota, window count %d", got)
	}
}

func TestCreateEventConcurrentDuplicatesCreateOnce(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	const attempts = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for index := 0; index < attempts; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.store.CreateEvent(context.Background(), createInput("evt-concurrent"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if result.Created {
				created++
			}
		}()
	}
	wg.Wait()

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
	if got := windowCount(t, engine, "2026-03-10"); got != 1 {
		t.Fatalf("expected window count 1, got %d", got)
	}
}

func TestCreateEventEnforcesDailyQuota(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	for index := 0; index < DefaultDailyLimit; index++ {
		if _, err := engine.store.CreateEvent(ctx, createInput(fmt.Sprintf("evt-%02d", index))); err != nil {
			t.Fatalf("create %d failed: %v", index, err)
		}
		engine.clock.Advance(11 * time.Second)
	}

	_, err := engine.store.CreateEvent(ctx, createInput("evt-over"))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	details := ErrorDetails(err)
	if details["limit_per_day"] != DefaultDailyLimit || details["day_key"] != "2026-03-10" {
		t.Fatalf("unexpected quota details %v", details)
	}
	if ErrorCode(err) != "sos.create_event.quota_exceeded" {
		t.Fatalf("unexpected error code %q", ErrorCode(err))
	}
	if got := windowCount(t, engine, "2026-03-10"); got != DefaultDailyLimit {
		t.Fatalf("rejected create must not increment the window, got %d", got)
	}

	engine.clock.Advance(24 * time.Hour)
	result, err := engine.store.CreateEvent(ctx, createInput("evt-over"))
	if err != nil {
		t.Fatalf("create on the next day failed: %v", err)
	}
	if result.Event.DayKey != "2026-03-11" {
		t.Fatalf("expected next day key, got %q", result.Event.DayKey)
	}
}

func TestCreateEventEnforcesMinimumInterval(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	if _, err := engine.store.CreateEvent(ctx, createInput("evt-a")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	engine.clock.Advance(5 * time.Second)
	_, err := engine.store.CreateEvent(ctx, createInput("evt-b"))
	if !errors.Is(err, ErrTooFrequent) {
		t.Fatalf("expected ErrTooFrequent, got %v", err)
	}
	details := ErrorDetails(err)
	if details["min_interval_s"] != 10 {
		t.Fatalf("unexpected min interval detail %v", details)
	}
	if details["retry_after_ms"] != int64(5000) {
		t.Fatalf("unexpected retry-after detail %v", details)
	}

	engine.clock.Advance(6 * time.Second)
	if _, err := engine.store.CreateEvent(ctx, createInput("evt-b")); err != nil {
		t.Fatalf("create after interval failed: %v", err)
	}
	if got := windowCount(t, engine, "2026-03-10"); got != 2 {
		t.Fatalf("expected window count 2, got %d", got)
	}
}

func TestCreateEventRejectsDisallowedRole(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	input := createInput("evt-guest")
	input.Role = "guest"

	_, err := engine.store.CreateEvent(context.Background(), input)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	var windows int64
	engine.db.Model(&RateLimitWindow{}).Count(&windows)
	if windows != 0 {
		t.Fatalf("role rejection must not touch rate windows, got %d", windows)
	}
}

func TestCreateEventDayKeyFollowsConfiguredZone(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	// 18:30 UTC is 01:30 the next morning in Ho Chi Minh City.
	engine.clock.Advance(15*time.Hour + 30*time.Minute)

	event := engine.createEvent(t, "evt-late")
	if event.DayKey != "2026-03-11" {
		t.Fatalf("expected local day key 2026-03-11, got %q", event.DayKey)
	}
}

func TestResolveEvent(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	ctx := context.Background()
	engine.createEvent(t, "evt-resolve")

	_, err := engine.store.ResolveEvent(ctx, testFamilyID, "evt-resolve", "stranger")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for non-member, got %v", err)
	}

	_, err = engine.store.ResolveEvent(ctx, testFamilyID, "evt-missing", testParentA)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	engine.clock.Advance(time.Minute)
	result, err := engine.store.ResolveEvent(ctx, testFamilyID, "evt-resolve", testParentA)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !result.Changed || result.Event.Status != StatusResolved {
		t.Fatalf("expected event to be resolved, got %+v", result)
	}

	again, err := engine.store.ResolveEvent(ctx, testFamilyID, "evt-resolve", testParentB)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again.Changed {
		t.Fatalf("second resolve must be a no-op")
	}
	stored := engine.loadEvent(t, "evt-resolve")
	if stored.ResolvedBy == nil || *stored.ResolvedBy != testParentA {
		t.Fatalf("expected resolver to remain %s, got %v", testParentA, stored.ResolvedBy)
	}
	if stored.ResolvedAtMs == nil || *stored.ResolvedAtMs != testStart.Add(time.Minute).UnixMilli() {
		t.Fatalf("unexpected resolved timestamp %v", stored.ResolvedAtMs)
	}
}

func TestNewLocationValidatesRanges(t *testing.T) {
	negative := -1.0
	cases := []struct {
		name      string
		latitude  float64
		longitude float64
		accuracy  *float64
	}{
		{name: "latitude", latitude: 91, longitude: 0},
		{name: "longitude", latitude: 0, longitude: -181},
		{name: "accuracy", latitude: 0, longitude: 0, accuracy: &negative},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewLocation(testCase.latitude, testCase.longitude, testCase.accuracy); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
	if _, err := NewLocation(-90, 180, nil); err != nil {
		t.Fatalf("boundary coordinates must be accepted: %v", err)
	}
}

func TestPurgeExpiredRateWindows(t *testing.T) {
	engine := newTestEngine(t, engineOptions{})
	engine.createEvent(t, "evt-old")

	engine.clock.Advance(DefaultRateWindowTTL - time.Second)
	removed, err := engine.store.PurgeExpiredRateWindows(context.Background())
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("window must survive until its expiry, removed %d", removed)
	}

	engine.clock.Advance(time.Second)
	removed, err = engine.store.PurgeExpiredRateWindows(context.Background())
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one expired window, removed %d", removed)
	}
}
