package sos

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/members"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/push"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tokens"
)

const (
	testFamilyID = "family-1"
	testChildID  = "child-1"
	testParentA  = "parent-a"
	testParentB  = "parent-b"
)

// 10:00 in Asia/Ho_Chi_Minh.
var testStart = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%04d", s.next), nil
}

type fakeGateway struct {
	mu       sync.Mutex
	calls    [][]string
	messages []push.Message
	failures map[string]push.FailureReason
	err      error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failures: make(map[string]push.FailureReason)}
}

func (g *fakeGateway) SendMulticast(_ context.Context, tokenValues []string, message push.Message) ([]push.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.calls = append(g.calls, append([]string(nil), tokenValues...))
	g.messages = append(g.messages, message)
	results := make([]push.Result, len(tokenValues))
	for index, token := range tokenValues {
		result := push.Result{Token: token}
		if reason, failed := g.failures[token]; failed {
			result.Failure = reason
			result.Err = fmt.Errorf("delivery failed: %s", reason)
		} else {
			result.MessageID = "msg-" + token
		}
		results[index] = result
	}
	return results, nil
}

func (g *fakeGateway) setError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) sentTokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var all []string
	for _, call := range g.calls {
		all = append(all, call...)
	}
	return all
}

type enqueuedTask struct {
	task      tasks.ReminderTask
	notBefore time.Time
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []enqueuedTask
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task tasks.ReminderTask, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, enqueuedTask{task: task, notBefore: notBefore})
	return nil
}

func (q *fakeQueue) snapshot() []enqueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueuedTask(nil), q.tasks...)
}

type recordingObserver struct {
	mu       sync.Mutex
	created  []Event
	resolved []Event
}

func (o *recordingObserver) EventCreated(event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, event)
}

func (o *recordingObserver) EventResolved(event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, event)
}

type testEngine struct {
	db         *gorm.DB
	clock      *fakeClock
	members    *members.Service
	tokens     *tokens.Directory
	gateway    *fakeGateway
	queue      *fakeQueue
	observer   *recordingObserver
	store      *EventStore
	dispatcher *Dispatcher
	scheduler  *Scheduler
	service    *Service
}

type engineOptions struct {
	batchSize int
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sos.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	models := append(Models(), &members.Profile{}, &members.FamilyMember{}, &tokens.UserToken{}, &tokens.FamilyToken{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, options engineOptions) *testEngine {
	t.Helper()
	db := newTestDatabase(t)
	clock := newFakeClock(testStart)

	memberService, err := members.NewService(members.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create members service: %v", err)
	}
	directory, err := tokens.NewDirectory(tokens.DirectoryConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create token directory: %v", err)
	}
	dayClock, err := NewDayClock(DefaultTimeZone)
	if err != nil {
		t.Fatalf("failed to load time zone: %v", err)
	}
	ids := &sequentialIDs{}

	store, err := NewEventStore(EventStoreConfig{
		Database:    db,
		Membership:  memberService,
		RateLimiter: NewRateLimiter(RateLimitConfig{}),
		DayClock:    dayClock,
		Clock:       clock.Now,
		IDProvider:  ids,
	})
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}

	gateway := newFakeGateway()
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Database:   db,
		Tokens:     directory,
		Gateway:    gateway,
		Clock:      clock.Now,
		IDProvider: ids,
		BatchSize:  options.batchSize,
	})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	queue := &fakeQueue{}
	scheduler, err := NewScheduler(SchedulerConfig{
		Database:  db,
		Queue:     queue,
		Deliverer: dispatcher,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	observer := &recordingObserver{}
	service, err := NewService(ServiceConfig{
		Membership: memberService,
		Store:      store,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Observer:   observer,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	engine := &testEngine{
		db:         db,
		clock:      clock,
		members:    memberService,
		tokens:     directory,
		gateway:    gateway,
		queue:      queue,
		observer:   observer,
		store:      store,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		service:    service,
	}
	engine.addMember(t, testChildID, members.RoleChild)
	engine.addMember(t, testParentA, members.RoleParent)
	engine.addMember(t, testParentB, members.RoleParent)
	return engine
}

func (e *testEngine) addMember(t *testing.T, userID string, role members.Role) {
	t.Helper()
	if _, err := e.members.AddMember(context.Background(), testFamilyID, userID, role); err != nil {
		t.Fatalf("failed to add member %s: %v", userID, err)
	}
}

func (e *testEngine) registerToken(t *testing.T, userID, name string) string {
	t.Helper()
	token := "token-" + name + "-" + strings.Repeat("0", 20)
	if _, err := e.tokens.Register(context.Background(), tokens.RegisterRequest{
		UserID:   userID,
		FamilyID: testFamilyID,
		Token:    token,
		Platform: "android",
	}); err != nil {
		t.Fatalf("failed to register token %s: %v", name, err)
	}
	return token
}

func (e *testEngine) createEvent(t *testing.T, eventID string) Event {
	t.Helper()
	result, err := e.store.CreateEvent(context.Background(), CreateEventInput{
		FamilyID:  testFamilyID,
		EventID:   eventID,
		SubjectID: testChildID,
		Role:      "child",
		Location:  Location{Latitude: 10.7769, Longitude: 106.7009},
	})
	if err != nil {
		t.Fatalf("failed to create event %s: %v", eventID, err)
	}
	if !result.Created {
		t.Fatalf("expected event %s to be created", eventID)
	}
	return result.Event
}

func (e *testEngine) loadEvent(t *testing.T, eventID string) Event {
	t.Helper()
	event, err := e.store.GetEvent(context.Background(), testFamilyID, eventID)
	if err != nil {
		t.Fatalf("failed to load event %s: %v", eventID, err)
	}
	return event
}

func (e *testEngine) familyTokenCount(t *testing.T) (int64, int64) {
	t.Helper()
	var owners, family int64
	if err := e.db.Model(&tokens.UserToken{}).Count(&owners).Error; err != nil {
		t.Fatalf("count owner tokens failed: %v", err)
	}
	if err := e.db.Model(&tokens.FamilyToken{}).Count(&family).Error; err != nil {
		t.Fatalf("count family tokens failed: %v", err)
	}
	return owners, family
}
