package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultLocalMaxAttempts = 5
	defaultLocalRetryDelay  = 5 * time.Second
)

var (
	// ErrQueueNotStarted indicates an enqueue before Start.
	ErrQueueNotStarted = errors.New("tasks: local queue not started")
	// ErrQueueClosed indicates an enqueue after Close.
	ErrQueueClosed = errors.New("tasks: local queue closed")
)

// LocalQueueConfig configures the in-process delayed queue.
type LocalQueueConfig struct {
	Clock       func() time.Time
	Logger      *zap.Logger
	MaxAttempts int
	RetryDelay  time.Duration
}

// LocalQueue delivers tasks from process memory after their delay elapses.
// Pending tasks are lost when the process exits.
type LocalQueue struct {
	mu          sync.Mutex
	clock       func() time.Time
	logger      *zap.Logger
	maxAttempts int
	retryDelay  time.Duration
	handler     Handler
	ctx         context.Context
	cancel      context.CancelFunc
	timers      map[int64]*time.Timer
	nextID      int64
	closed      bool
	inflight    sync.WaitGroup
}

// NewLocalQueue constructs a LocalQueue. Call Start before enqueueing.
func NewLocalQueue(cfg LocalQueueConfig) *LocalQueue {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultLocalMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultLocalRetryDelay
	}
	return &LocalQueue{
		clock:       clock,
		logger:      logger,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		timers:      make(map[int64]*time.Timer),
	}
}

// Start binds the handler. Tasks run with a context derived from ctx.
func (q *LocalQueue) Start(ctx context.Context, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.handler = handler
}

// Enqueue schedules the task for delivery at notBefore.
func (q *LocalQueue) Enqueue(_ context.Context, task ReminderTask, notBefore time.Time) error {
	if err := task.Validate(); err != nil {
		return err
	}
	delay := notBefore.Sub(q.clock())
	if delay < 0 {
		delay = 0
	}
	return q.schedule(task, delay, 1)
}

// Pending reports the number of tasks waiting for their timer.
func (q *LocalQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Close stops pending timers and waits for running handlers.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()
	q.inflight.Wait()
}

func (q *LocalQueue) schedule(task ReminderTask, delay time.Duration, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.handler == nil {
		return ErrQueueNotStarted
	}
	q.nextID++
	id := q.nextID
	q.timers[id] = time.AfterFunc(delay, func() {
		q.run(id, task, attempt)
	})
	return nil
}

func (q *LocalQueue) run(id int64, task ReminderTask, attempt int) {
	q.mu.Lock()
	if _, pending := q.timers[id]; !pending || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.timers, id)
	handler := q.handler
	ctx := q.ctx
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	err := handler(ctx, task)
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("family_id", task.FamilyID),
		zap.String("event_id", task.EventID),
		zap.Int64("seq", task.Sequence),
		zap.Int("attempt", attempt),
		zap.Error(err),
	}
	if attempt >= q.maxAttempts || ctx.Err() != nil {
		q.logger.Error("reminder task dropped", fields...)
		return
	}
	q.logger.Warn("reminder task failed, retrying", fields...)
	if scheduleErr := q.schedule(task, q.retryDelay, attempt+1); scheduleErr != nil {
		q.logger.Warn("reminder task retry not scheduled", append(fields, zap.NamedError("schedule_error", scheduleErr))...)
	}
}
