// Package scheduler runs instrument tasks on interval or cron schedules.
//
// Due times live in a min-heap keyed by TaskKey. A task leaves the heap while
// it runs and is pushed back by MarkComplete, so it never overlaps itself. A
// full job queue pushes the task back by BackpressureDelay instead of
// blocking the schedule loop. Outcomes go to Results for the caller to
// supervise.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/daqd/config"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// TaskKey uniquely identifies a scheduled task.
type TaskKey struct {
	Instrument string
	Task       string
}

// String returns instrument/task.
func (k TaskKey) String() string {
	return k.Instrument + "/" + k.Task
}

// ParseTaskKey parses instrument/task.
func ParseTaskKey(s string) (TaskKey, error) {
	inst, task, ok := strings.Cut(s, "/")
	if !ok || inst == "" || task == "" {
		return TaskKey{}, fmt.Errorf("invalid task key: %s", s)
	}
	return TaskKey{Instrument: inst, Task: task}, nil
}

// RunFunc executes one run of a task.
type RunFunc func(ctx context.Context, key TaskKey) error

// TaskResult is the outcome of one run.
type TaskResult struct {
	Key      TaskKey
	Started  time.Time
	Duration time.Duration
	Err      error
	Timeout  bool
}

type job struct {
	key TaskKey
}

// TaskItem represents an item in the scheduler heap.
type TaskItem struct {
	Key      TaskKey
	NextRun  time.Time
	Schedule Schedule
	Timeout  time.Duration // zero means the run is not bounded
	Running  bool
	deleted  bool
	index    int
}

// =============================================================================
// Due-time heap
// =============================================================================

// TaskHeap implements heap.Interface for TaskItems.
type TaskHeap []*TaskItem

func (h TaskHeap) Len() int { return len(h) }

func (h TaskHeap) Less(i, j int) bool {
	return h[i].NextRun.Before(h[j].NextRun)
}

func (h TaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *TaskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*TaskItem)
	item.index = n
	*h = append(*h, item)
}

func (h *TaskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Peek returns the top item without removing it.
func (h TaskHeap) Peek() *TaskItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Config
// =============================================================================

// BackpressureDelay is the delay applied when the job queue is full.
const BackpressureDelay = time.Second

// MaxStartJitter bounds the random delay before the first run of an
// interval task.
const MaxStartJitter = 5 * time.Second

// Config sizes the worker pool and its queues. Zero fields take defaults.
type Config struct {
	// Workers is the number of concurrent task workers.
	Workers int

	// QueueSize is how many due runs may wait for a worker.
	QueueSize int

	// ResultsSize buffers Results. Defaults to QueueSize.
	ResultsSize int

	// TickInterval is how often the scheduler checks for due tasks.
	TickInterval time.Duration

	// DrainTimeout is how long to wait for in-flight tasks during shutdown.
	DrainTimeout time.Duration

	// StartJitter bounds the random delay before the first run of an
	// interval task. Defaults to MaxStartJitter.
	StartJitter time.Duration

	// Now is the clock used for scheduling. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a single-worker configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      1,
		QueueSize:    config.DefaultSchedulerQueueSize,
		ResultsSize:  config.DefaultSchedulerQueueSize,
		TickInterval: config.DefaultSchedulerTickInterval,
		DrainTimeout: time.Duration(config.DefaultDrainTimeoutSec) * time.Second,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler manages task scheduling using a min-heap.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    TaskHeap
	heapIdx map[TaskKey]*TaskItem

	jobs    chan job
	results chan TaskResult

	runFunc RunFunc
	now     func() time.Time

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	activeWorkers atomic.Int32

	wakeup chan struct{}

	workers      int
	tickInterval time.Duration
	drainTimeout time.Duration
	startJitter  time.Duration

	// Metrics
	backpressure atomic.Int64
	runsQueued   atomic.Int64
}

// New creates a new Scheduler.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = config.DefaultSchedulerQueueSize
	}
	results := cfg.ResultsSize
	if results <= 0 {
		results = queue
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = config.DefaultSchedulerTickInterval
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = time.Duration(config.DefaultDrainTimeoutSec) * time.Second
	}
	jitter := cfg.StartJitter
	if jitter <= 0 {
		jitter = MaxStartJitter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		heap:         make(TaskHeap, 0),
		heapIdx:      make(map[TaskKey]*TaskItem),
		jobs:         make(chan job, queue),
		results:      make(chan TaskResult, results),
		now:          now,
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      workers,
		tickInterval: tick,
		drainTimeout: drain,
		startJitter:  jitter,
	}
}

// SetRunFunc sets the function that executes tasks.
func (s *Scheduler) SetRunFunc(fn RunFunc) {
	s.runFunc = fn
}

// Results returns the results channel. It is closed after a graceful Stop.
func (s *Scheduler) Results() <-chan TaskResult {
	return s.results
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the workers and the schedule loop.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(context.Background())
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.workers)
}

// Stop stops the scheduler gracefully, waiting for in-flight tasks up to
// the drain timeout.
func (s *Scheduler) Stop() {
	s.StopWithContext(context.Background())
}

// StopWithContext is Stop with ctx able to cut the drain short.
func (s *Scheduler) StopWithContext(ctx context.Context) {
	s.stopOnce.Do(func() {
		log.Info("scheduler stopping")
		close(s.shutdown)

		drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Nothing can send any more.
			close(s.results)
			log.Info("scheduler stopped gracefully")
		case <-drainCtx.Done():
			log.Warn("scheduler drain timeout", "active_workers", s.activeWorkers.Load())
		}
	})
}

// =============================================================================
// Task Management
// =============================================================================

// Add adds a task. Interval tasks first run after a random jitter of at
// most the configured start jitter; cron tasks at their next fire time. timeout bounds
// each run; zero leaves runs unbounded. Adding an existing key is a no-op.
func (s *Scheduler) Add(key TaskKey, sched Schedule, timeout time.Duration) error {
	if sched == nil {
		return errors.NewMissingField("schedule")
	}
	now := s.now()

	var first time.Time
	if e, ok := sched.(every); ok {
		if e <= 0 {
			return errors.NewInvalidValue("interval", time.Duration(e), "must be positive")
		}
		jitter := min(time.Duration(e), s.startJitter)
		first = now.Add(time.Duration(rand.Int63n(int64(jitter))))
	} else {
		first = sched.Next(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heapIdx[key]; ok {
		return nil
	}

	item := &TaskItem{
		Key:      key,
		NextRun:  first,
		Schedule: sched,
		Timeout:  timeout,
	}
	heap.Push(&s.heap, item)
	s.heapIdx[key] = item
	s.signalWakeup()

	log.Debug("task added", "key", key.String(), "schedule", sched.String(), "first_run", first)
	return nil
}

// Remove removes a task. A running task is marked and dropped when its run
// completes.
func (s *Scheduler) Remove(key TaskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	item.deleted = true

	if !item.Running {
		if item.index >= 0 {
			heap.Remove(&s.heap, item.index)
		}
		delete(s.heapIdx, key)
	}

	log.Debug("task removed", "key", key.String(), "was_running", item.Running)
}

// Contains returns true if the task is scheduled.
func (s *Scheduler) Contains(key TaskKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	return ok && !item.deleted
}

// =============================================================================
// Dispatch
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDueItems()
		case <-s.wakeup:
			s.processDueItems()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) processDueItems() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		next := s.heap.Peek()
		if next.NextRun.After(now) {
			break
		}

		item := heap.Pop(&s.heap).(*TaskItem)

		if item.deleted {
			delete(s.heapIdx, item.Key)
			continue
		}

		// Out of the heap until MarkComplete, so it cannot overlap itself.
		item.Running = true

		select {
		case s.jobs <- job{key: item.Key}:
			s.runsQueued.Add(1)
		default:
			item.NextRun = now.Add(BackpressureDelay)
			item.Running = false
			heap.Push(&s.heap, item)
			s.backpressure.Add(1)
		}
	}
}

// MarkComplete reschedules a task after a run.
func (s *Scheduler) MarkComplete(key TaskKey) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	if item.deleted {
		delete(s.heapIdx, key)
		return
	}

	item.NextRun = item.Schedule.Next(now)
	item.Running = false

	if item.index < 0 {
		heap.Push(&s.heap, item)
	} else {
		heap.Fix(&s.heap, item.index)
	}

	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case j := <-s.jobs:
			result := s.executeWithRecovery(ctx, j.key)

			s.MarkComplete(j.key)

			select {
			case s.results <- result:
			case <-s.shutdown:
				return
			}

		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) timeoutFor(key TaskKey) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.heapIdx[key]; ok {
		return item.Timeout
	}
	return 0
}

// executeWithRecovery runs a task, converting a panic into a failed result.
func (s *Scheduler) executeWithRecovery(ctx context.Context, key TaskKey) (result TaskResult) {
	s.activeWorkers.Add(1)
	start := s.now()
	result = TaskResult{Key: key, Started: start}

	defer func() {
		s.activeWorkers.Add(-1)

		if r := recover(); r != nil {
			log.Error("panic in task execution",
				"key", key.String(),
				"panic", r)
			result.Err = fmt.Errorf("panic: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	if s.runFunc == nil {
		result.Err = fmt.Errorf("no run function configured")
		return result
	}

	jobCtx := ctx
	if timeout := s.timeoutFor(key); timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result.Err = s.runFunc(jobCtx, key)
	if result.Err != nil && jobCtx.Err() == context.DeadlineExceeded {
		result.Timeout = true
	}
	return result
}

// =============================================================================
// Introspection
// =============================================================================

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats returns the queue depths and the backpressure count so far.
func (s *Scheduler) Stats() (heapSize, queueUsed, active int, backpressure int64) {
	s.mu.Lock()
	heapSize = s.heap.Len()
	s.mu.Unlock()

	queueUsed = len(s.jobs)
	active = int(s.activeWorkers.Load())
	backpressure = s.backpressure.Load()
	return
}

// Keys returns all scheduled task keys.
func (s *Scheduler) Keys() []TaskKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]TaskKey, 0, len(s.heapIdx))
	for _, item := range s.heapIdx {
		if !item.deleted {
			keys = append(keys, item.Key)
		}
	}
	return keys
}

// NextRun returns the next run time of a task. A running task reports false.
func (s *Scheduler) NextRun(key TaskKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok || item.deleted || item.Running {
		return time.Time{}, false
	}
	return item.NextRun, true
}

// Count returns the number of scheduled tasks.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.heapIdx {
		if !item.deleted {
			count++
		}
	}
	return count
}
