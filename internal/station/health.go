package station

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Operational and Health State Constants
// =============================================================================

const (
	// OperStateIdle indicates the task waits for its next run.
	OperStateIdle = "idle"

	// OperStateRunning indicates a run is in progress.
	OperStateRunning = "running"

	// OperStateDisabled indicates the task was removed after a
	// configuration error and will not run again until restart.
	OperStateDisabled = "disabled"
)

const (
	// HealthStateUnknown indicates no run has finished yet.
	HealthStateUnknown = "unknown"

	// HealthStateUp indicates the last run succeeded.
	HealthStateUp = "up"

	// HealthStateDegraded indicates intermittent failures.
	HealthStateDegraded = "degraded"

	// HealthStateDown indicates the task is consistently failing.
	HealthStateDown = "down"
)

// DownAfterFailures is the number of consecutive failures after which a
// task is considered down.
const DownAfterFailures = 3

// =============================================================================
// TaskHealth
// =============================================================================

// TaskHealth holds the runtime state of one scheduled task.
//
// TaskHealth is safe for concurrent use.
type TaskHealth struct {
	Instrument string
	Task       string

	mu                  sync.RWMutex
	operState           string
	healthState         string
	lastError           string
	consecutiveFailures int
	lastRunAt           time.Time
	lastSuccessAt       time.Time
}

// NewTaskHealth creates a TaskHealth in the idle/unknown state.
func NewTaskHealth(instrument, task string) *TaskHealth {
	return &TaskHealth{
		Instrument:  instrument,
		Task:        task,
		operState:   OperStateIdle,
		healthState: HealthStateUnknown,
	}
}

// Key returns instrument/task.
func (h *TaskHealth) Key() string {
	return h.Instrument + "/" + h.Task
}

// State returns the operational and health states.
func (h *TaskHealth) State() (oper, health string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.operState, h.healthState
}

// LastError returns the message of the most recent failure, empty after a
// success.
func (h *TaskHealth) LastError() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastError
}

// ConsecutiveFailures returns the number of failed runs since the last
// success.
func (h *TaskHealth) ConsecutiveFailures() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.consecutiveFailures
}

// LastSuccess returns the time of the last successful run.
func (h *TaskHealth) LastSuccess() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSuccessAt
}

// SetRunning marks a run as started.
func (h *TaskHealth) SetRunning() {
	h.mu.Lock()
	if h.operState != OperStateDisabled {
		h.operState = OperStateRunning
	}
	h.mu.Unlock()
}

// Disable marks the task as permanently stopped.
func (h *TaskHealth) Disable(reason string) {
	h.mu.Lock()
	h.operState = OperStateDisabled
	h.healthState = HealthStateDown
	h.lastError = reason
	h.mu.Unlock()
}

// RecordSuccess records a successful run and returns the previous health
// state.
func (h *TaskHealth) RecordSuccess(at time.Time) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.healthState
	h.lastRunAt = at
	h.lastSuccessAt = at
	h.consecutiveFailures = 0
	h.lastError = ""
	h.healthState = HealthStateUp
	if h.operState == OperStateRunning {
		h.operState = OperStateIdle
	}
	return prev
}

// RecordIncomplete records a run that found some of its inputs missing.
// The failure count is left as it was; a task without any verdict yet is
// marked up.
func (h *TaskHealth) RecordIncomplete(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastRunAt = at
	if h.healthState == HealthStateUnknown {
		h.healthState = HealthStateUp
	}
	if h.operState == OperStateRunning {
		h.operState = OperStateIdle
	}
}

// RecordFailure records a failed run and returns the previous health state.
func (h *TaskHealth) RecordFailure(at time.Time, errMsg string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.healthState
	h.lastRunAt = at
	h.consecutiveFailures++
	h.lastError = errMsg
	if h.consecutiveFailures >= DownAfterFailures {
		h.healthState = HealthStateDown
	} else {
		h.healthState = HealthStateDegraded
	}
	if h.operState == OperStateRunning {
		h.operState = OperStateIdle
	}
	return prev
}

// =============================================================================
// HealthBoard
// =============================================================================

// HealthBoard holds the TaskHealth of every task.
//
// HealthBoard is safe for concurrent use.
type HealthBoard struct {
	mu    sync.RWMutex
	tasks map[string]*TaskHealth
}

// NewHealthBoard creates an empty board.
func NewHealthBoard() *HealthBoard {
	return &HealthBoard{tasks: make(map[string]*TaskHealth)}
}

// Get returns the health of a task, creating it if needed.
func (b *HealthBoard) Get(instrument, task string) *TaskHealth {
	key := instrument + "/" + task

	b.mu.RLock()
	h, ok := b.tasks[key]
	b.mu.RUnlock()
	if ok {
		return h
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.tasks[key]; ok {
		return h
	}
	h = NewTaskHealth(instrument, task)
	b.tasks[key] = h
	return h
}

// All returns every TaskHealth sorted by key.
func (b *HealthBoard) All() []*TaskHealth {
	b.mu.RLock()
	all := make([]*TaskHealth, 0, len(b.tasks))
	for _, h := range b.tasks {
		all = append(all, h)
	}
	b.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })
	return all
}

// CountByHealth returns health counts as individual values.
func (b *HealthBoard) CountByHealth() (up, degraded, down, unknown int) {
	for _, h := range b.All() {
		_, health := h.State()
		switch health {
		case HealthStateUp:
			up++
		case HealthStateDegraded:
			degraded++
		case HealthStateDown:
			down++
		default:
			unknown++
		}
	}
	return
}
