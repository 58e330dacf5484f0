// Package stats tracks runtime statistics of scheduled instrument tasks.
//
// Counters use atomic operations for lock-free updates. Run durations feed a
// DDSketch so that latency percentiles stay accurate with bounded memory.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/dustin/go-humanize"

	"github.com/xtxerr/daqd/internal/logging"
)

var log = logging.Component("stats")

// =============================================================================
// Task Statistics
// =============================================================================

// TaskStats tracks runtime statistics for one instrument task.
//
// TaskStats is safe for concurrent use.
type TaskStats struct {
	Instrument string
	Task       string

	RunsTotal   atomic.Int64
	RunsSuccess atomic.Int64
	RunsFailed  atomic.Int64
	RunsTimeout atomic.Int64

	FilesStaged atomic.Int64
	BytesStaged atomic.Int64
	Unsettled   atomic.Int64
	Records     atomic.Int64

	mu       sync.Mutex
	sketch   *ddsketch.DDSketch
	accuracy float64
	lastRun  time.Time
	lastErr  string
}

// NewTaskStats creates TaskStats with the given sketch relative accuracy.
func NewTaskStats(instrument, task string, accuracy float64) *TaskStats {
	s := &TaskStats{Instrument: instrument, Task: task, accuracy: accuracy}
	s.resetSketch()
	return s
}

func (s *TaskStats) resetSketch() {
	sketch, err := ddsketch.NewDefaultDDSketch(s.accuracy)
	if err != nil {
		sketch, _ = ddsketch.NewDefaultDDSketch(0.01)
	}
	s.sketch = sketch
}

// Key returns instrument/task.
func (s *TaskStats) Key() string {
	return s.Instrument + "/" + s.Task
}

// RecordRun records the outcome of one run.
func (s *TaskStats) RecordRun(at time.Time, d time.Duration, err error, timeout bool) {
	s.RunsTotal.Add(1)
	if err == nil {
		s.RunsSuccess.Add(1)
	} else {
		s.RunsFailed.Add(1)
		if timeout {
			s.RunsTimeout.Add(1)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = at
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	if ms := float64(d) / float64(time.Millisecond); ms >= 0 {
		s.sketch.Add(ms)
	}
}

// RecordStaged records files handed to the staging area.
func (s *TaskStats) RecordStaged(files int, bytes int64) {
	s.FilesStaged.Add(int64(files))
	s.BytesStaged.Add(bytes)
}

// Snapshot is a point-in-time copy of TaskStats.
type Snapshot struct {
	Instrument  string
	Task        string
	Runs        int64
	Success     int64
	Failed      int64
	Timeouts    int64
	FilesStaged int64
	BytesStaged int64
	Unsettled   int64
	Records     int64
	P50Ms       float64
	P95Ms       float64
	MaxMs       float64
	LastRun     time.Time
	LastError   string
}

// Snapshot returns current statistics.
func (s *TaskStats) Snapshot() Snapshot {
	snap := Snapshot{
		Instrument:  s.Instrument,
		Task:        s.Task,
		Runs:        s.RunsTotal.Load(),
		Success:     s.RunsSuccess.Load(),
		Failed:      s.RunsFailed.Load(),
		Timeouts:    s.RunsTimeout.Load(),
		FilesStaged: s.FilesStaged.Load(),
		BytesStaged: s.BytesStaged.Load(),
		Unsettled:   s.Unsettled.Load(),
		Records:     s.Records.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap.LastRun = s.lastRun
	snap.LastError = s.lastErr
	if !s.sketch.IsEmpty() {
		snap.P50Ms, _ = s.sketch.GetValueAtQuantile(0.50)
		snap.P95Ms, _ = s.sketch.GetValueAtQuantile(0.95)
		snap.MaxMs, _ = s.sketch.GetMaxValue()
	}
	return snap
}

// Reset resets all statistics.
func (s *TaskStats) Reset() {
	s.RunsTotal.Store(0)
	s.RunsSuccess.Store(0)
	s.RunsFailed.Store(0)
	s.RunsTimeout.Store(0)
	s.FilesStaged.Store(0)
	s.BytesStaged.Store(0)
	s.Unsettled.Store(0)
	s.Records.Store(0)

	s.mu.Lock()
	s.resetSketch()
	s.lastErr = ""
	s.mu.Unlock()
}

// =============================================================================
// Stats Manager
// =============================================================================

// Manager holds TaskStats for every scheduled task.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	stats    map[string]*TaskStats
	accuracy float64
}

// NewManager creates a Manager. accuracy is the DDSketch relative accuracy.
func NewManager(accuracy float64) *Manager {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = 0.01
	}
	return &Manager{stats: make(map[string]*TaskStats), accuracy: accuracy}
}

// Get returns statistics for a task, creating them if needed.
func (m *Manager) Get(instrument, task string) *TaskStats {
	key := instrument + "/" + task

	m.mu.RLock()
	s, ok := m.stats[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[key]; ok {
		return s
	}
	s = NewTaskStats(instrument, task, m.accuracy)
	m.stats[key] = s
	return s
}

// Snapshots returns snapshots of every task, sorted by key.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	all := make([]*TaskStats, 0, len(m.stats))
	for _, s := range m.stats {
		all = append(all, s)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })

	snaps := make([]Snapshot, len(all))
	for i, s := range all {
		snaps[i] = s.Snapshot()
	}
	return snaps
}

// Report logs one line per task.
func (m *Manager) Report() {
	for _, s := range m.Snapshots() {
		log.Info("task stats",
			"instrument", s.Instrument,
			"task", s.Task,
			"runs", s.Runs,
			"failed", s.Failed,
			"timeouts", s.Timeouts,
			"staged", s.FilesStaged,
			"bytes", humanize.Bytes(uint64(s.BytesStaged)),
			"records", s.Records,
			"p50_ms", s.P50Ms,
			"p95_ms", s.P95Ms,
			"last_run", humanize.Time(s.LastRun),
			"last_error", s.LastError)
	}
}
