package station

import (
	"context"
	"time"

	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/filesync"
	"github.com/xtxerr/daqd/internal/instrument"
	"github.com/xtxerr/daqd/internal/rotation"
	"github.com/xtxerr/daqd/internal/staging"
	"github.com/xtxerr/daqd/internal/stats"
)

// Task is one scheduled unit of work of an instrument.
type Task interface {
	Kind() string
	Run(ctx context.Context) error
	Close() error
}

// =============================================================================
// poll
// =============================================================================

type pollTask struct {
	inst      *instrument.Instrument
	tracker   *rotation.Tracker
	recorder  filesync.Recorder
	stats     *stats.TaskStats
	syncClock bool
	now       func() time.Time
}

func (t *pollTask) Kind() string { return "poll" }

// Startup sends the configuration commands and, if enabled, sets the
// instrument clock. Failures are logged and never prevent polling.
func (t *pollTask) Startup(ctx context.Context) {
	logger := log.Ctx(ctx)
	if err := t.inst.Startup(ctx); err != nil {
		logger.Warn("instrument start-up incomplete", "error", err)
	}
	if t.syncClock {
		if err := t.inst.SyncClock(ctx, t.now()); err != nil {
			logger.Warn("clock sync failed", "error", err)
		}
	}
}

// Run reads one record and appends it to the active bin. When the
// instrument does not answer the tracker is still ticked so that a closed
// bin is staged on time.
func (t *pollTask) Run(ctx context.Context) error {
	record, err := t.inst.GetData(ctx)
	now := t.now()
	if err != nil {
		arts, terr := t.tracker.Tick(ctx, now)
		return errors.Join(err, terr, t.record(ctx, arts))
	}

	arts, err := t.tracker.Append(ctx, now, record)
	if !errors.Is(err, errors.ErrRotationIO) {
		t.stats.Records.Add(1)
	}
	return errors.Join(err, t.record(ctx, arts))
}

func (t *pollTask) record(ctx context.Context, arts []*staging.Artifact) error {
	if len(arts) == 0 {
		return nil
	}
	recordStaged(t.stats, arts)
	if t.recorder == nil {
		return nil
	}
	return t.recorder.Record(ctx, t.inst.Name(), arts)
}

func (t *pollTask) Close() error {
	return errors.Join(t.tracker.Close(), t.inst.Close())
}

// =============================================================================
// sync and drain
// =============================================================================

type cycleRunner interface {
	Run(ctx context.Context) (*filesync.Result, error)
}

// fileTask runs sync or drain cycles.
type fileTask struct {
	kind   string
	runner cycleRunner
	stats  *stats.TaskStats
}

func (t *fileTask) Kind() string { return t.kind }

func (t *fileTask) Run(ctx context.Context) error {
	res, err := t.runner.Run(ctx)
	if res != nil {
		t.stats.RecordStaged(len(res.Artifacts), res.Bytes)
		t.stats.Unsettled.Store(int64(res.Unsettled))
	}
	return err
}

func (t *fileTask) Close() error { return nil }

func recordStaged(s *stats.TaskStats, arts []*staging.Artifact) {
	var bytes int64
	for _, a := range arts {
		bytes += a.Size
	}
	s.RecordStaged(len(arts), bytes)
}
