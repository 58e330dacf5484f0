// Package station runs the acquisition tasks of every configured instrument.
//
// A Station owns the per-instrument process locks, the shared state store
// and ledger, and one Task per instrument. Run drives the tasks from the
// scheduler until the context is cancelled; RunOnce executes every sync and
// drain task a single time; Dump reads out an instrument's record buffer.
package station

import (
	"context"
	"sort"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/filesync"
	"github.com/xtxerr/daqd/internal/instrument"
	"github.com/xtxerr/daqd/internal/ledger"
	"github.com/xtxerr/daqd/internal/loader"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/rotation"
	"github.com/xtxerr/daqd/internal/scheduler"
	"github.com/xtxerr/daqd/internal/staging"
	"github.com/xtxerr/daqd/internal/statestore"
	"github.com/xtxerr/daqd/internal/stats"
)

var log = logging.Component("station")

// startupConcurrency bounds parallel instrument start-up sequences.
const startupConcurrency = 4

// Options adjusts how a Station is built.
type Options struct {
	// Instruments restricts the station to the named instruments.
	// Empty means every configured instrument.
	Instruments []string

	// Now overrides the clock of every component.
	Now func() time.Time

	// NewClient overrides instrument client construction.
	NewClient func(instrument.Config) (instrument.Client, error)

	// StartJitter overrides the scheduler's first-run jitter.
	StartJitter time.Duration
}

// Station owns the tasks of a set of instruments.
type Station struct {
	cfg  *loader.Config
	opts Options
	loc  *time.Location

	store    *statestore.Store
	ledger   *ledger.Ledger
	recorder filesync.Recorder
	pruner   *ledger.Pruner
	stats    *stats.Manager
	health   *HealthBoard

	names   []string
	tasks   map[scheduler.TaskKey]Task
	stagers map[string]*staging.Stager
	polls   map[string]*pollTask
	locks   []fslock.Handle

	runCtx context.Context
}

// New locks every selected instrument and builds its task. cfg must have
// passed loader.Validate.
func New(ctx context.Context, cfg *loader.Config, opts Options) (st *Station, err error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewClient == nil {
		opts.NewClient = instrument.NewClient
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.NewInvalidValue("timezone", cfg.Timezone, err.Error())
	}

	s := &Station{
		cfg:     cfg,
		opts:    opts,
		loc:     loc,
		stats:   stats.NewManager(cfg.Stats.Accuracy),
		health:  NewHealthBoard(),
		tasks:   make(map[scheduler.TaskKey]Task),
		stagers: make(map[string]*staging.Stager),
		polls:   make(map[string]*pollTask),
		runCtx:  context.Background(),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.names, err = selectInstruments(cfg, opts.Instruments)
	if err != nil {
		return nil, err
	}

	if cfg.Ledger.Enabled {
		lopts := loader.ToLedgerOptions(cfg)
		lopts.Now = opts.Now
		if s.ledger, err = ledger.New(lopts); err != nil {
			return nil, err
		}
		s.recorder = s.ledger
		if cfg.Ledger.Retention > 0 {
			s.pruner = ledger.NewPruner(lopts.Dir, cfg.Ledger.Retention.Duration())
		}
	}

	for _, name := range s.names {
		if err := s.addInstrument(ctx, name, cfg.Instruments[name]); err != nil {
			return nil, errors.Wrapf(err, "instrument %s", name)
		}
	}
	s.reportOrphanedState(ctx)
	return s, nil
}

// reportOrphanedState warns about rotation state saved for instruments that
// are no longer configured as poll instruments. Their open file is never
// staged by this process.
func (s *Station) reportOrphanedState(ctx context.Context) []string {
	if s.store == nil {
		return nil
	}
	names, err := s.store.Instruments(ctx)
	if err != nil {
		log.Warn("list saved rotation state", "error", err)
		return nil
	}
	var orphaned []string
	for _, name := range names {
		if ic, ok := s.cfg.Instruments[name]; ok && ic.Kind == constants.KindPoll {
			continue
		}
		orphaned = append(orphaned, name)
		log.Warn("rotation state of unconfigured instrument", "instrument", name)
	}
	return orphaned
}

func selectInstruments(cfg *loader.Config, only []string) ([]string, error) {
	if len(only) == 0 {
		names := make([]string, 0, len(cfg.Instruments))
		for name := range cfg.Instruments {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}

	names := append([]string(nil), only...)
	sort.Strings(names)
	for _, name := range names {
		if _, ok := cfg.Instruments[name]; !ok {
			return nil, errors.NewInvalidValue("instrument", name, "not configured")
		}
	}
	return names, nil
}

func (s *Station) addInstrument(ctx context.Context, name string, ic *loader.InstrumentConfig) error {
	lock, err := lockInstrument(s.cfg.LockDir(), name)
	if err != nil {
		return err
	}
	s.locks = append(s.locks, lock)

	scfg := loader.ToStagingConfig(s.cfg, ic)
	scfg.Now = s.opts.Now
	stager, err := staging.New(scfg)
	if err != nil {
		return err
	}
	s.stagers[name] = stager
	if n, err := stager.Sweep(name); err != nil {
		log.Warn("partial artifacts not removed", "instrument", name, "error", err)
	} else if n > 0 {
		log.Info("partial artifacts removed", "instrument", name, "files", n)
	}

	key := scheduler.TaskKey{Instrument: name, Task: ic.Kind}
	taskStats := s.stats.Get(name, ic.Kind)

	switch ic.Kind {
	case constants.KindPoll:
		t, err := s.newPollTask(ctx, name, ic, stager, taskStats)
		if err != nil {
			return err
		}
		s.polls[name] = t
		s.tasks[key] = t

	case constants.KindSync:
		sc := loader.ToSyncConfig(s.cfg, name, ic, s.loc)
		sc.Now = s.opts.Now
		syncer, err := filesync.NewSyncer(sc, stager, s.recorder)
		if err != nil {
			return err
		}
		s.tasks[key] = &fileTask{kind: ic.Kind, runner: syncer, stats: taskStats}

	case constants.KindDrain:
		dc := loader.ToDrainConfig(s.cfg, name, ic)
		dc.Now = s.opts.Now
		drainer, err := filesync.NewDrainer(dc, stager, s.recorder)
		if err != nil {
			return err
		}
		s.tasks[key] = &fileTask{kind: ic.Kind, runner: drainer, stats: taskStats}

	default:
		return errors.NewInvalidValue("kind", ic.Kind, "must be one of poll|sync|drain")
	}

	log.Info("instrument ready", "instrument", name, "kind", ic.Kind, "staging", stager.Format())
	return nil
}

func (s *Station) newPollTask(ctx context.Context, name string, ic *loader.InstrumentConfig, stager *staging.Stager, ts *stats.TaskStats) (*pollTask, error) {
	if s.store == nil {
		store, err := statestore.New(loader.ToStatestoreConfig(s.cfg))
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	client, err := s.opts.NewClient(loader.ToInstrumentConfig(name, ic))
	if err != nil {
		return nil, err
	}
	inst, err := instrument.New(name, client, loader.ToCommands(ic))
	if err != nil {
		client.Close()
		return nil, err
	}

	tracker, err := rotation.NewTracker(ctx, loader.ToRotationConfig(s.cfg, name, ic, s.loc), stager, s.store)
	if err != nil {
		inst.Close()
		return nil, err
	}

	return &pollTask{
		inst:      inst,
		tracker:   tracker,
		recorder:  s.recorder,
		stats:     ts,
		syncClock: ic.SyncClock,
		now:       s.opts.Now,
	}, nil
}

// Keys returns the task keys in instrument order.
func (s *Station) Keys() []scheduler.TaskKey {
	keys := make([]scheduler.TaskKey, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Stats returns the task statistics.
func (s *Station) Stats() *stats.Manager { return s.stats }

// Health returns the task health board.
func (s *Station) Health() *HealthBoard { return s.health }

// =============================================================================
// Run
// =============================================================================

// Run schedules every task and blocks until ctx is cancelled.
func (s *Station) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.startup(ctx)

	scfg := loader.ToSchedulerConfig(&s.cfg.Scheduler, len(s.tasks))
	scfg.StartJitter = s.opts.StartJitter
	scfg.Now = s.opts.Now
	sched := scheduler.New(scfg)
	sched.SetRunFunc(s.runTask)

	for _, key := range s.Keys() {
		schedule, timeout, err := loader.TaskSchedule(s.cfg.Instruments[key.Instrument], s.loc)
		if err != nil {
			return errors.Wrapf(err, "schedule %s", key)
		}
		if err := sched.Add(key, schedule, timeout); err != nil {
			return errors.Wrapf(err, "schedule %s", key)
		}
		log.Info("task scheduled", "task", key.String(), "schedule", schedule.String(), "timeout", timeout)
	}

	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.supervise(gctx, sched) })
	g.Go(func() error { return s.housekeeping(gctx, sched) })
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	err := g.Wait()
	s.stats.Report()
	return err
}

// startup runs the start-up sequence of every poll instrument.
func (s *Station) startup(ctx context.Context) {
	if len(s.polls) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(startupConcurrency)
	for name, t := range s.polls {
		name, t := name, t
		ic := s.cfg.Instruments[name]
		g.Go(func() error {
			tctx := logging.ContextWithInstrument(gctx, name)
			if d := ic.PollTimeout.Duration(); d > 0 {
				var cancel context.CancelFunc
				tctx, cancel = context.WithTimeout(tctx, d)
				defer cancel()
			}
			t.Startup(tctx)
			return nil
		})
	}
	g.Wait()
}

// runTask is the scheduler's run function. Runs are cancelled when the
// station shuts down.
func (s *Station) runTask(ctx context.Context, key scheduler.TaskKey) error {
	t, ok := s.tasks[key]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "task %s", key)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	ctx = logging.ContextWithInstrument(ctx, key.Instrument)
	ctx = logging.ContextWithTask(ctx, key.Task)

	s.health.Get(key.Instrument, key.Task).SetRunning()
	return t.Run(ctx)
}

// supervise consumes run results. A configuration error removes the task.
// Missing source buckets are only logged. Every other failure counts
// against the task's health and is retried at the next scheduled run.
func (s *Station) supervise(ctx context.Context, sched *scheduler.Scheduler) error {
	for {
		select {
		case r, ok := <-sched.Results():
			if !ok {
				return nil
			}
			s.handleResult(sched, r)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Station) handleResult(sched *scheduler.Scheduler, r scheduler.TaskResult) {
	h := s.health.Get(r.Key.Instrument, r.Key.Task)
	logger := log.With("instrument", r.Key.Instrument, "task", r.Key.Task)

	// Buckets the producer has not created yet are expected.
	if errors.OnlySourceUnavailable(r.Err) {
		s.stats.Get(r.Key.Instrument, r.Key.Task).RecordRun(r.Started, r.Duration, nil, false)
		h.RecordIncomplete(r.Started)
		logger.Warn("source unavailable", "error", r.Err)
		return
	}

	s.stats.Get(r.Key.Instrument, r.Key.Task).RecordRun(r.Started, r.Duration, r.Err, r.Timeout)
	if r.Err == nil {
		if prev := h.RecordSuccess(r.Started); prev == HealthStateDegraded || prev == HealthStateDown {
			logger.Info("task recovered", "was", prev)
		}
		return
	}

	if errors.IsConfiguration(r.Err) {
		sched.Remove(r.Key)
		h.Disable(r.Err.Error())
		logger.Error("task disabled", "error", r.Err)
		return
	}

	prev := h.RecordFailure(r.Started, r.Err.Error())
	_, health := h.State()
	switch {
	case health == HealthStateDown && prev != HealthStateDown:
		logger.Error("task down", "failures", h.ConsecutiveFailures(), "error", r.Err)
	case errors.IsRetriable(r.Err) || r.Timeout:
		logger.Warn("task failed", "timeout", r.Timeout, "error", r.Err)
	default:
		logger.Error("task failed", "error", r.Err)
	}
}

// housekeeping periodically reports statistics and prunes the ledger.
func (s *Station) housekeeping(ctx context.Context, sched *scheduler.Scheduler) error {
	interval := s.cfg.Stats.ReportInterval.Duration()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
			pending, queued, active, backpressure := sched.Stats()
			log.Debug("scheduler", "pending", pending, "queued", queued, "active", active, "backpressure", backpressure)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Station) report() {
	s.stats.Report()
	up, degraded, down, unknown := s.health.CountByHealth()
	log.Info("task health", "up", up, "degraded", degraded, "down", down, "unknown", unknown)

	if s.store != nil {
		if err := s.store.Ping(context.Background()); err != nil {
			log.Warn("state store unreachable", "error", err)
		}
	}

	if s.pruner == nil {
		return
	}
	res := s.pruner.Prune(s.opts.Now(), false)
	if res.FilesDeleted > 0 || len(res.Errors) > 0 {
		total := s.pruner.Stats()
		log.Info("ledger pruned", "result", res.String(),
			"total_deleted", total.FilesDeleted, "total_freed", humanize.Bytes(uint64(total.BytesFreed)))
	}
}

// =============================================================================
// RunOnce
// =============================================================================

// RunOnce runs every sync and drain task a single time, in parallel. Poll
// tasks are skipped. The returned error joins every task's error.
func (s *Station) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	if s.cfg.Scheduler.Workers > 0 {
		g.SetLimit(s.cfg.Scheduler.Workers)
	}

	keys := s.Keys()
	errs := make([]error, len(keys))
	for i, key := range keys {
		i, key := i, key
		t := s.tasks[key]
		if t.Kind() == constants.KindPoll {
			continue
		}
		g.Go(func() error {
			start := s.opts.Now()
			tctx := logging.ContextWithTask(logging.ContextWithInstrument(ctx, key.Instrument), key.Task)
			err := t.Run(tctx)
			if errors.OnlySourceUnavailable(err) {
				log.Ctx(tctx).Warn("source unavailable", "error", err)
				err = nil
			}
			s.stats.Get(key.Instrument, key.Task).RecordRun(start, s.opts.Now().Sub(start), err, false)
			if err != nil {
				errs[i] = errors.Wrapf(err, "%s", key)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// =============================================================================
// Close
// =============================================================================

// Close closes every task, the state store and releases the instrument
// locks.
func (s *Station) Close() error {
	var errs []error
	for _, key := range s.Keys() {
		if err := s.tasks[key].Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "close %s", key))
		}
	}
	s.tasks = make(map[scheduler.TaskKey]Task)
	s.polls = make(map[string]*pollTask)

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
		s.store = nil
	}

	for _, l := range s.locks {
		if err := l.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	s.locks = nil
	return errors.Join(errs...)
}
