package filesync

import (
	"context"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/staging"
)

var log = logging.Component("filesync")

// Recorder receives the artifacts produced by one cycle.
type Recorder interface {
	Record(ctx context.Context, instrument string, artifacts []*staging.Artifact) error
}

// Config configures a Syncer for one instrument.
type Config struct {
	Instrument string

	// Source is the root of the externally written share.
	Source string

	// ArchiveRoot is <data_root>/<instrument>.
	ArchiveRoot string

	PartitionMode string
	LookbackDays  int

	// SettlingDelay defaults to the partition mode's delay when zero.
	SettlingDelay time.Duration

	// Include restricts candidates to names matching any pattern.
	Include []string

	// Location is used to compute calendar buckets. Defaults to UTC.
	Location *time.Location

	// Now overrides the clock.
	Now func() time.Time
}

// Result summarizes one sync cycle.
type Result struct {
	CycleID    string
	Buckets    []string
	Candidates int
	Unsettled  int
	Excluded   int
	Artifacts  []*staging.Artifact
	Bytes      int64
	Duration   time.Duration
}

// Syncer runs sync cycles for one instrument. It holds no state between
// cycles; everything is recomputed from the filesystem each time.
type Syncer struct {
	cfg      Config
	stager   *staging.Stager
	recorder Recorder
}

// NewSyncer validates cfg and creates a Syncer. recorder may be nil.
func NewSyncer(cfg Config, stager *staging.Stager, recorder Recorder) (*Syncer, error) {
	v := errors.NewValidationErrors()
	if cfg.Instrument == "" {
		v.AddMissing("instrument")
	}
	if cfg.Source == "" {
		v.AddMissing("source")
	}
	if cfg.ArchiveRoot == "" {
		v.AddMissing("archive_root")
	}
	if !constants.IsValidPartitionMode(cfg.PartitionMode) {
		v.Add(errors.NewInvalidValue("partition_mode", cfg.PartitionMode, "must be one of none|daily|monthly"))
	}
	if cfg.LookbackDays <= 0 {
		v.Add(errors.NewInvalidValue("lookback_days", cfg.LookbackDays, "must be positive"))
	}
	if cfg.SettlingDelay < 0 {
		v.Add(errors.NewInvalidValue("settling_delay_seconds", cfg.SettlingDelay, "must be positive"))
	}
	for _, p := range cfg.Include {
		if _, err := doublestar.Match(p, ""); err != nil {
			v.Add(errors.NewInvalidValue("include", p, err.Error()))
		}
	}
	if stager == nil {
		v.AddMissing("stager")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	if cfg.SettlingDelay == 0 {
		cfg.SettlingDelay = time.Duration(constants.DefaultSettlingDelay(cfg.PartitionMode)) * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Syncer{cfg: cfg, stager: stager, recorder: recorder}, nil
}

// SettlingDelay returns the effective settling delay.
func (s *Syncer) SettlingDelay() time.Duration {
	return s.cfg.SettlingDelay
}

// Run executes one cycle: resolve buckets, diff each against the archive,
// drop unsettled files and stage the rest.
//
// Per-bucket and per-file failures never stop the cycle. They are joined
// into the returned error, which is non-fatal in that case. The Result is
// always non-nil.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	start := s.cfg.Now()
	res := &Result{CycleID: uuid.NewString()}

	ctx = logging.ContextWithInstrument(ctx, s.cfg.Instrument)
	ctx = logging.ContextWithCycleID(ctx, res.CycleID)
	logger := log.Ctx(ctx)

	buckets, err := Resolve(s.cfg.PartitionMode, s.cfg.LookbackDays, start.In(s.cfg.Location))
	if err != nil {
		return res, err
	}
	res.Buckets = buckets

	var errs []error
	for _, bucket := range buckets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		srcDir := BucketDir(s.cfg.Source, bucket)
		destDir := BucketDir(s.cfg.ArchiveRoot, bucket)

		candidates, err := Diff(srcDir, destDir)
		if err != nil {
			logger.Warn("bucket skipped", "bucket", bucket, "error", err)
			errs = append(errs, err)
			continue
		}

		candidates, excluded := s.filterIncluded(candidates)
		res.Excluded += excluded
		res.Candidates += len(candidates)

		eligible, pending := Settled(candidates, s.cfg.SettlingDelay, s.cfg.Now())
		res.Unsettled += len(pending)
		for _, c := range pending {
			logger.Debug("file not settled", "file", c.SourcePath, "mtime", c.ModTime)
		}

		for _, c := range eligible {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			art, err := s.stager.Stage(c.SourcePath, destDir, s.cfg.Instrument)
			if err != nil {
				logger.Warn("staging failed", "file", c.SourcePath, "error", err)
				errs = append(errs, err)
				continue
			}
			res.Artifacts = append(res.Artifacts, art)
			res.Bytes += art.Size
		}
	}

	if s.recorder != nil && len(res.Artifacts) > 0 {
		if err := s.recorder.Record(ctx, s.cfg.Instrument, res.Artifacts); err != nil {
			logger.Warn("ledger write failed", "error", err)
			errs = append(errs, err)
		}
	}

	res.Duration = s.cfg.Now().Sub(start)
	logger.Info("sync cycle done",
		"buckets", len(res.Buckets),
		"candidates", res.Candidates,
		"copied", len(res.Artifacts),
		"unsettled", res.Unsettled,
		"bytes", humanize.Bytes(uint64(res.Bytes)),
		"errors", len(errs))

	return res, errors.Join(errs...)
}

func (s *Syncer) filterIncluded(candidates []Candidate) ([]Candidate, int) {
	if len(s.cfg.Include) == 0 {
		return candidates, 0
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if matchAny(s.cfg.Include, c.Name) {
			kept = append(kept, c)
		}
	}
	return kept, len(candidates) - len(kept)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
