package filesync

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/staging"
)

// DrainConfig configures a Drainer.
type DrainConfig struct {
	Instrument string

	// Source is a flat directory the producer pushes files into.
	Source string

	// ArchiveDir receives the files once staged.
	ArchiveDir string

	// SettlingDelay defaults to the flat-directory delay when zero.
	SettlingDelay time.Duration

	Include []string
	Now     func() time.Time
}

// Drainer stages and then moves settled files out of a drop directory.
type Drainer struct {
	cfg      DrainConfig
	stager   *staging.Stager
	recorder Recorder
}

// NewDrainer validates cfg and creates a Drainer. recorder may be nil.
func NewDrainer(cfg DrainConfig, stager *staging.Stager, recorder Recorder) (*Drainer, error) {
	v := errors.NewValidationErrors()
	if cfg.Instrument == "" {
		v.AddMissing("instrument")
	}
	if cfg.Source == "" {
		v.AddMissing("source")
	}
	if cfg.ArchiveDir == "" {
		v.AddMissing("archive_dir")
	}
	if cfg.SettlingDelay < 0 {
		v.Add(errors.NewInvalidValue("settling_delay_seconds", cfg.SettlingDelay, "must be positive"))
	}
	if stager == nil {
		v.AddMissing("stager")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	if cfg.SettlingDelay == 0 {
		cfg.SettlingDelay = time.Duration(constants.DefaultSettlingDelaySec) * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Drainer{cfg: cfg, stager: stager, recorder: recorder}, nil
}

// Run stages every settled file in the drop directory and moves it into the
// archive. A file whose move fails stays in place and is staged again on
// the next cycle.
func (d *Drainer) Run(ctx context.Context) (*Result, error) {
	start := d.cfg.Now()
	res := &Result{CycleID: uuid.NewString(), Buckets: []string{""}}

	ctx = logging.ContextWithInstrument(ctx, d.cfg.Instrument)
	ctx = logging.ContextWithCycleID(ctx, res.CycleID)
	logger := log.Ctx(ctx)

	files, err := List(d.cfg.Source)
	if err != nil {
		logger.Warn("drop directory unavailable", "error", err)
		return res, err
	}

	if len(d.cfg.Include) > 0 {
		kept := files[:0]
		for _, f := range files {
			if matchAny(d.cfg.Include, f.Name) {
				kept = append(kept, f)
			}
		}
		res.Excluded = len(files) - len(kept)
		files = kept
	}
	res.Candidates = len(files)

	eligible, pending := Settled(files, d.cfg.SettlingDelay, d.cfg.Now())
	res.Unsettled = len(pending)

	var errs []error
	for _, f := range eligible {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		art, err := d.stager.StageFile(f.SourcePath, d.cfg.Instrument)
		if err != nil {
			logger.Warn("staging failed", "file", f.SourcePath, "error", err)
			errs = append(errs, err)
			continue
		}

		dest, err := staging.Move(f.SourcePath, d.cfg.ArchiveDir)
		if err != nil {
			logger.Warn("move failed", "file", f.SourcePath, "error", err)
			errs = append(errs, err)
			if dest == "" {
				continue
			}
		}
		art.ArchivePath = dest
		res.Artifacts = append(res.Artifacts, art)
		res.Bytes += art.Size
	}

	if d.recorder != nil && len(res.Artifacts) > 0 {
		if err := d.recorder.Record(ctx, d.cfg.Instrument, res.Artifacts); err != nil {
			logger.Warn("ledger write failed", "error", err)
			errs = append(errs, err)
		}
	}

	res.Duration = d.cfg.Now().Sub(start)
	logger.Info("drain cycle done",
		"staged", len(res.Artifacts),
		"unsettled", res.Unsettled,
		"bytes", humanize.Bytes(uint64(res.Bytes)),
		"errors", len(errs))

	return res, errors.Join(errs...)
}
