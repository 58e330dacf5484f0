// Package rotation appends instrument records into time-binned files and
// stages each file exactly once after its bin has closed.
//
// A Tracker belongs to one instrument's poll task. At most one file is open
// for append at a time. When a record (or a Tick) arrives in a different bin
// than the open file, the open file is closed and handed to the stager.
// Files left open at shutdown are staged on the next start once their bin
// is detected as closed; rotation detection, not process lifetime, drives
// staging.
package rotation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/staging"
)

var log = logging.Component("rotation")

// Stager stages a closed file.
type Stager interface {
	StageFile(src, instrument string) (*staging.Artifact, error)
}

// Config configures a Tracker.
type Config struct {
	Instrument string
	DataRoot   string

	// Header is written as the first line of every new file.
	Header string

	ReportingIntervalMinutes int

	// TimestampRecords prefixes each record with its local arrival time.
	TimestampRecords bool

	// Location aligns bins and record stamps. Defaults to UTC.
	Location *time.Location
}

// Tracker maps records to bin files and stages closed bins.
type Tracker struct {
	cfg    Config
	stager Stager
	store  StateStore

	mu    sync.Mutex
	file  *os.File
	state State
}

// NewTracker validates cfg and restores any persisted state for the
// instrument.
func NewTracker(ctx context.Context, cfg Config, stager Stager, store StateStore) (*Tracker, error) {
	v := errors.NewValidationErrors()
	if cfg.Instrument == "" {
		v.AddMissing("instrument")
	}
	if cfg.DataRoot == "" {
		v.AddMissing("data_root")
	}
	v.Add(ValidateInterval(cfg.ReportingIntervalMinutes))
	if stager == nil {
		v.AddMissing("stager")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if store == nil {
		store = NewMemoryStore()
	}

	t := &Tracker{
		cfg:    cfg,
		stager: stager,
		store:  store,
		state:  State{Instrument: cfg.Instrument},
	}

	st, err := store.Load(ctx, cfg.Instrument)
	switch {
	case err == nil:
		t.state = *st
		log.Info("rotation state restored",
			"instrument", cfg.Instrument,
			"bin", st.BinLabel,
			"open", st.OpenPath,
			"pending", len(st.Pending))
	case errors.Is(err, errors.ErrNotFound):
	default:
		return nil, &errors.RotationError{Path: cfg.Instrument, Op: "load-state", Err: err}
	}

	return t, nil
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state
	st.Pending = append([]string(nil), t.state.Pending...)
	return st
}

// Label returns the bin label for now in the tracker's location.
func (t *Tracker) Label(now time.Time) string {
	return BinLabel(now.In(t.cfg.Location), t.cfg.ReportingIntervalMinutes)
}

// Append writes record into the file of the bin containing now, rotating
// first if the bin changed. It returns the artifacts staged by this call.
//
// A failure to open or write the bin file is returned as a
// *errors.RotationError and the record is not written. Staging failures do
// not prevent the append; they are joined into the returned error and the
// file is retried on the next call.
func (t *Tracker) Append(ctx context.Context, now time.Time, record string) ([]*staging.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now = now.In(t.cfg.Location)
	artifacts, stageErr := t.advance(ctx, now)

	if t.file == nil {
		if err := t.open(ctx, now); err != nil {
			return artifacts, errors.Join(err, stageErr)
		}
	}

	line := strings.TrimRight(record, "\r\n")
	if t.cfg.TimestampRecords {
		line = now.Format(constants.RecordTimestampLayout) + " " + line
	}
	if _, err := t.file.WriteString(line + "\n"); err != nil {
		return artifacts, errors.Join(&errors.RotationError{Path: t.state.OpenPath, Op: "append", Err: err}, stageErr)
	}

	return artifacts, stageErr
}

// Tick rotates without a record, closing and staging the open file if its
// bin has ended, and retries staging of files that failed before.
func (t *Tracker) Tick(ctx context.Context, now time.Time) ([]*staging.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.advance(ctx, now.In(t.cfg.Location))
}

// Close closes the open file without staging it. The state keeps the path
// so that the file is staged after restart once its bin has closed.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	if err != nil {
		return &errors.RotationError{Path: t.state.OpenPath, Op: "close", Err: err}
	}
	return nil
}

// advance closes the open file when its bin differs from now's bin and
// stages every pending file. Caller holds t.mu.
func (t *Tracker) advance(ctx context.Context, now time.Time) ([]*staging.Artifact, error) {
	label := BinLabel(now, t.cfg.ReportingIntervalMinutes)

	var errs []error
	if t.state.OpenPath != "" && t.state.BinLabel != label {
		if t.file != nil {
			if err := t.file.Close(); err != nil {
				errs = append(errs, &errors.RotationError{Path: t.state.OpenPath, Op: "close", Err: err})
			}
			t.file = nil
		}
		log.Debug("bin closed", "instrument", t.cfg.Instrument, "file", t.state.OpenPath, "next", label)
		t.state.Pending = append(t.state.Pending, t.state.OpenPath)
		t.state.OpenPath = ""
		t.state.BinLabel = label
		if err := t.save(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}

	if len(t.state.Pending) == 0 {
		return nil, errors.Join(errs...)
	}

	var artifacts []*staging.Artifact
	remaining := t.state.Pending[:0:0]
	for _, path := range t.state.Pending {
		art, err := t.stager.StageFile(path, t.cfg.Instrument)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Warn("closed file vanished before staging", "instrument", t.cfg.Instrument, "file", path)
				errs = append(errs, err)
				continue
			}
			log.Warn("staging closed file failed", "instrument", t.cfg.Instrument, "file", path, "error", err)
			errs = append(errs, err)
			remaining = append(remaining, path)
			continue
		}
		log.Info("closed file staged", "instrument", t.cfg.Instrument, "file", path, "artifact", art.Path)
		artifacts = append(artifacts, art)
	}

	if len(remaining) != len(t.state.Pending) {
		t.state.Pending = remaining
		if err := t.save(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}

	return artifacts, errors.Join(errs...)
}

// open opens or creates the file of now's bin, writing the header if the
// file is new. Caller holds t.mu.
func (t *Tracker) open(ctx context.Context, now time.Time) error {
	start := BinStart(now, t.cfg.ReportingIntervalMinutes)
	path := FilePath(t.cfg.DataRoot, t.cfg.Instrument, start)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &errors.RotationError{Path: path, Op: "mkdir", Err: err}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return &errors.RotationError{Path: path, Op: "open", Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return &errors.RotationError{Path: path, Op: "open", Err: err}
	}
	if info.Size() == 0 && t.cfg.Header != "" {
		if _, err := f.WriteString(strings.TrimRight(t.cfg.Header, "\r\n") + "\n"); err != nil {
			f.Close()
			return &errors.RotationError{Path: path, Op: "header", Err: err}
		}
	}

	t.file = f
	t.state.OpenPath = path
	t.state.BinLabel = Label(start)
	if err := t.save(ctx, now); err != nil {
		return err
	}

	log.Debug("bin opened", "instrument", t.cfg.Instrument, "file", path)
	return nil
}

func (t *Tracker) save(ctx context.Context, now time.Time) error {
	t.state.UpdatedAt = now
	if err := t.store.Save(ctx, &t.state); err != nil {
		return &errors.RotationError{Path: t.cfg.Instrument, Op: "save-state", Err: err}
	}
	return nil
}
