package station

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/staging"
)

// DumpPath returns <data_root>/<instrument>/<instrument>_all_lrec-<stamp>.dat.
func DumpPath(dataRoot, instrument, stamp string) string {
	return filepath.Join(dataRoot, instrument, instrument+"_all_lrec-"+stamp+constants.DataFileExt)
}

// Dump reads the complete record buffer of a poll instrument into a new
// archive file, header first, and stages it. A partial dump is kept and
// staged; the read error is returned alongside the artifact.
func (s *Station) Dump(ctx context.Context, name string) (*staging.Artifact, error) {
	t, ok := s.polls[name]
	if !ok {
		return nil, errors.NewInvalidValue("instrument", name, "not a poll instrument of this station")
	}
	ctx = logging.ContextWithInstrument(ctx, name)
	logger := log.Ctx(ctx)

	path := DumpPath(s.cfg.DataRoot, name, s.opts.Now().In(s.loc).Format(constants.DumpLabelLayout))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &errors.RotationError{Path: path, Op: "mkdir", Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &errors.RotationError{Path: path, Op: "create", Err: err}
	}

	w := bufio.NewWriter(f)
	if header := s.cfg.Instruments[name].Header; header != "" {
		fmt.Fprintln(w, header)
	}

	logger.Info("buffer dump started", "file", path)
	pages, dumpErr := t.inst.Dump(ctx, w)
	if err := w.Flush(); err != nil {
		dumpErr = errors.Join(dumpErr, &errors.RotationError{Path: path, Op: "write", Err: err})
	}
	if err := f.Close(); err != nil {
		dumpErr = errors.Join(dumpErr, &errors.RotationError{Path: path, Op: "close", Err: err})
	}
	if pages == 0 && dumpErr != nil {
		os.Remove(path)
		return nil, dumpErr
	}

	art, err := s.stagers[name].StageFile(path, name)
	if err != nil {
		return nil, errors.Join(dumpErr, err)
	}
	art.ArchivePath = path

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, name, []*staging.Artifact{art}); err != nil {
			dumpErr = errors.Join(dumpErr, err)
		}
	}
	recordStaged(t.stats, []*staging.Artifact{art})

	logger.Info("buffer dump staged",
		"file", path,
		"pages", pages,
		"size", humanize.Bytes(uint64(art.Size)),
		"artifact", art.Path)
	return art, dumpErr
}
