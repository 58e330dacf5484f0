// Package staging materializes finished data files into the local archive and
// into the per-instrument staging directory drained by the transfer client.
//
// Staging never deletes a finished artifact. Artifacts are written under
// <staging_root>/.tmp/<instrument> and renamed into place, so the transfer
// client never sees a partial file. Archive copies are written under a
// temporary dot-name next to their final name.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
)

// Stage names used in *errors.StagingError.
const (
	StageArchiveCopy = "archive-copy"
	StageRaw         = "stage-raw"
	StageZip         = "stage-zip"
	StageMove        = "move"
)

// Artifact is one file handed to the transfer client.
type Artifact struct {
	Path        string // absolute path inside the staging tree
	Format      string // constants.FormatRaw or constants.FormatArchive
	Instrument  string
	Source      string    // file the artifact was produced from
	ArchivePath string    // local archive copy, empty when none was made
	Size        int64     // bytes of the source content
	ModTime     time.Time // source modification time
	StagedAt    time.Time
}

// Config configures a Stager.
type Config struct {
	// StagingRoot is the parent of all per-instrument staging directories.
	StagingRoot string

	// Archive selects single-entry zip artifacts instead of raw copies.
	Archive bool

	// Now overrides the clock used for StagedAt.
	Now func() time.Time
}

// Stager produces staging artifacts for one configuration.
type Stager struct {
	root    string
	archive bool
	now     func() time.Time
}

// New creates a Stager.
func New(cfg Config) (*Stager, error) {
	if cfg.StagingRoot == "" {
		return nil, errors.NewMissingField("staging_root")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Stager{
		root:    cfg.StagingRoot,
		archive: cfg.Archive,
		now:     now,
	}, nil
}

// Format returns the artifact format this stager produces.
func (s *Stager) Format() string {
	if s.archive {
		return constants.FormatArchive
	}
	return constants.FormatRaw
}

// Dir returns the staging directory of an instrument.
func (s *Stager) Dir(instrument string) string {
	return filepath.Join(s.root, instrument)
}

// TempDir returns where artifacts of an instrument are written before they
// are renamed into Dir. It lives under the staging root so the rename stays
// on one filesystem.
func (s *Stager) TempDir(instrument string) string {
	return filepath.Join(s.root, constants.StagingTempDir, instrument)
}

// Sweep removes partial artifacts of an instrument left behind by a crash.
// The caller must hold the instrument lock.
func (s *Stager) Sweep(instrument string) (int, error) {
	parts, err := filepath.Glob(filepath.Join(s.TempDir(instrument), "*"+partSuffix))
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, p := range parts {
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// ArtifactName returns the staged name of a file with the given basename.
func (s *Stager) ArtifactName(base string) string {
	if s.archive {
		return strings.TrimSuffix(base, filepath.Ext(base)) + constants.ArchiveExt
	}
	return base
}

// Stage copies src verbatim into archiveDir under its own name and produces
// a staging artifact for instrument.
//
// The archive copy is committed last. A file whose staging step failed is
// therefore still missing from archiveDir and is picked up again by the
// next diff.
func (s *Stager) Stage(src, archiveDir, instrument string) (*Artifact, error) {
	name := filepath.Base(src)

	info, err := os.Stat(src)
	if err != nil {
		return nil, &errors.StagingError{File: src, Stage: StageArchiveCopy, Err: err}
	}

	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, &errors.StagingError{File: src, Stage: StageArchiveCopy, Err: err}
	}

	tmp, err := copyToTemp(src, archiveDir, name)
	if err != nil {
		return nil, &errors.StagingError{File: src, Stage: StageArchiveCopy, Err: err}
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return nil, &errors.StagingError{File: src, Stage: StageArchiveCopy, Err: err}
	}

	art, err := s.stageFrom(tmp, name, instrument, info)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}

	dest := filepath.Join(archiveDir, name)
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, &errors.StagingError{File: src, Stage: StageArchiveCopy, Err: err}
	}

	art.Source = src
	art.ArchivePath = dest
	return art, nil
}

// StageFile produces a staging artifact for src without an archive copy.
// It is used for files that already live in the archive, such as closed
// rotation files and buffer dumps.
func (s *Stager) StageFile(src, instrument string) (*Artifact, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, &errors.StagingError{File: src, Stage: s.stageName(), Err: err}
	}
	art, err := s.stageFrom(src, filepath.Base(src), instrument, info)
	if err != nil {
		return nil, err
	}
	art.Source = src
	return art, nil
}

func (s *Stager) stageName() string {
	if s.archive {
		return StageZip
	}
	return StageRaw
}

// stageFrom writes the artifact for the content at readPath, named after base.
func (s *Stager) stageFrom(readPath, base, instrument string, info os.FileInfo) (*Artifact, error) {
	stage := s.stageName()
	dir, tmpDir := s.Dir(instrument), s.TempDir(instrument)
	for _, d := range []string{dir, tmpDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, &errors.StagingError{File: readPath, Stage: stage, Err: err}
		}
	}

	target := filepath.Join(dir, s.ArtifactName(base))

	var tmp string
	var err error
	if s.archive {
		tmp, err = zipToTemp(readPath, tmpDir, base, info.ModTime())
	} else {
		tmp, err = copyToTemp(readPath, tmpDir, base)
	}
	if err != nil {
		return nil, &errors.StagingError{File: readPath, Stage: stage, Err: err}
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return nil, &errors.StagingError{File: readPath, Stage: stage, Err: err}
	}

	return &Artifact{
		Path:       target,
		Format:     s.Format(),
		Instrument: instrument,
		Size:       info.Size(),
		ModTime:    info.ModTime(),
		StagedAt:   s.now(),
	}, nil
}

// Replaced in tests to force the cross-filesystem path of Move.
var (
	rename  = os.Rename
	chtimes = os.Chtimes
)

// Move renames src into dir, falling back to copy and remove when the two
// live on different filesystems.
func Move(src, dir string) (string, error) {
	name := filepath.Base(src)
	dest := filepath.Join(dir, name)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &errors.StagingError{File: src, Stage: StageMove, Err: err}
	}
	if err := rename(src, dest); err == nil {
		return dest, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", &errors.StagingError{File: src, Stage: StageMove, Err: err}
	}
	tmp, err := copyToTemp(src, dir, name)
	if err != nil {
		return "", &errors.StagingError{File: src, Stage: StageMove, Err: err}
	}
	if err := chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return "", &errors.StagingError{File: src, Stage: StageMove, Err: err}
	}
	if err := rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", &errors.StagingError{File: src, Stage: StageMove, Err: err}
	}
	if err := os.Remove(src); err != nil {
		return dest, &errors.StagingError{File: src, Stage: StageMove, Err: fmt.Errorf("copied but not removed: %w", err)}
	}
	return dest, nil
}

const partSuffix = ".part"

// copyToTemp copies src into a temporary file in dir and returns its path.
func copyToTemp(src, dir, name string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, "."+name+".*"+partSuffix)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// zipToTemp writes a single-entry deflate archive holding src under the
// entry name base into a temporary file in dir.
func zipToTemp(src, dir, base string, modTime time.Time) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, "."+base+".*"+partSuffix)
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}

	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     base,
		Method:   zip.Deflate,
		Modified: modTime,
	})
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
