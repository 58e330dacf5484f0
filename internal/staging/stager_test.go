package staging

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestStageRaw(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	src := filepath.Join(dir, "share", "a.dat")
	writeFile(t, src, "line1\nline2\n", mtime)

	s, err := New(Config{StagingRoot: filepath.Join(dir, "staging")})
	require.NoError(t, err)

	archiveDir := filepath.Join(dir, "data", "ae33", "2024", "03", "07")
	art, err := s.Stage(src, archiveDir, "ae33")
	require.NoError(t, err)

	assert.Equal(t, constants.FormatRaw, art.Format)
	assert.Equal(t, "ae33", art.Instrument)
	assert.Equal(t, filepath.Join(dir, "staging", "ae33", "a.dat"), art.Path)
	assert.Equal(t, filepath.Join(archiveDir, "a.dat"), art.ArchivePath)
	assert.Equal(t, int64(12), art.Size)

	for _, p := range []string{art.Path, art.ArchivePath} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "line1\nline2\n", string(data))
	}

	info, err := os.Stat(art.ArchivePath)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))

	// source is never touched
	_, err = os.Stat(src)
	assert.NoError(t, err)

	// no temporary files left behind
	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	entries, err = os.ReadDir(filepath.Join(dir, "staging", "ae33"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	entries, err = os.ReadDir(s.TempDir("ae33"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTempDirOutsideInstrumentDir(t *testing.T) {
	s, err := New(Config{StagingRoot: "/staging"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/staging", ".tmp", "ae33"), s.TempDir("ae33"))
	assert.NotEqual(t, s.Dir("ae33"), filepath.Dir(s.TempDir("ae33")))
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{StagingRoot: dir})
	require.NoError(t, err)

	n, err := s.Sweep("ae33")
	require.NoError(t, err)
	assert.Zero(t, n)

	stale := filepath.Join(s.TempDir("ae33"), ".a.dat.123.part")
	other := filepath.Join(s.TempDir("tei49c"), ".b.dat.456.part")
	staged := filepath.Join(s.Dir("ae33"), "c.dat")
	writeFile(t, stale, "partial", time.Now())
	writeFile(t, other, "partial", time.Now())
	writeFile(t, staged, "done", time.Now())

	n, err = s.Sweep("ae33")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, other)
	assert.FileExists(t, staged)
}

func TestStageArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "share", "tei49c-202403071000.dat")
	writeFile(t, src, "header\nrecord\n", time.Now().Add(-time.Hour))

	s, err := New(Config{StagingRoot: filepath.Join(dir, "staging"), Archive: true})
	require.NoError(t, err)

	art, err := s.Stage(src, filepath.Join(dir, "data"), "tei49c")
	require.NoError(t, err)
	assert.Equal(t, constants.FormatArchive, art.Format)
	assert.Equal(t, filepath.Join(dir, "staging", "tei49c", "tei49c-202403071000.zip"), art.Path)

	zr, err := zip.OpenReader(art.Path)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 1)
	assert.Equal(t, "tei49c-202403071000.dat", zr.File[0].Name)
	assert.Equal(t, zip.Deflate, zr.File[0].Method)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "header\nrecord\n", string(data))

	// archive copy stays verbatim
	data, err = os.ReadFile(filepath.Join(dir, "data", "tei49c-202403071000.dat"))
	require.NoError(t, err)
	assert.Equal(t, "header\nrecord\n", string(data))
}

func TestStageMissingSource(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{StagingRoot: filepath.Join(dir, "staging")})
	require.NoError(t, err)

	_, err = s.Stage(filepath.Join(dir, "gone.dat"), filepath.Join(dir, "data"), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStagingFailure)

	var se *errors.StagingError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageArchiveCopy, se.Stage)
}

func TestStageFailureLeavesNoArchiveCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "share", "a.dat")
	writeFile(t, src, "x", time.Now())

	// A regular file where the instrument staging directory should be.
	stagingRoot := filepath.Join(dir, "staging")
	require.NoError(t, os.MkdirAll(stagingRoot, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stagingRoot, "inst"), nil, 0644))

	s, err := New(Config{StagingRoot: stagingRoot})
	require.NoError(t, err)

	archiveDir := filepath.Join(dir, "data")
	_, err = s.Stage(src, archiveDir, "inst")
	require.ErrorIs(t, err, errors.ErrStagingFailure)

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStageFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "data", "x-202403071000.dat")
	writeFile(t, src, "h\n", time.Now())

	staged := time.Date(2024, 3, 7, 10, 11, 0, 0, time.UTC)
	s, err := New(Config{StagingRoot: filepath.Join(dir, "staging"), Now: func() time.Time { return staged }})
	require.NoError(t, err)

	art, err := s.StageFile(src, "x")
	require.NoError(t, err)
	assert.Empty(t, art.ArchivePath)
	assert.Equal(t, src, art.Source)
	assert.Equal(t, staged, art.StagedAt)
	assert.FileExists(t, art.Path)
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "drop", "a.dat")
	writeFile(t, src, "abc", time.Now())

	dest, err := Move(src, filepath.Join(dir, "data", "inst"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "inst", "a.dat"), dest)
	assert.NoFileExists(t, src)
	assert.FileExists(t, dest)
}

// crossDevice makes the first rename fail as it would between filesystems.
func crossDevice(t *testing.T) {
	t.Helper()
	calls := 0
	rename = func(from, to string) error {
		calls++
		if calls == 1 {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EXDEV}
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })
}

func TestMoveAcrossFilesystems(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	src := filepath.Join(dir, "drop", "a.dat")
	writeFile(t, src, "abc", mtime)
	crossDevice(t)

	dest, err := Move(src, filepath.Join(dir, "data"))
	require.NoError(t, err)
	assert.NoFileExists(t, src)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestMoveKeepsSourceWhenTimesFail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "drop", "a.dat")
	writeFile(t, src, "abc", time.Now())
	crossDevice(t)
	chtimes = func(string, time.Time, time.Time) error { return os.ErrPermission }
	t.Cleanup(func() { chtimes = os.Chtimes })

	dataDir := filepath.Join(dir, "data")
	_, err := Move(src, dataDir)
	require.ErrorIs(t, err, errors.ErrStagingFailure)
	assert.ErrorIs(t, err, os.ErrPermission)

	var se *errors.StagingError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageMove, se.Stage)

	assert.FileExists(t, src)
	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, errors.ErrMissingField)
}

func TestArtifactName(t *testing.T) {
	raw, _ := New(Config{StagingRoot: "/s"})
	zipped, _ := New(Config{StagingRoot: "/s", Archive: true})

	assert.Equal(t, "a.dat", raw.ArtifactName("a.dat"))
	assert.Equal(t, "a.zip", zipped.ArtifactName("a.dat"))
	assert.Equal(t, "noext.zip", zipped.ArtifactName("noext"))
}
