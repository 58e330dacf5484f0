package ledger

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/staging"
)

func TestRecordAndRead(t *testing.T) {
	dir := t.TempDir()
	staged := filepath.Join(dir, "staging", "a.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(staged), 0755))
	require.NoError(t, os.WriteFile(staged, []byte("payload"), 0644))

	written := time.Date(2024, 3, 7, 10, 11, 12, 345e6, time.UTC)
	l, err := New(Options{
		Dir:    filepath.Join(dir, "ledger"),
		Digest: true,
		Now:    func() time.Time { return written },
	})
	require.NoError(t, err)

	mtime := time.Date(2024, 3, 7, 8, 0, 0, 0, time.UTC)
	err = l.Record(context.Background(), "ae33", []*staging.Artifact{
		{
			Path:        staged,
			Format:      constants.FormatRaw,
			Instrument:  "ae33",
			Source:      "/share/2024/03/07/a.dat",
			ArchivePath: "/data/ae33/2024/03/07/a.dat",
			Size:        7,
			ModTime:     mtime,
			StagedAt:    written,
		},
		{
			Path:   filepath.Join(dir, "staging", "drained.dat"),
			Format: constants.FormatRaw,
			Source: "/share/2024/03/07/drained.dat",
		},
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "ledger", "ae33", "2024-03-07_10-11-12.345.parquet")
	rows, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	sum := blake3.Sum256([]byte("payload"))
	assert.Equal(t, "ae33", rows[0].Instrument)
	assert.Equal(t, "/share/2024/03/07/a.dat", rows[0].Source)
	assert.Equal(t, int64(7), rows[0].Size)
	assert.Equal(t, mtime.UnixMilli(), rows[0].MtimeMs)
	assert.Equal(t, written.UnixMilli(), rows[0].StagedMs)
	assert.Len(t, rows[0].Blake3, 64)
	assert.Equal(t, hex.EncodeToString(sum[:]), rows[0].Blake3)

	// missing staged file: row kept, digest empty
	assert.Empty(t, rows[1].Blake3)
}

func TestRecordEmptyWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), "x", nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, errors.ErrMissingField)

	_, err = New(Options{Dir: "/x", Compression: "brotli"})
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mk := func(inst string, at time.Time) string {
		p := filepath.Join(dir, inst, at.Format(FileLayout)+".parquet")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("12345"), 0644))
		return p
	}

	old := mk("ae33", now.Add(-100*24*time.Hour))
	recent := mk("ae33", now.Add(-time.Hour))
	otherOld := mk("tei49c", now.Add(-91*24*time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ae33", "notes.parquet"), nil, 0644))

	p := NewPruner(dir, 90*24*time.Hour)

	dry := p.Prune(now, true)
	assert.Equal(t, 2, dry.FilesDeleted)
	assert.FileExists(t, old)

	res := p.Prune(now, false)
	assert.Equal(t, 2, res.FilesDeleted)
	assert.Equal(t, int64(10), res.BytesFreed)
	assert.Equal(t, 2, res.FilesSkipped)
	assert.Empty(t, res.Errors)
	assert.NoFileExists(t, old)
	assert.NoFileExists(t, otherOld)
	assert.FileExists(t, recent)
	assert.Contains(t, res.String(), "2 files deleted")

	assert.Equal(t, int64(2), p.Stats().FilesDeleted)
}

func TestPruneMissingRoot(t *testing.T) {
	res := NewPruner(filepath.Join(t.TempDir(), "none"), time.Hour).Prune(time.Now(), false)
	assert.Empty(t, res.Errors)
}
