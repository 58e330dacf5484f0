package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/rotation"
	"github.com/xtxerr/daqd/internal/staging"
)

func openTestStore(t *testing.T, dsn string) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = dsn
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t, "")
	_, err := s.Load(context.Background(), "tei49c")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	updated := time.Date(2024, 3, 7, 10, 11, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, &rotation.State{
		Instrument: "tei49c",
		BinLabel:   "202403071010",
		OpenPath:   "/data/tei49c/2024/03/07/tei49c-202403071010.dat",
		Pending:    []string{"/a.dat", "/b.dat"},
		UpdatedAt:  updated,
	}))

	st, err := s.Load(ctx, "tei49c")
	require.NoError(t, err)
	assert.Equal(t, "202403071010", st.BinLabel)
	assert.Equal(t, []string{"/a.dat", "/b.dat"}, st.Pending)
	assert.True(t, st.UpdatedAt.Equal(updated))

	// overwrite shrinks the pending list
	st.Pending = nil
	st.OpenPath = ""
	require.NoError(t, s.Save(ctx, st))

	st, err = s.Load(ctx, "tei49c")
	require.NoError(t, err)
	assert.Empty(t, st.Pending)
	assert.Empty(t, st.OpenPath)

	names, err := s.Instruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tei49c"}, names)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.duckdb")
	ctx := context.Background()

	s, err := New(Config{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &rotation.State{
		Instrument: "ae33",
		BinLabel:   "202403071000",
		OpenPath:   "/x.dat",
		UpdatedAt:  time.Now(),
	}))
	require.NoError(t, s.Close())

	s = openTestStore(t, dsn)
	st, err := s.Load(ctx, "ae33")
	require.NoError(t, err)
	assert.Equal(t, "/x.dat", st.OpenPath)
}

func TestTrackerRestoresFromStore(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	root := t.TempDir()

	stager := &countingStager{}
	cfg := rotation.Config{Instrument: "tei49c", DataRoot: root, ReportingIntervalMinutes: 10}

	tr, err := rotation.NewTracker(ctx, cfg, stager, s)
	require.NoError(t, err)
	_, err = tr.Append(ctx, time.Date(2024, 3, 7, 10, 7, 0, 0, time.UTC), "r1")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	tr, err = rotation.NewTracker(ctx, cfg, stager, s)
	require.NoError(t, err)
	defer tr.Close()

	arts, err := tr.Tick(ctx, time.Date(2024, 3, 7, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, arts, 1)
	assert.Equal(t, 1, stager.n)
}

func TestClosedStore(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Load(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrClosed)
	assert.ErrorIs(t, s.Save(context.Background(), &rotation.State{Instrument: "x"}), errors.ErrClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), errors.ErrClosed)
}

type countingStager struct{ n int }

func (c *countingStager) StageFile(src, instrument string) (*staging.Artifact, error) {
	c.n++
	return &staging.Artifact{Path: src, Source: src, Instrument: instrument}, nil
}
