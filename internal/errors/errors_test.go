package errors

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		cause    error
	}{
		{
			name:     "source missing",
			err:      &SourceError{Path: "/share/2024/03/07"},
			sentinel: ErrSourceUnavailable,
		},
		{
			name:     "source with cause",
			err:      &SourceError{Path: "/share", Err: fs.ErrPermission},
			sentinel: ErrSourceUnavailable,
			cause:    fs.ErrPermission,
		},
		{
			name:     "staging",
			err:      &StagingError{File: "a.dat", Stage: "stage-zip", Err: fs.ErrPermission},
			sentinel: ErrStagingFailure,
			cause:    fs.ErrPermission,
		},
		{
			name:     "rotation",
			err:      &RotationError{Path: "x.dat", Op: "append", Err: fs.ErrClosed},
			sentinel: ErrRotationIO,
			cause:    fs.ErrClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			if tt.cause != nil {
				assert.ErrorIs(t, tt.err, tt.cause)
			}
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestCategories(t *testing.T) {
	assert.True(t, IsConfiguration(NewConfiguration("partition_mode", "bad")))
	assert.True(t, IsConfiguration(NewMissingField("source")))
	assert.False(t, IsConfiguration(&SourceError{Path: "x"}))

	assert.True(t, IsNonFatal(&SourceError{Path: "x"}))
	assert.True(t, IsNonFatal(&StagingError{File: "a", Stage: "move", Err: fs.ErrExist}))
	assert.False(t, IsNonFatal(&RotationError{Path: "x", Op: "open", Err: fs.ErrPermission}))

	assert.True(t, IsRetriable(&RotationError{Path: "x", Op: "open", Err: fs.ErrPermission}))
	assert.True(t, IsRetriable(Wrapf(ErrInstrumentIO, "send %q", "lrec")))
	assert.False(t, IsRetriable(ErrConfiguration))
}

func TestJoinedStagingErrorsStayNonFatal(t *testing.T) {
	err := Join(
		&StagingError{File: "a.dat", Stage: "archive-copy", Err: fs.ErrPermission},
		&SourceError{Path: "/share/2024/03/06"},
	)
	assert.True(t, IsNonFatal(err))
	assert.ErrorIs(t, err, ErrStagingFailure)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	require.NoError(t, v.Err())

	v.AddField("lookback_days", "must be positive")
	require.Error(t, v.Err())
	assert.Contains(t, v.Error(), "lookback_days")

	v.AddMissing("source")
	v.Add(nil)
	assert.Len(t, v.Errors, 2)
	assert.Contains(t, v.Error(), "2 configuration problems")
	assert.ErrorIs(t, v.Err(), ErrConfiguration)
	assert.ErrorIs(t, v.Err(), ErrMissingField)
}

func TestWrapf(t *testing.T) {
	assert.NoError(t, Wrapf(nil, "x %d", 1))
	err := Wrapf(ErrNotFound, "instrument %s", "tei49c")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "instrument tei49c: not found")
}

func TestOnlySourceUnavailable(t *testing.T) {
	missing := &SourceError{Path: "/share/2024/03/07"}
	staging := &StagingError{File: "a.dat", Stage: "move", Err: fs.ErrPermission}

	assert.True(t, OnlySourceUnavailable(missing))
	assert.True(t, OnlySourceUnavailable(Join(missing, &SourceError{Path: "/share/2024/03/08"})))
	assert.True(t, OnlySourceUnavailable(Wrapf(Join(missing), "%s", "ae33/sync")))

	assert.False(t, OnlySourceUnavailable(nil))
	assert.False(t, OnlySourceUnavailable(staging))
	assert.False(t, OnlySourceUnavailable(Join(missing, staging)))
	assert.False(t, OnlySourceUnavailable(ErrSourceUnavailable))
}
