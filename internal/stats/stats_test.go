package stats

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/daqd/internal/logging"
)

func TestRecordRun(t *testing.T) {
	s := NewTaskStats("tei49c", "poll", 0.01)
	now := time.Now()

	for i := 1; i <= 100; i++ {
		s.RecordRun(now, time.Duration(i)*time.Millisecond, nil, false)
	}
	s.RecordRun(now, time.Second, errors.New("timeout"), true)
	s.RecordStaged(2, 2048)
	s.Records.Add(5)

	snap := s.Snapshot()
	assert.Equal(t, int64(101), snap.Runs)
	assert.Equal(t, int64(100), snap.Success)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Timeouts)
	assert.Equal(t, int64(2), snap.FilesStaged)
	assert.Equal(t, int64(2048), snap.BytesStaged)
	assert.Equal(t, int64(5), snap.Records)
	assert.Equal(t, "timeout", snap.LastError)
	assert.InDelta(t, 51, snap.P50Ms, 2)
	assert.InDelta(t, 1000, snap.MaxMs, 20)

	s.Reset()
	snap = s.Snapshot()
	assert.Zero(t, snap.Runs)
	assert.Zero(t, snap.P50Ms)
}

func TestManagerGetConcurrent(t *testing.T) {
	m := NewManager(0.01)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Get("ae33", "sync").RecordRun(time.Now(), time.Millisecond, nil, false)
		}()
	}
	wg.Wait()

	snaps := m.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(50), snaps[0].Runs)
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	logging.InitWithHandler(slog.NewTextHandler(&buf, nil))

	m := NewManager(0)
	m.Get("b", "sync").RecordStaged(1, 1500)
	m.Get("a", "poll")
	m.Report()

	out := buf.String()
	assert.Contains(t, out, "instrument=a")
	assert.Contains(t, out, "instrument=b")
	assert.Contains(t, out, `bytes="1.5 kB"`)
}
