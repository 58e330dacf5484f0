package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentUsesCurrentHandler(t *testing.T) {
	log := Component("filesync")

	var buf bytes.Buffer
	InitWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log.Info("cycle done", "copied", 2)
	out := buf.String()
	assert.Contains(t, out, "component=filesync")
	assert.Contains(t, out, "copied=2")
}

func TestContextValues(t *testing.T) {
	var buf bytes.Buffer
	InitWithHandler(slog.NewTextHandler(&buf, nil))

	ctx := ContextWithInstrument(context.Background(), "tei49c")
	ctx = ContextWithTask(ctx, "sync")
	ctx = ContextWithCycleID(ctx, "abc")

	Component("filesync").Ctx(ctx).Warn("source unavailable")
	out := buf.String()
	assert.Contains(t, out, "instrument=tei49c")
	assert.Contains(t, out, "task=sync")
	assert.Contains(t, out, "cycle_id=abc")
}

func TestInitFile(t *testing.T) {
	dir := t.TempDir()
	closer, err := InitFile(slog.LevelInfo, true, dir)
	require.NoError(t, err)

	Info("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("20060102")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	Init(slog.LevelInfo, false)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
