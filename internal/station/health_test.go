package station

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskHealthTransitions(t *testing.T) {
	h := NewTaskHealth("ae33", "sync")
	oper, health := h.State()
	assert.Equal(t, OperStateIdle, oper)
	assert.Equal(t, HealthStateUnknown, health)

	at := time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)
	h.SetRunning()
	oper, _ = h.State()
	assert.Equal(t, OperStateRunning, oper)

	assert.Equal(t, HealthStateUnknown, h.RecordFailure(at, "share offline"))
	oper, health = h.State()
	assert.Equal(t, OperStateIdle, oper)
	assert.Equal(t, HealthStateDegraded, health)
	assert.Equal(t, "share offline", h.LastError())

	h.RecordFailure(at, "share offline")
	assert.Equal(t, HealthStateDegraded, h.RecordFailure(at, "share offline"))
	_, health = h.State()
	assert.Equal(t, HealthStateDown, health)

	assert.Equal(t, HealthStateDown, h.RecordSuccess(at.Add(time.Minute)))
	assert.Equal(t, at.Add(time.Minute), h.LastSuccess())
	assert.Empty(t, h.LastError())

	h.Disable("missing required field: header")
	h.SetRunning()
	oper, health = h.State()
	assert.Equal(t, OperStateDisabled, oper)
	assert.Equal(t, HealthStateDown, health)
}

func TestHealthBoard(t *testing.T) {
	b := NewHealthBoard()
	a := b.Get("tei49c", "poll")
	assert.Same(t, a, b.Get("tei49c", "poll"))

	b.Get("ae33", "sync").RecordSuccess(time.Now())
	b.Get("aurora", "drain").RecordFailure(time.Now(), "boom")

	all := b.All()
	assert.Len(t, all, 3)
	assert.Equal(t, "ae33/sync", all[0].Key())

	up, degraded, down, unknown := b.CountByHealth()
	assert.Equal(t, 1, up)
	assert.Equal(t, 1, degraded)
	assert.Equal(t, 0, down)
	assert.Equal(t, 1, unknown)
}
