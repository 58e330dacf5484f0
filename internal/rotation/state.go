package rotation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xtxerr/daqd/internal/errors"
)

// State is the persisted rotation state of one instrument.
type State struct {
	Instrument string
	BinLabel   string
	OpenPath   string   // file receiving appends, empty when none
	Pending    []string // closed files not yet staged, oldest first
	UpdatedAt  time.Time
}

// StateStore persists State across process restarts. Load returns
// errors.ErrNotFound when nothing was saved for the instrument.
type StateStore interface {
	Load(ctx context.Context, instrument string) (*State, error)
	Save(ctx context.Context, st *State) error
}

// MemoryStore is an in-process StateStore.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Load(_ context.Context, instrument string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[instrument]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "rotation state %s", instrument)
	}
	st.Pending = slices.Clone(st.Pending)
	return &st, nil
}

func (m *MemoryStore) Save(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *st
	cp.Pending = slices.Clone(st.Pending)
	m.states[st.Instrument] = cp
	return nil
}
