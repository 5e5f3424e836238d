package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBackend keeps the state in process, serialised so the store cannot
// mutate what was written.
type MemoryBackend struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(m.data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *MemoryBackend) Save(_ context.Context, ch *Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := newState()
	if m.data != nil {
		if err := json.Unmarshal(m.data, st); err != nil {
			return err
		}
	}
	st.apply(ch)
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.data = b
	m.saves++
	return nil
}

// Saves reports how many writes the backend has taken.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryBackend) Close() error { return nil }
