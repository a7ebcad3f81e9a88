package store

import (
	"errors"
	"sync"
)

// ErrInjectedWrite is returned by MemoryKV while write failures are armed.
var ErrInjectedWrite = errors.New("injected write failure")

// MemoryKV is an in-memory KVBackend used in tests and for ephemeral runs.
// Write failures can be injected to exercise the back-off path.
type MemoryKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	failNext int
	sets     int
}

// NewMemoryKV creates an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// FailNextWrites makes the next n Set calls return ErrInjectedWrite.
func (m *MemoryKV) FailNextWrites(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// SetCount returns how many Set calls succeeded.
func (m *MemoryKV) SetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// Get returns the stored value for key.
func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Set stores value under key, or fails if a failure is armed.
func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return ErrInjectedWrite
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	m.sets++
	return nil
}

// Close is a no-op.
func (m *MemoryKV) Close() error { return nil }
