package keylock

import "sync"

// Map is a registry of named mutexes. The writer serializes concurrent
// appends per partition key with one, and the materializer serializes
// per-symbol read-modify-writes with another. Locks are never removed;
// the key space (partitions, symbols) is small and bounded.
type Map struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *Map {
	return &Map{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
