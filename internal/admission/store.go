package admission

import "sync"

// Store maps keys of one dimension to their windows.
//
// One coarse lock covers the whole map and every window in it. It has three modes:
//   - shared: RLock, for existence checks and stats, many at once
//   - upgradeable: at most one holder, readers still allowed alongside it
//   - exclusive: taken only by the upgradeable holder for the moment it mutates, blocks readers
//
// Every mutation needs the upgradeable hold plus exclusive mode. Because of that the
// upgradeable holder may read the map and windows without taking shared mode.
type Store struct {
	dim Dimension

	upgradeable sync.Mutex
	rw          sync.RWMutex
	windows     map[string]*window
}

// NewStore returns an empty store for dimension d.
func NewStore(d Dimension) *Store {
	return &Store{
		dim:     d,
		windows: make(map[string]*window),
	}
}

// Dimension returns which quota namespace this store holds.
func (s *Store) Dimension() Dimension { return s.dim }

func (s *Store) lockUpgradeable()   { s.upgradeable.Lock() }
func (s *Store) unlockUpgradeable() { s.upgradeable.Unlock() }

// exclusive runs fn with readers shut out. Caller must hold the upgradeable lock.
func (s *Store) exclusive(fn func()) {
	s.rw.Lock()
	defer s.rw.Unlock()
	fn()
}

// lookup returns the key's window or nil. Caller must hold the upgradeable lock.
func (s *Store) lookup(key string) *window {
	return s.windows[key]
}

// getOrCreate returns the key's window, inserting an empty one if absent.
// Caller must hold the upgradeable lock in exclusive mode.
func (s *Store) getOrCreate(key string) *window {
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	return w
}

// remove deletes the key. No-op if absent.
// Caller must hold the upgradeable lock in exclusive mode.
func (s *Store) remove(key string) {
	delete(s.windows, key)
}

// SnapshotKeys returns the keys present right now. The store is not held
// locked after it returns, so keys may come and go while the caller iterates.
func (s *Store) SnapshotKeys() []string {
	s.rw.RLock()
	defer s.rw.RUnlock()
	keys := make([]string, 0, len(s.windows))
	for k := range s.windows {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return len(s.windows)
}

// Contains reports whether key has a window.
func (s *Store) Contains(key string) bool {
	s.rw.RLock()
	defer s.rw.RUnlock()
	_, ok := s.windows[key]
	return ok
}

// Count returns how many timestamps are recorded for key. Expired entries that
// have not been evicted yet are included.
func (s *Store) Count(key string) int {
	s.rw.RLock()
	defer s.rw.RUnlock()
	if w, ok := s.windows[key]; ok {
		return w.len()
	}
	return 0
}

// Entries returns the total number of timestamps held across all keys.
func (s *Store) Entries() int {
	s.rw.RLock()
	defer s.rw.RUnlock()
	n := 0
	for _, w := range s.windows {
		n += w.len()
	}
	return n
}
