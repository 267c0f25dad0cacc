// Package keylock provides a set of mutexes addressed by string keys.
package keylock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set hands out per-key locks. Entries are dropped once no holder or waiter
// references them. The zero value is ready to use.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock acquires every distinct key in sorted order and returns a function
// that releases them. Sorting keeps concurrent multi-key callers deadlock free.
func (s *Set) Lock(keys ...string) (unlock func()) {
	keys = uniqueSorted(keys)
	held := make([]*entry, 0, len(keys))
	for _, k := range keys {
		e := s.ref(k)
		e.mu.Lock()
		held = append(held, e)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				s.unref(keys[i])
			}
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Set) ref(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*entry)
	}
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	return e
}

func (s *Set) unref(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
}

func uniqueSorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
