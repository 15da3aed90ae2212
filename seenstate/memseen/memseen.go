// Package memseen is an in-memory reference implementation of
// seenstate.Service, indexed by mailbox unique-id plus username so it
// survives rename (unique-id doesn't change on a non-destructive rename).
package memseen

import (
	"sync"

	"github.com/themadorg/cyruslite/seenstate"
)

type entry struct {
	lastRead   int64
	lastUID    uint32
	lastChange int64
	uids       map[uint32]struct{}
}

func newEntry() *entry {
	return &entry{uids: make(map[uint32]struct{})}
}

func (e *entry) sortedUIDs() []uint32 {
	out := make([]uint32, 0, len(e.uids))
	for u := range e.uids {
		out = append(out, u)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

type key struct {
	uniqueID, user string
}

// Store is a process-local seenstate.Service.
type Store struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// New creates an empty seen-state store.
func New() *Store {
	return &Store{entries: make(map[key]*entry)}
}

func (s *Store) CreateFor(uniqueID string) error {
	// Seen-state is created lazily per (mailbox, user) on first read/write.
	return nil
}

func (s *Store) Copy(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.entries {
		if k.uniqueID != src {
			continue
		}
		cp := newEntry()
		cp.lastRead, cp.lastUID, cp.lastChange = v.lastRead, v.lastUID, v.lastChange
		for u := range v.uids {
			cp.uids[u] = struct{}{}
		}
		s.entries[key{uniqueID: dst, user: k.user}] = cp
	}
	return nil
}

func (s *Store) DeleteFor(uniqueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.uniqueID == uniqueID {
			delete(s.entries, k)
		}
	}
	return nil
}

func (s *Store) LockRead(uniqueID, user string) (int64, uint32, int64, []uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{uniqueID, user}]
	if !ok {
		return 0, 0, 0, nil, nil
	}
	return e.lastRead, e.lastUID, e.lastChange, e.sortedUIDs(), nil
}

func (s *Store) Write(uniqueID, user string, lastRead int64, lastUID uint32, lastChange int64, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := newEntry()
	e.lastRead, e.lastUID, e.lastChange = lastRead, lastUID, lastChange
	for _, u := range uids {
		e.uids[u] = struct{}{}
	}
	s.entries[key{uniqueID, user}] = e
	return nil
}

func (s *Store) Reconstruct(uniqueID, user string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{uniqueID, user}]
	if !ok {
		e = newEntry()
		s.entries[key{uniqueID, user}] = e
	}
	e.uids[uid] = struct{}{}
	if uid > e.lastUID {
		e.lastUID = uid
	}
	return nil
}

var _ seenstate.Service = (*Store)(nil)
