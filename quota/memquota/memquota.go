// Package memquota is an in-memory reference implementation of
// quota.Service: a map keyed by arbitrary quota root rather than by
// username, tracking used/limit bookkeeping per root.
package memquota

import (
	"sync"

	"github.com/themadorg/cyruslite/quota"
)

type record struct {
	used, limit int64
}

// Store is a process-local quota.Service backed by a map. Safe for
// concurrent use by multiple mailbox handles in the same process; it does
// not coordinate across processes. Use quota/gormquota for a real
// multi-process deployment.
type Store struct {
	mu      sync.Mutex
	roots   map[string]*record
	mapping map[string]string // mailbox name -> root
}

// New creates an empty quota store.
func New() *Store {
	return &Store{
		roots:   make(map[string]*record),
		mapping: make(map[string]string),
	}
}

// SetRoot records which quota root a mailbox name resolves to, and ensures
// the root exists (with the given default limit if new).
func (s *Store) SetRoot(name, root string, defaultLimit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping[name] = root
	if _, ok := s.roots[root]; !ok {
		s.roots[root] = &record{limit: defaultLimit}
	}
}

type txn struct {
	writes  map[string]record
	deletes map[string]bool
}

func (s *Store) Begin() (quota.Txn, error) {
	return &txn{writes: make(map[string]record), deletes: make(map[string]bool)}, nil
}

func (s *Store) Read(t quota.Txn, root string) (used, limit int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := t.(*txn)
	if w, ok := tx.writes[root]; ok {
		return w.used, w.limit, nil
	}
	r, ok := s.roots[root]
	if !ok {
		return 0, 0, quota.ErrRootNonexistent
	}
	return r.used, r.limit, nil
}

func (s *Store) Write(t quota.Txn, root string, used, limit int64) error {
	tx := t.(*txn)
	tx.writes[root] = record{used: used, limit: limit}
	delete(tx.deletes, root)
	return nil
}

func (s *Store) Delete(t quota.Txn, root string) error {
	tx := t.(*txn)
	tx.deletes[root] = true
	delete(tx.writes, root)
	return nil
}

func (s *Store) Commit(t quota.Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := t.(*txn)
	for root := range tx.deletes {
		delete(s.roots, root)
	}
	for root, w := range tx.writes {
		w := w
		s.roots[root] = &w
	}
	return nil
}

func (s *Store) Rollback(quota.Txn) error {
	return nil
}

func (s *Store) FindRoot(name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.mapping[name]
	return root, ok, nil
}
