// Package memlist is an in-memory reference implementation of
// mailboxlist.Directory: a name-keyed map guarded by a single mutex, with
// a linear pattern scan for LIST.
package memlist

import (
	"sync"

	"github.com/themadorg/cyruslite/mailboxlist"
)

// HierarchySep is the separator memlist.Find assumes when evaluating '%'
// wildcards. The engine itself is hierarchy-separator-agnostic; this
// reference implementation fixes one for simplicity.
const HierarchySep = '.'

// Directory is a process-local mailboxlist.Directory.
type Directory struct {
	mu      sync.Mutex
	entries map[string]mailboxlist.Entry
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{entries: make(map[string]mailboxlist.Entry)}
}

func (d *Directory) Lookup(name string) (mailboxlist.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return mailboxlist.Entry{}, mailboxlist.ErrNotFound
	}
	return e, nil
}

func (d *Directory) Create(e mailboxlist.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[e.Name]; ok {
		return mailboxlist.ErrExists
	}
	d.entries[e.Name] = e
	return nil
}

func (d *Directory) Update(e mailboxlist.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[e.Name]; !ok {
		return mailboxlist.ErrNotFound
	}
	d.entries[e.Name] = e
	return nil
}

func (d *Directory) Delete(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[name]; !ok {
		return mailboxlist.ErrNotFound
	}
	delete(d.entries, name)
	return nil
}

func (d *Directory) Rename(oldName, newName string, newEntry mailboxlist.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.entries[oldName]
	if !ok {
		return mailboxlist.ErrNotFound
	}
	if newEntry.UniqueID == "" {
		newEntry.UniqueID = old.UniqueID
	}
	newEntry.Name = newName
	delete(d.entries, oldName)
	d.entries[newName] = newEntry
	return nil
}

func (d *Directory) Find(pattern string) ([]mailboxlist.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []mailboxlist.Entry
	for name, e := range d.entries {
		if mailboxlist.MatchPattern(pattern, name, HierarchySep) {
			out = append(out, e)
		}
	}
	return out, nil
}
