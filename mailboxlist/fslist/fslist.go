// Package fslist is a zero-dependency mailboxlist.Directory that derives
// entries directly from a partition root using pathhash, rather than
// keeping a separate index. The ACL/unique-id/type of each entry registered
// through Create, Update or Rename is kept only in an in-memory map, so it
// is lost when the process exits; in exchange no separate database is
// required.
package fslist

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/themadorg/cyruslite/mailboxlist"
	"github.com/themadorg/cyruslite/pathhash"
)

// Directory resolves mailbox names against a single partition root.
type Directory struct {
	root        string
	partition   string
	virtDomains bool
	hashSpool   bool

	mu   sync.Mutex
	meta map[string]mailboxlist.Entry // name -> cached ACL/UniqueID/Type
}

// New creates a Directory rooted at root, identified as partition in
// returned Entry.Partition fields.
func New(root, partition string, virtDomains, hashSpool bool) *Directory {
	return &Directory{
		root:        root,
		partition:   partition,
		virtDomains: virtDomains,
		hashSpool:   hashSpool,
		meta:        make(map[string]mailboxlist.Entry),
	}
}

func (d *Directory) resolve(name string) (string, error) {
	return pathhash.Path(d.root, name, d.virtDomains, d.hashSpool)
}

func (d *Directory) Lookup(name string) (mailboxlist.Entry, error) {
	path, err := d.resolve(name)
	if err != nil {
		return mailboxlist.Entry{}, err
	}
	if _, err := os.Stat(filepath.Join(path, pathhash.HeaderFileName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mailboxlist.Entry{}, mailboxlist.ErrNotFound
		}
		return mailboxlist.Entry{}, err
	}
	d.mu.Lock()
	e, ok := d.meta[name]
	d.mu.Unlock()
	if !ok {
		e = mailboxlist.Entry{Name: name}
	}
	e.Path = path
	e.Partition = d.partition
	return e, nil
}

func (d *Directory) Create(e mailboxlist.Entry) error {
	path, err := d.resolve(e.Name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	_, registered := d.meta[e.Name]
	d.mu.Unlock()
	if registered {
		return mailboxlist.ErrExists
	}
	// The bare directory may already exist as a parent of a deeper
	// mailbox; only a header file marks the name as taken.
	if _, err := os.Stat(filepath.Join(path, pathhash.HeaderFileName)); err == nil {
		return mailboxlist.ErrExists
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return err
	}
	d.mu.Lock()
	d.meta[e.Name] = e
	d.mu.Unlock()
	return nil
}

func (d *Directory) Update(e mailboxlist.Entry) error {
	if _, err := d.Lookup(e.Name); err != nil {
		return err
	}
	d.mu.Lock()
	d.meta[e.Name] = e
	d.mu.Unlock()
	return nil
}

// Delete removes name's directory tree and its cached entry. A name with
// nothing on disk is not an error: Delete returns nil, not ErrNotFound.
func (d *Directory) Delete(name string) error {
	path, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.meta, name)
	d.mu.Unlock()
	return nil
}

func (d *Directory) Rename(oldName, newName string, newEntry mailboxlist.Entry) error {
	oldPath, err := d.resolve(oldName)
	if err != nil {
		return err
	}
	newPath, err := d.resolve(newName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0750); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	d.mu.Lock()
	old := d.meta[oldName]
	if newEntry.UniqueID == "" {
		newEntry.UniqueID = old.UniqueID
	}
	newEntry.Name = newName
	delete(d.meta, oldName)
	d.meta[newName] = newEntry
	d.mu.Unlock()
	return nil
}

// Find returns the entries whose name matches pattern ('.' as the
// hierarchy separator). It scans only the names held in the in-memory map
// and keeps those whose header file still exists; it does not walk the
// partition root, so mailboxes never registered with this Directory are
// not found.
func (d *Directory) Find(pattern string) ([]mailboxlist.Entry, error) {
	d.mu.Lock()
	names := make([]string, 0, len(d.meta))
	for name := range d.meta {
		names = append(names, name)
	}
	d.mu.Unlock()

	var out []mailboxlist.Entry
	for _, name := range names {
		if mailboxlist.MatchPattern(pattern, name, '.') {
			e, err := d.Lookup(name)
			if err == nil {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

var _ mailboxlist.Directory = (*Directory)(nil)
