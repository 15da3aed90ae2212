// Package mailbox is the core single-node mailbox storage engine: the
// mailbox object, header I/O, index & cache I/O, append, expunge/compaction,
// create/delete/rename-copy/sync, quota glue, and reconstruct.
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/themadorg/cyruslite/filemap"
	"github.com/themadorg/cyruslite/internal/lockfile"
	"github.com/themadorg/cyruslite/lockmgr"
	"github.com/themadorg/cyruslite/pathhash"
	"github.com/themadorg/cyruslite/recordcodec"
)

// Handle is an opaque per-open mailbox object. The zero value is not
// usable; obtain one via Open or Create.
type Handle struct {
	name      string
	path      string
	partition string
	acl       string

	opts Options

	headerFile *os.File
	indexFile  *os.File
	cacheFile  *os.File

	headerMap *filemap.Map
	indexMap  *filemap.Map
	cacheMap  *filemap.Map

	locks lockmgr.Depths

	fileHdr FileHeader
	idxHdr  recordcodec.Header
	idxOpen bool
	dirty   bool
}

// Name returns the mailbox's logical name.
func (h *Handle) Name() string { return h.name }

// Path returns the mailbox's on-disk directory.
func (h *Handle) Path() string { return h.path }

// ACL returns the cached ACL string from the header: a cached copy of an
// externally-authoritative value, kept here only as a recovery backup.
func (h *Handle) ACL() string { return h.acl }

// UniqueID returns the mailbox's unique identifier.
func (h *Handle) UniqueID() string { return h.fileHdr.UniqueID }

// Header returns a snapshot of the decoded index header.
func (h *Handle) Header() recordcodec.Header { return h.idxHdr }

// Open resolves name via opts.Directory, opens and locks the header,
// parses it (upgrading a legacy one-line header in place if found), then
// opens the index and cache files, reaching the handle's ready state. The
// header lock is released again before returning, so any number of handles
// may be open on the same mailbox at once; each mutating operation
// reacquires header (and index) for its own duration.
func Open(name string, opts Options) (*Handle, error) {
	if verr := opts.Validate(); verr != nil {
		return nil, verr
	}

	var h *Handle
	err := withRecover(func() error {
		entry, lerr := opts.Directory.Lookup(name)
		if lerr != nil {
			return fmt.Errorf("mailbox: open %q: %w", name, lerr)
		}

		h = &Handle{
			name:      name,
			path:      entry.Path,
			partition: entry.Partition,
			acl:       entry.ACL,
			opts:      opts,
		}

		if err := h.openHeaderFile(); err != nil {
			return err
		}
		if err := h.LockHeader(); err != nil {
			h.closeHeaderFile()
			return err
		}
		if err := h.parseHeaderLocked(); err != nil {
			_ = h.UnlockHeader()
			h.closeHeaderFile()
			return err
		}
		if err := h.openIndexAndCache(); err != nil {
			_ = h.UnlockHeader()
			h.closeHeaderFile()
			return err
		}
		return h.UnlockHeader()
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) openHeaderFile() error {
	f, err := os.OpenFile(filepath.Join(h.path, pathhash.HeaderFileName), os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: open header: %v", ErrIOError, err)
	}
	h.headerFile = f
	return nil
}

func (h *Handle) closeHeaderFile() {
	if h.headerMap != nil {
		_ = h.headerMap.Close()
		h.headerMap = nil
	}
	if h.headerFile != nil {
		_ = h.headerFile.Close()
		h.headerFile = nil
	}
}

// LockHeader acquires the header lock, reentrant per handle. On the first
// acquisition it takes the OS advisory lock and then implements
// lock-and-reopen-on-inode-change: after locking, stat the path; if the
// underlying file was replaced (a writer's rename-over), close the stale
// fd/map, reopen, and retry until the locked fd and the on-disk path
// agree.
func (h *Handle) LockHeader() error {
	first, err := h.locks.BeginAcquire(lockmgr.Header)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	for {
		if err := lockfile.Lock(h.headerFile); err != nil {
			h.locks.EndRelease(lockmgr.Header)
			return fmt.Errorf("mailbox: %w: lock header: %v", ErrIOError, err)
		}
		info, err := os.Stat(filepath.Join(h.path, pathhash.HeaderFileName))
		if err != nil {
			h.locks.EndRelease(lockmgr.Header)
			fatalf("mailbox: stat header after lock: %v", err)
		}
		if lockfile.SameFile(h.headerFile, info) {
			break
		}
		_ = lockfile.Unlock(h.headerFile)
		h.closeHeaderFile()
		if err := h.openHeaderFile(); err != nil {
			h.locks.EndRelease(lockmgr.Header)
			return err
		}
	}
	m, err := filemap.Open(h.headerFile)
	if err != nil {
		_ = lockfile.Unlock(h.headerFile)
		h.locks.EndRelease(lockmgr.Header)
		return fmt.Errorf("mailbox: %w: mmap header: %v", ErrIOError, err)
	}
	h.headerMap = m
	return nil
}

// UnlockHeader releases the header lock, reentrant per handle.
func (h *Handle) UnlockHeader() error {
	last := h.locks.EndRelease(lockmgr.Header)
	if !last {
		return nil
	}
	if h.headerMap != nil {
		_ = h.headerMap.Close()
		h.headerMap = nil
	}
	if err := lockfile.Unlock(h.headerFile); err != nil {
		return fmt.Errorf("mailbox: %w: unlock header: %v", ErrIOError, err)
	}
	return nil
}

// parseHeaderLocked decodes the header under the (already held) header
// lock, transparently upgrading a legacy one-line header in place.
func (h *Handle) parseHeaderLocked() error {
	fh, legacy, err := decodeFileHeader(h.headerMap.Bytes())
	if err != nil {
		return fmt.Errorf("mailbox: %w: decode header: %v", ErrBadFormat, err)
	}
	h.fileHdr = fh
	if h.acl == "" {
		h.acl = fh.ACL
	}
	if legacy {
		// Legacy header has no unique-id segment; derive one from the
		// index's uidvalidity once the index is readable. Since the
		// index isn't open yet here, defer the rewrite until
		// openIndexAndCache has a uidvalidity to mix in.
		h.fileHdr.UniqueID = ""
	}
	return nil
}

// writeHeaderLocked atomically rewrites cyrus.header: write to
// <header>.NEW, fsync, rename over the old, then remap. Caller must hold
// the header lock.
func (h *Handle) writeHeaderLocked() error {
	buf := encodeFileHeader(h.fileHdr)
	tmpPath := filepath.Join(h.path, pathhash.HeaderFileName+".NEW")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: create header.NEW: %v", ErrIOError, err)
	}
	if _, err := filemap.RetryWrite(tmp, buf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mailbox: %w: write header.NEW: %v", ErrIOError, err)
	}
	if err := filemap.Fsync(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mailbox: %w: fsync header.NEW: %v", ErrIOError, err)
	}
	_ = tmp.Close()

	oldMap := h.headerMap
	oldFile := h.headerFile
	if err := os.Rename(tmpPath, filepath.Join(h.path, pathhash.HeaderFileName)); err != nil {
		return fmt.Errorf("mailbox: %w: rename header.NEW: %v", ErrIOError, err)
	}
	// Old fd is closed only after the rename succeeds.
	if oldMap != nil {
		_ = oldMap.Close()
	}
	_ = oldFile.Close()

	newFile, err := os.OpenFile(filepath.Join(h.path, pathhash.HeaderFileName), os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: reopen header: %v", ErrIOError, err)
	}
	h.headerFile = newFile
	if err := lockfile.Lock(h.headerFile); err != nil {
		return fmt.Errorf("mailbox: %w: relock header: %v", ErrIOError, err)
	}
	m, err := filemap.Open(h.headerFile)
	if err != nil {
		return fmt.Errorf("mailbox: %w: remap header: %v", ErrIOError, err)
	}
	h.headerMap = m
	return nil
}

// statAll combined-stats the three mailbox files in one helper, mirroring
// mailbox_stat's grouping of three separate stat calls into one snapshot.
type statAll struct {
	Header, Index, Cache os.FileInfo
}

func (h *Handle) statAll() (statAll, error) {
	var s statAll
	var err error
	if s.Header, err = os.Stat(filepath.Join(h.path, pathhash.HeaderFileName)); err != nil {
		return s, err
	}
	if s.Index, err = os.Stat(filepath.Join(h.path, pathhash.IndexFileName)); err != nil {
		return s, err
	}
	if s.Cache, err = os.Stat(filepath.Join(h.path, pathhash.CacheFileName)); err != nil {
		return s, err
	}
	return s, nil
}

// Close releases any lock still held (a still-held index lock is an
// internal misuse this does not attempt to recover from) and closes every
// open file/mapping, returning the handle to Closed.
func (h *Handle) Close() error {
	h.closeIndexAndCache()
	return h.releaseHeader()
}

// releaseHeader forcibly drops the header lock regardless of reentrancy
// depth and closes the header fd, for use only from Close.
func (h *Handle) releaseHeader() error {
	for h.locks.Held(lockmgr.Header) {
		if err := h.UnlockHeader(); err != nil {
			h.closeHeaderFile()
			return err
		}
	}
	h.closeHeaderFile()
	return nil
}

func normalizeTimestamp(ts int64) int64 {
	if ts <= 0 {
		return time.Now().Unix()
	}
	return ts
}
