package mailbox

import (
	"encoding/binary"
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

const (
	maxGenerationRetries = 5
	generationRetryDelay = 10 * time.Millisecond
)

// openIndexAndCache opens and mmaps both files, compares generation
// numbers with bounded retry, decodes the header, and triggers an in-place
// upgrade if the stored layout is narrower than the current one. Caller
// must already hold the header lock (for the legacy-header unique-id
// rewrite path).
func (h *Handle) openIndexAndCache() error {
	var idxFile, cacheFile *os.File
	var idxMap, cacheMap *filemap.Map

	for attempt := 0; ; attempt++ {
		var err error
		idxFile, err = os.OpenFile(filepath.Join(h.path, pathhash.IndexFileName), os.O_RDWR, 0o600)
		if err != nil {
			return fmt.Errorf("mailbox: %w: open index: %v", ErrIOError, err)
		}
		cacheFile, err = os.OpenFile(filepath.Join(h.path, pathhash.CacheFileName), os.O_RDWR, 0o600)
		if err != nil {
			_ = idxFile.Close()
			return fmt.Errorf("mailbox: %w: open cache: %v", ErrIOError, err)
		}
		idxMap, err = filemap.Open(idxFile)
		if err != nil {
			_ = idxFile.Close()
			_ = cacheFile.Close()
			return fmt.Errorf("mailbox: %w: mmap index: %v", ErrIOError, err)
		}
		cacheMap, err = filemap.Open(cacheFile)
		if err != nil {
			_ = idxMap.Close()
			_ = idxFile.Close()
			_ = cacheFile.Close()
			return fmt.Errorf("mailbox: %w: mmap cache: %v", ErrIOError, err)
		}

		idxHdr := recordcodec.DecodeHeader(idxMap.Bytes())
		var cacheGen uint32
		if cacheMap.Len() >= 4 {
			cacheGen = binary.BigEndian.Uint32(cacheMap.Bytes()[:4])
		}

		if idxHdr.GenerationNo == cacheGen {
			h.indexFile, h.cacheFile = idxFile, cacheFile
			h.indexMap, h.cacheMap = idxMap, cacheMap
			h.idxHdr = idxHdr
			h.idxOpen = true
			if _, serr := h.statAll(); serr != nil {
				fatalf("mailbox: stat just-opened mailbox files: %v", serr)
			}
			break
		}

		_ = idxMap.Close()
		_ = cacheMap.Close()
		_ = idxFile.Close()
		_ = cacheFile.Close()
		if attempt+1 >= maxGenerationRetries {
			return fmt.Errorf("mailbox: %w: index/cache generation mismatch after %d retries", ErrBadFormat, maxGenerationRetries)
		}
		time.Sleep(generationRetryDelay)
	}

	if h.fileHdr.UniqueID == "" {
		h.fileHdr.UniqueID = makeUniqueID(h.name, h.idxHdr.UIDValidity)
		if err := h.writeHeaderLocked(); err != nil {
			return err
		}
	}

	if h.idxHdr.StartOffset < recordcodec.HeaderSize || h.idxHdr.RecordSize < recordcodec.RecordSize {
		if err := h.upgrade(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) closeIndexAndCache() {
	if h.indexMap != nil {
		_ = h.indexMap.Close()
		h.indexMap = nil
	}
	if h.cacheMap != nil {
		_ = h.cacheMap.Close()
		h.cacheMap = nil
	}
	if h.indexFile != nil {
		_ = h.indexFile.Close()
		h.indexFile = nil
	}
	if h.cacheFile != nil {
		_ = h.cacheFile.Close()
		h.cacheFile = nil
	}
	h.idxOpen = false
}

// LockIndex acquires the index lock, reentrant per handle, requiring the
// header lock already held (enforced by lockmgr). Blocking, with
// reopen-on-inode-change identical in spirit to LockHeader.
func (h *Handle) LockIndex() error {
	first, err := h.locks.BeginAcquire(lockmgr.Index)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	for {
		if err := lockfile.Lock(h.indexFile); err != nil {
			h.locks.EndRelease(lockmgr.Index)
			return fmt.Errorf("mailbox: %w: lock index: %v", ErrIOError, err)
		}
		info, err := os.Stat(filepath.Join(h.path, pathhash.IndexFileName))
		if err != nil {
			h.locks.EndRelease(lockmgr.Index)
			fatalf("mailbox: stat index after lock: %v", err)
		}
		if lockfile.SameFile(h.indexFile, info) {
			break
		}
		_ = lockfile.Unlock(h.indexFile)
		if err := h.remapIndex(); err != nil {
			h.locks.EndRelease(lockmgr.Index)
			return err
		}
	}
	// Another handle may have appended since this one mapped the file;
	// refresh the mapping (same fd, lock retained) and re-decode the
	// header so this writer starts from the committed state.
	if err := h.refreshIndexMap(); err != nil {
		_ = lockfile.Unlock(h.indexFile)
		h.locks.EndRelease(lockmgr.Index)
		return err
	}
	h.idxHdr = recordcodec.DecodeHeader(h.indexMap.Bytes())
	return nil
}

// refreshIndexMap replaces the index mapping from the handle's current fd
// without closing it, so any advisory lock on the fd survives.
func (h *Handle) refreshIndexMap() error {
	if h.indexMap != nil {
		_ = h.indexMap.Close()
		h.indexMap = nil
	}
	m, err := filemap.Open(h.indexFile)
	if err != nil {
		return fmt.Errorf("mailbox: %w: remap index: %v", ErrIOError, err)
	}
	h.indexMap = m
	return nil
}

// UnlockIndex releases the index lock, reentrant per handle.
func (h *Handle) UnlockIndex() error {
	last := h.locks.EndRelease(lockmgr.Index)
	if !last {
		return nil
	}
	if err := lockfile.Unlock(h.indexFile); err != nil {
		return fmt.Errorf("mailbox: %w: unlock index: %v", ErrIOError, err)
	}
	return nil
}

// LockPop acquires the nonblocking pop lock, reusing the cache file's lock
// word, and requires the index lock already held. Returns ErrPOPLocked if
// another process holds it.
func (h *Handle) LockPop() error {
	first, err := h.locks.BeginAcquire(lockmgr.Pop)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := lockfile.TryLock(h.cacheFile); err != nil {
		h.locks.EndRelease(lockmgr.Pop)
		if err == lockfile.ErrWouldBlock {
			return ErrPOPLocked
		}
		return fmt.Errorf("mailbox: %w: lock pop: %v", ErrIOError, err)
	}
	return nil
}

// UnlockPop releases the pop lock, reentrant per handle.
func (h *Handle) UnlockPop() error {
	last := h.locks.EndRelease(lockmgr.Pop)
	if !last {
		return nil
	}
	if err := lockfile.Unlock(h.cacheFile); err != nil {
		return fmt.Errorf("mailbox: %w: unlock pop: %v", ErrIOError, err)
	}
	return nil
}

// remapIndex reopens the index file and its mapping in place, used after
// LockIndex discovers an inode change and after any write to the index
// file so subsequent reads see the new bytes. Closing the old fd drops its
// advisory lock, so when the handle's index lock is logically held the
// lock is reacquired on the new fd before returning.
func (h *Handle) remapIndex() error {
	if h.indexMap != nil {
		_ = h.indexMap.Close()
		h.indexMap = nil
	}
	if h.indexFile != nil {
		_ = h.indexFile.Close()
	}
	f, err := os.OpenFile(filepath.Join(h.path, pathhash.IndexFileName), os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: reopen index: %v", ErrIOError, err)
	}
	h.indexFile = f
	if h.locks.Held(lockmgr.Index) {
		if err := lockfile.Lock(h.indexFile); err != nil {
			return fmt.Errorf("mailbox: %w: relock index: %v", ErrIOError, err)
		}
	}
	m, err := filemap.Open(f)
	if err != nil {
		return fmt.Errorf("mailbox: %w: remap index: %v", ErrIOError, err)
	}
	h.indexMap = m
	return nil
}

// RecordCount returns the number of live records (index header's exists
// field).
func (h *Handle) RecordCount() int { return int(h.idxHdr.Exists) }

// ReadRecord decodes the msgno'th live record (1-based, in UID order).
func (h *Handle) ReadRecord(msgno int) (recordcodec.Record, error) {
	if msgno < 1 || msgno > int(h.idxHdr.Exists) {
		return recordcodec.Record{}, fmt.Errorf("mailbox: %w: msgno %d out of range [1,%d]", ErrInternal, msgno, h.idxHdr.Exists)
	}
	off := int(h.idxHdr.StartOffset) + (msgno-1)*int(h.idxHdr.RecordSize)
	buf := h.indexMap.Bytes()
	if off+int(h.idxHdr.RecordSize) > len(buf) {
		return recordcodec.Record{}, fmt.Errorf("mailbox: %w: record %d offset out of bounds", ErrBadFormat, msgno)
	}
	return recordcodec.DecodeRecord(buf[off : off+int(h.idxHdr.RecordSize)]), nil
}

// writeRecordLocked writes rec at the msgno'th slot. Caller holds the
// index lock and performs the commit fsync itself.
func (h *Handle) writeRecordLocked(msgno int, rec recordcodec.Record) error {
	off := int64(h.idxHdr.StartOffset) + int64(msgno-1)*int64(h.idxHdr.RecordSize)
	buf := recordcodec.EncodeRecord(rec)
	if _, err := filemap.WriteAtRetry(h.indexFile, buf, off); err != nil {
		return fmt.Errorf("mailbox: %w: write record: %v", ErrIOError, err)
	}
	return nil
}

// writeIndexHeaderLocked serializes h.idxHdr to offset 0 of the index file,
// fsyncs, and remaps. Caller holds the index lock and must have set the
// dirty flag; a clean handle skips the write and its fsync entirely.
func (h *Handle) writeIndexHeaderLocked() error {
	if !h.dirty {
		return nil
	}
	buf := recordcodec.EncodeHeader(h.idxHdr)
	if _, err := filemap.WriteAtRetry(h.indexFile, buf, 0); err != nil {
		return fmt.Errorf("mailbox: %w: write index header: %v", ErrIOError, err)
	}
	if err := filemap.Fsync(h.indexFile); err != nil {
		return fmt.Errorf("mailbox: %w: fsync index: %v", ErrIOError, err)
	}
	if err := h.refreshIndexMap(); err != nil {
		return err
	}
	h.dirty = false
	return nil
}
