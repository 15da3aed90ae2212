package mailbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/themadorg/cyruslite/filemap"
	"github.com/themadorg/cyruslite/internal/lockfile"
	"github.com/themadorg/cyruslite/lockmgr"
	"github.com/themadorg/cyruslite/notify"
	"github.com/themadorg/cyruslite/pathhash"
	"github.com/themadorg/cyruslite/quota"
	"github.com/themadorg/cyruslite/recordcodec"
)

// DecideFunc is the expunge decide-proc: a predicate over a decoded
// record choosing whether to expunge it. Operating on the decoded record
// rather than the raw buffer decouples the compaction engine from the
// record layout.
type DecideFunc func(rec recordcodec.Record) bool

// DefaultDecide is "system flag DELETED set", the engine's default
// decide-proc.
func DefaultDecide(rec recordcodec.Record) bool {
	return rec.HasSystemFlag(recordcodec.FlagDeleted)
}

// Expunge runs compaction under header+index+pop locks (acquired
// internally), removing every record decide accepts, including the
// two-rename ordering that keeps a crash between them detectable as a
// generation mismatch rather than silent corruption. Returns the number
// of records removed.
func (h *Handle) Expunge(decide DecideFunc) (n int, err error) {
	err = withRecover(func() error {
		n, err = h.doExpunge(decide)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (h *Handle) doExpunge(decide DecideFunc) (int, error) {
	if decide == nil {
		decide = DefaultDecide
	}

	// Notify fires only on a successful compaction that actually removed
	// records, and only once the locks below are released: registered
	// before any lock's unlock defer, so it runs last (defers unwind
	// LIFO), matching notify.Notifier's documented contract.
	var ev *notify.Event
	defer func() {
		if ev != nil {
			h.opts.Notifier.Notify(*ev)
		}
	}()

	if err := h.LockHeader(); err != nil {
		return 0, err
	}
	defer h.UnlockHeader()
	if err := h.LockIndex(); err != nil {
		return 0, err
	}
	defer h.UnlockIndex()
	if err := h.LockPop(); err != nil {
		return 0, err
	}
	defer h.UnlockPop()

	// The cache may have grown (appends) or been replaced (another
	// process's compaction) since this handle mapped it.
	if err := h.remapCache(); err != nil {
		return 0, err
	}

	n := int(h.idxHdr.Exists)
	kept := make([]recordcodec.Record, 0, n)
	var expungedUIDs []uint32
	var expungedSize int64
	var delDec, ansDec, flagDec uint32

	for i := 1; i <= n; i++ {
		rec, err := h.ReadRecord(i)
		if err != nil {
			return 0, err
		}
		if decide(rec) {
			expungedUIDs = append(expungedUIDs, rec.UID)
			expungedSize += int64(rec.Size)
			if rec.HasSystemFlag(recordcodec.FlagDeleted) {
				delDec++
			}
			if rec.HasSystemFlag(recordcodec.FlagAnswered) {
				ansDec++
			}
			if rec.HasSystemFlag(recordcodec.FlagFlagged) {
				flagDec++
			}
			continue
		}
		kept = append(kept, rec)
	}

	if len(expungedUIDs) == 0 {
		return 0, nil
	}

	newGen := h.idxHdr.GenerationNo + 1

	idxTmpPath := filepath.Join(h.path, pathhash.IndexFileName+".NEW")
	cacheTmpPath := filepath.Join(h.path, pathhash.CacheFileName+".NEW")

	idxTmp, err := os.OpenFile(idxTmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return 0, fmt.Errorf("mailbox: %w: create index.NEW: %v", ErrIOError, err)
	}
	cacheTmp, err := os.OpenFile(cacheTmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		_ = idxTmp.Close()
		_ = os.Remove(idxTmpPath)
		return 0, fmt.Errorf("mailbox: %w: create cache.NEW: %v", ErrIOError, err)
	}

	cleanup := func(cause error) (int, error) {
		_ = idxTmp.Close()
		_ = cacheTmp.Close()
		_ = os.Remove(idxTmpPath)
		_ = os.Remove(cacheTmpPath)
		return 0, cause
	}

	// Step 1: header verbatim to index.NEW (fixed up below before final
	// write), generation prefix to cache.NEW.
	genBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(genBuf, newGen)
	if _, err := filemap.RetryWrite(cacheTmp, genBuf); err != nil {
		return cleanup(fmt.Errorf("mailbox: %w: write cache.NEW generation: %v", ErrIOError, err))
	}

	// Step 2: walk live records, rewriting cache_offset and appending each
	// blob to cache.NEW.
	oldCacheBuf := h.cacheMap.Bytes()
	cacheOff := int64(4)
	newRecords := make([]recordcodec.Record, len(kept))
	for i, rec := range kept {
		blobEnd, err := h.cacheBlobEnd(rec, oldCacheBuf)
		if err != nil {
			return cleanup(err)
		}
		blob := oldCacheBuf[rec.CacheOffset:blobEnd]
		if _, err := filemap.RetryWrite(cacheTmp, blob); err != nil {
			return cleanup(fmt.Errorf("mailbox: %w: write cache.NEW blob: %v", ErrIOError, err))
		}
		rec.CacheOffset = uint32(cacheOff)
		newRecords[i] = rec
		cacheOff += int64(len(blob))
	}

	// Step 3: fix counters in the new header.
	newHdr := h.idxHdr
	newHdr.GenerationNo = newGen
	newHdr.Exists = uint32(len(kept))
	newHdr.QuotaMailboxUsed -= uint32(expungedSize)
	newHdr.Deleted -= minu32(newHdr.Deleted, delDec)
	newHdr.Answered -= minu32(newHdr.Answered, ansDec)
	newHdr.Flagged -= minu32(newHdr.Flagged, flagDec)
	newHdr.LeakedCacheRecords = 0

	// Step 4: grow header layout on commit if still short (defensive; Open
	// already upgrades eagerly, so this is normally a no-op).
	if newHdr.StartOffset < recordcodec.HeaderSize {
		newHdr.StartOffset = recordcodec.HeaderSize
	}
	if newHdr.RecordSize < recordcodec.RecordSize {
		newHdr.RecordSize = recordcodec.RecordSize
	}

	if _, err := filemap.RetryWrite(idxTmp, recordcodec.EncodeHeader(newHdr)); err != nil {
		return cleanup(fmt.Errorf("mailbox: %w: write index.NEW header: %v", ErrIOError, err))
	}
	for _, rec := range newRecords {
		if _, err := filemap.RetryWrite(idxTmp, recordcodec.EncodeRecord(rec)); err != nil {
			return cleanup(fmt.Errorf("mailbox: %w: write index.NEW record: %v", ErrIOError, err))
		}
	}

	// Step 5: fsync both new files, then update quota transactionally
	// before either rename.
	if err := filemap.Fsync(idxTmp); err != nil {
		return cleanup(fmt.Errorf("mailbox: %w: fsync index.NEW: %v", ErrIOError, err))
	}
	if err := filemap.Fsync(cacheTmp); err != nil {
		return cleanup(fmt.Errorf("mailbox: %w: fsync cache.NEW: %v", ErrIOError, err))
	}
	_ = idxTmp.Close()
	_ = cacheTmp.Close()

	if root, ok, err := h.opts.Quota.FindRoot(h.name); err == nil && ok {
		if err := quota.AdjustUsed(h.opts.Quota, root, -expungedSize, false, h.opts.Log); err != nil {
			if !errors.Is(err, quota.ErrRootNonexistent) {
				_ = os.Remove(idxTmpPath)
				_ = os.Remove(cacheTmpPath)
				return 0, fmt.Errorf("mailbox: %w: adjust quota: %v", ErrInternal, err)
			}
		} else {
			h.opts.Metrics.SetQuotaUsed(root, int64(newHdr.QuotaMailboxUsed))
		}
	}

	// Step 6: rename index.NEW over index, then cache.NEW over cache.
	if err := os.Rename(idxTmpPath, filepath.Join(h.path, pathhash.IndexFileName)); err != nil {
		_ = os.Remove(cacheTmpPath)
		return 0, fmt.Errorf("mailbox: %w: rename index.NEW: %v", ErrIOError, err)
	}
	if err := os.Rename(cacheTmpPath, filepath.Join(h.path, pathhash.CacheFileName)); err != nil {
		return 0, fmt.Errorf("mailbox: %w: rename cache.NEW: %v", ErrIOError, err)
	}

	h.idxHdr = newHdr
	if err := h.remapIndex(); err != nil {
		return 0, err
	}
	if err := h.remapCache(); err != nil {
		return 0, err
	}

	// Step 7: unlink expunged message files.
	for _, uid := range expungedUIDs {
		_ = os.Remove(filepath.Join(h.path, pathhash.MessageFileName(uid)))
	}

	h.opts.Metrics.RecordCompaction()
	h.opts.Metrics.RecordExpunge(h.name, len(expungedUIDs))
	ev = &notify.Event{MailboxName: h.name, UniqueID: h.fileHdr.UniqueID, Kind: notify.EventExpunge}
	return len(expungedUIDs), nil
}

// cacheBlobEnd determines the end offset of rec's cache blob by looking at
// the next live record's cache_offset in the original ordering, or the end
// of the buffer for the last one. This engine treats a cache blob as an
// opaque, length-prefixed span, so the only reliable boundary available
// without a header-parser collaborator is "until the next record's
// recorded offset".
func (h *Handle) cacheBlobEnd(rec recordcodec.Record, cacheBuf []byte) (int64, error) {
	if int64(rec.CacheOffset) > int64(len(cacheBuf)) {
		return 0, fmt.Errorf("mailbox: %w: cache_offset %d beyond cache length %d", ErrBadFormat, rec.CacheOffset, len(cacheBuf))
	}
	best := int64(len(cacheBuf))
	n := int(h.idxHdr.Exists)
	for i := 1; i <= n; i++ {
		other, err := h.ReadRecord(i)
		if err != nil {
			continue
		}
		if other.CacheOffset > rec.CacheOffset && int64(other.CacheOffset) < best {
			best = int64(other.CacheOffset)
		}
	}
	return best, nil
}

// remapCache reopens the cache file and its mapping in place. Closing the
// old fd drops its advisory lock, so when the pop lock is logically held
// it is reacquired on the new fd before returning.
func (h *Handle) remapCache() error {
	if h.cacheMap != nil {
		_ = h.cacheMap.Close()
		h.cacheMap = nil
	}
	if h.cacheFile != nil {
		_ = h.cacheFile.Close()
	}
	f, err := os.OpenFile(filepath.Join(h.path, pathhash.CacheFileName), os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: reopen cache: %v", ErrIOError, err)
	}
	h.cacheFile = f
	if h.locks.Held(lockmgr.Pop) {
		if err := lockfile.Lock(h.cacheFile); err != nil {
			return fmt.Errorf("mailbox: %w: relock pop: %v", ErrIOError, err)
		}
	}
	m, err := filemap.Open(f)
	if err != nil {
		return fmt.Errorf("mailbox: %w: remap cache: %v", ErrIOError, err)
	}
	h.cacheMap = m
	return nil
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
