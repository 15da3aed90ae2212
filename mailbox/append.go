package mailbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/themadorg/cyruslite/filemap"
	"github.com/themadorg/cyruslite/notify"
	"github.com/themadorg/cyruslite/pathhash"
	"github.com/themadorg/cyruslite/quota"
	"github.com/themadorg/cyruslite/recordcodec"
)

// AppendMessage is one message to append. Body is the raw message octets
// written verbatim to the <uid>. file; CacheBlob is the
// already-packed parsed-header blob for the cache file. InternalDate and
// SentDate are sanity-clamped to "now" when non-positive. UID is optional:
// zero means auto-assign the next UID after last_uid, matching §4.7's
// ordinary append path; a nonzero value pins the record to that UID
// instead, matching §4.7's stated input contract of "records with UIDs
// already assigned" for collaborators (e.g. Sync) that must preserve the
// source mailbox's UIDs exactly rather than mint new ones.
type AppendMessage struct {
	UID          uint32
	InternalDate int64
	SentDate     int64
	HeaderSize   uint32
	SystemFlags  uint32
	UserFlags    [4]uint32
	ContentLines uint32
	CacheVersion uint32
	CacheBlob    []byte
	Body         []byte
}

// Append adds msgs to the mailbox under the header and index locks
// (acquired internally, reentrant-safe if the caller already holds them).
// UIDs are assigned in order starting at last_uid+1, unless every message
// in the batch carries an explicit AppendMessage.UID, in which case those
// are used verbatim provided they are strictly increasing and greater than
// the current last_uid. Quota is checked and adjusted before any file is
// written, so a rejected append leaves no trace. Returns the assigned UIDs
// in input order.
func (h *Handle) Append(msgs []AppendMessage) (uids []uint32, err error) {
	err = withRecover(func() error {
		uids, err = h.doAppend(msgs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

func (h *Handle) doAppend(msgs []AppendMessage) ([]uint32, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	explicit := msgs[0].UID != 0
	for _, m := range msgs[1:] {
		if (m.UID != 0) != explicit {
			return nil, fmt.Errorf("mailbox: %w: Append: cannot mix explicit and auto-assigned UIDs in one batch", ErrInternal)
		}
	}

	// Notify fires only on a successful commit, and only once the locks
	// below are actually released: this defer is registered before the
	// unlock defers, so it runs after them (defers unwind LIFO), matching
	// notify.Notifier's documented contract that the lock is already free.
	var ev *notify.Event
	defer func() {
		if ev != nil {
			h.opts.Notifier.Notify(*ev)
		}
	}()

	if err := h.LockHeader(); err != nil {
		return nil, err
	}
	defer h.UnlockHeader()
	if err := h.LockIndex(); err != nil {
		return nil, err
	}
	defer h.UnlockIndex()

	if explicit {
		prev := h.idxHdr.LastUID
		for _, m := range msgs {
			if m.UID <= prev {
				return nil, fmt.Errorf("mailbox: %w: Append: explicit uid %d is not strictly increasing past last_uid %d", ErrInternal, m.UID, prev)
			}
			prev = m.UID
		}
	}

	var totalSize int64
	for _, m := range msgs {
		totalSize += int64(len(m.Body))
	}

	root, hasRoot, err := h.opts.Quota.FindRoot(h.name)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w: find quota root: %v", ErrInternal, err)
	}
	if hasRoot {
		if err := quota.AdjustUsed(h.opts.Quota, root, totalSize, true, h.opts.Log); err != nil {
			h.opts.Metrics.RecordQuotaExceeded()
			if err == quota.ErrExceeded {
				return nil, ErrQuotaExceeded
			}
			return nil, fmt.Errorf("mailbox: %w: adjust quota: %v", ErrInternal, err)
		}
	}

	preSize, err := h.indexFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w: stat index: %v", ErrIOError, err)
	}
	preLen := preSize.Size()

	cacheInfo, err := h.cacheFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w: stat cache: %v", ErrIOError, err)
	}
	cacheOff := cacheInfo.Size()

	uids := make([]uint32, len(msgs))
	var addedDeleted, addedAnswered, addedFlagged uint32
	var written []uint32

	preCacheLen := cacheOff
	rollback := func(cause error) error {
		_ = h.indexFile.Truncate(preLen)
		_ = h.cacheFile.Truncate(preCacheLen)
		for _, uid := range written {
			_ = os.Remove(filepath.Join(h.path, pathhash.MessageFileName(uid)))
		}
		if hasRoot {
			_ = quota.AdjustUsed(h.opts.Quota, root, -totalSize, false, h.opts.Log)
		}
		return cause
	}

	var lastAssigned uint32
	for i, m := range msgs {
		var uid uint32
		if explicit {
			uid = m.UID
		} else {
			uid = h.idxHdr.LastUID + uint32(i) + 1
		}
		uids[i] = uid
		lastAssigned = uid

		if err := os.WriteFile(filepath.Join(h.path, pathhash.MessageFileName(uid)), m.Body, 0o600); err != nil {
			return nil, rollback(fmt.Errorf("mailbox: %w: write message file: %v", ErrIOError, err))
		}
		written = append(written, uid)

		if _, err := filemap.WriteAtRetry(h.cacheFile, m.CacheBlob, cacheOff); err != nil {
			return nil, rollback(fmt.Errorf("mailbox: %w: write cache blob: %v", ErrIOError, err))
		}

		rec := recordcodec.Record{
			UID:           uid,
			InternalDate:  uint32(normalizeTimestamp(m.InternalDate)),
			SentDate:      uint32(normalizeTimestamp(m.SentDate)),
			Size:          uint32(len(m.Body)),
			HeaderSize:    m.HeaderSize,
			ContentOffset: m.HeaderSize,
			CacheOffset:   uint32(cacheOff),
			LastUpdated:   uint32(normalizeTimestamp(0)),
			SystemFlags:   m.SystemFlags,
			UserFlags:     m.UserFlags,
			ContentLines:  m.ContentLines,
			CacheVersion:  m.CacheVersion,
		}
		msgno := int(h.idxHdr.Exists) + i + 1
		if err := h.writeRecordLocked(msgno, rec); err != nil {
			return nil, rollback(err)
		}

		cacheOff += int64(len(m.CacheBlob))
		if rec.HasSystemFlag(recordcodec.FlagDeleted) {
			addedDeleted++
		}
		if rec.HasSystemFlag(recordcodec.FlagAnswered) {
			addedAnswered++
		}
		if rec.HasSystemFlag(recordcodec.FlagFlagged) {
			addedFlagged++
		}
	}

	if err := filemap.Fsync(h.cacheFile); err != nil {
		return nil, rollback(fmt.Errorf("mailbox: %w: fsync cache: %v", ErrIOError, err))
	}

	h.idxHdr.Exists += uint32(len(msgs))
	h.idxHdr.LastUID = lastAssigned
	h.idxHdr.LastAppendDate = uint32(normalizeTimestamp(0))
	h.idxHdr.QuotaMailboxUsed += uint32(totalSize)
	h.idxHdr.Deleted += addedDeleted
	h.idxHdr.Answered += addedAnswered
	h.idxHdr.Flagged += addedFlagged
	h.dirty = true

	if err := h.writeIndexHeaderLocked(); err != nil {
		return nil, rollback(err)
	}

	h.opts.Metrics.RecordAppend()
	if hasRoot {
		h.opts.Metrics.SetQuotaUsed(root, int64(h.idxHdr.QuotaMailboxUsed))
	}
	ev = &notify.Event{MailboxName: h.name, UniqueID: h.fileHdr.UniqueID, Kind: notify.EventAppend}
	return uids, nil
}
