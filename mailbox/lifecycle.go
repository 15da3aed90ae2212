package mailbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/themadorg/cyruslite/filemap"
	"github.com/themadorg/cyruslite/mailboxlist"
	"github.com/themadorg/cyruslite/notify"
	"github.com/themadorg/cyruslite/pathhash"
	"github.com/themadorg/cyruslite/quota"
	"github.com/themadorg/cyruslite/recordcodec"
)

// Create lays out a brand-new mailbox: mkdir -p the path,
// create the three files, seed an empty header and index header, write the
// cache's initial generation prefix, register it with the directory
// collaborator, and initialize seen-state for its owner. quotaRoot may be
// empty (no quota tracking for this mailbox).
func Create(name, root, partition, acl, quotaRoot string, opts Options) (h *Handle, err error) {
	if verr := opts.Validate(); verr != nil {
		return nil, verr
	}
	path, perr := pathhash.Path(root, name, opts.VirtDomains, opts.HashSpool)
	if perr != nil {
		return nil, fmt.Errorf("mailbox: create %q: %w", name, ErrPathTooLong)
	}
	uidvalidity := uint32(time.Now().Unix())
	uniqueID := makeUniqueID(name, uidvalidity)

	// Register with the authoritative list first, so a duplicate name is
	// rejected before anything touches the disk.
	if err := opts.Directory.Create(mailboxlist.Entry{
		Name:      name,
		Path:      path,
		Partition: partition,
		UniqueID:  uniqueID,
		ACL:       acl,
		Type:      mailboxlist.TypeMailbox,
	}); err != nil {
		return nil, fmt.Errorf("mailbox: register %q: %w", name, err)
	}
	unregister := func(cause error) (*Handle, error) {
		_ = opts.Directory.Delete(name)
		return nil, cause
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return unregister(fmt.Errorf("mailbox: %w: mkdir: %v", ErrIOError, err))
	}

	if err := writeNewFile(filepath.Join(path, pathhash.HeaderFileName), encodeFileHeader(FileHeader{
		QuotaRoot: quotaRoot,
		UniqueID:  uniqueID,
		ACL:       acl,
	})); err != nil {
		return unregister(err)
	}

	idxHdr := recordcodec.Header{
		Format:       recordcodec.FormatNormal,
		MinorVersion: recordcodec.IndexMinorVer,
		StartOffset:  recordcodec.HeaderSize,
		RecordSize:   recordcodec.RecordSize,
		UIDValidity:  uidvalidity,
		Pop3NewUIDL:  1,
	}
	if err := writeNewFile(filepath.Join(path, pathhash.IndexFileName), recordcodec.EncodeHeader(idxHdr)); err != nil {
		return unregister(err)
	}
	genBuf := make([]byte, 4) // generation 0
	if err := writeNewFile(filepath.Join(path, pathhash.CacheFileName), genBuf); err != nil {
		return unregister(err)
	}

	if err := opts.SeenState.CreateFor(uniqueID); err != nil {
		return unregister(fmt.Errorf("mailbox: %w: seen-state init: %v", ErrInternal, err))
	}
	if quotaRoot != "" {
		// A root that does not exist yet is created with DefaultQuotaLimit.
		if qerr := quota.AdjustUsed(opts.Quota, quotaRoot, 0, false, opts.Log); errors.Is(qerr, quota.ErrRootNonexistent) {
			if txn, terr := opts.Quota.Begin(); terr == nil {
				if werr := opts.Quota.Write(txn, quotaRoot, 0, opts.DefaultQuotaLimit); werr != nil {
					_ = opts.Quota.Rollback(txn)
				} else {
					_ = opts.Quota.Commit(txn)
				}
			}
		}
	}

	h, err = Open(name, opts)
	if err != nil {
		return nil, err
	}
	opts.Notifier.Notify(notify.Event{MailboxName: name, UniqueID: uniqueID, Kind: notify.EventRename})
	return h, nil
}

func writeNewFile(path string, buf []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: create %s: %v", ErrIOError, filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := filemap.RetryWrite(f, buf); err != nil {
		return fmt.Errorf("mailbox: %w: write %s: %v", ErrIOError, filepath.Base(path), err)
	}
	return filemap.Fsync(f)
}

// Delete removes a mailbox: release quota, drop seen-state,
// unlink every regular file in the directory, then remove the directory
// and any parent directories pathhash created that are now empty.
func Delete(name, root string, opts Options) error {
	if verr := opts.Validate(); verr != nil {
		return verr
	}
	return withRecover(func() error { return doDelete(name, root, opts) })
}

func doDelete(name, root string, opts Options) error {
	h, err := Open(name, opts)
	if err != nil {
		return err
	}
	if err := h.LockHeader(); err != nil {
		_ = h.Close()
		return err
	}
	path := h.path
	uniqueID := h.fileHdr.UniqueID
	quotaRoot := h.fileHdr.QuotaRoot
	used := int64(h.idxHdr.QuotaMailboxUsed)

	if quotaRoot != "" {
		if err := quota.AdjustUsed(opts.Quota, quotaRoot, -used, false, opts.Log); err != nil && !errors.Is(err, quota.ErrRootNonexistent) {
			_ = h.Close()
			return fmt.Errorf("mailbox: %w: release quota: %v", ErrInternal, err)
		}
	}
	if err := opts.SeenState.DeleteFor(uniqueID); err != nil {
		_ = h.Close()
		return fmt.Errorf("mailbox: %w: drop seen-state: %v", ErrInternal, err)
	}
	if err := h.Close(); err != nil {
		return err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("mailbox: %w: read mailbox dir: %v", ErrIOError, err)
	}
	for _, ent := range entries {
		if ent.Name() == "." || ent.Name() == ".." {
			continue
		}
		if ent.IsDir() {
			return fmt.Errorf("mailbox: %w: refusing to recurse into subdirectory %q", ErrInternal, ent.Name())
		}
		if err := os.Remove(filepath.Join(path, ent.Name())); err != nil {
			return fmt.Errorf("mailbox: %w: unlink %s: %v", ErrIOError, ent.Name(), err)
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("mailbox: %w: rmdir: %v", ErrIOError, err)
	}
	for dir := filepath.Dir(path); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}

	if err := opts.Directory.Delete(name); err != nil {
		return fmt.Errorf("mailbox: %w: unregister %q: %v", ErrInternal, name, err)
	}
	opts.Notifier.Notify(notify.Event{MailboxName: name, UniqueID: uniqueID, Kind: notify.EventRename})
	return nil
}

// RenameCopy copies mailbox src to a new mailbox dst, preserving
// uidvalidity only when the logical name is unchanged (a cross-partition
// move); otherwise dst gets a fresh identity. It copies index, cache,
// every message file (preferring link(), falling back to a full copy
// across devices) and seen-state, quota-checking the destination root
// when it differs from the source's. It does not perform rename-cleanup
// (expunge-all or delete-source); the caller invokes RenameCleanup once
// RenameCopy returns successfully.
func RenameCopy(src *Handle, dstName, dstRoot, dstPartition, dstQuotaRoot string, opts Options) (dst *Handle, err error) {
	err = withRecover(func() error {
		dst, err = doRenameCopy(src, dstName, dstRoot, dstPartition, dstQuotaRoot, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dst, nil
}

func doRenameCopy(src *Handle, dstName, dstRoot, dstPartition, dstQuotaRoot string, opts Options) (dst *Handle, err error) {
	if verr := opts.Validate(); verr != nil {
		return nil, verr
	}
	sameIdentity := dstName == src.name
	srcQuotaRoot := src.fileHdr.QuotaRoot
	crossRoot := dstQuotaRoot != srcQuotaRoot

	if err := src.LockHeader(); err != nil {
		return nil, err
	}
	defer src.UnlockHeader()
	if err := src.LockIndex(); err != nil {
		return nil, err
	}
	defer src.UnlockIndex()

	dst, err = Create(dstName, dstRoot, dstPartition, src.acl, dstQuotaRoot, opts)
	if err != nil {
		return nil, err
	}
	if err := dst.LockHeader(); err != nil {
		_ = dst.Close()
		return nil, err
	}
	if err := dst.LockIndex(); err != nil {
		_ = dst.Close()
		return nil, err
	}

	cleanupLinked := func(linked []uint32) {
		for _, uid := range linked {
			_ = os.Remove(filepath.Join(dst.path, pathhash.MessageFileName(uid)))
		}
		_ = dst.UnlockIndex()
		_ = dst.Close()
		_ = Delete(dstName, dstRoot, opts)
	}

	used := int64(src.idxHdr.QuotaMailboxUsed)
	if dstQuotaRoot != "" {
		// The copied bytes are booked to the destination root up front. Only
		// a cross-root move checks the limit: an in-root move nets to zero
		// once rename-cleanup releases the source's usage.
		if err := quota.AdjustUsed(opts.Quota, dstQuotaRoot, used, crossRoot, opts.Log); err != nil {
			cleanupLinked(nil)
			if err == quota.ErrExceeded {
				return nil, ErrQuotaExceeded
			}
			return nil, fmt.Errorf("mailbox: %w: quota-check destination: %v", ErrInternal, err)
		}
	}

	var linked []uint32
	n := int(src.idxHdr.Exists)
	for i := 1; i <= n; i++ {
		rec, err := src.ReadRecord(i)
		if err != nil {
			cleanupLinked(linked)
			return nil, err
		}
		srcPath := filepath.Join(src.path, pathhash.MessageFileName(rec.UID))
		dstPath := filepath.Join(dst.path, pathhash.MessageFileName(rec.UID))
		if err := linkOrCopy(srcPath, dstPath); err != nil {
			cleanupLinked(linked)
			return nil, fmt.Errorf("mailbox: %w: copy message %d: %v", ErrIOError, rec.UID, err)
		}
		linked = append(linked, rec.UID)
	}

	if err := copyFileContents(filepath.Join(src.path, pathhash.IndexFileName), filepath.Join(dst.path, pathhash.IndexFileName)); err != nil {
		cleanupLinked(linked)
		return nil, err
	}
	if err := copyFileContents(filepath.Join(src.path, pathhash.CacheFileName), filepath.Join(dst.path, pathhash.CacheFileName)); err != nil {
		cleanupLinked(linked)
		return nil, err
	}

	newHdr := src.idxHdr
	if sameIdentity {
		newHdr.UIDValidity = src.idxHdr.UIDValidity
	} else {
		newHdr.UIDValidity = dst.idxHdr.UIDValidity
	}
	dst.idxHdr = newHdr
	dst.dirty = true
	if err := dst.writeIndexHeaderLocked(); err != nil {
		cleanupLinked(linked)
		return nil, err
	}
	if err := dst.remapCache(); err != nil {
		cleanupLinked(linked)
		return nil, err
	}

	dst.fileHdr.Flags = append([]string(nil), src.fileHdr.Flags...)
	if err := dst.writeHeaderLocked(); err != nil {
		cleanupLinked(linked)
		return nil, err
	}

	if err := opts.SeenState.Copy(src.fileHdr.UniqueID, dst.fileHdr.UniqueID); err != nil {
		cleanupLinked(linked)
		return nil, fmt.Errorf("mailbox: %w: copy seen-state: %v", ErrInternal, err)
	}

	_ = dst.UnlockIndex()
	_ = dst.UnlockHeader()
	opts.Notifier.Notify(notify.Event{MailboxName: dstName, UniqueID: dst.fileHdr.UniqueID, Kind: notify.EventRename})
	return dst, nil
}

// RenameCleanup completes a rename-copy by disposing of the source
// mailbox once RenameCopy has returned successfully: the INBOX special
// case expunges every message in src instead of removing it (a session
// renaming its own INBOX always gets a fresh empty one back), since an
// account must always have an INBOX; any other rename deletes src
// outright. srcRoot is the partition root src was opened under, needed to
// recompute its path for Delete. Caller must not use src after this call.
func RenameCleanup(src *Handle, srcRoot string, isInbox bool, opts Options) error {
	if isInbox {
		if _, err := src.Expunge(func(recordcodec.Record) bool { return true }); err != nil {
			_ = src.Close()
			return fmt.Errorf("mailbox: %w: rename-cleanup expunge source: %v", ErrInternal, err)
		}
		return src.Close()
	}
	name := src.name
	if err := src.Close(); err != nil {
		return err
	}
	return Delete(name, srcRoot, opts)
}

// Sync brings dst into lockstep with src by walking both UID sequences in
// order, exploiting monotonicity: a dst UID missing from src is expunged,
// a shared UID is already synced, and a src UID beyond dst's last is a
// new arrival to copy in.
func Sync(src, dst *Handle, opts Options) error {
	return withRecover(func() error { return doSync(src, dst, opts) })
}

func doSync(src, dst *Handle, opts Options) error {
	if err := src.LockHeader(); err != nil {
		return err
	}
	defer src.UnlockHeader()
	if err := src.LockIndex(); err != nil {
		return err
	}
	defer src.UnlockIndex()
	if err := dst.LockHeader(); err != nil {
		return err
	}
	defer dst.UnlockHeader()
	if err := dst.LockIndex(); err != nil {
		return err
	}
	defer dst.UnlockIndex()

	srcN, dstN := int(src.idxHdr.Exists), int(dst.idxHdr.Exists)
	si, di := 1, 1
	var toExpunge []uint32
	var toCopy []recordcodec.Record

	for di <= dstN || si <= srcN {
		var srcUID, dstUID uint32
		var srcRec recordcodec.Record
		haveSrc, haveDst := si <= srcN, di <= dstN
		if haveSrc {
			r, err := src.ReadRecord(si)
			if err != nil {
				return err
			}
			srcRec, srcUID = r, r.UID
		}
		if haveDst {
			r, err := dst.ReadRecord(di)
			if err != nil {
				return err
			}
			dstUID = r.UID
		}

		switch {
		case haveDst && (!haveSrc || dstUID < srcUID):
			toExpunge = append(toExpunge, dstUID)
			di++
		case haveDst && haveSrc && dstUID == srcUID:
			si++
			di++
		case haveSrc:
			toCopy = append(toCopy, srcRec)
			si++
		}
	}

	if len(toExpunge) > 0 {
		expungeSet := make(map[uint32]bool, len(toExpunge))
		for _, u := range toExpunge {
			expungeSet[u] = true
		}
		if _, err := dst.Expunge(func(rec recordcodec.Record) bool {
			return expungeSet[rec.UID]
		}); err != nil {
			return err
		}
	}

	if len(toCopy) > 0 {
		msgs := make([]AppendMessage, 0, len(toCopy))
		for _, rec := range toCopy {
			body, err := os.ReadFile(filepath.Join(src.path, pathhash.MessageFileName(rec.UID)))
			if err != nil {
				return fmt.Errorf("mailbox: %w: read source message %d: %v", ErrIOError, rec.UID, err)
			}
			msgs = append(msgs, AppendMessage{
				UID:          rec.UID,
				InternalDate: int64(rec.InternalDate),
				SentDate:     int64(rec.SentDate),
				HeaderSize:   rec.HeaderSize,
				SystemFlags:  rec.SystemFlags,
				UserFlags:    rec.UserFlags,
				ContentLines: rec.ContentLines,
				CacheVersion: rec.CacheVersion,
				Body:         body,
			})
		}
		if _, err := dst.Append(msgs); err != nil {
			return err
		}
	}

	dst.idxHdr.GenerationNo = src.idxHdr.GenerationNo
	dst.idxHdr.UIDValidity = src.idxHdr.UIDValidity
	dst.dirty = true
	if err := dst.writeIndexHeaderLocked(); err != nil {
		return err
	}
	// The cache's 4-byte generation prefix must follow the adopted
	// generation number, or the next open would see a torn pair.
	genBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(genBuf, src.idxHdr.GenerationNo)
	if _, err := filemap.WriteAtRetry(dst.cacheFile, genBuf, 0); err != nil {
		return fmt.Errorf("mailbox: %w: write cache generation: %v", ErrIOError, err)
	}
	if err := filemap.Fsync(dst.cacheFile); err != nil {
		return fmt.Errorf("mailbox: %w: fsync cache: %v", ErrIOError, err)
	}
	if err := dst.remapCache(); err != nil {
		return err
	}
	if err := opts.SeenState.Copy(src.fileHdr.UniqueID, dst.fileHdr.UniqueID); err != nil {
		return fmt.Errorf("mailbox: %w: copy seen-state: %v", ErrInternal, err)
	}
	return nil
}

// linkOrCopy prefers link(2), retrying link->unlink->link on a pre-existing
// destination, falling back to a full read/write copy across devices.
func linkOrCopy(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		if rmErr := os.Remove(dst); rmErr == nil {
			if retryErr := os.Link(src, dst); retryErr == nil {
				return nil
			}
		}
	}
	return copyFileContents(src, dst)
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
