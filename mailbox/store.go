package mailbox

import (
	"fmt"

	"github.com/themadorg/cyruslite/filemap"
	"github.com/themadorg/cyruslite/notify"
	"github.com/themadorg/cyruslite/recordcodec"
	"github.com/themadorg/cyruslite/sysflag"
)

// StoreFlags replaces the flag state of the record with the given uid,
// keeping the index header's deleted/answered/flagged counters in step,
// under the header and index locks. A flag-change notification fires once
// the locks are released.
func (h *Handle) StoreFlags(uid uint32, systemFlags uint32, userFlags [4]uint32) error {
	return withRecover(func() error { return h.doStoreFlags(uid, systemFlags, userFlags) })
}

func (h *Handle) doStoreFlags(uid uint32, systemFlags uint32, userFlags [4]uint32) error {
	var ev *notify.Event
	defer func() {
		if ev != nil {
			h.opts.Notifier.Notify(*ev)
		}
	}()

	if err := h.LockHeader(); err != nil {
		return err
	}
	defer h.UnlockHeader()
	if err := h.LockIndex(); err != nil {
		return err
	}
	defer h.UnlockIndex()

	n := int(h.idxHdr.Exists)
	for msgno := 1; msgno <= n; msgno++ {
		rec, err := h.ReadRecord(msgno)
		if err != nil {
			return err
		}
		if rec.UID < uid {
			continue
		}
		if rec.UID > uid {
			break
		}

		adjust := func(bit uint32, counter *uint32) {
			had := rec.SystemFlags&bit != 0
			has := systemFlags&bit != 0
			if had && !has && *counter > 0 {
				*counter--
			} else if !had && has {
				*counter++
			}
		}
		adjust(recordcodec.FlagDeleted, &h.idxHdr.Deleted)
		adjust(recordcodec.FlagAnswered, &h.idxHdr.Answered)
		adjust(recordcodec.FlagFlagged, &h.idxHdr.Flagged)

		rec.SystemFlags = systemFlags
		rec.UserFlags = userFlags
		rec.LastUpdated = uint32(normalizeTimestamp(0))
		if err := h.writeRecordLocked(msgno, rec); err != nil {
			return err
		}
		if err := filemap.Fsync(h.indexFile); err != nil {
			return fmt.Errorf("mailbox: %w: fsync index: %v", ErrIOError, err)
		}
		h.dirty = true
		if err := h.writeIndexHeaderLocked(); err != nil {
			return err
		}
		ev = &notify.Event{MailboxName: h.name, UniqueID: h.fileHdr.UniqueID, Kind: notify.EventFlagChange}
		return nil
	}
	return fmt.Errorf("mailbox: %w: no record with uid %d", ErrInternal, uid)
}

// StoreFlagNames is StoreFlags for callers speaking IMAP flag vocabulary:
// system flag names map through sysflag, anything else is a user-defined
// keyword resolved against the header's flag-name table, registered there
// on first use. \Seen is silently ignored here; it lives in the seenstate
// collaborator, not in a record's flag bits.
func (h *Handle) StoreFlagNames(uid uint32, names []string) error {
	return withRecover(func() error {
		if err := h.LockHeader(); err != nil {
			return err
		}
		defer h.UnlockHeader()

		var sys uint32
		var user [4]uint32
		headerDirty := false
		for _, name := range names {
			if bit, ok := sysflag.Bit(name); ok {
				sys |= bit
				continue
			}
			if name == `\Seen` || name == `\Recent` {
				continue
			}
			idx, found := h.userFlagIndex(name)
			if !found {
				var aerr error
				idx, aerr = h.addUserFlagLocked(name)
				if aerr != nil {
					return aerr
				}
				headerDirty = true
			}
			user[idx/32] |= 1 << (uint(idx) % 32)
		}
		if headerDirty {
			if err := h.writeHeaderLocked(); err != nil {
				return err
			}
		}
		return h.doStoreFlags(uid, sys, user)
	})
}

// userFlagIndex finds name in the header's user-flag table.
func (h *Handle) userFlagIndex(name string) (int, bool) {
	for i, f := range h.fileHdr.Flags {
		if f == name {
			return i, true
		}
	}
	return 0, false
}

// addUserFlagLocked registers name in the first free table slot. Caller
// holds the header lock and is responsible for persisting the header.
func (h *Handle) addUserFlagLocked(name string) (int, error) {
	for i, f := range h.fileHdr.Flags {
		if f == "" {
			h.fileHdr.Flags[i] = name
			return i, nil
		}
	}
	if len(h.fileHdr.Flags) >= recordcodec.MaxUserFlags {
		return 0, fmt.Errorf("mailbox: %w: user flag table full", ErrMailboxNotSupported)
	}
	h.fileHdr.Flags = append(h.fileHdr.Flags, name)
	return len(h.fileHdr.Flags) - 1, nil
}
