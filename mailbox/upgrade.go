package mailbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/themadorg/cyruslite/filemap"
	"github.com/themadorg/cyruslite/pathhash"
	"github.com/themadorg/cyruslite/recordcodec"
)

// upgrade performs the in-place index format upgrade: under header+index+
// pop locks, write a widened index to index.NEW (wider
// header, records padded with documented defaults), recompute the
// deleted/answered/flagged counters, then rename over the old index.
// Idempotent: running it again when the layout already matches current is
// a no-op (the Open sequence only calls this when the stored layout is
// narrower).
func (h *Handle) upgrade() error {
	if err := h.LockIndex(); err != nil {
		return err
	}
	defer h.UnlockIndex()
	if err := h.LockPop(); err != nil {
		return err
	}
	defer h.UnlockPop()

	oldRecordSize := int(h.idxHdr.RecordSize)
	if oldRecordSize == 0 {
		oldRecordSize = recordcodec.RecordSize
	}
	oldStart := int(h.idxHdr.StartOffset)
	if oldStart == 0 {
		oldStart = recordcodec.HeaderSize
	}

	h.opts.Log.Debugln("mailbox: format upgrade", h.name, "start_offset", oldStart, "->", recordcodec.HeaderSize, "record_size", oldRecordSize, "->", recordcodec.RecordSize)

	buf := h.indexMap.Bytes()
	n := int(h.idxHdr.Exists)
	records := make([]recordcodec.Record, 0, n)
	var deleted, answered, flagged uint32
	for i := 0; i < n; i++ {
		off := oldStart + i*oldRecordSize
		end := off + oldRecordSize
		if end > len(buf) {
			break
		}
		rec := recordcodec.DecodeRecord(buf[off:end])
		if rec.HasSystemFlag(recordcodec.FlagDeleted) {
			deleted++
		}
		if rec.HasSystemFlag(recordcodec.FlagAnswered) {
			answered++
		}
		if rec.HasSystemFlag(recordcodec.FlagFlagged) {
			flagged++
		}
		records = append(records, rec)
	}

	newHdr := h.idxHdr
	newHdr.StartOffset = recordcodec.HeaderSize
	newHdr.RecordSize = recordcodec.RecordSize
	newHdr.MinorVersion = recordcodec.IndexMinorVer
	newHdr.Deleted = deleted
	newHdr.Answered = answered
	newHdr.Flagged = flagged
	newHdr.Pop3NewUIDL = 1

	tmpPath := filepath.Join(h.path, pathhash.IndexFileName+".NEW")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: create index.NEW: %v", ErrIOError, err)
	}
	if _, err := filemap.RetryWrite(tmp, recordcodec.EncodeHeader(newHdr)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mailbox: %w: write index.NEW header: %v", ErrIOError, err)
	}
	for _, rec := range records {
		if _, err := filemap.RetryWrite(tmp, recordcodec.EncodeRecord(rec)); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("mailbox: %w: write index.NEW record: %v", ErrIOError, err)
		}
	}
	if err := filemap.Fsync(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mailbox: %w: fsync index.NEW: %v", ErrIOError, err)
	}
	_ = tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(h.path, pathhash.IndexFileName)); err != nil {
		return fmt.Errorf("mailbox: %w: rename index.NEW: %v", ErrIOError, err)
	}
	h.idxHdr = newHdr
	return h.remapIndex()
}
