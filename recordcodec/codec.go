// Package recordcodec implements the pure, I/O-free encode/decode of the
// index header and index record byte layouts, matching the field offsets
// of Cyrus IMAP's mailbox.h. All integers are
// big-endian 32-bit words; offsets never change shape at runtime, only the
// stored start_offset/record_size values do (to let short/legacy records
// coexist during an upgrade — see the mailbox package's in-place upgrade,
// run from mailbox.Open).
package recordcodec

import "encoding/binary"

// Current on-disk layout sizes. A short header or record (start_offset or
// record_size smaller than these) triggers an in-place upgrade.
const (
	HeaderSize = 76
	RecordSize = 60

	MaxUserFlags  = 128
	userFlagWords = MaxUserFlags / 32
	userFlagBytes = MaxUserFlags / 8
	CacheMinorVer = 2
	IndexMinorVer = 6
	FormatNormal  = 0
	FormatNetnews = 1
)

// Header offsets, exactly as OFFSET_* in mailbox.h.
const (
	offGenerationNo   = 0
	offFormat         = 4
	offMinorVersion   = 8
	offStartOffset    = 12
	offRecordSize     = 16
	offExists         = 20
	offLastAppendDate = 24
	offLastUID        = 28
	offQuotaReserved  = 32
	offQuotaUsed      = 36
	offPop3LastLogin  = 40
	offUIDValidity    = 44
	offDeleted        = 48
	offAnswered       = 52
	offFlagged        = 56
	offPop3NewUIDL    = 60
	offLeakedCache    = 64
	offSpare1         = 68
	offSpare2         = 72
)

// Record offsets, exactly as OFFSET_* for index_record in mailbox.h.
const (
	offUID           = 0
	offInternalDate  = 4
	offSentDate      = 8
	offSize          = 12
	offHeaderSize    = 16
	offContentOffset = 20
	offCacheOffset   = 24
	offLastUpdated   = 28
	offSystemFlags   = 32
	offUserFlags     = 36
	offContentLines  = offUserFlags + userFlagBytes
	offCacheVersion  = offContentLines + 4
)

// System flag bits (FLAG_* in mailbox.h).
const (
	FlagAnswered uint32 = 1 << 0
	FlagFlagged  uint32 = 1 << 1
	FlagDeleted  uint32 = 1 << 2
	FlagDraft    uint32 = 1 << 3
)

// ContentLinesUnknown is the documented sentinel a short record is given
// for content_lines when an upgrade introduces the field.
const ContentLinesUnknown uint32 = 0xFFFFFFFF

// Header is the decoded index header snapshot.
type Header struct {
	GenerationNo       uint32
	Format             uint32
	MinorVersion       uint32
	StartOffset        uint32
	RecordSize         uint32
	Exists             uint32
	LastAppendDate     uint32
	LastUID            uint32
	QuotaMailboxUsed   uint32
	Pop3LastLogin      uint32
	UIDValidity        uint32
	Deleted            uint32
	Answered           uint32
	Flagged            uint32
	Pop3NewUIDL        uint32
	LeakedCacheRecords uint32
	Spare1             uint32
	Spare2             uint32
}

// Record is a decoded index record.
type Record struct {
	UID           uint32
	InternalDate  uint32
	SentDate      uint32
	Size          uint32
	HeaderSize    uint32
	ContentOffset uint32
	CacheOffset   uint32
	LastUpdated   uint32
	SystemFlags   uint32
	UserFlags     [userFlagWords]uint32
	ContentLines  uint32
	CacheVersion  uint32
}

// EncodeHeader writes h into a HeaderSize-byte buffer in the current layout.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	be := binary.BigEndian
	be.PutUint32(buf[offGenerationNo:], h.GenerationNo)
	be.PutUint32(buf[offFormat:], h.Format)
	be.PutUint32(buf[offMinorVersion:], h.MinorVersion)
	be.PutUint32(buf[offStartOffset:], h.StartOffset)
	be.PutUint32(buf[offRecordSize:], h.RecordSize)
	be.PutUint32(buf[offExists:], h.Exists)
	be.PutUint32(buf[offLastAppendDate:], h.LastAppendDate)
	be.PutUint32(buf[offLastUID:], h.LastUID)
	be.PutUint32(buf[offQuotaReserved:], 0)
	be.PutUint32(buf[offQuotaUsed:], h.QuotaMailboxUsed)
	be.PutUint32(buf[offPop3LastLogin:], h.Pop3LastLogin)
	be.PutUint32(buf[offUIDValidity:], h.UIDValidity)
	be.PutUint32(buf[offDeleted:], h.Deleted)
	be.PutUint32(buf[offAnswered:], h.Answered)
	be.PutUint32(buf[offFlagged:], h.Flagged)
	be.PutUint32(buf[offPop3NewUIDL:], h.Pop3NewUIDL)
	be.PutUint32(buf[offLeakedCache:], h.LeakedCacheRecords)
	be.PutUint32(buf[offSpare1:], h.Spare1)
	be.PutUint32(buf[offSpare2:], h.Spare2)
	return buf
}

// DecodeHeader decodes a header from buf. buf may be shorter than
// HeaderSize (a legacy short header, per startOffset < HeaderSize);
// fields beyond len(buf) are left at their zero value and the caller
// (mailbox.Open) is responsible for triggering an upgrade.
func DecodeHeader(buf []byte) Header {
	be := binary.BigEndian
	get := func(off int) uint32 {
		if off+4 > len(buf) {
			return 0
		}
		return be.Uint32(buf[off:])
	}
	return Header{
		GenerationNo:       get(offGenerationNo),
		Format:             get(offFormat),
		MinorVersion:       get(offMinorVersion),
		StartOffset:        get(offStartOffset),
		RecordSize:         get(offRecordSize),
		Exists:             get(offExists),
		LastAppendDate:     get(offLastAppendDate),
		LastUID:            get(offLastUID),
		QuotaMailboxUsed:   get(offQuotaUsed),
		Pop3LastLogin:      get(offPop3LastLogin),
		UIDValidity:        get(offUIDValidity),
		Deleted:            get(offDeleted),
		Answered:           get(offAnswered),
		Flagged:            get(offFlagged),
		Pop3NewUIDL:        get(offPop3NewUIDL),
		LeakedCacheRecords: get(offLeakedCache),
		Spare1:             get(offSpare1),
		Spare2:             get(offSpare2),
	}
}

// EncodeRecord writes r into a RecordSize-byte buffer in the current layout.
func EncodeRecord(r Record) []byte {
	buf := make([]byte, RecordSize)
	be := binary.BigEndian
	be.PutUint32(buf[offUID:], r.UID)
	be.PutUint32(buf[offInternalDate:], r.InternalDate)
	be.PutUint32(buf[offSentDate:], r.SentDate)
	be.PutUint32(buf[offSize:], r.Size)
	be.PutUint32(buf[offHeaderSize:], r.HeaderSize)
	be.PutUint32(buf[offContentOffset:], r.ContentOffset)
	be.PutUint32(buf[offCacheOffset:], r.CacheOffset)
	be.PutUint32(buf[offLastUpdated:], r.LastUpdated)
	be.PutUint32(buf[offSystemFlags:], r.SystemFlags)
	for i, w := range r.UserFlags {
		be.PutUint32(buf[offUserFlags+i*4:], w)
	}
	be.PutUint32(buf[offContentLines:], r.ContentLines)
	be.PutUint32(buf[offCacheVersion:], r.CacheVersion)
	return buf
}

// DecodeRecord decodes a record from buf, which may be shorter than
// RecordSize for a record written under an older, narrower layout. Missing
// tail fields default to documented sentinels: content_lines defaults to
// ContentLinesUnknown and cache_version to 0.
func DecodeRecord(buf []byte) Record {
	be := binary.BigEndian
	get := func(off int) (uint32, bool) {
		if off+4 > len(buf) {
			return 0, false
		}
		return be.Uint32(buf[off:]), true
	}
	var r Record
	r.UID, _ = get(offUID)
	r.InternalDate, _ = get(offInternalDate)
	r.SentDate, _ = get(offSentDate)
	r.Size, _ = get(offSize)
	r.HeaderSize, _ = get(offHeaderSize)
	r.ContentOffset, _ = get(offContentOffset)
	r.CacheOffset, _ = get(offCacheOffset)
	r.LastUpdated, _ = get(offLastUpdated)
	r.SystemFlags, _ = get(offSystemFlags)
	for i := range r.UserFlags {
		r.UserFlags[i], _ = get(offUserFlags + i*4)
	}
	var ok bool
	r.ContentLines, ok = get(offContentLines)
	if !ok {
		r.ContentLines = ContentLinesUnknown
	}
	r.CacheVersion, _ = get(offCacheVersion)
	return r
}

// HasSystemFlag reports whether bit is set in the record's system flags.
func (r Record) HasSystemFlag(bit uint32) bool {
	return r.SystemFlags&bit != 0
}

// HasUserFlag reports whether the user flag at the given index (0..127) is
// set.
func (r Record) HasUserFlag(idx int) bool {
	if idx < 0 || idx >= MaxUserFlags {
		return false
	}
	return r.UserFlags[idx/32]&(1<<(uint(idx)%32)) != 0
}

// SetUserFlag sets or clears the user flag at idx.
func (r *Record) SetUserFlag(idx int, on bool) {
	if idx < 0 || idx >= MaxUserFlags {
		return
	}
	mask := uint32(1) << (uint(idx) % 32)
	if on {
		r.UserFlags[idx/32] |= mask
	} else {
		r.UserFlags[idx/32] &^= mask
	}
}
