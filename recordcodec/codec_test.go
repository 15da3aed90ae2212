package recordcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		GenerationNo:     3,
		Format:           FormatNormal,
		MinorVersion:     IndexMinorVer,
		StartOffset:      HeaderSize,
		RecordSize:       RecordSize,
		Exists:           2,
		LastAppendDate:   1700000000,
		LastUID:          42,
		QuotaMailboxUsed: 600,
		UIDValidity:      1700000000,
		Deleted:          1,
		Answered:         0,
		Flagged:          1,
		Pop3NewUIDL:      1,
	}
	buf := EncodeHeader(h)
	require.Len(t, buf, HeaderSize)
	got := DecodeHeader(buf)
	require.Equal(t, h, got)
}

func TestRecordRoundTrip(t *testing.T) {
	var r Record
	r.UID = 7
	r.InternalDate = 1700000001
	r.Size = 1234
	r.SystemFlags = FlagDeleted | FlagAnswered
	r.SetUserFlag(0, true)
	r.SetUserFlag(127, true)
	r.ContentLines = 10
	r.CacheVersion = CacheMinorVer

	buf := EncodeRecord(r)
	require.Len(t, buf, RecordSize)
	got := DecodeRecord(buf)
	require.Equal(t, r, got)
	require.True(t, got.HasUserFlag(0))
	require.True(t, got.HasUserFlag(127))
	require.False(t, got.HasUserFlag(1))
	require.True(t, got.HasSystemFlag(FlagDeleted))
	require.False(t, got.HasSystemFlag(FlagFlagged))
}

func TestDecodeShortRecordDefaultsSentinels(t *testing.T) {
	full := EncodeRecord(Record{UID: 5, Size: 10})
	short := full[:offContentLines] // drop content_lines/cache_version tail

	got := DecodeRecord(short)
	require.Equal(t, uint32(5), got.UID)
	require.Equal(t, ContentLinesUnknown, got.ContentLines)
	require.Equal(t, uint32(0), got.CacheVersion)
}

func TestDecodeShortHeaderDefaultsZero(t *testing.T) {
	full := EncodeHeader(Header{GenerationNo: 1, StartOffset: HeaderSize})
	short := full[:offPop3NewUIDL]

	got := DecodeHeader(short)
	require.Equal(t, uint32(1), got.GenerationNo)
	require.Equal(t, uint32(0), got.Pop3NewUIDL)
	require.Equal(t, uint32(0), got.LeakedCacheRecords)
}
