// Package sysflag maps recordcodec's system-flag bits to and from IMAP flag
// names, reusing github.com/emersion/go-imap's flag string constants so a
// host application's protocol layer and this storage engine agree on
// spelling without this package re-declaring "\\Deleted" et al. itself.
package sysflag

import (
	"github.com/emersion/go-imap"

	"github.com/themadorg/cyruslite/recordcodec"
)

// Names returns every IMAP system flag name set in bits.
func Names(bits uint32) []string {
	var out []string
	if bits&recordcodec.FlagAnswered != 0 {
		out = append(out, imap.AnsweredFlag)
	}
	if bits&recordcodec.FlagFlagged != 0 {
		out = append(out, imap.FlaggedFlag)
	}
	if bits&recordcodec.FlagDeleted != 0 {
		out = append(out, imap.DeletedFlag)
	}
	if bits&recordcodec.FlagDraft != 0 {
		out = append(out, imap.DraftFlag)
	}
	return out
}

// Bit returns the recordcodec system-flag bit for an IMAP flag name, and
// false if name is not a known system flag (e.g. a user-defined keyword, or
// \Seen and \Recent, which have no SystemFlags bit: \Seen lives in the
// seenstate collaborator and \Recent is not stored per-record).
func Bit(name string) (uint32, bool) {
	switch name {
	case imap.AnsweredFlag:
		return recordcodec.FlagAnswered, true
	case imap.FlaggedFlag:
		return recordcodec.FlagFlagged, true
	case imap.DeletedFlag:
		return recordcodec.FlagDeleted, true
	case imap.DraftFlag:
		return recordcodec.FlagDraft, true
	default:
		return 0, false
	}
}

// IsSystem reports whether name is one of the four flags this package maps
// to a SystemFlags bit (as opposed to a user-defined keyword, whose name is
// stored in cyrus.header's flag-name table).
func IsSystem(name string) bool {
	_, ok := Bit(name)
	return ok
}
