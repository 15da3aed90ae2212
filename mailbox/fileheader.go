package mailbox

import (
	"strings"
)

// headerMagic is the fixed banner every cyrus.header begins with: a single
// newline-terminated magic line, literal bytes, no trailing NUL.
const headerMagic = "CYRUSLITE MAILBOX HEADER 1\n"

// FileHeader is the decoded contents of cyrus.header: the quota-root
// pointer, the mailbox unique-id, the user-flag name table, and a cached
// copy of the ACL (the authoritative ACL copy lives in the mailboxlist
// collaborator; this is a recovery backup).
type FileHeader struct {
	QuotaRoot string
	UniqueID  string
	// Flags is the user-defined flag name table, up to recordcodec.MaxUserFlags
	// entries, positionally significant: Flags[i] names the flag whose bit
	// is index i in a record's UserFlags bitset. A cleared slot is "".
	Flags []string
	ACL   string
}

// encodeFileHeader serializes h in the current (non-legacy) format:
// banner, "<quota-root>\t<unique-id>\n", space-joined flag table, ACL.
func encodeFileHeader(h FileHeader) []byte {
	var b strings.Builder
	b.WriteString(headerMagic)
	b.WriteString(h.QuotaRoot)
	b.WriteByte('\t')
	b.WriteString(h.UniqueID)
	b.WriteByte('\n')
	b.WriteString(strings.Join(h.Flags, " "))
	b.WriteByte('\n')
	b.WriteString(h.ACL)
	b.WriteByte('\n')
	return []byte(b.String())
}

// decodeFileHeader parses a cyrus.header buffer. legacy reports whether the
// first line lacked the unique-id tab-segment: an older one-line variant
// lacks it and is silently upgraded; callers must generate and persist a
// unique-id when legacy is true.
func decodeFileHeader(buf []byte) (h FileHeader, legacy bool, err error) {
	s := string(buf)
	if !strings.HasPrefix(s, headerMagic) {
		return FileHeader{}, false, ErrBadFormat
	}
	rest := s[len(headerMagic):]
	parts := strings.SplitN(rest, "\n", 4)
	if len(parts) < 3 {
		return FileHeader{}, false, ErrBadFormat
	}

	first := parts[0]
	if idx := strings.IndexByte(first, '\t'); idx >= 0 {
		h.QuotaRoot = first[:idx]
		h.UniqueID = first[idx+1:]
	} else {
		h.QuotaRoot = first
		legacy = true
	}

	if parts[1] != "" {
		h.Flags = strings.Split(parts[1], " ")
	}
	h.ACL = parts[2]
	return h, legacy, nil
}
