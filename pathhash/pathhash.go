// Package pathhash maps mailbox names to filesystem paths, mirroring the
// directory-hashing scheme of the original mailbox store
// (cyrus_imap/imap/mailbox.c: mailbox_hash_mbox, dir_hash_c) so that a large
// number of mailboxes fan out across subdirectories instead of piling into
// one directory.
package pathhash

import (
	"fmt"
	"strings"
)

// MaxMailboxName is the largest logical mailbox name this store accepts.
const MaxMailboxName = 490

// MaxMailboxPath is the largest filesystem path this store will produce.
const MaxMailboxPath = 4096

const domainDir = "domain"

// ErrPathTooLong is returned when the computed path exceeds MaxMailboxPath.
// Callers return it as an ordinary error; the mailbox package reports it
// as mailbox.ErrPathTooLong.
type ErrPathTooLong struct {
	Path string
}

func (e ErrPathTooLong) Error() string {
	return fmt.Sprintf("pathhash: resulting path exceeds %d bytes: %q", MaxMailboxPath, e.Path)
}

// bucket returns the stable single-character directory bucket for s: the
// lowercased first byte, folded into 'a'..'z'. Grounded on dir_hash_c's
// non-fulldirhash branch (tolower of the first character).
func bucket(s string) byte {
	if s == "" {
		return 'a'
	}
	c := s[0]
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	if c < 'a' || c > 'z' {
		return 'a'
	}
	return c
}

// Path computes the on-disk directory for mailbox name under root.
// virtDomains enables the <domain>!<local> splitting behavior; hashSpool
// enables the single-character hash bucket (both hashimapspool and
// virtdomains are independent knobs in the original, kept that way here).
func Path(root, name string, virtDomains, hashSpool bool) (string, error) {
	var b strings.Builder
	b.WriteString(root)

	rest := name
	if virtDomains {
		if idx := strings.IndexByte(name, '!'); idx >= 0 {
			domain := name[:idx]
			rest = name[idx+1:]
			if hashSpool {
				fmt.Fprintf(&b, "/%s/%c/%s", domainDir, bucket(domain), domain)
			} else {
				fmt.Fprintf(&b, "/%s/%s", domainDir, domain)
			}
		}
	}

	// Dots separate hierarchy levels in the logical name only; the root
	// prefix and the domain keep theirs.
	if hashSpool {
		idx := strings.IndexByte(rest, '.')
		component := rest
		if idx >= 0 {
			component = rest[idx+1:]
		}
		fmt.Fprintf(&b, "/%c/%s", bucket(component), strings.ReplaceAll(rest, ".", "/"))
	} else {
		fmt.Fprintf(&b, "/%s", strings.ReplaceAll(rest, ".", "/"))
	}

	path := b.String()

	if len(path) > MaxMailboxPath {
		return "", ErrPathTooLong{Path: path}
	}
	return path, nil
}

const (
	// HeaderFileName is the fixed name of the header side-file within a
	// mailbox directory.
	HeaderFileName = "cyrus.header"
	// IndexFileName is the fixed name of the index side-file.
	IndexFileName = "cyrus.index"
	// CacheFileName is the fixed name of the cache side-file.
	CacheFileName = "cyrus.cache"
)

// MessageFileName returns the on-disk name of the message file for uid:
// the decimal UID followed by a period.
func MessageFileName(uid uint32) string {
	return fmt.Sprintf("%d.", uid)
}
