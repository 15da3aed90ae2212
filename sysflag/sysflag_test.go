package sysflag

import (
	"testing"

	"github.com/emersion/go-imap"

	"github.com/themadorg/cyruslite/recordcodec"
)

func TestNamesCombinesBits(t *testing.T) {
	bits := recordcodec.FlagAnswered | recordcodec.FlagDeleted
	names := Names(bits)
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %v", names)
	}
	if names[0] != imap.AnsweredFlag || names[1] != imap.DeletedFlag {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestNamesNoBitsSet(t *testing.T) {
	if names := Names(0); len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
}

func TestBitRoundTrip(t *testing.T) {
	for _, name := range []string{imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag, imap.DraftFlag} {
		bit, ok := Bit(name)
		if !ok {
			t.Fatalf("expected %q to be a known system flag", name)
		}
		got := Names(bit)
		if len(got) != 1 || got[0] != name {
			t.Fatalf("round-trip mismatch for %q: got %v", name, got)
		}
	}
}

func TestBitUnknownFlag(t *testing.T) {
	if _, ok := Bit(imap.SeenFlag); ok {
		t.Fatalf("\\Seen is tracked outside SystemFlags, expected ok=false")
	}
	if _, ok := Bit("$Forwarded"); ok {
		t.Fatalf("user keyword should not resolve to a system bit")
	}
}

func TestIsSystem(t *testing.T) {
	if !IsSystem(imap.DeletedFlag) {
		t.Fatalf("expected \\Deleted to be a system flag")
	}
	if IsSystem(imap.RecentFlag) {
		t.Fatalf("\\Recent is derived bookkeeping, not a system-flag bit")
	}
}
