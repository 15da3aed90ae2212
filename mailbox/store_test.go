package mailbox

import (
	"errors"
	"testing"

	"github.com/themadorg/cyruslite/recordcodec"
)

func TestStoreFlagsMaintainsCounters(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	uid := appendOne(t, h, []byte("body"))

	if err := h.StoreFlags(uid, recordcodec.FlagAnswered|recordcodec.FlagFlagged, [4]uint32{}); err != nil {
		t.Fatalf("store flags: %v", err)
	}
	if h.Header().Answered != 1 || h.Header().Flagged != 1 {
		t.Fatalf("expected answered=1 flagged=1, got answered=%d flagged=%d",
			h.Header().Answered, h.Header().Flagged)
	}

	if err := h.StoreFlags(uid, recordcodec.FlagFlagged, [4]uint32{}); err != nil {
		t.Fatalf("store flags again: %v", err)
	}
	if h.Header().Answered != 0 || h.Header().Flagged != 1 {
		t.Fatalf("expected answered=0 flagged=1 after clearing, got answered=%d flagged=%d",
			h.Header().Answered, h.Header().Flagged)
	}

	rec, err := h.ReadRecord(1)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.HasSystemFlag(recordcodec.FlagAnswered) || !rec.HasSystemFlag(recordcodec.FlagFlagged) {
		t.Fatalf("unexpected system flags on record: %#x", rec.SystemFlags)
	}
}

func TestStoreFlagsUnknownUID(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	if err := h.StoreFlags(42, recordcodec.FlagDeleted, [4]uint32{}); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal for an unknown uid, got %v", err)
	}
}

func TestStoreFlagNamesRegistersKeyword(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	uid := appendOne(t, h, []byte("body"))

	if err := h.StoreFlagNames(uid, []string{`\Flagged`, "important"}); err != nil {
		t.Fatalf("store flag names: %v", err)
	}

	idx, found := h.userFlagIndex("important")
	if !found {
		t.Fatalf("expected keyword to be registered in the flag-name table")
	}
	rec, err := h.ReadRecord(1)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if !rec.HasSystemFlag(recordcodec.FlagFlagged) {
		t.Fatalf("expected \\Flagged bit set")
	}
	if !rec.HasUserFlag(idx) {
		t.Fatalf("expected user flag bit %d set", idx)
	}

	// The table entry must survive a reopen (it lives in cyrus.header).
	h2, err := Open("user.jdoe.INBOX", opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()
	if _, found := h2.userFlagIndex("important"); !found {
		t.Fatalf("expected keyword to be persisted across reopen")
	}
}

func TestStoreFlagNamesIgnoresSeen(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	uid := appendOne(t, h, []byte("body"))
	if err := h.StoreFlagNames(uid, []string{`\Seen`}); err != nil {
		t.Fatalf("store flag names: %v", err)
	}
	if _, found := h.userFlagIndex(`\Seen`); found {
		t.Fatalf("\\Seen must not be registered as a user keyword")
	}
}
