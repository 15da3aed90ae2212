package mailbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/themadorg/cyruslite/pathhash"
	"github.com/themadorg/cyruslite/recordcodec"
)

func TestOpenDetectsGenerationMismatch(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	path := h.Path()
	h.Close()

	// A torn compaction leaves the cache prefix behind the index header's
	// generation number. Every retry sees the same mismatch, so open must
	// give up with a format error.
	f, err := os.OpenFile(filepath.Join(path, pathhash.CacheFileName), os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if _, err := f.WriteAt([]byte{0, 0, 0, 99}, 0); err != nil {
		t.Fatalf("corrupt cache generation: %v", err)
	}
	f.Close()

	if _, err := Open("user.jdoe.INBOX", opts); !errors.Is(err, ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat on generation mismatch, got %v", err)
	}
}

func TestExpungeBumpsGenerationInBothFiles(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	appendOne(t, h, []byte("keep"))
	zap := appendOne(t, h, []byte("zap"))
	if err := h.StoreFlags(zap, recordcodec.FlagDeleted, [4]uint32{}); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	oldGen := h.Header().GenerationNo
	if _, err := h.Expunge(nil); err != nil {
		t.Fatalf("expunge: %v", err)
	}
	if h.Header().GenerationNo != oldGen+1 {
		t.Fatalf("expected generation %d after compaction, got %d", oldGen+1, h.Header().GenerationNo)
	}

	// A fresh open succeeds only if the cache prefix was rewritten to
	// match, so this doubles as the coherence check.
	h2, err := Open("user.jdoe.INBOX", opts)
	if err != nil {
		t.Fatalf("reopen after expunge: %v", err)
	}
	defer h2.Close()
	if h2.Header().GenerationNo != oldGen+1 {
		t.Fatalf("reopened generation = %d, want %d", h2.Header().GenerationNo, oldGen+1)
	}
	if _, err := os.Stat(filepath.Join(h.Path(), pathhash.MessageFileName(zap))); !os.IsNotExist(err) {
		t.Fatalf("expected expunged message file to be unlinked, stat err = %v", err)
	}
}
