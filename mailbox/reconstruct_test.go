package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/themadorg/cyruslite/pathhash"
)

func TestReconstructFromMessageFilesOnly(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	uid1 := appendOne(t, h, []byte("one"))
	uid2 := appendOne(t, h, []byte("two"))
	path := h.Path()
	h.Close()

	// Simulate index/cache corruption: truncate both to zero.
	for _, name := range []string{pathhash.IndexFileName, pathhash.CacheFileName} {
		if err := os.Truncate(filepath.Join(path, name), 0); err != nil {
			t.Fatalf("truncate %s: %v", name, err)
		}
	}

	h2, err := Reconstruct("user.jdoe.INBOX", root, "default", opts, ReconstructOptions{})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	defer h2.Close()

	if h2.Header().Exists != 2 {
		t.Fatalf("expected 2 recovered records, got %d", h2.Header().Exists)
	}
	if h2.Header().LastUID < uid2+reconstructUIDMargin {
		t.Fatalf("expected LastUID to have reconstructUIDMargin headroom past %d, got %d", uid2, h2.Header().LastUID)
	}
	_ = uid1
}

func TestReconstructCreatesShellWhenMissing(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Reconstruct("user.jdoe.NeverExisted", root, "default", opts, ReconstructOptions{})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	defer h.Close()

	if h.Header().Exists != 0 {
		t.Fatalf("expected an empty reconstructed shell, got Exists=%d", h.Header().Exists)
	}
	if h.UniqueID() == "" {
		t.Fatalf("expected a unique-id to have been assigned")
	}
}

func TestReconstructUsesSeenSidecar(t *testing.T) {
	root := t.TempDir()
	opts := newTestOptions(t)

	h, err := Create("user.jdoe.INBOX", root, "default", "jdoe lrs", "", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	uid := appendOne(t, h, []byte("body"))
	path := h.Path()
	uniqueID := h.UniqueID()
	h.Close()

	for _, name := range []string{pathhash.IndexFileName, pathhash.CacheFileName} {
		if err := os.Truncate(filepath.Join(path, name), 0); err != nil {
			t.Fatalf("truncate %s: %v", name, err)
		}
	}
	sidecar := filepath.Join(path, fmt.Sprintf("%d.ams_extra_data", uid))
	if err := os.WriteFile(sidecar, []byte("1700000000 0 1\n"), 0o600); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	h2, err := Reconstruct("user.jdoe.INBOX", root, "default", opts, ReconstructOptions{})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	defer h2.Close()

	_, _, _, uids, err := opts.SeenState.LockRead(uniqueID, "")
	if err != nil {
		t.Fatalf("lock read seen-state: %v", err)
	}
	found := false
	for _, u := range uids {
		if u == uid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected uid %d to be marked seen from the sidecar, got %v", uid, uids)
	}
}
