package fslist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/themadorg/cyruslite/mailboxlist"
	"github.com/themadorg/cyruslite/pathhash"
)

func seedHeader(t *testing.T, d *Directory, name string) string {
	t.Helper()
	path, err := d.resolve(name)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, pathhash.HeaderFileName), []byte("x"), 0o600); err != nil {
		t.Fatalf("write header: %v", err)
	}
	return path
}

func TestCreateThenLookup(t *testing.T) {
	root := t.TempDir()
	d := New(root, "default", false, false)

	if err := d.Create(mailboxlist.Entry{Name: "user.jdoe.INBOX", UniqueID: "abc"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	seedHeader(t, d, "user.jdoe.INBOX")

	e, err := d.Lookup("user.jdoe.INBOX")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.UniqueID != "abc" {
		t.Fatalf("expected cached metadata to survive, got %+v", e)
	}
	if e.Partition != "default" {
		t.Fatalf("expected partition to be filled in, got %q", e.Partition)
	}
}

func TestLookupMissingReturnsErrNotFound(t *testing.T) {
	root := t.TempDir()
	d := New(root, "default", false, false)
	if _, err := d.Lookup("user.jdoe.INBOX"); !errors.Is(err, mailboxlist.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDuplicateErrors(t *testing.T) {
	root := t.TempDir()
	d := New(root, "default", false, false)
	if err := d.Create(mailboxlist.Entry{Name: "user.jdoe.INBOX"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Create(mailboxlist.Entry{Name: "user.jdoe.INBOX"}); !errors.Is(err, mailboxlist.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestDeleteRemovesDirAndMeta(t *testing.T) {
	root := t.TempDir()
	d := New(root, "default", false, false)
	if err := d.Create(mailboxlist.Entry{Name: "user.jdoe.INBOX"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	path := seedHeader(t, d, "user.jdoe.INBOX")

	if err := d.Delete("user.jdoe.INBOX"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected directory to be removed, stat err=%v", err)
	}
	if _, err := d.Lookup("user.jdoe.INBOX"); !errors.Is(err, mailboxlist.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFindMatchesByPattern(t *testing.T) {
	root := t.TempDir()
	d := New(root, "default", false, false)
	for _, name := range []string{"user.jdoe.INBOX", "user.jdoe.Sent", "user.asmith.INBOX"} {
		if err := d.Create(mailboxlist.Entry{Name: name}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		seedHeader(t, d, name)
	}
	found, err := d.Find("user.jdoe.*")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(found), found)
	}
}
