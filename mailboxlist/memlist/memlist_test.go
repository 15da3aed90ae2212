package memlist

import (
	"errors"
	"testing"

	"github.com/themadorg/cyruslite/mailboxlist"
)

func TestCreateLookupDelete(t *testing.T) {
	d := New()
	e := mailboxlist.Entry{Name: "user.jdoe.INBOX", UniqueID: "abc"}
	if err := d.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := d.Lookup("user.jdoe.INBOX")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.UniqueID != "abc" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if err := d.Delete("user.jdoe.INBOX"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := d.Lookup("user.jdoe.INBOX"); !errors.Is(err, mailboxlist.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCreateDuplicateErrors(t *testing.T) {
	d := New()
	e := mailboxlist.Entry{Name: "user.jdoe.INBOX"}
	if err := d.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Create(e); !errors.Is(err, mailboxlist.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRenamePreservesUniqueIDWhenUnset(t *testing.T) {
	d := New()
	if err := d.Create(mailboxlist.Entry{Name: "user.jdoe.Old", UniqueID: "xyz"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Rename("user.jdoe.Old", "user.jdoe.New", mailboxlist.Entry{}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := d.Lookup("user.jdoe.New")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.UniqueID != "xyz" {
		t.Fatalf("expected unique-id to survive rename, got %q", got.UniqueID)
	}
	if _, err := d.Lookup("user.jdoe.Old"); !errors.Is(err, mailboxlist.ErrNotFound) {
		t.Fatalf("expected old name to be gone")
	}
}

func TestFindByPattern(t *testing.T) {
	d := New()
	for _, name := range []string{"user.jdoe.INBOX", "user.jdoe.Sent", "user.asmith.INBOX"} {
		if err := d.Create(mailboxlist.Entry{Name: name}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	found, err := d.Find("user.jdoe.*")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(found), found)
	}
}

func TestUpdateRequiresExisting(t *testing.T) {
	d := New()
	if err := d.Update(mailboxlist.Entry{Name: "nope"}); !errors.Is(err, mailboxlist.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
