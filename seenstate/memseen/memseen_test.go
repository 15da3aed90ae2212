package memseen

import (
	"reflect"
	"testing"
)

func TestWriteAndLockRead(t *testing.T) {
	s := New()
	if err := s.Write("uid1", "jdoe", 100, 5, 200, []uint32{1, 3, 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	lastRead, lastUID, lastChange, uids, err := s.LockRead("uid1", "jdoe")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lastRead != 100 || lastUID != 5 || lastChange != 200 {
		t.Fatalf("unexpected scalars: %d %d %d", lastRead, lastUID, lastChange)
	}
	if !reflect.DeepEqual(uids, []uint32{1, 3, 5}) {
		t.Fatalf("unexpected uids: %v", uids)
	}
}

func TestLockReadMissingReturnsZeroValues(t *testing.T) {
	s := New()
	lastRead, lastUID, lastChange, uids, err := s.LockRead("nope", "jdoe")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lastRead != 0 || lastUID != 0 || lastChange != 0 || uids != nil {
		t.Fatalf("expected zero values, got %d %d %d %v", lastRead, lastUID, lastChange, uids)
	}
}

func TestCopySurvivesRename(t *testing.T) {
	s := New()
	if err := s.Write("uid-old", "jdoe", 1, 2, 3, []uint32{2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Copy("uid-old", "uid-new"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	_, lastUID, _, uids, err := s.LockRead("uid-new", "jdoe")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lastUID != 2 || !reflect.DeepEqual(uids, []uint32{2}) {
		t.Fatalf("copy did not preserve state: lastUID=%d uids=%v", lastUID, uids)
	}
}

func TestDeleteForRemovesAllUsers(t *testing.T) {
	s := New()
	if err := s.Write("uid1", "jdoe", 1, 1, 1, nil); err != nil {
		t.Fatalf("write jdoe: %v", err)
	}
	if err := s.Write("uid1", "asmith", 1, 1, 1, nil); err != nil {
		t.Fatalf("write asmith: %v", err)
	}
	if err := s.DeleteFor("uid1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, user := range []string{"jdoe", "asmith"} {
		_, lastUID, _, _, err := s.LockRead("uid1", user)
		if err != nil {
			t.Fatalf("read %s: %v", user, err)
		}
		if lastUID != 0 {
			t.Fatalf("expected state cleared for %s", user)
		}
	}
}

func TestReconstructCreatesAndAdvancesLastUID(t *testing.T) {
	s := New()
	if err := s.Reconstruct("uid1", "jdoe", 7); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if err := s.Reconstruct("uid1", "jdoe", 3); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	_, lastUID, _, uids, err := s.LockRead("uid1", "jdoe")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lastUID != 7 {
		t.Fatalf("expected lastUID to stay at the max seen (7), got %d", lastUID)
	}
	if !reflect.DeepEqual(uids, []uint32{3, 7}) {
		t.Fatalf("expected both uids marked seen, got %v", uids)
	}
}
