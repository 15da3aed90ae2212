package memquota

import (
	"errors"
	"testing"

	"github.com/themadorg/cyruslite/internal/mlog"
	"github.com/themadorg/cyruslite/quota"
)

func TestAdjustUsedCreatesAndIncrements(t *testing.T) {
	s := New()
	s.SetRoot("user.jdoe", "user.jdoe", 1000)
	if err := quota.AdjustUsed(s, "user.jdoe", 200, true, mlog.Logger{}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	txn, _ := s.Begin()
	used, limit, err := s.Read(txn, "user.jdoe")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = s.Rollback(txn)
	if used != 200 || limit != 1000 {
		t.Fatalf("unexpected used/limit: %d/%d", used, limit)
	}
}

func TestAdjustUsedExceedsLimit(t *testing.T) {
	s := New()
	s.SetRoot("user.jdoe", "user.jdoe", 100)
	if err := quota.AdjustUsed(s, "user.jdoe", 50, true, mlog.Logger{}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	err := quota.AdjustUsed(s, "user.jdoe", 60, true, mlog.Logger{})
	if !errors.Is(err, quota.ErrExceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
}

func TestAdjustUsedClampsAtZero(t *testing.T) {
	s := New()
	s.SetRoot("user.jdoe", "user.jdoe", 100)
	if err := quota.AdjustUsed(s, "user.jdoe", 10, true, mlog.Logger{}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if err := quota.AdjustUsed(s, "user.jdoe", -1000, false, mlog.Logger{}); err != nil {
		t.Fatalf("adjust negative: %v", err)
	}
	txn, _ := s.Begin()
	used, _, err := s.Read(txn, "user.jdoe")
	_ = s.Rollback(txn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected used clamped to 0, got %d", used)
	}
}

func TestAdjustUsedNonexistentRoot(t *testing.T) {
	s := New()
	err := quota.AdjustUsed(s, "no.such.root", 10, true, mlog.Logger{})
	if !errors.Is(err, quota.ErrRootNonexistent) {
		t.Fatalf("expected ErrRootNonexistent, got %v", err)
	}
}

func TestFindRoot(t *testing.T) {
	s := New()
	s.SetRoot("user.jdoe.Sent", "user.jdoe", 1000)
	root, ok, err := s.FindRoot("user.jdoe.Sent")
	if err != nil {
		t.Fatalf("find root: %v", err)
	}
	if !ok || root != "user.jdoe" {
		t.Fatalf("unexpected root: %q ok=%v", root, ok)
	}
	if _, ok, err := s.FindRoot("unmapped"); err != nil || ok {
		t.Fatalf("expected no mapping, got ok=%v err=%v", ok, err)
	}
}

func TestAdjustUsedEmptyRootIsNoop(t *testing.T) {
	s := New()
	if err := quota.AdjustUsed(s, "", 1000, true, mlog.Logger{}); err != nil {
		t.Fatalf("expected no-op for empty root, got %v", err)
	}
}
