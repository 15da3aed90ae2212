// Package quota defines the transactional quota-root collaborator
// contract: read-modify-write-commit of per-root byte usage and limits.
// The core engine never touches a quota store directly; it goes
// through this interface so the same compaction/append/create/delete code
// works against an in-memory store, a SQL-backed store, or a host
// application's own implementation.
package quota

import (
	"errors"

	"github.com/themadorg/cyruslite/internal/mlog"
)

// ErrRootNonexistent is returned by Read (and so by AdjustUsed) when root
// has no quota record. Compaction treats this as "proceed" rather than
// aborting.
var ErrRootNonexistent = errors.New("quota: root does not exist")

// ErrExceeded is returned by AdjustUsed, when called with checkLimit set,
// if a proposed increase would cross the root's limit.
var ErrExceeded = errors.New("quota: limit exceeded")

// Txn is an opaque transaction handle returned by Begin and passed to
// Read/Write/Delete/Commit. Its zero value is never valid; only values
// returned by Begin may be used.
type Txn interface{}

// Service is the quota collaborator contract.
type Service interface {
	// Begin starts a new transaction. Callers must Commit or Rollback it.
	Begin() (Txn, error)

	// Read returns the current usage and limit for root within txn.
	// Returns ErrRootNonexistent if root has never been created.
	Read(txn Txn, root string) (used, limit int64, err error)

	// Write stores used/limit for root within txn, creating the record if
	// it does not yet exist.
	Write(txn Txn, root string, used, limit int64) error

	// Delete removes root's quota record within txn.
	Delete(txn Txn, root string) error

	// Commit finalizes txn, making Write/Delete calls visible to future
	// Begin/Read calls. A failed Commit leaves the quota store unchanged.
	Commit(txn Txn) error

	// Rollback discards txn without applying Write/Delete calls.
	Rollback(txn Txn) error

	// FindRoot resolves a mailbox name to its quota root, if any. Mailboxes
	// without an assigned root return ("", false, nil).
	FindRoot(name string) (root string, ok bool, err error)
}

// AdjustUsed is a convenience helper implementing the read/modify/write/
// commit pattern required for every size-affecting operation (append,
// expunge, create, delete, rename across quota roots). delta may be
// negative. Usage is saturating-nonnegative: an underflow clamps to zero
// rather than going negative or erroring. checkLimit, when true, fails
// with ErrExceeded if applying a positive delta would cross the root's
// limit (callers pass false for in-root moves, which never trip the
// limit). log receives the "lost quota" advisory diagnostic when an
// underflow clamps to zero; this never alters control flow, matching the
// same opts.Log.Debugln convention mailbox/reconstruct.go uses for its own
// advisory diagnostics.
func AdjustUsed(svc Service, root string, delta int64, checkLimit bool, log mlog.Logger) error {
	if root == "" {
		return nil
	}
	txn, err := svc.Begin()
	if err != nil {
		return err
	}
	used, limit, err := svc.Read(txn, root)
	if err != nil {
		if errors.Is(err, ErrRootNonexistent) {
			_ = svc.Rollback(txn)
			return ErrRootNonexistent
		}
		_ = svc.Rollback(txn)
		return err
	}

	newUsed := used + delta
	if newUsed < 0 {
		log.Debugln("quota: lost quota for root", root, "used", used, "delta", delta, "clamping to zero")
		newUsed = 0 // lostquota: clamp, never fatal
	}
	if checkLimit && delta > 0 && limit > 0 && newUsed > limit {
		_ = svc.Rollback(txn)
		return ErrExceeded
	}

	if err := svc.Write(txn, root, newUsed, limit); err != nil {
		_ = svc.Rollback(txn)
		return err
	}
	return svc.Commit(txn)
}
