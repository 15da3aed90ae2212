// Package seenstate defines the per-user seen-state collaborator contract:
// a set of UIDs a user has read, keyed by the mailbox's unique-id rather
// than its (renameable) name.
package seenstate

// Service is the seen-state collaborator contract.
type Service interface {
	// CreateFor initializes empty seen-state for a newly created mailbox.
	CreateFor(uniqueID string) error

	// Copy duplicates src's seen-state under dst, used by rename-copy and
	// sync.
	Copy(src, dst string) error

	// DeleteFor removes all seen-state associated with uniqueID.
	DeleteFor(uniqueID string) error

	// LockRead returns the current seen-state for (uniqueID, user). It
	// returns values only, with no handle, so nothing stays locked after it
	// returns; LastRead/LastUID/LastChange are informational bookkeeping the
	// caller may ignore.
	LockRead(uniqueID, user string) (lastRead int64, lastUID uint32, lastChange int64, uids []uint32, err error)

	// Write stores an updated seen-UID set for (uniqueID, user).
	Write(uniqueID, user string, lastRead int64, lastUID uint32, lastChange int64, uids []uint32) error

	// Reconstruct is invoked by mailbox reconstruction to rebuild seen-state
	// for a UID discovered via sidecar data when no other source of truth
	// is available.
	Reconstruct(uniqueID, user string, uid uint32) error
}
