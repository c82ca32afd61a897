package ember

import "errors"

// Transaction-local errors. These are recoverable: the caller's
// transaction is still usable for Rollback and the database itself is
// unaffected.
var (
	// ErrBucketExists is returned when creating a bucket whose name is
	// already taken in the parent bucket.
	ErrBucketExists = errors.New("ember: bucket already exists")

	// ErrBucketNotFound is returned when a named bucket does not exist.
	ErrBucketNotFound = errors.New("ember: bucket not found")

	// ErrKeyNotFound names the missing-key condition. Delete of a
	// missing key succeeds and Get reports absence with a nil return,
	// so neither of them returns it.
	ErrKeyNotFound = errors.New("ember: key not found")

	// ErrIncompatibleValue is returned when a key is used as a bucket
	// where a plain value is expected, or vice versa.
	ErrIncompatibleValue = errors.New("ember: incompatible value")

	// ErrTxReadOnly is returned for any mutation attempted against a
	// read-only transaction.
	ErrTxReadOnly = errors.New("ember: tx is read-only")

	// ErrTxClosed is returned by Commit or Rollback on a transaction
	// that has already been committed or rolled back. Other Tx methods
	// do not check for a closed transaction.
	ErrTxClosed = errors.New("ember: tx closed")

	// ErrBucketClosed names use of a Bucket (or a Cursor derived from
	// it) after its owning transaction has closed. Bucket and Cursor
	// methods do not check for this and never return it.
	ErrBucketClosed = errors.New("ember: bucket closed")

	// ErrEmptyKey is returned for Put calls with a zero-length key.
	ErrEmptyKey = errors.New("ember: key required")

	// ErrKeyTooLarge is returned when a key exceeds MaxKeySize for the
	// database's page size.
	ErrKeyTooLarge = errors.New("ember: key too large")

	// ErrValueTooLarge is returned when a value exceeds maxValueSize.
	ErrValueTooLarge = errors.New("ember: value too large")
)

// Database-fatal errors. These indicate the database file itself cannot
// be trusted or written to; the safe response is to stop using the
// Database.
var (
	// ErrInvalid is returned when the file's magic number or version
	// does not match, or both meta pages fail validation on open.
	ErrInvalid = errors.New("ember: invalid database file")

	// ErrSync is returned when an fsync/msync call fails during
	// commit. The prior committed state remains authoritative on disk;
	// the failed transaction's effects are not visible.
	ErrSync = errors.New("ember: sync failed")

	// ErrBusy is returned when the file's advisory lock is already
	// held in a conflicting mode: a writer's open conflicts with any
	// other holder, a read-only open only with a writer's exclusive
	// lock.
	ErrBusy = errors.New("ember: database file is locked")

	// ErrDatabaseNotOpen is returned when a Database is used before
	// Open or after Close.
	ErrDatabaseNotOpen = errors.New("ember: database not open")

	// ErrTxOpen names an attempt to open a second writable
	// transaction. Begin(true) does not return it: it blocks until the
	// active writable transaction finishes.
	ErrTxOpen = errors.New("ember: writable tx already open")
)
