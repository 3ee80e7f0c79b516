// Package provider defines the storage abstraction backing the element cache.
//
// A Provider owns three kinds of state:
//
//   - the full-data set: every live element's serialized payload, keyed by
//     "<collection>:<id>"
//   - one restricted set per user: that user's permitted projection of the
//     full data, same key shape, plus the synthetic "_config:change_id"
//     member recording which global change id the projection reflects
//   - the change index: an ordered mapping from change id to the element
//     keys touched at that id, plus the synthetic
//     "_config:lowest_change_id" member pinned to the first id ever issued
//
// Implementations MUST be byte-for-byte transparent: GetOne/GetAll/GetSince
// return exactly the []byte previously written for a key. RecordChange MUST
// be atomic under concurrent callers; two concurrent commits must never be
// assigned the same change id.
package provider

import (
	"context"
	"strconv"
)

// ChangeIDKey is the synthetic member of a restricted set that stores the
// last change id applied to it.
const ChangeIDKey = "_config:change_id"

// LowestChangeIDKey is the synthetic member of the change index pinned to
// the first change id ever issued (the retention floor).
const LowestChangeIDKey = "_config:lowest_change_id"

// Scope selects which dataset an operation touches: the shared full-data
// set, or one user's restricted set. The zero value is the full-data scope.
// This replaces the "nil user means full data, 0 means anonymous" pointer
// convention: a restricted scope for user 0 (the anonymous user) is distinct
// from the full-data scope.
type Scope struct {
	user       int
	restricted bool
}

// FullData returns the scope of the shared, unrestricted dataset.
func FullData() Scope { return Scope{} }

// Restricted returns the scope of one user's restricted dataset. User id 0
// is the anonymous user.
func Restricted(userID int) Scope { return Scope{user: userID, restricted: true} }

// User returns the user id and true for a restricted scope, 0 and false for
// the full-data scope.
func (s Scope) User() (int, bool) { return s.user, s.restricted }

// IsFull reports whether s is the full-data scope.
func (s Scope) IsFull() bool { return !s.restricted }

func (s Scope) String() string {
	if !s.restricted {
		return "full_data"
	}
	return "restricted_data:" + strconv.Itoa(s.user)
}

// KV is one element key with its serialized payload.
type KV struct {
	Key   string
	Value []byte
}

// Provider is the capability set every backend must implement. Any backend
// is swappable without changing callers.
type Provider interface {
	// Clear wipes all cache state: full data, every restricted set, the
	// change index, and all locks.
	Clear(ctx context.Context) error

	// ResetFull atomically replaces the entire full-data set with data.
	ResetFull(ctx context.Context, data map[string][]byte) error

	// Exists reports whether the given scope has any entries. Synthetic
	// "_config:" members do not count.
	Exists(ctx context.Context, scope Scope) (bool, error)

	// SetElements upserts pairs into the full-data set.
	SetElements(ctx context.Context, pairs []KV) error

	// DeleteElements removes keys from the given scope. Missing keys are
	// not an error.
	DeleteElements(ctx context.Context, scope Scope, keys ...string) error

	// RecordChange atomically determines the next change id (one greater
	// than the current maximum, or defaultChangeID when the index is
	// empty), associates every key with it, pins the lowest-change-id
	// floor if not yet set, and returns the assigned id.
	RecordChange(ctx context.Context, defaultChangeID int64, keys []string) (int64, error)

	// GetAll returns every element of the scope. Synthetic members are
	// excluded.
	GetAll(ctx context.Context, scope Scope) (map[string][]byte, error)

	// GetSince returns every element key recorded at a change id in
	// [changeID, maxChangeID] (unbounded above when maxChangeID <= 0),
	// split into keys still present in the scope (with their current
	// values) and keys no longer present (deleted).
	GetSince(ctx context.Context, changeID int64, scope Scope, maxChangeID int64) (changed map[string][]byte, deleted []string, err error)

	// GetOne returns the value for key in the scope, or ok=false on a miss.
	GetOne(ctx context.Context, key string, scope Scope) (value []byte, ok bool, err error)

	// DeleteScope removes a user's entire restricted set, including its
	// applied-change-id marker.
	DeleteScope(ctx context.Context, userID int) error

	// UpdateScope upserts data into a user's restricted set in one write.
	// Callers include the ChangeIDKey member in data so that a reader
	// observing the advanced marker observes the whole batch.
	UpdateScope(ctx context.Context, userID int, data map[string][]byte) error

	// AppliedChangeID returns the change id a user's restricted set
	// currently reflects, or ok=false when the set was never computed.
	AppliedChangeID(ctx context.Context, userID int) (id int64, ok bool, err error)

	// AcquireLock takes the named lock if it is free. Locks expire after a
	// backend-configured TTL so a crashed holder cannot stall others
	// forever.
	AcquireLock(ctx context.Context, name string) (bool, error)

	// CheckLock reports whether the named lock is currently held.
	CheckLock(ctx context.Context, name string) (bool, error)

	// ReleaseLock frees the named lock. Releasing a free lock is a no-op.
	ReleaseLock(ctx context.Context, name string) error

	// CurrentChangeID returns the highest change id ever assigned, or
	// ok=false when no change was recorded yet.
	CurrentChangeID(ctx context.Context) (id int64, ok bool, err error)

	// LowestChangeID returns the retention floor, or ok=false when no
	// change was recorded yet.
	LowestChangeID(ctx context.Context) (id int64, ok bool, err error)

	// Close releases resources.
	Close(ctx context.Context) error
}
