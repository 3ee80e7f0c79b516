package autoupdate

import (
	"context"
	"time"

	c "github.com/OpenSlides/OpenSlides-sub003/codec"
	pr "github.com/OpenSlides/OpenSlides-sub003/provider"
)

// Cache is the provider-agnostic element cache: the authoritative full-data
// set, per-user restricted views and the monotonically ordered change feed.
type Cache interface {
	// EnsureCache seeds the backing store from the registered cachables if
	// it is empty. Idempotent and safe to call from multiple processes at
	// boot: a process that finds data already present skips loading.
	EnsureCache(ctx context.Context) error

	// ChangeElements commits one batch of mutations. A nil payload deletes
	// the element. Every element of the batch shares the returned change
	// id. When any payload cannot be encoded, nothing is written and a
	// *ChangeError names the failing keys.
	ChangeElements(ctx context.Context, changes map[Key]any) (int64, error)

	// ElementData returns one element's serialized payload, reading
	// through to the collection's system of record on a cache miss.
	// Returns ErrNotFound when the element exists nowhere.
	ElementData(ctx context.Context, collection string, id int) ([]byte, error)

	// AllDataList returns every element's serialized payload grouped by
	// collection, seeding the cache first when it is empty.
	AllDataList(ctx context.Context) (map[string][][]byte, error)

	// DataSince returns all changes after changeID up to maxChangeID
	// (unbounded when maxChangeID <= 0) for the given scope, split into
	// changed payloads grouped by collection and deleted element keys.
	// changeID 0 returns everything. A changeID below the retained floor
	// fails with ErrStaleChangeID, one above the current maximum with
	// ErrFutureChangeID. For a restricted scope the user's view is brought
	// up to date first.
	DataSince(ctx context.Context, changeID int64, scope pr.Scope, maxChangeID int64) (changed map[string][][]byte, deleted []string, err error)

	// CurrentChangeID returns the highest change id assigned so far, or 0
	// when nothing was committed yet.
	CurrentChangeID(ctx context.Context) (int64, error)

	// LowestChangeID returns the retained floor, or ok=false when nothing
	// was committed yet.
	LowestChangeID(ctx context.Context) (int64, bool, error)

	// DeleteRestrictedData drops a user's whole restricted view (logout,
	// permission change). It is rebuilt lazily on the next access.
	DeleteRestrictedData(ctx context.Context, userID int) error

	// Notify records one element mutation. With an active bundle on the
	// context the change is accumulated; otherwise it is committed
	// immediately as a single-element batch.
	Notify(ctx context.Context, collection string, id int, payload any) error

	// NotifyDeleted records one element deletion, bundle-aware like Notify.
	NotifyDeleted(ctx context.Context, collection string, id int) error

	// NewBundle returns an empty change bundle bound to this cache. Attach
	// it to the unit of work's context with WithBundle.
	NewBundle() *Bundle

	// Close releases resources, including the provider.
	Close(ctx context.Context) error
}

// Options tune the cache. Only Provider and Cachables are required; others
// have sensible defaults.
type Options struct {
	// Required
	Provider  pr.Provider
	Cachables []Cachable

	Codec  c.Codec // if nil, codec.JSON is used
	Logger Logger  // if nil, NopLogger is used
	Hooks  Hooks   // if nil, NopHooks is used

	// DefaultChangeID is the id of the first commit ever. 0 => 1.
	DefaultChangeID int64

	// RestrictedData enables per-user restricted views. When false,
	// restricted-scope reads are served from full data.
	RestrictedData bool

	// LockTimeout bounds how long a reader waits for another in-flight
	// restricted-view recomputation before proceeding without the lock.
	// 0 => 5s.
	LockTimeout time.Duration

	// LockRetry is the poll interval while waiting on the lock. 0 => 10ms.
	LockRetry time.Duration
}

// New builds a Cache from opts.
func New(opts Options) (Cache, error) {
	return newElementCache(opts)
}
