package autoupdate

// Hooks are lightweight callbacks for high-signal events. Implementations
// MUST be cheap and non-blocking; the cache calls them on hot paths. Wrap
// with hooks/async to decouple slow consumers.
type Hooks interface {
	// A batch of element changes was committed under the given change id.
	// The broadcast layer subscribes here to fan deltas out to live
	// connections.
	ChangeCommitted(changeID int64, keys []string)

	// A user's restricted view was recomputed. full reports whether the
	// wholesale rebuild path ran; elements is the number of elements the
	// pass touched.
	RestrictedRebuilt(userID int, full bool, elements int)

	// The named recomputation lock was not released within the bound; the
	// caller proceeded without it (possibly duplicating work).
	LockTimeout(name string)

	// A bundle flush failed. The bundle keeps its size elements so the
	// unit of work can retry.
	FlushFailed(size int, err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) ChangeCommitted(int64, []string)  {}
func (NopHooks) RestrictedRebuilt(int, bool, int) {}
func (NopHooks) LockTimeout(string)               {}
func (NopHooks) FlushFailed(int, error)           {}
