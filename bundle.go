package autoupdate

import (
	"context"
)

// Bundle accumulates the element mutations of one unit of work (one request,
// one transaction) so they commit as a single batch under a single change
// id. A Bundle belongs to exactly one unit of work and is not safe for
// concurrent use; cross-request state lives only in the provider.
type Bundle struct {
	cache   *elementCache
	changes map[Key]any
}

func (c *elementCache) NewBundle() *Bundle {
	return &Bundle{cache: c, changes: make(map[Key]any)}
}

// Add records an upsert. A later Add or Delete for the same key within the
// same unit of work wins.
func (b *Bundle) Add(collection string, id int, payload any) {
	b.changes[Key{Collection: collection, ID: id}] = payload
}

// Delete records a deletion, overriding any earlier Add for the same key.
func (b *Bundle) Delete(collection string, id int) {
	b.changes[Key{Collection: collection, ID: id}] = nil
}

// Len returns the number of pending element changes.
func (b *Bundle) Len() int { return len(b.changes) }

// Flush commits all pending changes as one batch and clears the bundle.
// On failure the pending changes are kept so the unit of work can retry or
// fail the enclosing operation; they are never silently dropped. An empty
// bundle flushes to change id 0 without touching the provider.
func (b *Bundle) Flush(ctx context.Context) (int64, error) {
	if len(b.changes) == 0 {
		return 0, nil
	}
	changeID, err := b.cache.ChangeElements(ctx, b.changes)
	if err != nil {
		b.cache.hooks.FlushFailed(len(b.changes), err)
		return 0, err
	}
	b.changes = make(map[Key]any)
	return changeID, nil
}

type bundleCtxKey struct{}

// WithBundle attaches a bundle to the unit of work's context. Notify and
// NotifyDeleted calls made with the returned context accumulate into it
// instead of committing immediately.
func WithBundle(ctx context.Context, b *Bundle) context.Context {
	return context.WithValue(ctx, bundleCtxKey{}, b)
}

// BundleFromContext returns the bundle attached to ctx, if any.
func BundleFromContext(ctx context.Context) (*Bundle, bool) {
	b, ok := ctx.Value(bundleCtxKey{}).(*Bundle)
	return b, ok
}

func (c *elementCache) Notify(ctx context.Context, collection string, id int, payload any) error {
	if b, ok := BundleFromContext(ctx); ok {
		b.Add(collection, id, payload)
		return nil
	}
	_, err := c.ChangeElements(ctx, map[Key]any{{Collection: collection, ID: id}: payload})
	return err
}

func (c *elementCache) NotifyDeleted(ctx context.Context, collection string, id int) error {
	if b, ok := BundleFromContext(ctx); ok {
		b.Delete(collection, id)
		return nil
	}
	_, err := c.ChangeElements(ctx, map[Key]any{{Collection: collection, ID: id}: nil})
	return err
}
