package autoupdate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/OpenSlides/OpenSlides-sub003/codec"
	"github.com/OpenSlides/OpenSlides-sub003/internal/keys"
	pr "github.com/OpenSlides/OpenSlides-sub003/provider"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultLockRetry   = 10 * time.Millisecond
)

type elementCache struct {
	provider  pr.Provider
	cachables map[string]Cachable
	codec     codec.Codec
	log       Logger
	hooks     Hooks

	defaultChangeID int64
	restrictedData  bool
	lockTimeout     time.Duration
	lockRetry       time.Duration
}

var _ Cache = (*elementCache)(nil)

func newElementCache(opts Options) (*elementCache, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("autoupdate: provider is required")
	}
	if len(opts.Cachables) == 0 {
		return nil, fmt.Errorf("autoupdate: at least one cachable is required")
	}

	cachables := make(map[string]Cachable, len(opts.Cachables))
	for _, ca := range opts.Cachables {
		name := ca.Collection()
		if name == "" {
			return nil, fmt.Errorf("autoupdate: cachable with empty collection name")
		}
		if _, dup := cachables[name]; dup {
			return nil, fmt.Errorf("autoupdate: duplicate cachable for collection %q", name)
		}
		cachables[name] = ca
	}

	c := &elementCache{
		provider:       opts.Provider,
		cachables:      cachables,
		restrictedData: opts.RestrictedData,
	}

	// defaults
	c.codec = coalesce[codec.Codec](opts.Codec, nil)
	if c.codec == nil {
		c.codec = codec.JSON{}
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultChangeID = coalesce[int64](opts.DefaultChangeID, 1)
	c.lockTimeout = coalesce[time.Duration](opts.LockTimeout, defaultLockTimeout)
	c.lockRetry = coalesce[time.Duration](opts.LockRetry, defaultLockRetry)

	return c, nil
}

func (c *elementCache) Close(ctx context.Context) error {
	return c.provider.Close(ctx)
}

func (c *elementCache) EnsureCache(ctx context.Context) error {
	ok, err := c.provider.Exists(ctx, pr.FullData())
	if err != nil {
		return fmt.Errorf("check cache existence: %w", err)
	}
	if ok {
		// another process won the boot race or the store survived a restart
		c.log.Debug("cache already populated, skipping load", nil)
		return nil
	}

	data := make(map[string][]byte)
	for name, ca := range c.cachables {
		elements, err := ca.AllElements(ctx)
		if err != nil {
			return fmt.Errorf("load collection %q: %w", name, err)
		}
		for id, payload := range elements {
			b, err := c.codec.Encode(payload)
			if err != nil {
				return fmt.Errorf("encode %s: %w", keys.Element(name, id), err)
			}
			data[keys.Element(name, id)] = b
		}
	}
	if err := c.provider.ResetFull(ctx, data); err != nil {
		return fmt.Errorf("reset full data: %w", err)
	}
	c.log.Info("cache populated from collections", Fields{"elements": len(data), "collections": len(c.cachables)})
	return nil
}

func (c *elementCache) ChangeElements(ctx context.Context, changes map[Key]any) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	var upserts []pr.KV
	var deletes []string
	var failed map[Key]error
	allKeys := make([]string, 0, len(changes))
	for k, payload := range changes {
		if err := k.validate(); err != nil {
			if failed == nil {
				failed = make(map[Key]error)
			}
			failed[k] = err
			continue
		}
		if payload == nil {
			deletes = append(deletes, k.String())
			allKeys = append(allKeys, k.String())
			continue
		}
		b, err := c.codec.Encode(payload)
		if err != nil {
			if failed == nil {
				failed = make(map[Key]error)
			}
			failed[k] = err
			continue
		}
		upserts = append(upserts, pr.KV{Key: k.String(), Value: b})
		allKeys = append(allKeys, k.String())
	}
	if failed != nil {
		// all-or-report: nothing of the batch is written
		return 0, &ChangeError{Failed: failed}
	}

	if err := c.provider.SetElements(ctx, upserts); err != nil {
		return 0, fmt.Errorf("set elements: %w", err)
	}
	if err := c.provider.DeleteElements(ctx, pr.FullData(), deletes...); err != nil {
		return 0, fmt.Errorf("delete elements: %w", err)
	}
	changeID, err := c.provider.RecordChange(ctx, c.defaultChangeID, allKeys)
	if err != nil {
		return 0, fmt.Errorf("record change: %w", err)
	}

	c.log.Debug("committed change batch", Fields{"change_id": changeID, "elements": len(allKeys)})
	c.hooks.ChangeCommitted(changeID, allKeys)
	return changeID, nil
}

func (c *elementCache) ElementData(ctx context.Context, collection string, id int) ([]byte, error) {
	key := keys.Element(collection, id)
	b, ok, err := c.provider.GetOne(ctx, key, pr.FullData())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if ok {
		return b, nil
	}

	// Cache miss: read through to the system of record and re-populate.
	ca, ok := c.cachables[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrNotFound)
	}
	payload, err := ca.Element(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err = c.codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.provider.SetElements(ctx, []pr.KV{{Key: key, Value: b}}); err != nil {
		return nil, fmt.Errorf("repopulate %s: %w", key, err)
	}
	return b, nil
}

func (c *elementCache) AllDataList(ctx context.Context) (map[string][][]byte, error) {
	all, err := c.provider.GetAll(ctx, pr.FullData())
	if err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}
	if len(all) == 0 {
		if err := c.EnsureCache(ctx); err != nil {
			return nil, err
		}
		if all, err = c.provider.GetAll(ctx, pr.FullData()); err != nil {
			return nil, fmt.Errorf("get all: %w", err)
		}
	}
	return groupByCollection(all)
}

func (c *elementCache) DataSince(ctx context.Context, changeID int64, scope pr.Scope, maxChangeID int64) (map[string][][]byte, []string, error) {
	if changeID < 0 {
		return nil, nil, fmt.Errorf("negative change id %d", changeID)
	}

	readScope := scope
	if !c.restrictedData {
		// restricted mode off: every reader sees full data
		readScope = pr.FullData()
	}

	current, hasCurrent, err := c.provider.CurrentChangeID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("current change id: %w", err)
	}
	if changeID > 0 {
		if !hasCurrent || changeID > current {
			return nil, nil, fmt.Errorf("requested %d, newest is %d: %w", changeID, current, ErrFutureChangeID)
		}
		lowest, hasLowest, err := c.provider.LowestChangeID(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("lowest change id: %w", err)
		}
		if hasLowest && changeID < lowest {
			return nil, nil, fmt.Errorf("requested %d, lowest retained is %d: %w", changeID, lowest, ErrStaleChangeID)
		}
	}

	if u, restricted := readScope.User(); restricted {
		if err := c.updateRestrictedData(ctx, u); err != nil {
			return nil, nil, err
		}
	}

	if changeID == 0 {
		// first-ever request: all-data semantics
		all, err := c.provider.GetAll(ctx, readScope)
		if err != nil {
			return nil, nil, fmt.Errorf("get all: %w", err)
		}
		changed, err := groupByCollection(all)
		return changed, nil, err
	}

	// The client holds changeID; deliver what came strictly after it.
	raw, deleted, err := c.provider.GetSince(ctx, changeID+1, readScope, maxChangeID)
	if err != nil {
		return nil, nil, fmt.Errorf("get since %d: %w", changeID, err)
	}
	changed, err := groupByCollection(raw)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(deleted)
	return changed, deleted, nil
}

func (c *elementCache) CurrentChangeID(ctx context.Context) (int64, error) {
	id, _, err := c.provider.CurrentChangeID(ctx)
	return id, err
}

func (c *elementCache) LowestChangeID(ctx context.Context) (int64, bool, error) {
	return c.provider.LowestChangeID(ctx)
}

func (c *elementCache) DeleteRestrictedData(ctx context.Context, userID int) error {
	return c.provider.DeleteScope(ctx, userID)
}

func groupByCollection(data map[string][]byte) (map[string][][]byte, error) {
	out := make(map[string][][]byte)
	ks := make([]string, 0, len(data))
	for k := range data {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	for _, k := range ks {
		collection, err := keys.Collection(k)
		if err != nil {
			return nil, err
		}
		out[collection] = append(out[collection], data[k])
	}
	return out, nil
}
