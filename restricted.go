package autoupdate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/OpenSlides/OpenSlides-sub003/internal/keys"
	pr "github.com/OpenSlides/OpenSlides-sub003/provider"
)

// updateRestrictedData brings one user's restricted view up to the current
// global change id. At most one recomputation runs per user at a time,
// serialized by a named provider lock; concurrent callers wait (bounded) and
// re-read instead of recomputing. On lock timeout the caller proceeds
// anyway, accepting possibly duplicate work over a permanent stall.
func (c *elementCache) updateRestrictedData(ctx context.Context, userID int) error {
	current, _, err := c.provider.CurrentChangeID(ctx)
	if err != nil {
		return fmt.Errorf("current change id: %w", err)
	}

	applied, hasApplied, err := c.provider.AppliedChangeID(ctx, userID)
	if err != nil {
		return fmt.Errorf("applied change id of user %d: %w", userID, err)
	}
	if hasApplied && applied == current {
		return nil
	}

	lockName := "restricted_data_" + strconv.Itoa(userID)
	deadline := time.Now().Add(c.lockTimeout)
	acquired := false
	for {
		got, err := c.provider.AcquireLock(ctx, lockName)
		if err != nil {
			return fmt.Errorf("acquire lock %q: %w", lockName, err)
		}
		if got {
			acquired = true
			break
		}
		if time.Now().After(deadline) {
			c.log.Warn("recomputation lock not released in time, proceeding", Fields{"lock": lockName})
			c.hooks.LockTimeout(lockName)
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.lockRetry):
		}
		// The holder may have finished the exact work we are waiting for.
		applied, hasApplied, err = c.provider.AppliedChangeID(ctx, userID)
		if err != nil {
			return fmt.Errorf("applied change id of user %d: %w", userID, err)
		}
		if hasApplied && applied >= current {
			return nil
		}
	}
	if acquired {
		defer func() {
			// Released even on error so followers never wait out the full
			// TTL. A timed-out waiter never owned the lock and must not
			// free it under the live holder.
			if err := c.provider.ReleaseLock(ctx, lockName); err != nil {
				c.log.Error("release lock failed", Fields{"lock": lockName, "err": err})
			}
		}()
	}

	// Re-read under the lock: a previous holder may have advanced the view.
	applied, hasApplied, err = c.provider.AppliedChangeID(ctx, userID)
	if err != nil {
		return fmt.Errorf("applied change id of user %d: %w", userID, err)
	}
	if hasApplied && applied == current {
		return nil
	}

	lowest, hasLowest, err := c.provider.LowestChangeID(ctx)
	if err != nil {
		return fmt.Errorf("lowest change id: %w", err)
	}

	if !hasApplied || (hasLowest && applied < lowest) {
		return c.rebuildRestrictedFull(ctx, userID, current)
	}
	return c.rebuildRestrictedIncremental(ctx, userID, applied, current)
}

// rebuildRestrictedFull recomputes the view from scratch: every collection,
// every element. The fresh data and its marker are written before stale
// leftovers are removed, so a concurrent reader never observes an empty
// view mid-rebuild.
func (c *elementCache) rebuildRestrictedFull(ctx context.Context, userID int, current int64) error {
	data := make(map[string][]byte)
	for name, ca := range c.cachables {
		elements, err := ca.AllElements(ctx)
		if err != nil {
			return fmt.Errorf("load collection %q: %w", name, err)
		}
		visible, err := ca.Restrict(ctx, userID, elements)
		if err != nil {
			return fmt.Errorf("restrict collection %q for user %d: %w", name, userID, err)
		}
		for id, payload := range visible {
			b, err := c.codec.Encode(payload)
			if err != nil {
				return fmt.Errorf("encode %s: %w", keys.Element(name, id), err)
			}
			data[keys.Element(name, id)] = b
		}
	}
	data[pr.ChangeIDKey] = []byte(strconv.FormatInt(current, 10))

	existing, err := c.provider.GetAll(ctx, pr.Restricted(userID))
	if err != nil {
		return fmt.Errorf("read restricted data of user %d: %w", userID, err)
	}
	var stale []string
	for k := range existing {
		if _, ok := data[k]; !ok {
			stale = append(stale, k)
		}
	}

	if err := c.provider.UpdateScope(ctx, userID, data); err != nil {
		return fmt.Errorf("write restricted data of user %d: %w", userID, err)
	}
	if err := c.provider.DeleteElements(ctx, pr.Restricted(userID), stale...); err != nil {
		return fmt.Errorf("prune restricted data of user %d: %w", userID, err)
	}

	c.log.Debug("restricted view rebuilt", Fields{"user": userID, "elements": len(data) - 1, "change_id": current})
	c.hooks.RestrictedRebuilt(userID, true, len(data)-1)
	return nil
}

// rebuildRestrictedIncremental replays only the elements changed after the
// view's applied change id. Elements the restriction now excludes are
// removed; the applied marker advances in the same write as the upserts.
func (c *elementCache) rebuildRestrictedIncremental(ctx context.Context, userID int, applied, current int64) error {
	changedRaw, deleted, err := c.provider.GetSince(ctx, applied+1, pr.FullData(), current)
	if err != nil {
		return fmt.Errorf("get changes since %d: %w", applied, err)
	}

	// Decode the changed full-data payloads, grouped per collection.
	byCollection := make(map[string]map[int]any)
	for key, raw := range changedRaw {
		collection, id, err := keys.Split(key)
		if err != nil {
			return err
		}
		var payload any
		if err := c.codec.Decode(raw, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if byCollection[collection] == nil {
			byCollection[collection] = make(map[int]any)
		}
		byCollection[collection][id] = payload
	}

	upserts := make(map[string][]byte, len(changedRaw))
	remove := append([]string(nil), deleted...)
	for collection, elements := range byCollection {
		ca, ok := c.cachables[collection]
		if !ok {
			// no collaborator registered: not visible to anyone
			c.log.Warn("changed element of unknown collection", Fields{"collection": collection})
			for id := range elements {
				remove = append(remove, keys.Element(collection, id))
			}
			continue
		}
		visible, err := ca.Restrict(ctx, userID, elements)
		if err != nil {
			return fmt.Errorf("restrict collection %q for user %d: %w", collection, userID, err)
		}
		for id, payload := range visible {
			b, err := c.codec.Encode(payload)
			if err != nil {
				return fmt.Errorf("encode %s: %w", keys.Element(collection, id), err)
			}
			upserts[keys.Element(collection, id)] = b
		}
		for id := range elements {
			if _, ok := visible[id]; !ok {
				remove = append(remove, keys.Element(collection, id))
			}
		}
	}

	if err := c.provider.DeleteElements(ctx, pr.Restricted(userID), remove...); err != nil {
		return fmt.Errorf("delete from restricted data of user %d: %w", userID, err)
	}
	upserts[pr.ChangeIDKey] = []byte(strconv.FormatInt(current, 10))
	if err := c.provider.UpdateScope(ctx, userID, upserts); err != nil {
		return fmt.Errorf("write restricted data of user %d: %w", userID, err)
	}

	touched := len(changedRaw) + len(deleted)
	c.log.Debug("restricted view advanced", Fields{"user": userID, "from": applied, "to": current, "elements": touched})
	c.hooks.RestrictedRebuilt(userID, false, touched)
	return nil
}
