package autoupdate

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	pr "github.com/OpenSlides/OpenSlides-sub003/provider"
	"github.com/OpenSlides/OpenSlides-sub003/provider/memory"
)

func restrictedCache(t *testing.T, optsOpt func(*Options)) (Cache, *testCollection, *memory.Memory) {
	t.Helper()
	tc := newTestCollection("app/c1")
	mp := memory.New(memory.Config{})
	opts := Options{
		Provider:       mp,
		Cachables:      []Cachable{tc},
		RestrictedData: true,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(context.Background()) })
	return cc, tc, mp
}

// view returns the user's current restricted data as "collection:id" ->
// decoded payload, forcing a recomputation pass first.
func view(t *testing.T, cc Cache, user int) map[string]map[string]any {
	t.Helper()
	changed, _, err := cc.DataSince(context.Background(), 0, pr.Restricted(user), -1)
	if err != nil {
		t.Fatalf("DataSince restricted: %v", err)
	}
	out := make(map[string]map[string]any)
	for collection, payloads := range changed {
		for _, b := range payloads {
			e := decode(t, b)
			id := int(e["id"].(float64))
			out[collection+":"+strconv.Itoa(id)] = e
		}
	}
	return out
}

// commit writes the elements to the system of record AND commits them, so a
// later full rebuild and an incremental replay see the same state.
func commit(t *testing.T, cc Cache, tc *testCollection, changes map[Key]any) int64 {
	t.Helper()
	for k, v := range changes {
		if v == nil {
			tc.remove(k.ID)
			continue
		}
		tc.put(k.ID, v.(map[string]any))
	}
	id, err := cc.ChangeElements(context.Background(), changes)
	if err != nil {
		t.Fatalf("ChangeElements: %v", err)
	}
	return id
}

func TestRestrictedFullRebuild(t *testing.T) {
	ctx := context.Background()
	cc, tc, _ := restrictedCache(t, nil)

	tc.put(1, map[string]any{"v": "public"})
	tc.put(2, map[string]any{"v": "hidden", "secret": true})
	if err := cc.EnsureCache(ctx); err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}

	// User 2 sees only the public element; user 1 sees everything.
	v := view(t, cc, 2)
	if len(v) != 1 || v["app/c1:1"] == nil {
		t.Fatalf("user 2 view = %v, want only app/c1:1", v)
	}
	v = view(t, cc, 1)
	if len(v) != 2 {
		t.Fatalf("user 1 view = %v, want both elements", v)
	}
}

// After any sequence of commits and one recomputation pass the view equals
// the restriction applied to the latest data, whichever rebuild path ran.
func TestRestrictedConvergence(t *testing.T) {
	ctx := context.Background()
	cc, tc, _ := restrictedCache(t, nil)

	tc.put(1, map[string]any{"v": "a"})
	if err := cc.EnsureCache(ctx); err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}

	// First access: the full rebuild path.
	before := view(t, cc, 2)
	if len(before) != 1 {
		t.Fatalf("initial view = %v", before)
	}

	// Commits after the marker exists: the incremental path.
	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 1}: map[string]any{"id": 1, "v": "a2"},
		{Collection: "app/c1", ID: 2}: map[string]any{"id": 2, "v": "b"},
	})
	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 3}: map[string]any{"id": 3, "v": "c", "secret": true},
	})

	got := view(t, cc, 2)
	want := map[string]map[string]any{
		"app/c1:1": {"id": float64(1), "v": "a2"},
		"app/c1:2": {"id": float64(2), "v": "b"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("incremental view = %v, want %v", got, want)
	}

	// The privileged user's first access runs a full rebuild over the same
	// record and converges to all three elements.
	if got := view(t, cc, 1); len(got) != 3 {
		t.Fatalf("user 1 view = %v, want all three", got)
	}
}

// An element the restriction newly excludes is removed from the view; a
// deleted element disappears.
func TestRestrictedIncrementalExcludesAndDeletes(t *testing.T) {
	cc, tc, _ := restrictedCache(t, nil)

	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 1}: map[string]any{"id": 1, "v": "a"},
		{Collection: "app/c1", ID: 2}: map[string]any{"id": 2, "v": "b"},
	})
	if got := view(t, cc, 2); len(got) != 2 {
		t.Fatalf("initial view = %v", got)
	}

	// Element 1 turns secret, element 2 is deleted.
	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 1}: map[string]any{"id": 1, "v": "a", "secret": true},
		{Collection: "app/c1", ID: 2}: nil,
	})

	if got := view(t, cc, 2); len(got) != 0 {
		t.Fatalf("view after exclusion and delete = %v, want empty", got)
	}
}

// N concurrent readers trigger exactly one recomputation; the others observe
// the lock, wait and reuse the result.
func TestRestrictedConcurrentRecomputation(t *testing.T) {
	ctx := context.Background()
	cc, tc, _ := restrictedCache(t, nil)

	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 1}: map[string]any{"id": 1, "v": "a"},
	})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := cc.DataSince(ctx, 0, pr.Restricted(2), -1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent DataSince: %v", err)
		}
	}

	if got := tc.calls(); got != 1 {
		t.Fatalf("restriction ran %d times, want exactly 1", got)
	}
	if got := view(t, cc, 2); len(got) != 1 {
		t.Fatalf("final view = %v", got)
	}
}

// A lock held by a crashed holder must not stall readers forever: after the
// bounded wait the caller recomputes anyway.
func TestRestrictedLockTimeoutProceeds(t *testing.T) {
	ctx := context.Background()
	rec := &hookRecorder{}
	cc, tc, mp := restrictedCache(t, func(o *Options) {
		o.Hooks = rec
		o.LockTimeout = 50 * time.Millisecond
		o.LockRetry = 5 * time.Millisecond
	})

	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 1}: map[string]any{"id": 1, "v": "a"},
	})

	// Simulate a crashed holder.
	if got, err := mp.AcquireLock(ctx, "restricted_data_2"); err != nil || !got {
		t.Fatalf("seed lock: got=%v err=%v", got, err)
	}

	start := time.Now()
	if got := view(t, cc, 2); len(got) != 1 {
		t.Fatalf("view = %v", got)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned after %v, should have waited out the lock bound", elapsed)
	}

	rec.mu.Lock()
	fired := len(rec.lockTimeouts)
	rec.mu.Unlock()
	if fired == 0 {
		t.Fatalf("LockTimeout hook did not fire")
	}

	// The waiter never owned the lock, so it must not have freed it under
	// the (presumed live) holder.
	if held, err := mp.CheckLock(ctx, "restricted_data_2"); err != nil || !held {
		t.Fatalf("seeded lock held=%v err=%v after timeout, want still held", held, err)
	}
}

// A full rebuild over an outdated view keeps the view readable throughout:
// the fresh data replaces stale leftovers instead of wiping the set first,
// and leftovers absent from the new data are pruned.
func TestRestrictedFullRebuildPrunesStale(t *testing.T) {
	ctx := context.Background()
	cc, tc, mp := restrictedCache(t, func(o *Options) { o.DefaultChangeID = 10 })

	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 1}: map[string]any{"id": 1, "v": "a"},
	})

	// A view whose marker predates the retention floor, holding an element
	// that no longer exists. The next access must take the full path.
	if err := mp.UpdateScope(ctx, 2, map[string][]byte{
		"app/c1:9":     []byte(`{"id":9,"v":"stale"}`),
		pr.ChangeIDKey: []byte("5"),
	}); err != nil {
		t.Fatalf("seed outdated view: %v", err)
	}

	got := view(t, cc, 2)
	if len(got) != 1 || got["app/c1:1"] == nil {
		t.Fatalf("rebuilt view = %v, want only the live element", got)
	}
	if _, ok := got["app/c1:9"]; ok {
		t.Fatalf("stale leftover survived the full rebuild: %v", got)
	}
}

// Dropping a user's restricted data forces a fresh full rebuild on the next
// access.
func TestDeleteRestrictedData(t *testing.T) {
	ctx := context.Background()
	cc, tc, _ := restrictedCache(t, nil)

	commit(t, cc, tc, map[Key]any{
		{Collection: "app/c1", ID: 1}: map[string]any{"id": 1, "v": "a"},
	})
	if got := view(t, cc, 2); len(got) != 1 {
		t.Fatalf("view = %v", got)
	}
	calls := tc.calls()

	if err := cc.DeleteRestrictedData(ctx, 2); err != nil {
		t.Fatalf("DeleteRestrictedData: %v", err)
	}
	if got := view(t, cc, 2); len(got) != 1 {
		t.Fatalf("rebuilt view = %v", got)
	}
	if tc.calls() <= calls {
		t.Fatalf("expected a fresh restriction pass after the view was dropped")
	}
}
