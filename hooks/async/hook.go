// Package asynchook decouples hook consumers from the cache's hot paths.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{CommitEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := autoupdate.New(autoupdate.Options{
//	    Provider:  provider,
//	    Cachables: cachables,
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped (not blocked on) when the queue is full.
package asynchook

import (
	"sync"

	autoupdate "github.com/OpenSlides/OpenSlides-sub003"
)

type Hooks struct {
	inner autoupdate.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ autoupdate.Hooks = (*Hooks)(nil)

func New(inner autoupdate.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) ChangeCommitted(changeID int64, keys []string) {
	h.try(func() { h.inner.ChangeCommitted(changeID, keys) })
}
func (h *Hooks) RestrictedRebuilt(userID int, full bool, elements int) {
	h.try(func() { h.inner.RestrictedRebuilt(userID, full, elements) })
}
func (h *Hooks) LockTimeout(name string) { h.try(func() { h.inner.LockTimeout(name) }) }
func (h *Hooks) FlushFailed(size int, err error) {
	h.try(func() { h.inner.FlushFailed(size, err) })
}
