// Package sloghooks logs cache hook events through log/slog.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	autoupdate "github.com/OpenSlides/OpenSlides-sub003"
)

type Options struct {
	// Sampling to avoid floods on busy commit paths; 0/1 = log all.
	CommitEvery  uint64
	RebuildEvery uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	commitCtr  atomic.Uint64
	rebuildCtr atomic.Uint64
}

var _ autoupdate.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ChangeCommitted(changeID int64, keys []string) {
	if h.l == nil || !sample(h.opts.CommitEvery, &h.commitCtr) {
		return
	}
	h.l.Debug("autoupdate.change_committed",
		"change_id", changeID,
		"elements", len(keys))
}

func (h *Hooks) RestrictedRebuilt(userID int, full bool, elements int) {
	if h.l == nil || !sample(h.opts.RebuildEvery, &h.rebuildCtr) {
		return
	}
	h.l.Debug("autoupdate.restricted_rebuilt",
		"user", userID,
		"full", full,
		"elements", elements)
}

func (h *Hooks) LockTimeout(name string) {
	if h.l == nil {
		return
	}
	h.l.Warn("autoupdate.lock_timeout",
		"lock", name,
		"msg", "recomputation lock not released in time; proceeding without it")
}

func (h *Hooks) FlushFailed(size int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("autoupdate.flush_failed",
		"pending", size,
		"err", err)
}
