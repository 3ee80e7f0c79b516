package ws

import (
	"sync"

	autoupdate "github.com/OpenSlides/OpenSlides-sub003"
)

// Hub fans committed change ids out to live connections. It implements
// autoupdate.Hooks so it can be wired straight into the cache:
//
//	hub := ws.NewHub()
//	cache, _ := autoupdate.New(autoupdate.Options{..., Hooks: hub})
//	srv, _ := ws.NewServer(ws.Config{Cache: cache, Hub: hub})
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

var _ autoupdate.Hooks = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ChangeCommitted signals every registered connection. Signals are
// coalesced per connection: a slow connection catches up to the newest
// committed id in one delta instead of queueing one push per commit.
func (h *Hub) ChangeCommitted(changeID int64, _ []string) {
	h.mu.Lock()
	for c := range h.clients {
		c.signal(changeID)
	}
	h.mu.Unlock()
}

func (h *Hub) RestrictedRebuilt(int, bool, int) {}
func (h *Hub) LockTimeout(string)               {}
func (h *Hub) FlushFailed(int, error)           {}
