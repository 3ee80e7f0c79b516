// Package ws exposes the element cache's sync/broadcast protocol over
// JSON frames on a websocket.
//
// A connection starts in a connecting state, becomes synced after its first
// getElements reply and may toggle live mode, in which committed changes are
// pushed without an explicit pull:
//
//	{"type":"getElements","content":{"change_id":N},"id":"..."}
//	  -> {"type":"autoupdate","content":{changed,deleted,from_change_id,
//	      to_change_id,all_data},"in_response":"..."}
//	{"type":"autoupdate","content":"on"|"off","id":"..."} toggles live push
//	anything else -> {"type":"error","content":...,"in_response":id}
//
// Disconnecting releases the connection's registration only; the shared
// cache is never mutated from here.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	autoupdate "github.com/OpenSlides/OpenSlides-sub003"
	"github.com/OpenSlides/OpenSlides-sub003/codec"
	pr "github.com/OpenSlides/OpenSlides-sub003/provider"
)

// AuthFunc resolves the user a connection belongs to. Returning 0 means the
// anonymous user.
type AuthFunc func(r *http.Request) (userID int, err error)

// Config tunes the protocol server. Cache and Hub are required.
type Config struct {
	Cache autoupdate.Cache
	Hub   *Hub

	// Auth resolves the connection's user. nil => every connection is
	// anonymous.
	Auth AuthFunc

	// Codec must match the cache's payload codec. nil => codec.JSON.
	Codec codec.Codec

	Logger autoupdate.Logger

	ReadLimit     int64         // max inbound frame size; 0 => 1MB
	WriteTimeout  time.Duration // 0 => 10s
	PingInterval  time.Duration // 0 => 30s
	PongTimeout   time.Duration // 0 => 60s
	SendQueueSize int           // outbound frames buffered per connection; 0 => 16

	CheckOrigin func(r *http.Request) bool
}

// Server upgrades HTTP requests to protocol connections.
type Server struct {
	cache autoupdate.Cache
	hub   *Hub
	auth  AuthFunc
	codec codec.Codec
	log   autoupdate.Logger

	readLimit    int64
	writeTimeout time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration
	sendQueue    int

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Cache == nil {
		return nil, errors.New("ws: cache is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("ws: hub is required")
	}
	s := &Server{
		cache: cfg.Cache,
		hub:   cfg.Hub,
		auth:  cfg.Auth,
	}
	s.codec = cfg.Codec
	if s.codec == nil {
		s.codec = codec.JSON{}
	}
	s.log = cfg.Logger
	if s.log == nil {
		s.log = autoupdate.NopLogger{}
	}
	if s.readLimit = cfg.ReadLimit; s.readLimit == 0 {
		s.readLimit = 1 << 20
	}
	if s.writeTimeout = cfg.WriteTimeout; s.writeTimeout == 0 {
		s.writeTimeout = 10 * time.Second
	}
	if s.pingInterval = cfg.PingInterval; s.pingInterval == 0 {
		s.pingInterval = 30 * time.Second
	}
	if s.pongTimeout = cfg.PongTimeout; s.pongTimeout == 0 {
		s.pongTimeout = 60 * time.Second
	}
	if s.sendQueue = cfg.SendQueueSize; s.sendQueue == 0 {
		s.sendQueue = 16
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: cfg.CheckOrigin}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Close stops live pushes and drops every connection.
func (s *Server) Close() {
	s.cancel()
	for _, c := range s.hub.snapshot() {
		c.close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := 0
	if s.auth != nil {
		u, err := s.auth(r)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		user = u
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", autoupdate.Fields{"err": err})
		return
	}

	c := &client{
		srv:    s,
		conn:   conn,
		user:   user,
		send:   make(chan response, s.sendQueue),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.hub.register(c)
	defer func() {
		s.hub.unregister(c)
		c.close()
	}()

	go c.writePump()
	go c.pushLoop()
	c.readPump()
}

// client is one connection. The read pump handles requests one at a time;
// the write pump owns the socket's write side; the push loop turns commit
// signals into deltas.
type client struct {
	srv  *Server
	conn *websocket.Conn
	user int

	send   chan response
	notify chan struct{}
	done   chan struct{}

	live         atomic.Bool
	pending      atomic.Int64 // newest committed change id seen by the hub
	lastChangeID atomic.Int64 // change id this connection is synced to

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// signal coalesces commit notifications: only the newest id is kept.
func (c *client) signal(changeID int64) {
	casMax(&c.pending, changeID)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// advanceTo moves the synced cursor forward, never back: a pull reply racing
// a live push must not regress the cursor below an already-pushed id.
func (c *client) advanceTo(changeID int64) {
	casMax(&c.lastChangeID, changeID)
}

func casMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (c *client) enqueue(r response) {
	select {
	case c.send <- r:
	case <-c.done:
	}
}

func (c *client) readPump() {
	c.conn.SetReadLimit(c.srv.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.pongTimeout))
	})

	for {
		var req request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.log.Debug("connection read ended", autoupdate.Fields{"user": c.user, "err": err})
			}
			return
		}
		c.handle(req)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case r := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
			if err := c.conn.WriteJSON(r); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// pushLoop serves live mode: every commit signal becomes at most one delta
// from the connection's synced id to the newest committed id.
func (c *client) pushLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		if !c.live.Load() {
			continue
		}
		to := c.pending.Load()
		from := c.lastChangeID.Load()
		if to <= from {
			continue
		}
		content, err := c.srv.delta(c.srv.ctx, c.user, from, to)
		if err != nil {
			c.srv.log.Error("live push failed", autoupdate.Fields{"user": c.user, "from": from, "to": to, "err": err})
			continue
		}
		c.enqueue(response{Type: typeAutoupdate, Content: content})
		c.advanceTo(to)
	}
}

func (c *client) handle(req request) {
	switch req.Type {
	case typeGetElements:
		var content getElementsContent
		if len(req.Content) > 0 {
			if err := json.Unmarshal(req.Content, &content); err != nil {
				c.enqueue(errorResponse(req.ID, "malformed getElements content"))
				return
			}
		}
		c.handleGetElements(req.ID, content.ChangeID)

	case typeAutoupdate:
		on, ok := parseLiveToggle(req.Content)
		if !ok {
			c.enqueue(errorResponse(req.ID, "autoupdate content must be \"on\", \"off\" or a boolean"))
			return
		}
		if on && c.lastChangeID.Load() == 0 {
			// Live from now on: the next delta starts at the current id.
			current, err := c.srv.cache.CurrentChangeID(c.srv.ctx)
			if err != nil {
				c.enqueue(errorResponse(req.ID, "internal error"))
				return
			}
			c.advanceTo(current)
		}
		c.live.Store(on)

	default:
		// No-op and unknown frames are answered, never silently dropped.
		c.enqueue(errorResponse(req.ID, "unsupported message type "+strconv.Quote(req.Type)))
	}
}

func (c *client) handleGetElements(reqID string, changeID int64) {
	ctx := c.srv.ctx
	current, err := c.srv.cache.CurrentChangeID(ctx)
	if err != nil {
		c.enqueue(errorResponse(reqID, "internal error"))
		return
	}

	content, err := c.srv.delta(ctx, c.user, changeID, current)
	switch {
	case errors.Is(err, autoupdate.ErrStaleChangeID):
		c.enqueue(errorResponse(reqID, "change_id too old, resync with change_id 0 required"))
		return
	case errors.Is(err, autoupdate.ErrFutureChangeID):
		c.enqueue(errorResponse(reqID, "change_id is in the future"))
		return
	case err != nil:
		c.srv.log.Error("getElements failed", autoupdate.Fields{"user": c.user, "change_id": changeID, "err": err})
		c.enqueue(errorResponse(reqID, "internal error"))
		return
	}

	c.enqueue(response{Type: typeAutoupdate, Content: content, InResponse: reqID})
	c.advanceTo(current)
}

// delta builds one autoupdate content for the user's restricted view,
// covering (from, to]. from == 0 produces the all-data framing.
func (s *Server) delta(ctx context.Context, user int, from, to int64) (*autoupdateContent, error) {
	changed, deleted, err := s.cache.DataSince(ctx, from, pr.Restricted(user), to)
	if err != nil {
		return nil, err
	}

	content := &autoupdateContent{
		Changed:      make(map[string][]any, len(changed)),
		Deleted:      make(map[string][]int),
		FromChangeID: from,
		ToChangeID:   to,
		AllData:      from == 0,
	}
	for collection, payloads := range changed {
		decoded := make([]any, 0, len(payloads))
		for _, b := range payloads {
			var v any
			if err := s.codec.Decode(b, &v); err != nil {
				return nil, err
			}
			decoded = append(decoded, v)
		}
		content.Changed[collection] = decoded
	}
	for _, key := range deleted {
		k, err := autoupdate.ParseKey(key)
		if err != nil {
			return nil, err
		}
		content.Deleted[k.Collection] = append(content.Deleted[k.Collection], k.ID)
	}
	return content, nil
}

func errorResponse(reqID, msg string) response {
	return response{Type: typeError, Content: msg, InResponse: reqID}
}
