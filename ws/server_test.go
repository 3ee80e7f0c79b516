package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	autoupdate "github.com/OpenSlides/OpenSlides-sub003"
	"github.com/OpenSlides/OpenSlides-sub003/provider/memory"
)

// feedCollection is an in-test system of record with no restriction rule.
type feedCollection struct {
	name string

	mu       sync.Mutex
	elements map[int]any
}

func (fc *feedCollection) Collection() string { return fc.name }

func (fc *feedCollection) AllElements(context.Context) (map[int]any, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make(map[int]any, len(fc.elements))
	for id, e := range fc.elements {
		out[id] = e
	}
	return out, nil
}

func (fc *feedCollection) Element(_ context.Context, id int) (any, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	e, ok := fc.elements[id]
	if !ok {
		return nil, fmt.Errorf("%s:%d: %w", fc.name, id, autoupdate.ErrNotFound)
	}
	return e, nil
}

func (fc *feedCollection) Restrict(_ context.Context, _ int, elements map[int]any) (map[int]any, error) {
	return elements, nil
}

func newTestServer(t *testing.T, defaultChangeID int64) (autoupdate.Cache, *httptest.Server) {
	t.Helper()
	fc := &feedCollection{name: "app/c1", elements: make(map[int]any)}
	hub := NewHub()
	cache, err := autoupdate.New(autoupdate.Options{
		Provider:        memory.New(memory.Config{}),
		Cachables:       []autoupdate.Cachable{fc},
		Hooks:           hub,
		DefaultChangeID: defaultChangeID,
	})
	if err != nil {
		t.Fatalf("New cache: %v", err)
	}
	srv, err := NewServer(Config{Cache: cache, Hub: hub})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		_ = cache.Close(context.Background())
	})
	return cache, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// wireResponse mirrors the outbound frame with the content left raw so each
// test can decode it as the type it expects.
type wireResponse struct {
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content"`
	InResponse string          `json:"in_response"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireResponse {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var r wireResponse
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return r
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func decodeContent(t *testing.T, raw json.RawMessage) autoupdateContent {
	t.Helper()
	var c autoupdateContent
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatalf("decode autoupdate content %s: %v", raw, err)
	}
	return c
}

func commitOne(t *testing.T, cache autoupdate.Cache, id int, v string) int64 {
	t.Helper()
	changeID, err := cache.ChangeElements(context.Background(), map[autoupdate.Key]any{
		{Collection: "app/c1", ID: id}: map[string]any{"id": id, "v": v},
	})
	if err != nil {
		t.Fatalf("ChangeElements: %v", err)
	}
	return changeID
}

func TestGetElementsAllData(t *testing.T) {
	cache, ts := newTestServer(t, 0)
	commitOne(t, cache, 1, "a")
	commitOne(t, cache, 2, "b")

	conn := dial(t, ts)
	sendFrame(t, conn, `{"type":"getElements","content":{"change_id":0},"id":"req-1"}`)

	r := readFrame(t, conn)
	if r.Type != typeAutoupdate || r.InResponse != "req-1" {
		t.Fatalf("frame = %+v, want autoupdate answering req-1", r)
	}
	c := decodeContent(t, r.Content)
	if !c.AllData {
		t.Fatalf("change_id 0 reply not marked all_data: %+v", c)
	}
	if c.FromChangeID != 0 || c.ToChangeID != 2 {
		t.Fatalf("reply covers (%d, %d], want (0, 2]", c.FromChangeID, c.ToChangeID)
	}
	if len(c.Changed["app/c1"]) != 2 || len(c.Deleted) != 0 {
		t.Fatalf("reply content = %+v, want both elements and no deletions", c)
	}
}

func TestGetElementsDelta(t *testing.T) {
	cache, ts := newTestServer(t, 0)
	commitOne(t, cache, 1, "a")
	commitOne(t, cache, 2, "b")
	if _, err := cache.ChangeElements(context.Background(), map[autoupdate.Key]any{
		{Collection: "app/c1", ID: 1}: nil,
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	conn := dial(t, ts)
	sendFrame(t, conn, `{"type":"getElements","content":{"change_id":1},"id":"req-2"}`)

	r := readFrame(t, conn)
	if r.Type != typeAutoupdate || r.InResponse != "req-2" {
		t.Fatalf("frame = %+v, want autoupdate answering req-2", r)
	}
	c := decodeContent(t, r.Content)
	if c.AllData {
		t.Fatalf("delta reply marked all_data: %+v", c)
	}
	if len(c.Changed["app/c1"]) != 1 {
		t.Fatalf("delta changed = %+v, want only element 2", c.Changed)
	}
	if got := c.Deleted["app/c1"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("delta deleted = %+v, want app/c1 [1]", c.Deleted)
	}
}

func TestGetElementsErrorFrames(t *testing.T) {
	cache, ts := newTestServer(t, 10)
	commitOne(t, cache, 1, "a")

	conn := dial(t, ts)

	// Below the retention floor.
	sendFrame(t, conn, `{"type":"getElements","content":{"change_id":5},"id":"stale"}`)
	r := readFrame(t, conn)
	if r.Type != typeError || r.InResponse != "stale" {
		t.Fatalf("frame = %+v, want error answering stale", r)
	}
	var msg string
	if err := json.Unmarshal(r.Content, &msg); err != nil || !strings.Contains(msg, "change_id 0") {
		t.Fatalf("stale error content = %s, want a resync hint", r.Content)
	}

	// Ahead of the newest commit.
	sendFrame(t, conn, `{"type":"getElements","content":{"change_id":99},"id":"future"}`)
	r = readFrame(t, conn)
	if r.Type != typeError || r.InResponse != "future" {
		t.Fatalf("frame = %+v, want error answering future", r)
	}
}

func TestUnsupportedMessageType(t *testing.T) {
	_, ts := newTestServer(t, 0)
	conn := dial(t, ts)

	sendFrame(t, conn, `{"type":"bogus","content":null,"id":"x"}`)
	r := readFrame(t, conn)
	if r.Type != typeError || r.InResponse != "x" {
		t.Fatalf("frame = %+v, want error answering x", r)
	}
}

func TestLivePush(t *testing.T) {
	cache, ts := newTestServer(t, 0)
	commitOne(t, cache, 1, "a")

	conn := dial(t, ts)

	// Toggle live, then sync. Requests are handled in order, so the reply to
	// getElements proves the toggle was processed.
	sendFrame(t, conn, `{"type":"autoupdate","content":"on","id":"t1"}`)
	sendFrame(t, conn, `{"type":"getElements","content":{"change_id":0},"id":"g1"}`)
	r := readFrame(t, conn)
	if r.Type != typeAutoupdate || r.InResponse != "g1" {
		t.Fatalf("sync frame = %+v", r)
	}

	changeID := commitOne(t, cache, 2, "b")

	push := readFrame(t, conn)
	if push.Type != typeAutoupdate || push.InResponse != "" {
		t.Fatalf("push frame = %+v, want an unsolicited autoupdate", push)
	}
	c := decodeContent(t, push.Content)
	if c.AllData {
		t.Fatalf("push marked all_data: %+v", c)
	}
	if c.FromChangeID != 1 || c.ToChangeID != changeID {
		t.Fatalf("push covers (%d, %d], want (1, %d]", c.FromChangeID, c.ToChangeID, changeID)
	}
	if len(c.Changed["app/c1"]) != 1 {
		t.Fatalf("push changed = %+v, want only the new element", c.Changed)
	}

	// Toggled off, commits stay silent. The g2 reply proves the toggle was
	// processed before the commit below.
	sendFrame(t, conn, `{"type":"autoupdate","content":"off","id":"t2"}`)
	sendFrame(t, conn, `{"type":"getElements","content":{"change_id":2},"id":"g2"}`)
	r = readFrame(t, conn)
	if r.Type != typeAutoupdate || r.InResponse != "g2" {
		t.Fatalf("frame after toggle off = %+v, want the g2 reply", r)
	}
	commitOne(t, cache, 3, "c")

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray wireResponse
	if err := conn.ReadJSON(&stray); err == nil {
		t.Fatalf("received %+v after toggling live off, want silence", stray)
	}
}

func TestAuthRejectsConnection(t *testing.T) {
	fc := &feedCollection{name: "app/c1", elements: make(map[int]any)}
	hub := NewHub()
	cache, err := autoupdate.New(autoupdate.Options{
		Provider:  memory.New(memory.Config{}),
		Cachables: []autoupdate.Cachable{fc},
		Hooks:     hub,
	})
	if err != nil {
		t.Fatalf("New cache: %v", err)
	}
	srv, err := NewServer(Config{
		Cache: cache,
		Hub:   hub,
		Auth: func(*http.Request) (int, error) {
			return 0, fmt.Errorf("no ticket")
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		_ = cache.Close(context.Background())
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial succeeded despite auth rejection")
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", resp)
	}
}

// A pull reply that finishes after a live push already advanced the cursor
// must not move it backwards and cause an already-pushed delta to repeat.
func TestCursorNeverRegresses(t *testing.T) {
	c := &client{}

	c.advanceTo(5)
	c.advanceTo(3)
	if got := c.lastChangeID.Load(); got != 5 {
		t.Fatalf("cursor regressed to %d, want 5", got)
	}
	c.advanceTo(7)
	if got := c.lastChangeID.Load(); got != 7 {
		t.Fatalf("cursor = %d, want 7", got)
	}

	// The pending commit id follows the same rule.
	c.signal(4)
	c.signal(2)
	if got := c.pending.Load(); got != 4 {
		t.Fatalf("pending = %d, want 4", got)
	}
}

func TestParseLiveToggle(t *testing.T) {
	for _, tt := range []struct {
		raw string
		on  bool
		ok  bool
	}{
		{`true`, true, true},
		{`false`, false, true},
		{`"on"`, true, true},
		{`"off"`, false, true},
		{`"maybe"`, false, false},
		{`42`, false, false},
	} {
		on, ok := parseLiveToggle(json.RawMessage(tt.raw))
		if on != tt.on || ok != tt.ok {
			t.Errorf("parseLiveToggle(%s) = %v %v, want %v %v", tt.raw, on, ok, tt.on, tt.ok)
		}
	}
}
