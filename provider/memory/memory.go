// Package memory implements the provider contract with in-process maps.
//
// It is safe for concurrent use within one process and is the backend of
// choice for tests and single-instance deployments. All cross-call atomicity
// (notably RecordChange) is achieved with a single process-wide mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/OpenSlides/OpenSlides-sub003/internal/keys"
	pr "github.com/OpenSlides/OpenSlides-sub003/provider"
)

const defaultLockTTL = 10 * time.Second

type scopeData map[string][]byte

// Memory is a single-process provider backend.
type Memory struct {
	lockTTL time.Duration

	mu         sync.Mutex
	full       scopeData
	restricted map[int]scopeData
	changes    map[string]int64 // element key -> change id that last touched it
	lowest     int64            // 0 => unset
	current    int64            // 0 => unset
	locks      map[string]time.Time
}

var _ pr.Provider = (*Memory)(nil)

// Config tunes the in-memory backend.
type Config struct {
	// LockTTL bounds how long a named lock stays held when its owner never
	// releases it. 0 => 10s.
	LockTTL time.Duration
}

// New returns an empty in-memory backend.
func New(cfg Config) *Memory {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	m := &Memory{lockTTL: ttl}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.full = make(scopeData)
	m.restricted = make(map[int]scopeData)
	m.changes = make(map[string]int64)
	m.lowest = 0
	m.current = 0
	m.locks = make(map[string]time.Time)
}

func (m *Memory) scope(s pr.Scope) scopeData {
	if u, ok := s.User(); ok {
		return m.restricted[u]
	}
	return m.full
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.reset()
	m.mu.Unlock()
	return nil
}

func (m *Memory) ResetFull(_ context.Context, data map[string][]byte) error {
	m.mu.Lock()
	m.full = make(scopeData, len(data))
	for k, v := range data {
		m.full[k] = append([]byte(nil), v...)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(_ context.Context, scope pr.Scope) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.scope(scope) {
		if !keys.IsConfig(k) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) SetElements(_ context.Context, pairs []pr.KV) error {
	m.mu.Lock()
	for _, p := range pairs {
		m.full[p.Key] = append([]byte(nil), p.Value...)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteElements(_ context.Context, scope pr.Scope, ks ...string) error {
	m.mu.Lock()
	if d := m.scope(scope); d != nil {
		for _, k := range ks {
			delete(d, k)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordChange(_ context.Context, defaultChangeID int64, ks []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := defaultChangeID
	if m.current != 0 {
		next = m.current + 1
	}
	for _, k := range ks {
		m.changes[k] = next
	}
	m.current = next
	if m.lowest == 0 {
		m.lowest = next
	}
	return next, nil
}

func (m *Memory) GetAll(_ context.Context, scope pr.Scope) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.scope(scope)
	out := make(map[string][]byte, len(d))
	for k, v := range d {
		if keys.IsConfig(k) {
			continue
		}
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) GetSince(_ context.Context, changeID int64, scope pr.Scope, maxChangeID int64) (map[string][]byte, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.scope(scope)
	changed := make(map[string][]byte)
	var deleted []string
	for k, id := range m.changes {
		if id < changeID || (maxChangeID > 0 && id > maxChangeID) {
			continue
		}
		if v, ok := d[k]; ok {
			changed[k] = append([]byte(nil), v...)
		} else {
			deleted = append(deleted, k)
		}
	}
	sort.Strings(deleted)
	return changed, deleted, nil
}

func (m *Memory) GetOne(_ context.Context, key string, scope pr.Scope) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.scope(scope)[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) DeleteScope(_ context.Context, userID int) error {
	m.mu.Lock()
	delete(m.restricted, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpdateScope(_ context.Context, userID int, data map[string][]byte) error {
	m.mu.Lock()
	d := m.restricted[userID]
	if d == nil {
		d = make(scopeData, len(data))
		m.restricted[userID] = d
	}
	for k, v := range data {
		d[k] = append([]byte(nil), v...)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppliedChangeID(_ context.Context, userID int) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.restricted[userID][pr.ChangeIDKey]
	if !ok {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("memory: parse applied change id for user %d: %w", userID, err)
	}
	return id, true, nil
}

func (m *Memory) AcquireLock(_ context.Context, name string) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl, held := m.locks[name]; held && now.Before(dl) {
		return false, nil
	}
	m.locks[name] = now.Add(m.lockTTL)
	return true, nil
}

func (m *Memory) CheckLock(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, held := m.locks[name]
	return held && time.Now().Before(dl), nil
}

func (m *Memory) ReleaseLock(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.locks, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CurrentChangeID(context.Context) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != 0, nil
}

func (m *Memory) LowestChangeID(context.Context) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowest, m.lowest != 0, nil
}

func (m *Memory) Close(context.Context) error { return nil }
