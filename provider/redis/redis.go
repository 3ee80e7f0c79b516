// Package redis implements the provider contract on a shared Redis server.
//
// Key layout:
//
//	full_data                 hash: "<collection>:<id>" -> payload
//	restricted_data:<uid>     hash: same shape, plus "_config:change_id"
//	change_id                 zset: element key scored by the change id that
//	                          last touched it, plus "_config:lowest_change_id"
//	                          pinned to the first id ever issued
//	lock_<name>               string with TTL, set-if-absent
//
// RecordChange runs as a single server-side Lua script so that concurrent
// writers from any process always observe a consistent maximum and never
// share a change id.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/OpenSlides/OpenSlides-sub003/internal/keys"
	pr "github.com/OpenSlides/OpenSlides-sub003/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const (
	fullDataKey      = "full_data"
	restrictedPrefix = "restricted_data:"
	changeIDKey      = "change_id"
	lockPrefix       = "lock_"
	defaultLockTTL   = 10 * time.Second
	scanBatch        = 1000
)

// recordChangeScript determines the next change id from the current zset
// maximum (falling back to ARGV[1] on an empty index), stamps every key with
// it and pins the retention floor once.
var recordChangeScript = goredis.NewScript(`
local tmp = redis.call('zrevrangebyscore', KEYS[1], '+inf', '-inf', 'WITHSCORES', 'LIMIT', 0, 1)
local change_id
if next(tmp) == nil then
    change_id = ARGV[1]
else
    change_id = tmp[2] + 1
end
for i = 2, #ARGV do
    redis.call('zadd', KEYS[1], change_id, ARGV[i])
end
redis.call('zadd', KEYS[1], 'NX', change_id, '_config:lowest_change_id')
return change_id
`)

// Redis is a shared, durable provider backend. Safe across processes.
type Redis struct {
	rdb         goredis.UniversalClient
	lockTTL     time.Duration
	closeClient bool
}

var _ pr.Provider = (*Redis)(nil)

// Config wires an existing go-redis client into the backend.
type Config struct {
	Client goredis.UniversalClient
	// LockTTL bounds how long a named lock survives a crashed holder.
	// 0 => 10s.
	LockTTL time.Duration
	// CloseClient releases the client on Close. Set only when this backend
	// exclusively owns the client.
	CloseClient bool
}

// New returns a Redis-backed provider.
func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Redis{rdb: cfg.Client, lockTTL: ttl, closeClient: cfg.CloseClient}, nil
}

func scopeKey(s pr.Scope) string {
	if u, ok := s.User(); ok {
		return restrictedPrefix + strconv.Itoa(u)
	}
	return fullDataKey
}

func (p *Redis) Clear(ctx context.Context) error {
	del := []string{fullDataKey, changeIDKey}
	for _, pattern := range []string{restrictedPrefix + "*", lockPrefix + "*"} {
		iter := p.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
		for iter.Next(ctx) {
			del = append(del, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis provider: scan %q: %w", pattern, err)
		}
	}
	return p.rdb.Del(ctx, del...).Err()
}

func (p *Redis) ResetFull(ctx context.Context, data map[string][]byte) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, fullDataKey)
		if len(data) > 0 {
			pipe.HSet(ctx, fullDataKey, flatten(data)...)
		}
		return nil
	})
	return err
}

func (p *Redis) Exists(ctx context.Context, scope pr.Scope) (bool, error) {
	n, err := p.rdb.HLen(ctx, scopeKey(scope)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if scope.IsFull() || n > 1 {
		return true, nil
	}
	// A restricted set holding only its change-id marker counts as empty.
	marker, err := p.rdb.HExists(ctx, scopeKey(scope), pr.ChangeIDKey).Result()
	if err != nil {
		return false, err
	}
	return !marker, nil
}

func (p *Redis) SetElements(ctx context.Context, pairs []pr.KV) error {
	if len(pairs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(pairs)*2)
	for _, kv := range pairs {
		args = append(args, kv.Key, kv.Value)
	}
	return p.rdb.HSet(ctx, fullDataKey, args...).Err()
}

func (p *Redis) DeleteElements(ctx context.Context, scope pr.Scope, ks ...string) error {
	if len(ks) == 0 {
		return nil
	}
	return p.rdb.HDel(ctx, scopeKey(scope), ks...).Err()
}

func (p *Redis) RecordChange(ctx context.Context, defaultChangeID int64, ks []string) (int64, error) {
	args := make([]interface{}, 0, len(ks)+1)
	args = append(args, defaultChangeID)
	for _, k := range ks {
		args = append(args, k)
	}
	id, err := recordChangeScript.Run(ctx, p.rdb, []string{changeIDKey}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis provider: record change: %w", err)
	}
	return id, nil
}

func (p *Redis) GetAll(ctx context.Context, scope pr.Scope) (map[string][]byte, error) {
	raw, err := p.rdb.HGetAll(ctx, scopeKey(scope)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		if keys.IsConfig(k) {
			continue
		}
		out[k] = []byte(v)
	}
	return out, nil
}

func (p *Redis) GetSince(ctx context.Context, changeID int64, scope pr.Scope, maxChangeID int64) (map[string][]byte, []string, error) {
	max := "+inf"
	if maxChangeID > 0 {
		max = strconv.FormatInt(maxChangeID, 10)
	}
	members, err := p.rdb.ZRangeByScore(ctx, changeIDKey, &goredis.ZRangeBy{
		Min: strconv.FormatInt(changeID, 10),
		Max: max,
	}).Result()
	if err != nil {
		return nil, nil, err
	}

	elementKeys := members[:0]
	for _, m := range members {
		if !keys.IsConfig(m) {
			elementKeys = append(elementKeys, m)
		}
	}
	changed := make(map[string][]byte, len(elementKeys))
	if len(elementKeys) == 0 {
		return changed, nil, nil
	}

	vals, err := p.rdb.HMGet(ctx, scopeKey(scope), elementKeys...).Result()
	if err != nil {
		return nil, nil, err
	}
	var deleted []string
	for i, v := range vals {
		switch vv := v.(type) {
		case nil:
			deleted = append(deleted, elementKeys[i])
		case string:
			changed[elementKeys[i]] = []byte(vv)
		case []byte:
			changed[elementKeys[i]] = vv
		default:
			return nil, nil, fmt.Errorf("redis provider: unexpected value type %T at %s", v, elementKeys[i])
		}
	}
	return changed, deleted, nil
}

func (p *Redis) GetOne(ctx context.Context, key string, scope pr.Scope) ([]byte, bool, error) {
	b, err := p.rdb.HGet(ctx, scopeKey(scope), key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Redis) DeleteScope(ctx context.Context, userID int) error {
	return p.rdb.Del(ctx, restrictedPrefix+strconv.Itoa(userID)).Err()
}

func (p *Redis) UpdateScope(ctx context.Context, userID int, data map[string][]byte) error {
	if len(data) == 0 {
		return nil
	}
	return p.rdb.HSet(ctx, restrictedPrefix+strconv.Itoa(userID), flatten(data)...).Err()
}

func (p *Redis) AppliedChangeID(ctx context.Context, userID int) (int64, bool, error) {
	res, err := p.rdb.HGet(ctx, restrictedPrefix+strconv.Itoa(userID), pr.ChangeIDKey).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis provider: parse applied change id for user %d: %w", userID, err)
	}
	return id, true, nil
}

func (p *Redis) AcquireLock(ctx context.Context, name string) (bool, error) {
	return p.rdb.SetNX(ctx, lockPrefix+name, 1, p.lockTTL).Result()
}

func (p *Redis) CheckLock(ctx context.Context, name string) (bool, error) {
	n, err := p.rdb.Exists(ctx, lockPrefix+name).Result()
	return n > 0, err
}

func (p *Redis) ReleaseLock(ctx context.Context, name string) error {
	return p.rdb.Del(ctx, lockPrefix+name).Err()
}

func (p *Redis) CurrentChangeID(ctx context.Context) (int64, bool, error) {
	res, err := p.rdb.ZRevRangeByScoreWithScores(ctx, changeIDKey, &goredis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: 1,
	}).Result()
	if err != nil {
		return 0, false, err
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	return int64(res[0].Score), true, nil
}

func (p *Redis) LowestChangeID(ctx context.Context) (int64, bool, error) {
	score, err := p.rdb.ZScore(ctx, changeIDKey, pr.LowestChangeIDKey).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int64(score), true, nil
}

// Close releases the underlying redis client only when this backend owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func flatten(data map[string][]byte) []interface{} {
	args := make([]interface{}, 0, len(data)*2)
	for k, v := range data {
		args = append(args, k, v)
	}
	return args
}
