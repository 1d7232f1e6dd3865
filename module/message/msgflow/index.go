package msgflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenEntry 幂等索引里的一条记录
type TokenEntry struct {
	ServerMsgID string
	PayloadHash string
	Status      string // PENDING / COMMITTED
}

const (
	StatusPending   = "PENDING"
	StatusCommitted = "COMMITTED"
)

// TokenIndex 管理 (sender, idempotency token) -> server_msg_id 的去重窗口。
// 窗口有界（TTL），窗口过后重放退化为 DB 唯一索引兜底。
type TokenIndex interface {
	// Ensure 原子占位：不存在则以 PENDING 写入 proposedSID 并返回 existed=false；
	// 已存在返回旧记录 existed=true
	Ensure(ctx context.Context, sender, token, payloadHash, proposedSID string) (TokenEntry, bool, error)
	MarkCommitted(ctx context.Context, sender, token, sid, payloadHash string) error
	UpdateSIDIfPending(ctx context.Context, sender, token, payloadHash, newSID string) error
	// RollbackShortTTL 落库失败后把占位缩到短TTL，让调用方尽快可重试
	RollbackShortTTL(ctx context.Context, sender, token string) error
}

func HashPayload(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ===== Redis 实现 =====

type RedisTokenIndex struct {
	rdb      redis.UniversalClient
	prefix   string
	ttl      time.Duration
	shortTTL time.Duration
}

func NewRedisTokenIndex(rdb redis.UniversalClient, ttl time.Duration) *RedisTokenIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTokenIndex{rdb: rdb, prefix: "im:tok", ttl: ttl, shortTTL: 30 * time.Second}
}

// key 规范：im:tok:{sender}:{token}；值为 sid|hash|status
func (m *RedisTokenIndex) key(sender, token string) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, sender, token)
}

func encodeEntry(e TokenEntry) string {
	return e.ServerMsgID + "|" + e.PayloadHash + "|" + e.Status
}

func decodeEntry(v string) TokenEntry {
	parts := strings.SplitN(v, "|", 3)
	e := TokenEntry{}
	if len(parts) == 3 {
		e.ServerMsgID, e.PayloadHash, e.Status = parts[0], parts[1], parts[2]
	}
	return e
}

// Lua：SETNX + PEXPIRE 原子占位；命中返回旧值
const ensureLua = `
local k = KEYS[1]
local v = ARGV[1]
local ttl_ms = tonumber(ARGV[2])
local ok = redis.call('SETNX', k, v)
if ok == 1 then
  redis.call('PEXPIRE', k, ttl_ms)
  return {0, v}
else
  local old = redis.call('GET', k)
  return {1, old}
end
`

func (m *RedisTokenIndex) Ensure(ctx context.Context, sender, token, payloadHash, proposedSID string) (TokenEntry, bool, error) {
	fresh := TokenEntry{ServerMsgID: proposedSID, PayloadHash: payloadHash, Status: StatusPending}
	res, err := m.rdb.Eval(ctx, ensureLua, []string{m.key(sender, token)},
		encodeEntry(fresh), int64(m.ttl/time.Millisecond)).Result()
	if err != nil {
		return TokenEntry{}, false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return TokenEntry{}, false, fmt.Errorf("unexpected lua result: %#v", res)
	}
	flag, _ := arr[0].(int64)
	val, _ := arr[1].(string)
	if flag == 1 {
		return decodeEntry(val), true, nil
	}
	return fresh, false, nil
}

func (m *RedisTokenIndex) MarkCommitted(ctx context.Context, sender, token, sid, payloadHash string) error {
	e := TokenEntry{ServerMsgID: sid, PayloadHash: payloadHash, Status: StatusCommitted}
	return m.rdb.Set(ctx, m.key(sender, token), encodeEntry(e), m.ttl).Err()
}

// Lua：仅当仍是 PENDING 且内容哈希一致时换 sid
const updateSIDLua = `
local k = KEYS[1]
local old = redis.call('GET', k)
if not old then return 0 end
local sid, hash, st = string.match(old, "([^|]*)|([^|]*)|([^|]*)")
if st ~= 'PENDING' or hash ~= ARGV[2] then return 0 end
redis.call('SET', k, ARGV[1] .. '|' .. hash .. '|PENDING', 'KEEPTTL')
return 1
`

func (m *RedisTokenIndex) UpdateSIDIfPending(ctx context.Context, sender, token, payloadHash, newSID string) error {
	n, err := m.rdb.Eval(ctx, updateSIDLua, []string{m.key(sender, token)}, newSID, payloadHash).Int64()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("token entry not pending")
	}
	return nil
}

func (m *RedisTokenIndex) RollbackShortTTL(ctx context.Context, sender, token string) error {
	return m.rdb.PExpire(ctx, m.key(sender, token), m.shortTTL).Err()
}

// ===== 内存实现（单测） =====

type memTokenEntry struct {
	TokenEntry
	expireAt time.Time
}

type MemTokenIndex struct {
	mu  sync.Mutex
	m   map[string]*memTokenEntry
	ttl time.Duration
}

func NewMemTokenIndex(ttl time.Duration) *MemTokenIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemTokenIndex{m: make(map[string]*memTokenEntry), ttl: ttl}
}

func memKey(sender, token string) string { return sender + "|" + token }

func (m *MemTokenIndex) Ensure(ctx context.Context, sender, token, payloadHash, proposedSID string) (TokenEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(sender, token)
	if old, ok := m.m[k]; ok && time.Now().Before(old.expireAt) {
		return old.TokenEntry, true, nil
	}
	e := TokenEntry{ServerMsgID: proposedSID, PayloadHash: payloadHash, Status: StatusPending}
	m.m[k] = &memTokenEntry{TokenEntry: e, expireAt: time.Now().Add(m.ttl)}
	return e, false, nil
}

func (m *MemTokenIndex) MarkCommitted(ctx context.Context, sender, token, sid, payloadHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[memKey(sender, token)] = &memTokenEntry{
		TokenEntry: TokenEntry{ServerMsgID: sid, PayloadHash: payloadHash, Status: StatusCommitted},
		expireAt:   time.Now().Add(m.ttl),
	}
	return nil
}

func (m *MemTokenIndex) UpdateSIDIfPending(ctx context.Context, sender, token, payloadHash, newSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.m[memKey(sender, token)]
	if !ok || old.Status != StatusPending || old.PayloadHash != payloadHash {
		return fmt.Errorf("token entry not pending")
	}
	old.ServerMsgID = newSID
	return nil
}

func (m *MemTokenIndex) RollbackShortTTL(ctx context.Context, sender, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.m[memKey(sender, token)]; ok {
		old.expireAt = time.Now().Add(30 * time.Second)
	}
	return nil
}
