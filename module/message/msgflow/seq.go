package msgflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SeqAllocator 会话内单调序号。唯一的串行化点，按 convID 天然分片，
// 不同会话互不竞争。
type SeqAllocator interface {
	Next(ctx context.Context, convID string) (int64, error)
	// ReconcileAndNext 发现计数器落后于库内 max(seq) 时矫正（只升不降）再取号
	ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error)
}

// ===== Redis 实现 =====

type RedisSeq struct {
	rdb        redis.UniversalClient
	db         DB
	seqPrefix  string
	lockPrefix string
	lockTTL    time.Duration
	spinWait   time.Duration
}

func NewRedisSeq(rdb redis.UniversalClient, db DB) *RedisSeq {
	return &RedisSeq{
		rdb:        rdb,
		db:         db,
		seqPrefix:  "im:seq",
		lockPrefix: "im:seq:init",
		lockTTL:    10 * time.Second,
		spinWait:   50 * time.Millisecond,
	}
}

func (a *RedisSeq) seqKey(convID string) string  { return fmt.Sprintf("%s:%s", a.seqPrefix, convID) }
func (a *RedisSeq) lockKey(convID string) string { return fmt.Sprintf("%s:%s", a.lockPrefix, convID) }

// Next：redis 未初始化（无/0）时读 DB max(seq) 初始化后 INCR
func (a *RedisSeq) Next(ctx context.Context, convID string) (int64, error) {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return a.rdb.Incr(ctx, key).Result()
	}
	if err := a.initIfNeeded(ctx, convID); err != nil {
		return 0, err
	}
	return a.rdb.Incr(ctx, key).Result()
}

func (a *RedisSeq) initIfNeeded(ctx context.Context, convID string) error {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	// 加锁防初始化风暴
	lock := a.lockKey(convID)
	token := uuid.NewString()
	ok, err := a.rdb.SetNX(ctx, lock, token, a.lockTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		timer := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
			return nil
		}
		return errors.New("seq init contention, retry")
	}
	defer func() { _ = unlock(ctx, a.rdb, lock, token) }()

	// 双检
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	maxSeq, err := a.db.QueryMaxSeq(ctx, convID)
	if err != nil {
		return err
	}
	return a.rdb.Set(ctx, key, maxSeq, 0).Err()
}

// 只升不降，矫正后 INCR 取新号
var reconcileAndNextLua = `
local k = KEYS[1]
local dbMax = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < dbMax) then
  redis.call('SET', k, dbMax)
end
return redis.call('INCR', k)
`

func (a *RedisSeq) ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error) {
	return a.rdb.Eval(ctx, reconcileAndNextLua, []string{a.seqKey(convID)}, dbMax).Int64()
}

var unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

func unlock(ctx context.Context, rdb redis.UniversalClient, key, token string) error {
	return rdb.Eval(ctx, unlockLua, []string{key}, token).Err()
}

// ===== 内存实现（单测） =====

type MemSeq struct {
	mu   sync.Mutex
	ctrs map[string]int64
}

func NewMemSeq() *MemSeq { return &MemSeq{ctrs: make(map[string]int64)} }

func (a *MemSeq) Next(ctx context.Context, convID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctrs[convID]++
	return a.ctrs[convID], nil
}

func (a *MemSeq) ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctrs[convID] < dbMax {
		a.ctrs[convID] = dbMax
	}
	a.ctrs[convID]++
	return a.ctrs[convID], nil
}
