package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdemStore 消费侧幂等判定
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程） -----
type memIdem struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expireUnix
	ttl time.Duration
}

func NewMemIdem(defaultTTL time.Duration) IdemStore {
	mi := &memIdem{m: make(map[string]int64), ttl: defaultTTL}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for range t.C {
			now := time.Now().Unix()
			mi.mu.Lock()
			for k, exp := range mi.m {
				if exp <= now {
					delete(mi.m, k)
				}
			}
			mi.mu.Unlock()
		}
	}()
	return mi
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	exp := time.Now().Add(ttl).Unix()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if old, ok := mi.m[key]; ok && old > time.Now().Unix() {
		return true, nil
	}
	mi.m[key] = exp
	return false, nil
}

// ----- Redis 实现（多实例消费组共用） -----
type redisIdem struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdem(rdb *redis.Client, defaultTTL time.Duration) IdemStore {
	return &redisIdem{rdb: rdb, ttl: defaultTTL}
}

func (ri *redisIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = ri.ttl
	}
	ok, err := ri.rdb.SetNX(context.Background(), "im:natsidem:"+key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil // SetNX 失败说明见过
}

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{"Nats-Msg-Id", "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// IdemMiddleware 幂等中间件：同一 msgID 在 TTL 内只处理一次。
// 用法：NewConsumer(client, IdemMiddleware(store, ttl))
func IdemMiddleware(store IdemStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, _ := store.SeenOnce(id, ttl)
			if seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
