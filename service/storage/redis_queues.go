package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// —— Offline queue: one List per user ——

type RedisOffline struct {
	rdb    redis.UniversalClient
	maxLen int64
}

func NewRedisOffline(rdb redis.UniversalClient) *RedisOffline {
	return &RedisOffline{rdb: rdb, maxLen: 10_000}
}

func offlineKey(user string) string { return "im:offline:" + user }

// Enqueue LPUSH + LTRIM 滚动窗口，只保留最近 maxLen 条
func (q *RedisOffline) Enqueue(ctx context.Context, user string, item OfflineItem) error {
	if item.EnqueuedMS == 0 {
		item.EnqueuedMS = time.Now().UnixMilli()
	}
	b, _ := json.Marshal(item)
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, offlineKey(user), b)
	pipe.LTrim(ctx, offlineKey(user), 0, q.maxLen-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Drain 从尾部取 n 条保持 FIFO，取完即清
func (q *RedisOffline) Drain(ctx context.Context, user string, n int) ([]OfflineItem, error) {
	if n <= 0 {
		n = 100
	}
	llen, err := q.rdb.LLen(ctx, offlineKey(user)).Result()
	if err != nil {
		return nil, err
	}
	if llen == 0 {
		return nil, nil
	}
	if int64(n) > llen {
		n = int(llen)
	}

	start := llen - int64(n)
	vals, err := q.rdb.LRange(ctx, offlineKey(user), start, llen-1).Result()
	if err != nil {
		return nil, err
	}
	if err := q.rdb.LTrim(ctx, offlineKey(user), 0, start-1).Err(); err != nil {
		return nil, err
	}

	out := make([]OfflineItem, 0, len(vals))
	// LRange 返回的是队列逆序段，翻回先进先出
	for i := len(vals) - 1; i >= 0; i-- {
		var m OfflineItem
		_ = json.Unmarshal([]byte(vals[i]), &m)
		out = append(out, m)
	}
	return out, nil
}

func (q *RedisOffline) Len(ctx context.Context, user string) (int64, error) {
	return q.rdb.LLen(ctx, offlineKey(user)).Result()
}

// —— Inbox: 写扩散的每用户有界环 ——

type RedisInbox struct {
	rdb redis.UniversalClient
}

func NewRedisInbox(rdb redis.UniversalClient) *RedisInbox {
	return &RedisInbox{rdb: rdb}
}

func inboxKey(user string) string { return "im:inbox:" + user }

func (b *RedisInbox) Append(ctx context.Context, user string, item OfflineItem, cap int) error {
	if cap <= 0 {
		cap = 1000
	}
	raw, _ := json.Marshal(item)
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, inboxKey(user), raw)
	pipe.LTrim(ctx, inboxKey(user), 0, int64(cap-1))
	_, err := pipe.Exec(ctx)
	return err
}

// List 最近 n 条（新→旧）
func (b *RedisInbox) List(ctx context.Context, user string, n int) ([]OfflineItem, error) {
	if n <= 0 {
		n = 100
	}
	vals, err := b.rdb.LRange(ctx, inboxKey(user), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]OfflineItem, 0, len(vals))
	for _, v := range vals {
		var m OfflineItem
		_ = json.Unmarshal([]byte(v), &m)
		out = append(out, m)
	}
	return out, nil
}
