package storage

import (
	"context"
	"fmt"
	"time"

	"IMCore/module/chat/model"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisReceipts 每 (message, recipient) 的投递状态。
// 状态值存 rank（0..3），Lua 保证只升不降。
type RedisReceipts struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisReceipts(rdb redis.UniversalClient) *RedisReceipts {
	return &RedisReceipts{rdb: rdb, ttl: 7 * 24 * time.Hour}
}

func receiptKey(sid, recipient string) string {
	return fmt.Sprintf("im:rcpt:%s:%s", sid, recipient)
}

// 仅当新 rank 更大时写入
const advanceLua = `
local k = KEYS[1]
local newRank = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])
local cur = redis.call('GET', k)
if cur and tonumber(cur) >= newRank then
  return 0
end
redis.call('SET', k, newRank, 'PX', ttl_ms)
return 1
`

func (r *RedisReceipts) Advance(ctx context.Context, serverMsgID, recipient string, st model.DeliveryState) (bool, error) {
	n, err := r.rdb.Eval(ctx, advanceLua, []string{receiptKey(serverMsgID, recipient)},
		st.Rank(), int64(r.ttl/time.Millisecond)).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisReceipts) Get(ctx context.Context, serverMsgID, recipient string) (model.DeliveryState, error) {
	v, err := r.rdb.Get(ctx, receiptKey(serverMsgID, recipient)).Int64()
	if errors.Is(err, redis.Nil) {
		return model.DeliveryQueued, nil
	}
	if err != nil {
		return model.DeliveryQueued, err
	}
	return model.DeliveryState(v), nil
}
