package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<user>
// Value: gateway_id, TTL controls the online validity period.
// last_seen key survives the presence key so "offline since" is answerable.

type RedisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func presenceKey(user string) string { return "im:presence:" + user }
func lastSeenKey(user string) string { return "im:lastseen:" + user }

// Online sets the user as online and renews the TTL
func (p *RedisPresence) Online(ctx context.Context, user, gatewayID string, ttl time.Duration) error {
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, presenceKey(user), gatewayID, ttl)
	pipe.Set(ctx, lastSeenKey(user), time.Now().UnixMilli(), 30*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// Offline actively sets the user offline (deletes the key)
func (p *RedisPresence) Offline(ctx context.Context, user string) error {
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(user))
	pipe.Set(ctx, lastSeenKey(user), time.Now().UnixMilli(), 30*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup checks whether the user is online
func (p *RedisPresence) Lookup(ctx context.Context, user string) (string, bool, error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (p *RedisPresence) LastSeen(ctx context.Context, user string) (time.Time, error) {
	val, err := p.rdb.Get(ctx, lastSeenKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "bad last_seen value")
	}
	return time.UnixMilli(ms), nil
}
