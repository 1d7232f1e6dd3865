package mgo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"IMCore/logger"
	"IMCore/tools/errs"
)

type Config struct {
	URI      string
	Database string
	Username string
	Password string

	ConnectTimeout time.Duration
	MaxRetry       int
}

func (c *Config) norm() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 5
	}
}

// Connect 带退避重试地连 Mongo 并 ping 通才返回
func Connect(ctx context.Context, cfg Config) (*mongo.Database, error) {
	cfg.norm()

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	backoff := 200 * time.Millisecond
	var lastErr error
	for i := 0; i < cfg.MaxRetry; i++ {
		cctx, cancelFn := context.WithTimeout(ctx, cfg.ConnectTimeout)
		cli, err := mongo.Connect(cctx, opts)
		if err == nil {
			err = cli.Ping(cctx, readpref.Primary())
			if err == nil {
				cancelFn()
				logger.Infof("[mgo] connected uri=%s db=%s", cfg.URI, cfg.Database)
				return cli.Database(cfg.Database), nil
			}
			_ = cli.Disconnect(cctx)
		}
		cancelFn()
		lastErr = err
		logger.Warnf("[mgo] connect attempt %d failed: %v", i+1, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}
	}
	return nil, errs.WrapMsg(lastErr, "mongo connect failed", "uri", cfg.URI)
}
