package natsx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Mode 工作模式
type Mode int

const (
	Core          Mode = iota // 无持久化
	JetStreamPush             // JS 推送订阅
)

// 事件主题（biz 维度注册）
const (
	BizMessageCommitted = "message.committed" // 路由提交成功 → 扇出
	BizDeliver          = "deliver"           // 跨网关投递转交（订阅本实例的 subject）
	BizPresenceChanged  = "presence.changed"  // 在线状态翻转广播
	BizReadSync         = "read.sync"         // 已读位点多端同步
)

// Route 路由配置
type Route struct {
	Biz           string
	Subject       string
	Mode          Mode
	Queue         string // 队列组
	Durable       string // JS durable 名
	AckWait       time.Duration
	MaxAckPending int
}

// Config 客户端配置
type Config struct {
	Servers         []string
	Name            string
	User            string
	Password        string
	ReconnectWait   time.Duration
	Timeout         time.Duration
	PublishAsyncMax int
}

// Client 统一客户端：按 biz 注册路由，生产消费都走注册表
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu     sync.RWMutex
	routes map[string]Route
	subs   map[string]*nats.Subscription
}

func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		nc:     nc,
		routes: make(map[string]Route),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close 优雅关闭：先 drain 订阅再 drain 连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func (c *Client) ensureJS() error {
	if c.js != nil {
		return nil
	}
	js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
	if err != nil {
		return err
	}
	c.js = js
	return nil
}

// RegisterRoute 注册 biz 路由
func (c *Client) RegisterRoute(r Route) error {
	if r.Biz == "" || r.Subject == "" {
		return errors.New("invalid route")
	}
	if r.Mode == JetStreamPush {
		if err := c.ensureJS(); err != nil {
			return fmt.Errorf("init jetstream: %w", err)
		}
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

func (c *Client) route(biz string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}

// PublishSubject 直发指定 subject（Core），投递转交这类按实例寻址的场景用
func (c *Client) PublishSubject(subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Publish 按 biz 路由发送
func (c *Client) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	r, ok := c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	msg := nats.NewMsg(r.Subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	switch r.Mode {
	case Core:
		if err := c.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	case JetStreamPush:
		if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported mode")
	}
}
