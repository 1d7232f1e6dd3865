package global

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig 汇总消息投递子系统的全部可调参数。
// 阈值/超时这类“示例值”一律走配置，不写死在代码里。
type AppConfig struct {
	NodeID int64 `yaml:"node_id"` // 雪花节点号

	Gateway struct {
		Addr              string        `yaml:"addr"`               // 监听地址，如 :8090
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 客户端心跳周期
		GracePeriod       time.Duration `yaml:"grace_period"`       // 掉线到 presence 翻转的宽限期
		UnauthTTL         time.Duration `yaml:"unauth_ttl"`         // 未认证连接的存活期
		MaxPerUser        int           `yaml:"max_per_user"`       // 单用户最大设备连接数
		SendQueueSize     int           `yaml:"send_queue_size"`    // 每连接发送队列长度
		AllowedOrigins    []string      `yaml:"allowed_origins"`    // 空 = 不校验 Origin
	} `yaml:"gateway"`

	Router struct {
		SubmitTimeout  time.Duration `yaml:"submit_timeout"`   // 落盘等待上限
		DedupTTL       time.Duration `yaml:"dedup_ttl"`        // idempotency 索引保留期
		RatePerSecond  int           `yaml:"rate_per_second"`  // 单发送者限流
		RateBurst      int           `yaml:"rate_burst"`       //
		MaxGroupMember int           `yaml:"max_group_member"` // 群成员上限
	} `yaml:"router"`

	Fanout struct {
		PushThreshold int `yaml:"push_threshold"` // 成员数 >= T 走读扩散
		Workers       int `yaml:"workers"`
		QueueSize     int `yaml:"queue_size"`
		InboxCap      int `yaml:"inbox_cap"` // 每用户收件箱保留的消息 id 数
	} `yaml:"fanout"`

	Delivery struct {
		AckTimeout  time.Duration `yaml:"ack_timeout"`  // 等 delivered 回执的时限
		BackoffBase time.Duration `yaml:"backoff_base"` // 首次重试间隔
		BackoffCap  time.Duration `yaml:"backoff_cap"`
		MaxAttempts int           `yaml:"max_attempts"` // 用尽后转离线队列
	} `yaml:"delivery"`

	Presence struct {
		TTL    time.Duration `yaml:"ttl"` // ≈ 3x 心跳周期
		Away   time.Duration `yaml:"away"`
		Typing time.Duration `yaml:"typing_expiry"` // typing 无 stop 时的自动过期
	} `yaml:"presence"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mongo"`

	Nats struct {
		Servers []string `yaml:"servers"`
		Name    string   `yaml:"name"`
	} `yaml:"nats"`

	Kafka struct {
		Brokers    []string `yaml:"brokers"`
		IndexTopic string   `yaml:"index_topic"` // message_indexed 通知
	} `yaml:"kafka"`

	JWTSecret string `yaml:"jwt_secret"`
}

var conf *AppConfig

// Default 返回带缺省值的配置（文件里没写的字段用它兜底）
func Default() *AppConfig {
	c := &AppConfig{}
	c.NodeID = 1
	c.Gateway.Addr = ":8090"
	c.Gateway.HeartbeatInterval = 30 * time.Second
	c.Gateway.GracePeriod = 90 * time.Second
	c.Gateway.UnauthTTL = 60 * time.Second
	c.Gateway.MaxPerUser = 5
	c.Gateway.SendQueueSize = 256
	c.Router.SubmitTimeout = 5 * time.Second
	c.Router.DedupTTL = 24 * time.Hour
	c.Router.RatePerSecond = 20
	c.Router.RateBurst = 40
	c.Router.MaxGroupMember = 500
	c.Fanout.PushThreshold = 50
	c.Fanout.Workers = 8
	c.Fanout.QueueSize = 4096
	c.Fanout.InboxCap = 1000
	c.Delivery.AckTimeout = 5 * time.Second
	c.Delivery.BackoffBase = time.Second
	c.Delivery.BackoffCap = 30 * time.Second
	c.Delivery.MaxAttempts = 5
	c.Presence.TTL = 90 * time.Second
	c.Presence.Away = 5 * time.Minute
	c.Presence.Typing = 5 * time.Second
	c.Redis.Addr = "127.0.0.1:6379"
	c.Mongo.URI = "mongodb://localhost:27017"
	c.Mongo.Database = "imcore"
	c.Nats.Servers = []string{"nats://127.0.0.1:4222"}
	c.Nats.Name = "imcore"
	c.Kafka.IndexTopic = "im-message-indexed"
	return c
}

// Load 从 YAML 文件加载；path 为空只用缺省值。
func Load(path string) (*AppConfig, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, err
		}
	}
	conf = c
	return c, nil
}

// Conf 取全局配置；未 Load 时返回缺省值
func Conf() *AppConfig {
	if conf == nil {
		conf = Default()
	}
	return conf
}
