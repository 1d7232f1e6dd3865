package indexfeed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Shopify/sarama"

	"IMCore/logger"
	"IMCore/module/message/msgflow"
	"IMCore/tools/safe"
)

// Config Kafka 生产端配置
type Config struct {
	Brokers     []string
	Topic       string
	Compression string // none/snappy/lz4/zstd
	Retries     int
	Version     sarama.KafkaVersion
}

func buildConfig(c Config) *sarama.Config {
	cfg := sarama.NewConfig()
	if c.Version == (sarama.KafkaVersion{}) {
		cfg.Version = sarama.V2_8_0_0
	} else {
		cfg.Version = c.Version
	}
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	if c.Retries <= 0 {
		c.Retries = 1
	}
	cfg.Producer.Retry.Max = c.Retries
	// Key 控制分区：同一会话落同一分区，下游按会话保序
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// indexedEvent 下游搜索/审计消费的落盘通知
type indexedEvent struct {
	ConvID      string `json:"conversation_id"`
	ServerMsgID string `json:"server_msg_id"`
	SenderID    string `json:"sender_id"`
	Seq         int64  `json:"seq"`
	SendTimeMS  int64  `json:"send_time"`
	ContentType int32  `json:"content_type"`
}

// Feed 落盘通知的异步生产者。fire-and-forget：失败只记日志，
// 不回压消息提交路径。实现 msgflow.IndexNotifier。
type Feed struct {
	topic string
	prod  sarama.AsyncProducer
}

func NewFeed(c Config) (*Feed, error) {
	if c.Topic == "" {
		c.Topic = "im.message.indexed"
	}
	prod, err := sarama.NewAsyncProducer(c.Brokers, buildConfig(c))
	if err != nil {
		return nil, err
	}
	f := &Feed{topic: c.Topic, prod: prod}
	safe.Go("indexfeed-errors", func() {
		for perr := range prod.Errors() {
			logger.Errorf("[indexfeed] produce failed topic=%s err=%v", perr.Msg.Topic, perr.Err)
		}
	})
	return f, nil
}

// MessageIndexed 实现 msgflow.IndexNotifier
func (f *Feed) MessageIndexed(ev msgflow.CommitEvent) {
	data, err := json.Marshal(indexedEvent{
		ConvID:      ev.ConvID,
		ServerMsgID: ev.ServerMsgID,
		SenderID:    ev.SenderID,
		Seq:         ev.Seq,
		SendTimeMS:  ev.SendTimeMS,
		ContentType: ev.ContentType,
	})
	if err != nil {
		logger.Errorf("[indexfeed] marshal failed sid=%s err=%v", ev.ServerMsgID, err)
		return
	}
	select {
	case f.prod.Input() <- &sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(ev.ConvID),
		Value: sarama.ByteEncoder(data),
	}:
	default:
		logger.Warnf("[indexfeed] input full, dropping notify sid=%s", ev.ServerMsgID)
	}
}

func (f *Feed) Close() error {
	return f.prod.Close()
}
