package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/module/chat/model"
	"IMCore/module/message/msgflow"
	"IMCore/service/delivery"
	"IMCore/service/storage"
	"IMCore/tools/safe"
)

type Config struct {
	PushThreshold int // 成员数达到阈值改拉模式
	Workers       int
	QueueSize     int
	InboxCap      int
}

func (c *Config) norm() {
	if c.PushThreshold <= 0 {
		c.PushThreshold = 50
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.InboxCap <= 0 {
		c.InboxCap = 1000
	}
}

// PresenceReader 扇出前查收件人在线状态（presence.Tracker 实现）
type PresenceReader interface {
	Status(ctx context.Context, userID string) (model.PresenceStatus, time.Time, error)
}

// Locator 在线用户归属的网关实例（presence.Tracker 实现）
type Locator interface {
	Locate(ctx context.Context, userID string) (gatewayID string, ok bool, err error)
}

// RemoteDeliverer 收件人连在别的网关时的转交通道（natsx.EventBus 实现）
type RemoteDeliverer interface {
	DeliverRemote(gatewayID, recipient string, item storage.OfflineItem, payload []byte)
}

// Engine 提交成功后的扇出：
// 小会话（成员数 < 阈值）逐人写收件箱并实时推送；
// 大会话只留时间线（消息表按 (send_time, seq) 可翻页），在线成员收轻量通知，拉取补齐。
// 离线成员一律进离线队列。
type Engine struct {
	conf     Config
	queue    chan msgflow.CommitEvent
	presence PresenceReader
	dm       *delivery.Manager
	inbox    storage.InboxStore
	offline  storage.OfflineQueue

	gwID    string
	locator Locator
	remote  RemoteDeliverer

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewEngine(presence PresenceReader, dm *delivery.Manager, inbox storage.InboxStore, offline storage.OfflineQueue, conf Config) *Engine {
	conf.norm()
	return &Engine{
		conf:     conf,
		queue:    make(chan msgflow.CommitEvent, conf.QueueSize),
		presence: presence,
		dm:       dm,
		inbox:    inbox,
		offline:  offline,
		stop:     make(chan struct{}),
	}
}

// WithRemote 开启跨网关转交：收件人连在 gwID 之外的实例时，
// 投递经 remote 发给持有连接的网关。单实例部署不用调。
func (e *Engine) WithRemote(gwID string, loc Locator, remote RemoteDeliverer) *Engine {
	e.gwID = gwID
	e.locator = loc
	e.remote = remote
	return e
}

func (e *Engine) Start() {
	for i := 0; i < e.conf.Workers; i++ {
		e.wg.Add(1)
		safe.Go("fanout-worker", func() {
			defer e.wg.Done()
			e.worker()
		})
	}
}

func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// MessageCommitted 实现 msgflow.CommitSink。队列满时丢给调用方协程同步处理，不丢消息。
func (e *Engine) MessageCommitted(ev msgflow.CommitEvent) {
	select {
	case e.queue <- ev:
	default:
		logger.Warnf("[fanout] queue full, handling inline conv=%s sid=%s", ev.ConvID, ev.ServerMsgID)
		e.handle(ev)
	}
}

func (e *Engine) worker() {
	for {
		select {
		case <-e.stop:
			// 清空残余再退
			for {
				select {
				case ev := <-e.queue:
					e.handle(ev)
				default:
					return
				}
			}
		case ev := <-e.queue:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev msgflow.CommitEvent) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	pushMode := len(ev.Members) < e.conf.PushThreshold
	item := storage.OfflineItem{
		ConvID:      ev.ConvID,
		ServerMsgID: ev.ServerMsgID,
		Seq:         ev.Seq,
		SenderID:    ev.SenderID,
		EnqueuedMS:  time.Now().UnixMilli(),
	}
	payload := encodeDeliver(ev, pushMode)

	for _, member := range ev.Members {
		if member == ev.SenderID {
			continue
		}
		if pushMode {
			if err := e.inbox.Append(ctx, member, item, e.conf.InboxCap); err != nil {
				logger.Errorf("[fanout] inbox append failed user=%s sid=%s err=%v", member, ev.ServerMsgID, err)
			}
		}
		st, _, err := e.presence.Status(ctx, member)
		if err != nil {
			logger.Errorf("[fanout] presence lookup failed user=%s err=%v", member, err)
			st = model.PresenceOffline
		}
		if st == model.PresenceOffline {
			if err := e.offline.Enqueue(ctx, member, item); err != nil {
				logger.Errorf("[fanout] offline enqueue failed user=%s sid=%s err=%v", member, ev.ServerMsgID, err)
			}
			continue
		}
		if e.remote != nil {
			if gw, ok, err := e.locator.Locate(ctx, member); err == nil && ok && gw != e.gwID {
				e.remote.DeliverRemote(gw, member, item, payload)
				continue
			}
		}
		e.dm.Dispatch(ctx, item, member, payload)
	}
}

// deliverFrame 推给客户端的下行帧。大会话只带定位字段，正文走拉取。
type deliverFrame struct {
	Type        string `json:"type"`
	ConvID      string `json:"conversation_id"`
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq"`
	SenderID    string `json:"sender_id"`
	SendTimeMS  int64  `json:"send_time"`
	ContentType int32  `json:"content_type,omitempty"`
	Content     string `json:"content,omitempty"`
}

func encodeDeliver(ev msgflow.CommitEvent, full bool) []byte {
	f := deliverFrame{
		Type:        "new_message",
		ConvID:      ev.ConvID,
		ServerMsgID: ev.ServerMsgID,
		Seq:         ev.Seq,
		SenderID:    ev.SenderID,
		SendTimeMS:  ev.SendTimeMS,
	}
	if !full {
		f.Type = "message_notify"
	} else {
		f.ContentType = ev.ContentType
		f.Content = ev.Content
	}
	b, _ := json.Marshal(f)
	return b
}
