package natsx

import (
	"context"
	"encoding/json"
	"time"

	"IMCore/logger"
	"IMCore/module/chat/model"
	"IMCore/module/message/msgflow"
	"IMCore/service/storage"
)

// DeliverEvent 跨网关投递：扇出实例发现收件人连在别的网关时转交
type DeliverEvent struct {
	Recipient string              `json:"recipient"`
	Item      storage.OfflineItem `json:"item"`
	Payload   []byte              `json:"payload"`
}

func deliverSubject(gatewayID string) string { return "im.deliver." + gatewayID }

// PresenceEvent 在线状态翻转
type PresenceEvent struct {
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	GatewayID string `json:"gateway_id"`
	AtMS      int64  `json:"at"`
}

// ReadSyncEvent 已读位点同步（多端）
type ReadSyncEvent struct {
	UserID    string `json:"user_id"`
	ConvID    string `json:"conversation_id"`
	ReadSeq   int64  `json:"read_seq"`
	GatewayID string `json:"gateway_id"`
	AtMS      int64  `json:"at"`
}

// EventBus 把域内事件发到总线；跨网关实例的扇出入口。
// 同时实现 msgflow.CommitSink 和 presence 的通知回调。
type EventBus struct {
	c         *Client
	gatewayID string
}

func NewEventBus(c *Client, gatewayID string) *EventBus {
	return &EventBus{c: c, gatewayID: gatewayID}
}

// MessageCommitted 实现 msgflow.CommitSink：提交事件带 Nats-Msg-Id 供消费侧幂等
func (b *EventBus) MessageCommitted(ev msgflow.CommitEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[natsx] marshal commit event failed sid=%s err=%v", ev.ServerMsgID, err)
		return
	}
	hdr := map[string]string{"Nats-Msg-Id": ev.ServerMsgID}
	ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()
	if err := b.c.Publish(ctx, BizMessageCommitted, data, hdr); err != nil {
		logger.Errorf("[natsx] publish commit event failed sid=%s err=%v", ev.ServerMsgID, err)
	}
}

// DeliverRemote 实现 fanout.RemoteDeliverer：把一次投递转交给持有连接的网关
func (b *EventBus) DeliverRemote(gatewayID, recipient string, item storage.OfflineItem, payload []byte) {
	data, err := json.Marshal(DeliverEvent{Recipient: recipient, Item: item, Payload: payload})
	if err != nil {
		logger.Errorf("[natsx] marshal deliver event failed sid=%s err=%v", item.ServerMsgID, err)
		return
	}
	if err := b.c.PublishSubject(deliverSubject(gatewayID), data, nil); err != nil {
		logger.Errorf("[natsx] publish deliver failed gw=%s sid=%s err=%v", gatewayID, item.ServerMsgID, err)
	}
}

// PresenceChanged 实现 presence.Notifier
func (b *EventBus) PresenceChanged(userID string, status model.PresenceStatus, lastSeen time.Time) {
	data, _ := json.Marshal(PresenceEvent{
		UserID:    userID,
		Status:    string(status),
		GatewayID: b.gatewayID,
		AtMS:      lastSeen.UnixMilli(),
	})
	ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()
	if err := b.c.Publish(ctx, BizPresenceChanged, data, nil); err != nil {
		logger.Errorf("[natsx] publish presence event failed user=%s err=%v", userID, err)
	}
}

// ReadSynced 已读位点前移后广播给该用户的其他端
func (b *EventBus) ReadSynced(userID, convID string, readSeq int64) {
	data, _ := json.Marshal(ReadSyncEvent{
		UserID:    userID,
		ConvID:    convID,
		ReadSeq:   readSeq,
		GatewayID: b.gatewayID,
		AtMS:      time.Now().UnixMilli(),
	})
	ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()
	if err := b.c.Publish(ctx, BizReadSync, data, nil); err != nil {
		logger.Errorf("[natsx] publish read sync failed user=%s conv=%s err=%v", userID, convID, err)
	}
}

// RegisterDefaultRoutes 注册默认路由。
// 提交事件共用队列组：集群内每条消息只扇出一次（收件箱/离线队列是共享状态，
// 不能重复写）；收件人连在别的网关时由 deliver 路由补一跳。
func RegisterDefaultRoutes(c *Client, gatewayID string) error {
	routes := []Route{
		{Biz: BizMessageCommitted, Subject: "im.message.committed", Mode: JetStreamPush, Queue: "im-fanout", Durable: "im-fanout"},
		{Biz: BizDeliver, Subject: deliverSubject(gatewayID), Mode: Core},
		{Biz: BizPresenceChanged, Subject: "im.presence.changed", Mode: Core},
		{Biz: BizReadSync, Subject: "im.read.sync", Mode: Core},
	}
	for _, r := range routes {
		if err := c.RegisterRoute(r); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeCommits 消费提交事件喂给本实例扇出引擎
func SubscribeCommits(cs *Consumer, sink msgflow.CommitSink) error {
	return cs.Subscribe(BizMessageCommitted, func(ctx context.Context, msg Message) error {
		var ev msgflow.CommitEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Errorf("[natsx] bad commit event payload: %v", err)
			return nil // 毒消息不重投
		}
		sink.MessageCommitted(ev)
		return nil
	})
}

// SubscribeDeliver 消费转交到本网关的投递
func SubscribeDeliver(cs *Consumer, fn func(DeliverEvent)) error {
	return cs.Subscribe(BizDeliver, func(ctx context.Context, msg Message) error {
		var ev DeliverEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Errorf("[natsx] bad deliver payload: %v", err)
			return nil
		}
		fn(ev)
		return nil
	})
}

// SubscribePresence 消费其他网关实例发出的在线状态翻转
func SubscribePresence(cs *Consumer, fn func(PresenceEvent)) error {
	return cs.Subscribe(BizPresenceChanged, func(ctx context.Context, msg Message) error {
		var ev PresenceEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Errorf("[natsx] bad presence event payload: %v", err)
			return nil
		}
		fn(ev)
		return nil
	})
}

// SubscribeReadSync 消费跨网关的已读位点同步
func SubscribeReadSync(cs *Consumer, fn func(ReadSyncEvent)) error {
	return cs.Subscribe(BizReadSync, func(ctx context.Context, msg Message) error {
		var ev ReadSyncEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Errorf("[natsx] bad read sync payload: %v", err)
			return nil
		}
		fn(ev)
		return nil
	})
}
