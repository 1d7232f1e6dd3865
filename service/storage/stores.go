package storage

import (
	"context"
	"time"

	"IMCore/module/chat/model"
)

// OfflineItem 离线队列里的一条：只存消息 id 与路由信息，正文重连后按需拉
type OfflineItem struct {
	ConvID      string `json:"conv_id"`
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq"`
	SenderID    string `json:"sender_id"`
	EnqueuedMS  int64  `json:"enqueued_ms"`
}

// OfflineQueue 用户不在线或重试预算耗尽时，消息 id 的落脚点。
// 至少一次投递的兜底：进了队列就不会静默丢。
type OfflineQueue interface {
	Enqueue(ctx context.Context, user string, item OfflineItem) error
	// Drain 按 FIFO 取出并清除最多 n 条
	Drain(ctx context.Context, user string, n int) ([]OfflineItem, error)
	Len(ctx context.Context, user string) (int64, error)
}

// InboxStore 写扩散的每用户收件箱：有界环（保留最近 cap 条消息 id）
type InboxStore interface {
	Append(ctx context.Context, user string, item OfflineItem, cap int) error
	List(ctx context.Context, user string, n int) ([]OfflineItem, error)
}

// ReceiptStore 每 (message, recipient) 的投递状态，只进不退
type ReceiptStore interface {
	// Advance 尝试推进状态；低于或等于当前 rank 的迁移被拒绝（返回 false）
	Advance(ctx context.Context, serverMsgID, recipient string, st model.DeliveryState) (bool, error)
	Get(ctx context.Context, serverMsgID, recipient string) (model.DeliveryState, error)
}

// PresenceStore 每用户 TTL 在线记录
type PresenceStore interface {
	// Online 置为在线并续 TTL；value 记网关节点
	Online(ctx context.Context, user, gatewayID string, ttl time.Duration) error
	// Offline 主动下线（删 key）
	Offline(ctx context.Context, user string) error
	// Lookup TTL 未过期即在线
	Lookup(ctx context.Context, user string) (gatewayID string, online bool, err error)
	LastSeen(ctx context.Context, user string) (time.Time, error)
}
