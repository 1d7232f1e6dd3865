package delivery

import (
	"context"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/module/chat/model"
	"IMCore/service/storage"
)

// Pusher 把一帧推给某用户的全部在线会话。
// 返回 true 表示至少交给了一条传输（"sent"），不代表对端已收到。
type Pusher interface {
	Push(user string, payload []byte) bool
}

type Config struct {
	AckTimeout  time.Duration // 等 delivered 回执的时限
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

func (c *Config) norm() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

type inflight struct {
	item      storage.OfflineItem
	recipient string
	payload   []byte
	attempt   int
	timer     *time.Timer
}

// Manager 每 (message, recipient) 的投递状态机：
// queued → sent → delivered → read，只进不退。
// 确认超时指数退避重发；预算耗尽转离线队列而不是丢弃——至少一次投递。
type Manager struct {
	conf     Config
	pusher   Pusher
	receipts storage.ReceiptStore
	offline  storage.OfflineQueue

	mu       sync.Mutex
	tracking map[string]*inflight // sid|recipient
	stopped  bool
}

func NewManager(pusher Pusher, receipts storage.ReceiptStore, offline storage.OfflineQueue, conf Config) *Manager {
	conf.norm()
	return &Manager{
		conf:     conf,
		pusher:   pusher,
		receipts: receipts,
		offline:  offline,
		tracking: make(map[string]*inflight),
	}
}

func trackKey(sid, recipient string) string { return sid + "|" + recipient }

// Dispatch 首次投递。没有任何在线会话时直接进离线队列。
// 返回是否交给了传输层；false 表示该条已回离线队列。
func (m *Manager) Dispatch(ctx context.Context, item storage.OfflineItem, recipient string, payload []byte) bool {
	if ok := m.pusher.Push(recipient, payload); !ok {
		m.park(ctx, item, recipient)
		return false
	}
	if _, err := m.receipts.Advance(ctx, item.ServerMsgID, recipient, model.DeliverySent); err != nil {
		logger.Errorf("[delivery] advance sent failed sid=%s rcpt=%s err=%v", item.ServerMsgID, recipient, err)
	}
	m.await(item, recipient, payload, 1)
	return true
}

// Ack 对端传输层确认收到（delivered）；终止该条的重试
func (m *Manager) Ack(ctx context.Context, serverMsgID, recipient string) {
	m.cancel(serverMsgID, recipient)
	if _, err := m.receipts.Advance(ctx, serverMsgID, recipient, model.DeliveryDelivered); err != nil {
		logger.Errorf("[delivery] advance delivered failed sid=%s err=%v", serverMsgID, err)
	}
}

// MarkRead 客户端消费确认（read）。delivered 之前到达也安全：rank 只升不降。
func (m *Manager) MarkRead(ctx context.Context, serverMsgID, recipient string) {
	m.cancel(serverMsgID, recipient)
	if _, err := m.receipts.Advance(ctx, serverMsgID, recipient, model.DeliveryRead); err != nil {
		logger.Errorf("[delivery] advance read failed sid=%s err=%v", serverMsgID, err)
	}
}

// Close 停掉所有在途重试（进程退出用；消息安全，离线队列兜底在重连路径）
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for k, f := range m.tracking {
		f.timer.Stop()
		delete(m.tracking, k)
	}
}

// Inflight 当前在途 (message, recipient) 数（观测/测试用）
func (m *Manager) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracking)
}

func (m *Manager) await(item storage.OfflineItem, recipient string, payload []byte, attempt int) {
	f := &inflight{item: item, recipient: recipient, payload: payload, attempt: attempt}
	key := trackKey(item.ServerMsgID, recipient)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if old, ok := m.tracking[key]; ok {
		old.timer.Stop()
	}
	f.timer = time.AfterFunc(m.conf.AckTimeout, func() { m.onTimeout(key) })
	m.tracking[key] = f
	m.mu.Unlock()
}

func (m *Manager) onTimeout(key string) {
	m.mu.Lock()
	f, ok := m.tracking[key]
	if ok {
		delete(m.tracking, key)
	}
	stopped := m.stopped
	m.mu.Unlock()
	if !ok || stopped {
		return
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()

	if f.attempt >= m.conf.MaxAttempts {
		// 预算耗尽：回 queued，进离线队列等重连
		logger.Warnf("[delivery] retry budget exhausted sid=%s rcpt=%s attempts=%d",
			f.item.ServerMsgID, f.recipient, f.attempt)
		m.park(ctx, f.item, f.recipient)
		return
	}

	backoff := m.backoff(f.attempt)
	next := f.attempt + 1
	time.AfterFunc(backoff, func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelFn()
		// 客户端按 message_id 去重，重复投递无害
		if ok := m.pusher.Push(f.recipient, f.payload); !ok {
			m.park(ctx, f.item, f.recipient)
			return
		}
		m.await(f.item, f.recipient, f.payload, next)
	})
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.conf.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.conf.BackoffCap {
			return m.conf.BackoffCap
		}
	}
	if d > m.conf.BackoffCap {
		d = m.conf.BackoffCap
	}
	return d
}

func (m *Manager) park(ctx context.Context, item storage.OfflineItem, recipient string) {
	if _, err := m.receipts.Advance(ctx, item.ServerMsgID, recipient, model.DeliveryQueued); err != nil {
		logger.Errorf("[delivery] advance queued failed sid=%s err=%v", item.ServerMsgID, err)
	}
	if err := m.offline.Enqueue(ctx, recipient, item); err != nil {
		logger.Errorf("[delivery] offline enqueue failed sid=%s rcpt=%s err=%v", item.ServerMsgID, recipient, err)
	}
}

func (m *Manager) cancel(serverMsgID, recipient string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.tracking[trackKey(serverMsgID, recipient)]; ok {
		f.timer.Stop()
		delete(m.tracking, trackKey(serverMsgID, recipient))
	}
}
