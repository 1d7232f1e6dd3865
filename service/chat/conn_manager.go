package chat

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"IMCore/logger"
	"IMCore/tools/safe"
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL     time.Duration    // 未授权连接的 TTL（如 60s）
	AuthTTL       time.Duration    // 已授权连接的 TTL（心跳续期）
	SweepEvery    time.Duration    // 清理周期
	MaxPerUser    int              // 每用户最大会话数（<=0 不限制），超限挤掉最老
	SendQueueSize int              // 每连接发送队列长度
	Clock         func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 5 * time.Minute
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// ===== 数据结构 =====

// Session 一条 WebSocket 连接 = 一个 (user, device) 会话。
// 授权前只有 SessionID；Bind 后挂到用户索引。
type Session struct {
	SessionID  string
	UserID     string
	DeviceID   string
	Authorized bool

	Conn   *websocket.Conn
	Remote net.Addr

	CreatedAt time.Time
	UpdatedAt time.Time
	Heartbeat time.Time
	ActiveAt  time.Time // 最近一个非心跳帧，读循环单线程更新
	TTL       time.Duration
	ExpireAt  time.Time

	sendCh chan []byte // 每连接独立发送队列
	done   chan struct{}
	once   sync.Once
}

// Enqueue 非阻塞入队；队列满视为慢消费者，丢帧并报 false
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendCh <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		if s.Conn != nil {
			_ = s.Conn.Close()
		}
	})
}

func devKey(user, device string) string { return user + "|" + device }

// ConnManager 会话注册表。
// 主索引 sessionID，辅助索引 userID -> (deviceID -> session)。
// 同一 (user, device) 再次连接顶掉旧连接。
type ConnManager struct {
	mu     sync.RWMutex
	bySess map[string]*Session
	byUser map[string]map[string]*Session // userID -> deviceID -> session

	conf     ManagerConf
	gwID     string
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(gwID string, conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySess: make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	safe.Go("conn-sweeper", m.sweeper)
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.bySess {
		s.close()
	}
	m.bySess = map[string]*Session{}
	m.byUser = map[string]map[string]*Session{}
}

// AddUnauth 新连接登记（未授权）；启动该连接的写协程
func (m *ConnManager) AddUnauth(sessionID string, conn *websocket.Conn) (*Session, error) {
	if sessionID == "" || conn == nil {
		return nil, errors.New("sessionID/conn empty")
	}
	now := m.conf.Clock()
	s := &Session{
		SessionID: sessionID,
		Conn:      conn,
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
		sendCh:    make(chan []byte, m.conf.SendQueueSize),
		done:      make(chan struct{}),
	}
	if ra := conn.RemoteAddr(); ra != nil {
		s.Remote = ra
	}

	m.mu.Lock()
	if _, exists := m.bySess[sessionID]; exists {
		m.mu.Unlock()
		return nil, errors.New("sessionID exists")
	}
	m.bySess[sessionID] = s
	m.mu.Unlock()

	safe.Go("conn-writer", func() { m.writeLoop(s) })
	return s, nil
}

// Bind 授权通过后把会话绑到 (user, device)；切 AuthTTL。
// 同 (user, device) 旧连接被顶掉；超过 MaxPerUser 挤掉最老设备。
func (m *ConnManager) Bind(sessionID, user, device string) error {
	if sessionID == "" || user == "" || device == "" {
		return errors.New("sessionID/user/device empty")
	}
	now := m.conf.Clock()

	var evicted []*Session
	m.mu.Lock()
	s, ok := m.bySess[sessionID]
	if !ok || s.Conn == nil {
		m.mu.Unlock()
		return errors.New("session not found")
	}

	if m.byUser[user] == nil {
		m.byUser[user] = make(map[string]*Session)
	}
	// 同设备重连：顶掉旧连接
	if old, ok := m.byUser[user][device]; ok && old.SessionID != sessionID {
		delete(m.bySess, old.SessionID)
		evicted = append(evicted, old)
	}
	// 会话数名额
	if m.conf.MaxPerUser > 0 && len(m.byUser[user]) >= m.conf.MaxPerUser {
		if _, self := m.byUser[user][device]; !self {
			var oldest *Session
			for _, cand := range m.byUser[user] {
				if oldest == nil || cand.CreatedAt.Before(oldest.CreatedAt) {
					oldest = cand
				}
			}
			if oldest != nil {
				delete(m.byUser[user], oldest.DeviceID)
				delete(m.bySess, oldest.SessionID)
				evicted = append(evicted, oldest)
			}
		}
	}
	m.byUser[user][device] = s

	s.UserID = user
	s.DeviceID = device
	s.Authorized = true
	s.TTL = m.conf.AuthTTL
	s.ExpireAt = now.Add(m.conf.AuthTTL)
	s.UpdatedAt = now
	s.Heartbeat = now
	s.ActiveAt = now
	m.mu.Unlock()

	for _, old := range evicted {
		logger.Infof("[connmgr] evicting session user=%s device=%s sid=%s", old.UserID, old.DeviceID, old.SessionID)
		old.close()
	}
	return nil
}

// RefreshHeartbeat 心跳续期（未授权/已授权都可调）
func (m *ConnManager) RefreshHeartbeat(sessionID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bySess[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	s.Heartbeat = now
	s.ExpireAt = now.Add(s.TTL)
	s.UpdatedAt = now
	return nil
}

// GetSession 按 sessionID 查
func (m *ConnManager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySess[sessionID]
	return s, ok
}

// Remove 关闭并移除一条会话
func (m *ConnManager) Remove(sessionID string) {
	m.mu.Lock()
	s, ok := m.bySess[sessionID]
	if ok {
		delete(m.bySess, sessionID)
		if s.Authorized {
			if mm := m.byUser[s.UserID]; mm != nil && mm[s.DeviceID] == s {
				delete(mm, s.DeviceID)
				if len(mm) == 0 {
					delete(m.byUser, s.UserID)
				}
			}
		}
	}
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

// Push 实现 delivery.Pusher：广播给该用户所有在线设备。
// 返回 true 表示至少入队一条。
func (m *ConnManager) Push(user string, data []byte) bool {
	m.mu.RLock()
	mm := m.byUser[user]
	sessions := make([]*Session, 0, len(mm))
	for _, s := range mm {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sent := false
	for _, s := range sessions {
		if s.Enqueue(data) {
			sent = true
		} else {
			logger.Warnf("[connmgr] send queue full user=%s device=%s", user, s.DeviceID)
		}
	}
	return sent
}

// PushOthers 推给该用户除 exceptDevice 外的设备（多端同步用）
func (m *ConnManager) PushOthers(user, exceptDevice string, data []byte) {
	m.mu.RLock()
	mm := m.byUser[user]
	sessions := make([]*Session, 0, len(mm))
	for dev, s := range mm {
		if dev != exceptDevice {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.Enqueue(data)
	}
}

// Sessions 用户当前会话快照
func (m *ConnManager) Sessions(user string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byUser[user]))
	for _, s := range m.byUser[user] {
		out = append(out, s)
	}
	return out
}

// SessionCount 已登记会话总数（观测用）
func (m *ConnManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySess)
}

// ===== 写协程 =====

func (m *ConnManager) writeLoop(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			if err := writeText(s.Conn, data, 5); err != nil {
				logger.Infof("[connmgr] write failed sid=%s err=%v", s.SessionID, err)
				m.Remove(s.SessionID)
				return
			}
		}
	}
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var expired []*Session
	m.mu.Lock()
	for sid, s := range m.bySess {
		if now.After(s.ExpireAt) {
			expired = append(expired, s)
			delete(m.bySess, sid)
			if s.Authorized {
				if mm := m.byUser[s.UserID]; mm != nil && mm[s.DeviceID] == s {
					delete(mm, s.DeviceID)
					if len(mm) == 0 {
						delete(m.byUser, s.UserID)
					}
				}
			}
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		logger.Infof("[connmgr] expired session sid=%s user=%s", s.SessionID, s.UserID)
		s.close()
	}
}

// ===== 工具函数 =====

func writeText(conn *websocket.Conn, data []byte, deadlineSec int) error {
	if conn == nil {
		return errors.New("nil conn")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(time.Duration(deadlineSec) * time.Second)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
