package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"IMCore/logger"
	"IMCore/middleware"
	"IMCore/module/message/msgflow"
	"IMCore/service/delivery"
	"IMCore/service/presence"
	"IMCore/service/storage"
	"IMCore/tools/security"
)

// ReadCursors 每 (user, conversation) 的 last-read 位点与影子水位
type ReadCursors interface {
	// MarkReadTo moved=false 表示游标没动（过期 read_mark），不要广播
	MarkReadTo(ctx context.Context, owner, conv string, upToSeq int64) (newSeq int64, moved bool, err error)
	GetReadSeq(ctx context.Context, owner, conv string) (int64, error)
	// BumpReadOutboxSeq 对端读到了 senderUser 外发的位置（发送方视角）
	BumpReadOutboxSeq(ctx context.Context, senderUser, conv string, upToSeq int64) error
	// RefreshShadowWatermark 拉取后刷新 (owner, conv) 可见的 seq 区间
	RefreshShadowWatermark(ctx context.Context, owner, conv string, minSeq, maxSeq int64) error
}

// ReadSyncer 已读位点前移后向总线广播（跨网关的其他端同步）
type ReadSyncer interface {
	ReadSynced(userID, convID string, readSeq int64)
}

type ServerConf struct {
	Addr              string
	HeartbeatInterval time.Duration
	AwayAfter         time.Duration // 连续空闲这么久，心跳续期改置 away
	MaxPerUser        int
	OfflineDrainBatch int      // 重连补推每批条数
	AllowedOrigins    []string // 空 = 不校验 Origin
	JWT               security.Options
}

func (c *ServerConf) norm() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AwayAfter <= 0 {
		c.AwayAfter = 5 * time.Minute
	}
	if c.OfflineDrainBatch <= 0 {
		c.OfflineDrainBatch = 100
	}
}

// Server 接入层：持有连接注册表和各域服务的引用，
// 自身不做业务判断，帧进来走 dispatcher。
type Server struct {
	conf ServerConf
	mgr  *ConnManager
	disp *Dispatcher

	router   *msgflow.Router
	tracker  *presence.Tracker
	dm       *delivery.Manager
	cursors  ReadCursors
	offline  storage.OfflineQueue
	inbox    storage.InboxStore
	readSync ReadSyncer  // 可为 nil（单实例部署）
	attach   Attachments // 可为 nil（未接媒体服务时不挂附件路由）
}

type ServerDeps struct {
	ConnMgr  *ConnManager
	Router   *msgflow.Router
	Tracker  *presence.Tracker
	Delivery *delivery.Manager
	Cursors  ReadCursors
	Offline  storage.OfflineQueue
	Inbox    storage.InboxStore
	ReadSync ReadSyncer
	Attach   Attachments
}

func NewServer(conf ServerConf, d ServerDeps) *Server {
	conf.norm()
	return &Server{
		conf:     conf,
		mgr:      d.ConnMgr,
		disp:     NewDispatcher(),
		router:   d.Router,
		tracker:  d.Tracker,
		dm:       d.Delivery,
		cursors:  d.Cursors,
		offline:  d.Offline,
		inbox:    d.Inbox,
		readSync: d.ReadSync,
		attach:   d.Attach,
	}
}

func (s *Server) ConnMgr() *ConnManager       { return s.mgr }
func (s *Server) Disp() *Dispatcher           { return s.disp }
func (s *Server) Router() *msgflow.Router     { return s.router }
func (s *Server) Tracker() *presence.Tracker  { return s.tracker }
func (s *Server) Delivery() *delivery.Manager { return s.dm }
func (s *Server) Cursors() ReadCursors        { return s.cursors }
func (s *Server) Inbox() storage.InboxStore   { return s.inbox }
func (s *Server) ReadSync() ReadSyncer        { return s.readSync }
func (s *Server) Attach() Attachments         { return s.attach }
func (s *Server) JWT() security.Options       { return s.conf.JWT }
func (s *Server) Conf() ServerConf            { return s.conf }

// Run 挂路由并起 HTTP 服务（阻塞）
func (s *Server) Run() error {
	gin.SetMode(gin.ReleaseMode)
	mw := middleware.Global()
	mw.Add(middleware.AccessLog())
	mw.Add(middleware.Origin(s.conf.AllowedOrigins))

	r := gin.New()
	r.Use(gin.Recovery(), mw.Use())
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	logger.Infof("[gateway] listening on %s", s.conf.Addr)
	return r.Run(s.conf.Addr)
}

// DrainOffline 认证成功后补推离线消息；分批取，直到取空。
// 正文按 server_msg_id 回查时间线，队列里只有 id。
func (s *Server) DrainOffline(ctx context.Context, sess *Session) {
	total := 0
	for {
		items, err := s.offline.Drain(ctx, sess.UserID, s.conf.OfflineDrainBatch)
		if err != nil {
			logger.Errorf("[gateway] offline drain failed user=%s err=%v", sess.UserID, err)
			return
		}
		if len(items) == 0 {
			break
		}
		for i, it := range items {
			msg, err := s.router.FindMessage(ctx, it.ServerMsgID)
			if err != nil || msg == nil {
				logger.Warnf("[gateway] offline item unresolved sid=%s user=%s", it.ServerMsgID, sess.UserID)
				continue
			}
			payload := encodeOfflineDeliver(msg)
			if !s.dm.Dispatch(ctx, it, sess.UserID, payload) {
				// 推不出去（连接刚断/发送队列满）：失败的那条已回离线
				// 队列，剩余的跟着放回去，留给下次重连，不再空转
				for _, rest := range items[i+1:] {
					if err := s.offline.Enqueue(ctx, sess.UserID, rest); err != nil {
						logger.Errorf("[gateway] offline requeue failed sid=%s user=%s err=%v",
							rest.ServerMsgID, sess.UserID, err)
					}
				}
				logger.Warnf("[gateway] drain aborted, user unreachable user=%s drained=%d", sess.UserID, total+i)
				return
			}
		}
		total += len(items)
	}
	if total > 0 {
		logger.Infof("[gateway] drained %d offline messages user=%s", total, sess.UserID)
	}
}

func encodeOfflineDeliver(m *msgflow.Message) []byte {
	return marshalFrame("new_message", map[string]any{
		"conversation_id": m.ConvID,
		"server_msg_id":   m.ServerMsgID,
		"seq":             m.Seq,
		"sender_id":       m.SenderID,
		"send_time":       m.SendTimeMS,
		"content_type":    m.ContentType,
		"content":         m.Content,
	})
}
