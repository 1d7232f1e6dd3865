package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"IMCore/logger"
	"IMCore/tools/errs"
	"IMCore/tools/ids"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS 升级连接、登记未授权会话、进读循环。
// 一连接一读协程；写全部走会话发送队列（conn_manager 的写协程）。
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	sessionID := ids.GenerateString()
	sess, err := s.mgr.AddUnauth(sessionID, ws)
	if err != nil {
		logger.Infof("[ws] register session error: %v", err)
		_ = ws.Close()
		return
	}

	// 连接确认：认证窗口、心跳周期在这里告知客户端
	sess.Enqueue(BuildConnAck(sessionID, s.mgr.GwID(), s.conf.HeartbeatInterval.Milliseconds()))

	ws.SetPongHandler(func(string) error {
		_ = s.mgr.RefreshHeartbeat(sessionID)
		return nil
	})

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed session=%s err=%v", sessionID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout session=%s err=%v", sessionID, rerr)
			} else {
				logger.Infof("[ws] read err session=%s err=%v", sessionID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame session=%s err=%v sample=%q", sessionID, perr, sample)
			continue
		}

		// 未认证连接只接受 auth 和 heartbeat
		if !sess.Authorized && f.Type != FrameAuth && f.Type != FrameHeartbeat {
			sess.Enqueue(BuildError(errs.CodeAuth, "authentication required", f.Type))
			continue
		}

		// 心跳不算用户活动；其余帧刷新活跃时间，空闲判定 away 用
		if sess.Authorized && f.Type != FrameHeartbeat {
			sess.ActiveAt = time.Now()
		}

		if err := s.disp.Dispatch(&Context{S: s}, f, sess); err != nil {
			logger.Infof("[ws] handler err session=%s type=%s err=%v", sessionID, f.Type, err)
		}
	}

	s.onDisconnect(sess)
}

// onDisconnect 会话收尾：presence 进入宽限期（短暂掉线不翻状态），
// 注册表里立刻摘除。
func (s *Server) onDisconnect(sess *Session) {
	if sess.Authorized && sess.UserID != "" {
		// 仅当这是该用户最后一条会话时才进入掉线宽限
		if remaining := s.mgr.Sessions(sess.UserID); len(remaining) <= 1 {
			ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
			s.tracker.Disconnect(ctx, sess.UserID)
			cancelFn()
		}
	}
	s.mgr.Remove(sess.SessionID)
}
