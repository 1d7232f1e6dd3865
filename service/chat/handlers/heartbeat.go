package handlers

import (
	"context"
	"time"

	"IMCore/logger"
	"IMCore/service/chat"
)

type HeartbeatHandler struct{}

func NewHeartbeatHandler() chat.Handler { return &HeartbeatHandler{} }

func (h *HeartbeatHandler) Type() string { return chat.FrameHeartbeat }

// Handle 续连接 TTL。已认证会话同时续 presence TTL：
// 空闲超过 AwayAfter 的心跳续成 away，有活动的心跳把 away 拉回 online。
func (h *HeartbeatHandler) Handle(ctx *chat.Context, _ *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	_ = s.ConnMgr().RefreshHeartbeat(sess.SessionID)

	if sess.Authorized && sess.UserID != "" {
		hctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelFn()
		var err error
		if away := s.Conf().AwayAfter; !sess.ActiveAt.IsZero() && time.Since(sess.ActiveAt) >= away {
			err = s.Tracker().MarkAway(hctx, sess.UserID)
		} else {
			err = s.Tracker().Heartbeat(hctx, sess.UserID)
		}
		if err != nil {
			logger.Errorf("[heartbeat] presence refresh failed user=%s err=%v", sess.UserID, err)
		}
	}

	sess.Enqueue(chat.BuildPong(sess.SessionID))
	return nil
}
