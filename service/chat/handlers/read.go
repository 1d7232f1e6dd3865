package handlers

import (
	"context"
	"time"

	"IMCore/logger"
	"IMCore/module/chat/model"
	"IMCore/service/chat"
	"IMCore/tools/errs"
)

type ReadHandler struct{}

func NewReadHandler() chat.Handler { return &ReadHandler{} }

func (h *ReadHandler) Type() string { return chat.FrameRead }

// Handle 前移 last-read 位点（只进不退），位点真前移时：
// 单聊回执推给对端；大群不挨个推回执，只做位点；
// 读者自己的其他端同步新位点。
func (h *ReadHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	rp, err := chat.PayloadAs[chat.ReadPayload](f)
	if err != nil {
		return err
	}
	if rp.ConvID == "" || rp.Seq <= 0 {
		return errs.ErrArgs.WrapMsg("conversation_id/seq required")
	}

	rctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()

	newSeq, moved, err := s.Cursors().MarkReadTo(rctx, sess.UserID, rp.ConvID, rp.Seq)
	if err != nil {
		logger.Errorf("[read] mark read failed user=%s conv=%s err=%v", sess.UserID, rp.ConvID, err)
		return err
	}
	if !moved {
		// 旧位点更靠前，过期的 read_mark，不广播
		return nil
	}

	conv, err := s.Router().Conversation(rctx, rp.ConvID)
	if err != nil || conv == nil {
		return nil
	}

	receipt := chat.BuildReadReceipt(rp.ConvID, sess.UserID, newSeq)
	if conv.Kind == model.SessionTypeDirect {
		for _, m := range conv.Members {
			if m != sess.UserID {
				s.ConnMgr().Push(m, receipt)
				// 对端外发方向的已读水位同步推进
				if err := s.Cursors().BumpReadOutboxSeq(rctx, m, rp.ConvID, newSeq); err != nil {
					logger.Warnf("[read] bump outbox seq failed user=%s conv=%s err=%v", m, rp.ConvID, err)
				}
			}
		}
	}

	// 读者其他端同步位点
	s.ConnMgr().PushOthers(sess.UserID, sess.DeviceID, receipt)
	if rs := s.ReadSync(); rs != nil {
		rs.ReadSynced(sess.UserID, rp.ConvID, newSeq)
	}
	return nil
}
