package handlers

import (
	"context"
	"encoding/json"
	"time"

	"IMCore/logger"
	"IMCore/module/message/msgflow"
	"IMCore/service/chat"
	"IMCore/tools/errs"
)

type PullHandler struct{}

func NewPullHandler() chat.Handler { return &PullHandler{} }

func (h *PullHandler) Type() string { return chat.FramePull }

// Handle 拉取：since_seq > 0 走读扩散增量（大群）；否则按
// (before_ts, before_seq) 游标向历史翻页。
func (h *PullHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	pp, err := chat.PayloadAs[chat.PullPayload](f)
	if err != nil {
		return err
	}
	pctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	// 不带会话 id：返回收件箱最近条目（重连后的总览同步）
	if pp.ConvID == "" {
		return h.pullInbox(pctx, s, sess, int(pp.Limit))
	}

	var (
		msgs            []*msgflow.Message
		nextTS, nextSeq int64
	)
	if pp.SinceSeq > 0 {
		msgs, err = s.Router().PullSince(pctx, sess.UserID, pp.ConvID, pp.SinceSeq, int(pp.Limit))
	} else {
		var page *msgflow.HistoryPage
		page, err = s.Router().FetchHistory(pctx, sess.UserID, pp.ConvID, pp.BeforeTS, pp.BeforeSq, int(pp.Limit))
		if page != nil {
			msgs, nextTS, nextSeq = page.Messages, page.NextTS, page.NextSeq
		}
	}
	if err != nil {
		sess.Enqueue(chat.BuildError(errs.CodeOf(err), "pull failed", pp.ConvID))
		return err
	}

	if len(msgs) > 0 {
		minSeq, maxSeq := msgs[0].Seq, msgs[0].Seq
		for _, m := range msgs[1:] {
			if m.Seq < minSeq {
				minSeq = m.Seq
			}
			if m.Seq > maxSeq {
				maxSeq = m.Seq
			}
		}
		if err := s.Cursors().RefreshShadowWatermark(pctx, sess.UserID, pp.ConvID, minSeq, maxSeq); err != nil {
			logger.Warnf("[pull] refresh watermark failed user=%s conv=%s err=%v", sess.UserID, pp.ConvID, err)
		}
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"conversation_id": m.ConvID,
			"server_msg_id":   m.ServerMsgID,
			"seq":             m.Seq,
			"sender_id":       m.SenderID,
			"send_time":       m.SendTimeMS,
			"content_type":    m.ContentType,
			"content":         m.Content,
			"attach_handle":   m.AttachRef,
		})
	}
	b, _ := json.Marshal(map[string]any{
		"type": chat.FramePullResult,
		"ts":   time.Now().UnixMilli(),
		"payload": map[string]any{
			"conversation_id": pp.ConvID,
			"messages":        out,
			"next_ts":         nextTS,
			"next_seq":        nextSeq,
		},
	})
	sess.Enqueue(b)
	return nil
}

// pullInbox 写扩散收件箱的最近消息 id；正文由客户端按会话增量拉
func (h *PullHandler) pullInbox(ctx context.Context, s *chat.Server, sess *chat.Session, limit int) error {
	items, err := s.Inbox().List(ctx, sess.UserID, limit)
	if err != nil {
		sess.Enqueue(chat.BuildError(errs.CodeOf(err), "pull failed", "inbox"))
		return err
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{
			"conversation_id": it.ConvID,
			"server_msg_id":   it.ServerMsgID,
			"seq":             it.Seq,
			"sender_id":       it.SenderID,
		})
	}
	b, _ := json.Marshal(map[string]any{
		"type": chat.FramePullResult,
		"ts":   time.Now().UnixMilli(),
		"payload": map[string]any{
			"inbox":    true,
			"messages": out,
		},
	})
	sess.Enqueue(b)
	return nil
}
