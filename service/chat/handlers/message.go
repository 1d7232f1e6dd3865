package handlers

import (
	"context"

	"IMCore/module/message/msgflow"
	"IMCore/service/chat"
	"IMCore/tools/errs"
)

type MessageHandler struct{}

func NewMessageHandler() chat.Handler { return &MessageHandler{} }

func (h *MessageHandler) Type() string { return chat.FrameSend }

// Handle 消息提交。send_ack 即落盘；业务错误按码回帧：
// 限流/瞬时错误客户端可带同一 client_msg_id 重试，权限/容量错误不可。
func (h *MessageHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	sp, err := chat.PayloadAs[chat.SendPayload](f)
	if err != nil {
		sess.Enqueue(chat.BuildError(errs.CodeArgs, "bad send payload", err.Error()))
		return err
	}
	if sp.ConvID == "" || sp.ClientMsgID == "" {
		sess.Enqueue(chat.BuildError(errs.CodeArgs, "conversation_id/client_msg_id required", ""))
		return errs.ErrArgs.WrapMsg("conversation_id/client_msg_id required")
	}

	meta, err := s.Router().Submit(context.Background(), msgflow.SubmitInput{
		Sender:       sess.UserID,
		ConvID:       sp.ConvID,
		Token:        sp.ClientMsgID,
		Content:      sp.Content,
		ContentType:  sp.ContentType,
		AtUserIDs:    sp.AtUserIDList,
		AttachHandle: sp.AttachHandle,
	})
	if err != nil {
		sess.Enqueue(chat.BuildError(errs.CodeOf(err), "submit failed", sp.ClientMsgID))
		return err
	}

	sess.Enqueue(chat.BuildSendAck(sp.ClientMsgID, meta.ServerMsgID, meta.Seq, meta.SendTimeMS))
	return nil
}
