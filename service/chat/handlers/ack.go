package handlers

import (
	"context"
	"time"

	"IMCore/service/chat"
	"IMCore/tools/errs"
)

type AckHandler struct{}

func NewAckHandler() chat.Handler { return &AckHandler{} }

func (h *AckHandler) Type() string { return chat.FrameAck }

// Handle 客户端确认收到某条推送（delivered）；终止服务端对这条的重试
func (h *AckHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	ap, err := chat.PayloadAs[chat.AckPayload](f)
	if err != nil {
		return err
	}
	if ap.ServerMsgID == "" {
		return errs.ErrArgs.WrapMsg("server_msg_id required")
	}
	ctx2, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()
	ctx.S.Delivery().Ack(ctx2, ap.ServerMsgID, sess.UserID)
	return nil
}
