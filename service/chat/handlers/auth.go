package handlers

import (
	"context"
	"time"

	"IMCore/logger"
	"IMCore/service/chat"
	"IMCore/tools/errs"
	"IMCore/tools/safe"
	"IMCore/tools/security"
)

type AuthHandler struct{}

func NewAuthHandler() chat.Handler { return &AuthHandler{} }

func (h *AuthHandler) Type() string { return chat.FrameAuth }

// Handle 校验 JWT → 绑定 (user, device) → presence 上线 → 补推离线。
// 凭证不过直接回 error 帧并断开，认证失败不给重试窗口续期。
func (h *AuthHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	ap, err := chat.PayloadAs[chat.AuthPayload](f)
	if err != nil {
		sess.Enqueue(chat.BuildError(errs.CodeArgs, "bad auth payload", err.Error()))
		return err
	}
	if ap.Token == "" || ap.DeviceID == "" {
		sess.Enqueue(chat.BuildError(errs.CodeArgs, "token/device_id required", ""))
		return errs.ErrArgs.WrapMsg("token/device_id required")
	}

	ident, err := security.Verify(s.JWT(), ap.Token)
	if err != nil {
		logger.Infof("[auth] verify failed session=%s err=%v", sess.SessionID, err)
		sess.Enqueue(chat.BuildError(errs.CodeAuth, "authentication rejected", ""))
		s.ConnMgr().Remove(sess.SessionID)
		return errs.ErrAuth.WrapMsg("token verify failed", "err", err)
	}
	if ident.DeviceID != "" && ident.DeviceID != ap.DeviceID {
		sess.Enqueue(chat.BuildError(errs.CodeAuth, "device mismatch", ""))
		s.ConnMgr().Remove(sess.SessionID)
		return errs.ErrAuth.WrapMsg("token bound to another device")
	}

	if err := s.ConnMgr().Bind(sess.SessionID, ident.UserID, ap.DeviceID); err != nil {
		sess.Enqueue(chat.BuildError(errs.CodeCapacity, "bind session failed", err.Error()))
		return err
	}

	bctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()
	if err := s.Tracker().Heartbeat(bctx, ident.UserID); err != nil {
		logger.Errorf("[auth] presence online failed user=%s err=%v", ident.UserID, err)
	}

	sess.Enqueue(chat.BuildAuthAck(ident.UserID, ap.DeviceID, sess.SessionID,
		ident.ExpireAt.UnixMilli(), s.Conf().MaxPerUser))

	// 补推离线消息；不阻塞读循环
	safe.Go("offline-drain", func() { s.DrainOffline(context.Background(), sess) })
	return nil
}
