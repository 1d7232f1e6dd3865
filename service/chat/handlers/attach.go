package handlers

import (
	"context"
	"time"

	"IMCore/service/chat"
	"IMCore/tools/errs"
)

// UploadHandleHandler 换取附件上传句柄。媒体内容不走消息链路：
// 客户端拿句柄直传媒体服务，消息正文只带 attach_handle。
type UploadHandleHandler struct{}

func NewUploadHandleHandler() chat.Handler { return &UploadHandleHandler{} }

func (h *UploadHandleHandler) Type() string { return chat.FrameUploadReq }

func (h *UploadHandleHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	up, err := chat.PayloadAs[chat.UploadReqPayload](f)
	if err != nil {
		return err
	}
	if up.FileName == "" || up.SizeBytes <= 0 {
		return errs.ErrArgs.WrapMsg("file_name/size_bytes required")
	}

	actx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	hd, err := s.Attach().GenerateUploadHandle(actx, chat.AttachmentMeta{
		UserID:    sess.UserID,
		ConvID:    up.ConvID,
		FileName:  up.FileName,
		MimeType:  up.MimeType,
		SizeBytes: up.SizeBytes,
	})
	if err != nil {
		return err
	}
	sess.Enqueue(chat.BuildUploadAck(hd.Handle, hd.UploadURL, hd.ExpireAt))
	return nil
}

// AttachResolveHandler 句柄换下载地址
type AttachResolveHandler struct{}

func NewAttachResolveHandler() chat.Handler { return &AttachResolveHandler{} }

func (h *AttachResolveHandler) Type() string { return chat.FrameAttachURL }

func (h *AttachResolveHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	rp, err := chat.PayloadAs[chat.AttachURLPayload](f)
	if err != nil {
		return err
	}
	if rp.Handle == "" {
		return errs.ErrArgs.WrapMsg("handle required")
	}

	actx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	url, err := s.Attach().Resolve(actx, rp.Handle)
	if err != nil {
		return err
	}
	sess.Enqueue(chat.BuildAttachAck(rp.Handle, url))
	return nil
}
