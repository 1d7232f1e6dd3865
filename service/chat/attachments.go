package chat

import "context"

// AttachmentMeta 上传前声明的元信息
type AttachmentMeta struct {
	UserID    string
	ConvID    string
	FileName  string
	MimeType  string
	SizeBytes int64
}

// UploadHandle 媒体服务签发的上传凭证
type UploadHandle struct {
	Handle    string
	UploadURL string
	ExpireAt  int64 // unix ms
}

// Attachments 媒体服务边界。消息链路只透传句柄（SendPayload.AttachHandle），
// 上传/下载客户端直连媒体服务，字节流不经过网关。
type Attachments interface {
	GenerateUploadHandle(ctx context.Context, meta AttachmentMeta) (*UploadHandle, error)
	Resolve(ctx context.Context, handle string) (url string, err error)
}
