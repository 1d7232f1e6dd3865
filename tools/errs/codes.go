package errs

// 错误码分段：
//   14xx 鉴权/权限
//   15xx 容量/限流
//   16xx 提交/持久化
//   17xx 投递（仅内部流转，不回给发送方）
const (
	CodeArgs                 = 1400
	CodeAuth                 = 1401
	CodePermission           = 1403
	CodeCapacity             = 1501
	CodeRateLimited          = 1502
	CodeTransientPersistence = 1601
	CodeTokenReused          = 1602
	CodeDeliveryTimeout      = 1701
)

var (
	// ErrArgs 请求帧缺字段或字段非法
	ErrArgs = NewCodeError(CodeArgs, "invalid argument")

	// ErrAuth 握手/凭证被拒，服务端不重试，客户端需重新认证
	ErrAuth = NewCodeError(CodeAuth, "authentication rejected")

	// ErrPermission 发送者不是会话成员
	ErrPermission = NewCodeError(CodePermission, "not a conversation member")

	// ErrCapacity 会话成员数超限
	ErrCapacity = NewCodeError(CodeCapacity, "conversation capacity exceeded")

	// ErrRateLimited 触发发送限流
	ErrRateLimited = NewCodeError(CodeRateLimited, "rate limit exceeded")

	// ErrTransientPersistence 提交在时限内未能落盘；携带同一 idempotency token
	// 重试整个调用是安全的
	ErrTransientPersistence = NewCodeError(CodeTransientPersistence, "message not durably persisted")

	// ErrTokenReused 同一 token 提交了不同内容
	ErrTokenReused = NewCodeError(CodeTokenReused, "idempotency token reused with different payload")

	// ErrDeliveryTimeout 投递确认超时，驱动重试循环，永不回给发送方
	ErrDeliveryTimeout = NewCodeError(CodeDeliveryTimeout, "delivery ack timeout")
)
