package chat

// Context 处理器得到的请求环境
type Context struct {
	S *Server
}

// Handler 业务帧处理器
type Handler interface {
	Type() string
	Handle(ctx *Context, f *Frame, sess *Session) error
}
