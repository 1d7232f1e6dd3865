package handlers

import (
	"context"
	"sync"
	"time"

	"IMCore/service/chat"
	"IMCore/tools/errs"
)

// typingExpirySet 每 (user, conversation) 一个可重置的熄灭定时器：
// 重复 typing_start 续命而不是叠加新定时器，typing_stop 撤销。
type typingExpirySet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTypingExpirySet() *typingExpirySet {
	return &typingExpirySet{timers: make(map[string]*time.Timer)}
}

func (e *typingExpirySet) arm(key string, d time.Duration, fire func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Reset(d)
		return
	}
	e.timers[key] = time.AfterFunc(d, func() {
		e.mu.Lock()
		delete(e.timers, key)
		e.mu.Unlock()
		fire()
	})
}

func (e *typingExpirySet) cancel(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

// TypingHandler typing_start / typing_stop 转发给会话其他在线成员。
// 纯瞬态：不落库不重试，掉了就掉了。start 后无 stop 由超时兜底。
type TypingHandler struct {
	typ    string
	expiry time.Duration
	exp    *typingExpirySet
}

func NewTypingStartHandler(expiry time.Duration, exp *typingExpirySet) chat.Handler {
	return &TypingHandler{typ: chat.FrameTypingStart, expiry: expiry, exp: exp}
}

func NewTypingStopHandler(exp *typingExpirySet) chat.Handler {
	return &TypingHandler{typ: chat.FrameTypingStop, exp: exp}
}

func (h *TypingHandler) Type() string { return h.typ }

func (h *TypingHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	s := ctx.S
	tp, err := chat.PayloadAs[chat.TypingPayload](f)
	if err != nil {
		return err
	}
	if tp.ConvID == "" {
		return errs.ErrArgs.WrapMsg("conversation_id required")
	}

	tctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	conv, err := s.Router().Conversation(tctx, tp.ConvID)
	if err != nil || conv == nil || !conv.HasMember(sess.UserID) {
		return errs.ErrPermission.WrapMsg("not a member", "conv", tp.ConvID)
	}

	broadcast := func(on bool) {
		frame := chat.BuildTyping(tp.ConvID, sess.UserID, on)
		for _, m := range conv.Members {
			if m != sess.UserID {
				s.ConnMgr().Push(m, frame)
			}
		}
	}

	key := sess.UserID + "|" + tp.ConvID
	if h.typ == chat.FrameTypingStart {
		broadcast(true)
		// start 无后续 stop 时自动熄灭；重复 start 只是把表拨回去
		if h.expiry > 0 {
			h.exp.arm(key, h.expiry, func() { broadcast(false) })
		}
		return nil
	}

	h.exp.cancel(key)
	broadcast(false)
	return nil
}
