package chat

import (
	"IMCore/logger"
	"IMCore/tools/errs"
)

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Dispatch(ctx *Context, f *Frame, sess *Session) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.New("no handler for frame", "type", f.Type)
	}
	return h.Handle(ctx, f, sess)
}

func (d *Dispatcher) GetHandler(typ string) Handler {
	h, ok := d.handlers[typ]
	if !ok {
		logger.Debugf("no handler for type=%s", typ)
		return nil
	}
	return h
}
