package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMCore/service/chat"
	"IMCore/tools/errs"
)

type stubAttach struct {
	meta     chat.AttachmentMeta
	resolved string
}

func (s *stubAttach) GenerateUploadHandle(_ context.Context, meta chat.AttachmentMeta) (*chat.UploadHandle, error) {
	s.meta = meta
	return &chat.UploadHandle{Handle: "h-1", UploadURL: "https://media.local/u/h-1"}, nil
}

func (s *stubAttach) Resolve(_ context.Context, handle string) (string, error) {
	s.resolved = handle
	return "https://media.local/d/" + handle, nil
}

func newAttachServer(st *stubAttach) *chat.Server {
	return chat.NewServer(chat.ServerConf{}, chat.ServerDeps{Attach: st})
}

func TestUploadHandleThreadsIdentity(t *testing.T) {
	st := &stubAttach{}
	srv := newAttachServer(st)
	sess := &chat.Session{SessionID: "s1", UserID: "bob", DeviceID: "d1", Authorized: true}

	h := NewUploadHandleHandler()
	err := h.Handle(&chat.Context{S: srv}, &chat.Frame{Type: chat.FrameUploadReq, Payload: map[string]any{
		"conversation_id": "c1",
		"file_name":       "cat.png",
		"mime_type":       "image/png",
		"size_bytes":      int64(2048),
	}}, sess)
	require.NoError(t, err)

	assert.Equal(t, "bob", st.meta.UserID)
	assert.Equal(t, "c1", st.meta.ConvID)
	assert.Equal(t, "cat.png", st.meta.FileName)
	assert.Equal(t, int64(2048), st.meta.SizeBytes)
}

func TestUploadHandleRejectsMissingMeta(t *testing.T) {
	srv := newAttachServer(&stubAttach{})
	sess := &chat.Session{SessionID: "s1", UserID: "bob", Authorized: true}

	h := NewUploadHandleHandler()
	err := h.Handle(&chat.Context{S: srv}, &chat.Frame{Type: chat.FrameUploadReq, Payload: map[string]any{
		"conversation_id": "c1",
	}}, sess)
	require.Error(t, err)
	assert.Equal(t, errs.CodeArgs, errs.CodeOf(err))
}

func TestAttachResolvePassesHandle(t *testing.T) {
	st := &stubAttach{}
	srv := newAttachServer(st)
	sess := &chat.Session{SessionID: "s1", UserID: "bob", Authorized: true}

	h := NewAttachResolveHandler()
	err := h.Handle(&chat.Context{S: srv}, &chat.Frame{Type: chat.FrameAttachURL, Payload: map[string]any{
		"handle": "h-9",
	}}, sess)
	require.NoError(t, err)
	assert.Equal(t, "h-9", st.resolved)
}
