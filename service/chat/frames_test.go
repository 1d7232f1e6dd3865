package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	raw := []byte(`{"type":"message_send","ts":123,"payload":{"conversation_id":"c1","client_msg_id":"tok-1","content_type":101,"content":"hi","at_user_id_list":["bob"]}}`)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameSend, f.Type)

	p, err := PayloadAs[SendPayload](f)
	require.NoError(t, err)
	assert.Equal(t, "c1", p.ConvID)
	assert.Equal(t, "tok-1", p.ClientMsgID)
	assert.EqualValues(t, 101, p.ContentType)
	assert.Equal(t, []string{"bob"}, p.AtUserIDList)
}

func TestParseFrameMissingType(t *testing.T) {
	_, err := ParseFrame([]byte(`{"payload":{"x":1}}`))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestPayloadAsNilPayload(t *testing.T) {
	f := &Frame{Type: FrameHeartbeat}
	_, err := PayloadAs[AuthPayload](f)
	assert.Error(t, err)
}

func TestBuildSendAckRoundTrip(t *testing.T) {
	raw := BuildSendAck("tok-1", "sid-9", 42, 1700000000000)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameSendAck, f.Type)
	assert.NotZero(t, f.Ts)
	assert.Equal(t, "tok-1", f.Payload["client_msg_id"])
	assert.Equal(t, "sid-9", f.Payload["server_msg_id"])
	assert.EqualValues(t, 42, f.Payload["seq"])
}

func TestBuildErrorCarriesCode(t *testing.T) {
	raw := BuildError(1401, "auth required", "authorize before sending")
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, FrameError, f.Type)
	assert.EqualValues(t, 1401, f.Payload["code"])
	assert.Equal(t, "auth required", f.Payload["msg"])
}

func TestBuildTyping(t *testing.T) {
	f, err := ParseFrame(BuildTyping("c1", "alice", true))
	require.NoError(t, err)
	assert.Equal(t, FrameTyping, f.Type)
	assert.Equal(t, true, f.Payload["active"])
	assert.Equal(t, "alice", f.Payload["user_id"])
}
