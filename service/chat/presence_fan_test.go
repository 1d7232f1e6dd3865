package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPeers struct {
	partners map[string][]string
}

func (s *stubPeers) DirectPartners(_ context.Context, user string) ([]string, error) {
	return s.partners[user], nil
}

func TestFanPresenceReachesDirectPartners(t *testing.T) {
	mgr := newTestManager(t, nil, 0)

	srvConn, carolCli := wsPair(t)
	_, err := mgr.AddUnauth("s-carol", srvConn)
	require.NoError(t, err)
	require.NoError(t, mgr.Bind("s-carol", "carol", "d1"))

	peers := &stubPeers{partners: map[string][]string{"bob": {"carol"}}}
	FanPresence(context.Background(), mgr, peers, "bob", "offline")

	var f Frame
	require.NoError(t, json.Unmarshal(readFrame(t, carolCli), &f))
	assert.Equal(t, FramePresence, f.Type)
	assert.Equal(t, "bob", f.Payload["user_id"])
	assert.Equal(t, "offline", f.Payload["status"])
}

func TestFanPresenceAlsoSyncsOwnDevices(t *testing.T) {
	mgr := newTestManager(t, nil, 0)

	srvConn, bobCli := wsPair(t)
	_, err := mgr.AddUnauth("s-bob", srvConn)
	require.NoError(t, err)
	require.NoError(t, mgr.Bind("s-bob", "bob", "d2"))

	FanPresence(context.Background(), mgr, &stubPeers{}, "bob", "away")

	var f Frame
	require.NoError(t, json.Unmarshal(readFrame(t, bobCli), &f))
	assert.Equal(t, FramePresence, f.Type)
	assert.Equal(t, "away", f.Payload["status"])
}
