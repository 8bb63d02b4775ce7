package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robolink/robolink/internal/protocol"
	"github.com/robolink/robolink/internal/store"
	"github.com/robolink/robolink/internal/transport"
)

// fakeSender records outbound frames and can simulate dead channels.
type fakeSender struct {
	mu    sync.Mutex
	sent  map[string][][]byte
	gone  map[string]bool
	fail  map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent: make(map[string][][]byte),
		gone: make(map[string]bool),
		fail: make(map[string]error),
	}
}

func (f *fakeSender) Send(_ context.Context, connectionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connectionID] {
		return transport.ErrGone
	}
	if err := f.fail[connectionID]; err != nil {
		return err
	}
	f.sent[connectionID] = append(f.sent[connectionID], data)
	return nil
}

func (f *fakeSender) sentTo(connectionID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[connectionID]
}

func newTestRouter(t *testing.T, allowLegacy bool) (*Router, store.Store, *fakeSender) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	sender := newFakeSender()
	return NewRouter(st, sender, allowLegacy, zerolog.Nop()), st, sender
}

func openConn(t *testing.T, st store.Store, id, owner string, groups ...string) {
	t.Helper()
	require.NoError(t, st.PutConnection(context.Background(), &store.Connection{
		ID:             id,
		Role:           protocol.RoleClient,
		OwnerUserID:    owner,
		Groups:         groups,
		LastActivityAt: time.Now().UTC(),
	}))
}

func registerRobot(t *testing.T, r *Router, connID, robotID string) {
	t.Helper()
	raw := []byte(`{"type":"register","robotId":"` + robotID + `"}`)
	require.NoError(t, r.Handle(context.Background(), connID, raw))
}

func TestRegistrationPromotesAndUpsertsPresence(t *testing.T) {
	r, st, _ := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	registerRobot(t, r, "conn-1", "robot-a")

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, protocol.RoleRobot, conn.Role)

	pres, err := st.GetPresence(ctx, "robot-a")
	require.NoError(t, err)
	require.Equal(t, "conn-1", pres.ConnectionID)
	require.Equal(t, "user-1", pres.OwnerUserID)
}

func TestRegistrationLastWriterWins(t *testing.T) {
	r, st, _ := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")
	openConn(t, st, "conn-2", "user-2")

	registerRobot(t, r, "conn-1", "robot-a")
	registerRobot(t, r, "conn-2", "robot-a")

	pres, err := st.GetPresence(ctx, "robot-a")
	require.NoError(t, err)
	require.Equal(t, "conn-2", pres.ConnectionID)

	all, _, err := st.ListPresence(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRegistrationWithoutRobotIDDropped(t *testing.T) {
	r, st, _ := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	require.NoError(t, r.Handle(ctx, "conn-1", []byte(`{"type":"register"}`)))

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, protocol.RoleClient, conn.Role)
}

func TestPingAnsweredLocally(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	raw := []byte(`{"type":"ping","payload":{"id":"corr-7"}}`)
	require.NoError(t, r.Handle(ctx, "conn-1", raw))

	frames := sender.sentTo("conn-1")
	require.Len(t, frames, 1)

	var pong map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &pong))
	require.Equal(t, "pong", pong["type"])
	payload, _ := pong["payload"].(map[string]interface{})
	require.Equal(t, "corr-7", payload["id"])
}

func TestPongUpdatesLastPong(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	require.NoError(t, r.Handle(ctx, "conn-1", []byte(`{"type":"pong"}`)))

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, conn.LastPongAt)
	require.Empty(t, sender.sentTo("conn-1"))
}

func TestOfferRoutedToRobot(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "robot-conn", "user-1")
	openConn(t, st, "client-conn", "user-1")
	registerRobot(t, r, "robot-conn", "robot-a")

	raw := []byte(`{"type":"offer","robotId":"robot-a","payload":{"sdp":"v=0 offer","type":"offer"}}`)
	require.NoError(t, r.Handle(ctx, "client-conn", raw))

	frames := sender.sentTo("robot-conn")
	require.Len(t, frames, 1)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &out))
	require.Equal(t, "offer", out["type"])
	payload, _ := out["payload"].(map[string]interface{})
	require.Equal(t, "v=0 offer", payload["sdp"])
}

func TestAnswerRoutedToExplicitClient(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "robot-conn", "user-1")
	openConn(t, st, "client-conn", "user-2")
	registerRobot(t, r, "robot-conn", "robot-a")

	raw := []byte(`{"type":"answer","target":"client","clientConnectionId":"client-conn","payload":{"sdp":"v=0 answer"}}`)
	require.NoError(t, r.Handle(ctx, "robot-conn", raw))

	frames := sender.sentTo("client-conn")
	require.Len(t, frames, 1)
}

func TestForwardToUnknownRobotDropped(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "client-conn", "user-1")

	raw := []byte(`{"type":"offer","robotId":"ghost","payload":{"sdp":"v=0"}}`)
	require.NoError(t, r.Handle(ctx, "client-conn", raw))

	require.Empty(t, sender.sentTo("client-conn"))
}

func TestForwardRequiresOwnerOrAdmin(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "robot-conn", "owner-user")
	openConn(t, st, "stranger-conn", "other-user")
	openConn(t, st, "admin-conn", "admin-user", "ADMINS")
	registerRobot(t, r, "robot-conn", "robot-a")

	raw := []byte(`{"type":"offer","robotId":"robot-a","payload":{"sdp":"v=0"}}`)

	require.NoError(t, r.Handle(ctx, "stranger-conn", raw))
	require.Empty(t, sender.sentTo("robot-conn"))

	require.NoError(t, r.Handle(ctx, "admin-conn", raw))
	require.Len(t, sender.sentTo("robot-conn"), 1)
}

func TestTakeoverDeliveredAsAdminTakeover(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "robot-conn", "owner-user")
	openConn(t, st, "admin-conn", "admin-user", "admin")
	registerRobot(t, r, "robot-conn", "robot-a")

	raw := []byte(`{"type":"takeover","robotId":"robot-a"}`)
	require.NoError(t, r.Handle(ctx, "admin-conn", raw))

	frames := sender.sentTo("robot-conn")
	require.Len(t, frames, 1)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &out))
	require.Equal(t, "admin-takeover", out["type"])
	require.Equal(t, "admin-user", out["by"])
}

func TestForwardToGoneDestinationDropped(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "robot-conn", "user-1")
	openConn(t, st, "client-conn", "user-1")
	registerRobot(t, r, "robot-conn", "robot-a")
	sender.gone["robot-conn"] = true

	raw := []byte(`{"type":"offer","robotId":"robot-a","payload":{"sdp":"v=0"}}`)
	require.NoError(t, r.Handle(ctx, "client-conn", raw))
}

func TestProtocolFixedOnFirstMessage(t *testing.T) {
	r, st, _ := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	require.NoError(t, r.Handle(ctx, "conn-1", []byte(`{"type":"agent.ping","version":1,"id":"e1","payload":{}}`)))

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, protocol.ProtocolVersioned, conn.Protocol)

	// A legacy frame on a versioned channel passes only with legacy mode on.
	require.NoError(t, r.Handle(ctx, "conn-1", []byte(`{"type":"pong"}`)))
	conn, err = st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, conn.LastPongAt)
}

func TestLegacyRejectedWhenDisabled(t *testing.T) {
	r, st, sender := newTestRouter(t, false)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	require.NoError(t, r.Handle(ctx, "conn-1", []byte(`{"type":"ping","payload":{"id":"x"}}`)))

	// Dropped silently: no pong, no protocol recorded.
	require.Empty(t, sender.sentTo("conn-1"))
	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, protocol.Protocol(""), conn.Protocol)
}

func TestUnrecognizedTypeDropped(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	require.NoError(t, r.Handle(ctx, "conn-1", []byte(`{"type":"bogus"}`)))
	require.Empty(t, sender.sentTo("conn-1"))
}

func TestCapabilityQueryAnswered(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "conn-1", "user-1")

	raw := []byte(`{"type":"capability.query","version":1,"id":"q1","payload":{"versions":[1]}}`)
	require.NoError(t, r.Handle(ctx, "conn-1", raw))

	frames := sender.sentTo("conn-1")
	require.Len(t, frames, 1)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &out))
	require.Equal(t, "capability.advertise", out["type"])
}

func TestAcceptedMessageTouchesActivity(t *testing.T) {
	r, st, _ := newTestRouter(t, true)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, st.PutConnection(ctx, &store.Connection{
		ID:             "conn-1",
		Role:           protocol.RoleClient,
		OwnerUserID:    "user-1",
		LastActivityAt: stale,
	}))

	require.NoError(t, r.Handle(ctx, "conn-1", []byte(`{"type":"pong"}`)))

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.True(t, conn.LastActivityAt.After(stale))
}

func TestCrossProtocolForward(t *testing.T) {
	r, st, sender := newTestRouter(t, true)
	ctx := context.Background()
	openConn(t, st, "robot-conn", "user-1")
	openConn(t, st, "client-conn", "user-1")

	// Robot speaks versioned, client speaks legacy.
	require.NoError(t, r.Handle(ctx, "robot-conn",
		[]byte(`{"type":"signalling.register","version":1,"id":"r1","payload":{"robotId":"robot-a"}}`)))

	raw := []byte(`{"type":"ice-candidate","robotId":"robot-a","payload":{"candidate":"candidate:1 1 udp 2113937151 10.0.0.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}}`)
	require.NoError(t, r.Handle(ctx, "client-conn", raw))

	frames := sender.sentTo("robot-conn")
	require.Len(t, frames, 1)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &out))
	require.Equal(t, "signalling.ice-candidate", out["type"])
	payload, _ := out["payload"].(map[string]interface{})
	cand, _ := payload["candidate"].(map[string]interface{})
	require.Equal(t, "0", cand["sdpMid"])
	require.Equal(t, float64(0), cand["sdpMLineIndex"])
}
