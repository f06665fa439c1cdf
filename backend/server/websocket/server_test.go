package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/collab-relay/backend/model"
	"github.com/adwski/collab-relay/backend/service"
	store "github.com/adwski/collab-relay/backend/storage/memory"
	sw "github.com/adwski/collab-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *service.Service) {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	cfg.Logger = &logger
	cfg.SignalingService = svc
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.connCancel()
	})
	return ts, svc
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(model.Envelope{Event: event, Data: raw}))
}

func receive(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg inbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func receiveMembers(t *testing.T, conn *websocket.Conn) []model.Participant {
	t.Helper()
	msg := receive(t, conn)
	require.Equal(t, model.EventRoomUsers, msg.Event)
	var members []model.Participant
	require.NoError(t, json.Unmarshal(msg.Data, &members))
	return members
}

func TestServer_RoomLifecycle(t *testing.T) {
	ts, svc := newTestServer(t, Config{})

	alice := dial(t, ts, nil)
	emit(t, alice, model.EventJoinRoom, model.JoinRoomRequest{RoomID: "r1", DisplayName: "alice", IsOwner: true})
	members := receiveMembers(t, alice)
	require.Len(t, members, 1)
	aliceID := members[0].ConnectionID
	assert.NotEmpty(t, aliceID)

	bob := dial(t, ts, nil)
	emit(t, bob, model.EventJoinRoom, model.JoinRoomRequest{RoomID: "r1", DisplayName: "bob"})
	members = receiveMembers(t, bob)
	require.Len(t, members, 2)
	assert.Equal(t, model.Participant{ConnectionID: aliceID, DisplayName: "alice"}, members[0])
	bobID := members[1].ConnectionID
	assert.NotEqual(t, aliceID, bobID)

	joined := receive(t, alice)
	assert.Equal(t, model.EventUserJoined, joined.Event)
	assert.JSONEq(t, `{"connectionId":"`+bobID+`","displayName":"bob"}`, string(joined.Data))

	emit(t, alice, model.EventDrawing, map[string]any{
		"roomId": "r1",
		"data":   map[string]any{"points": []int{1, 2, 3}, "color": "red"},
	})
	drawing := receive(t, bob)
	assert.Equal(t, model.EventDrawing, drawing.Event)
	assert.JSONEq(t, `{"data":{"points":[1,2,3],"color":"red"}}`, string(drawing.Data))

	emit(t, bob, model.EventSignal, map[string]any{"roomId": "r1", "signalPayload": "sdp"})
	signal := receive(t, alice)
	assert.Equal(t, model.EventSignal, signal.Event)
	assert.JSONEq(t, `{"senderConnectionId":"`+bobID+`","signalPayload":"sdp"}`, string(signal.Data))

	require.NoError(t, alice.Close())
	closed := receive(t, bob)
	assert.Equal(t, model.EventRoomClosed, closed.Event)
	assert.Empty(t, closed.Data)

	assert.Eventually(t, func() bool {
		return svc.Stats() == model.Stats{Connections: 1}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestServer_MemberLeft(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	carol := dial(t, ts, nil)
	emit(t, carol, model.EventJoinRoom, model.JoinRoomRequest{RoomID: "r2", DisplayName: "carol"})
	receiveMembers(t, carol)

	dave := dial(t, ts, nil)
	emit(t, dave, model.EventJoinRoom, model.JoinRoomRequest{RoomID: "r2", DisplayName: "dave"})
	daveID := receiveMembers(t, dave)[1].ConnectionID
	receive(t, carol) // user-joined

	require.NoError(t, dave.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	left := receive(t, carol)
	assert.Equal(t, model.EventUserLeft, left.Event)
	assert.JSONEq(t, `{"connectionId":"`+daveID+`","displayName":"dave"}`, string(left.Data))
}

func TestServer_ProtocolErrorGoesToSenderOnly(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	a := dial(t, ts, nil)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	msg := receive(t, a)
	assert.Equal(t, model.EventError, msg.Event)
	var payload model.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, model.ErrCodeMalformed, payload.Code)

	// connection survives protocol errors
	emit(t, a, model.EventJoinRoom, model.JoinRoomRequest{RoomID: "r", DisplayName: "a"})
	assert.Len(t, receiveMembers(t, a), 1)
}

func TestServer_RateLimit(t *testing.T) {
	ts, _ := newTestServer(t, Config{RateLimit: 1, RateBurst: 1})

	a := dial(t, ts, nil)
	emit(t, a, model.EventJoinRoom, model.JoinRoomRequest{RoomID: "r", DisplayName: "a"})
	emit(t, a, model.EventChat, model.ChatRequest{RoomID: "r", DisplayName: "a", Message: "1"})
	emit(t, a, model.EventChat, model.ChatRequest{RoomID: "r", DisplayName: "a", Message: "2"})

	var limited, snapshots int
	for i := 0; i < 3; i++ {
		msg := receive(t, a)
		switch msg.Event {
		case model.EventRoomUsers:
			snapshots++
		case model.EventError:
			var payload model.ErrorPayload
			require.NoError(t, json.Unmarshal(msg.Data, &payload))
			assert.Equal(t, model.ErrCodeRateLimited, payload.Code)
			limited++
		}
	}
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 2, limited)
}

func TestServer_OriginCheck(t *testing.T) {
	ts, _ := newTestServer(t, Config{AllowedOrigins: []string{"http://good.example"}})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn := dial(t, ts, http.Header{"Origin": {"http://good.example"}})
	assert.NotNil(t, conn)
}
