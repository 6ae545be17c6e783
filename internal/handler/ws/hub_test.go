package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/repository/memory"
	"teleconsult-backend/internal/service/chat"
	"teleconsult-backend/internal/service/signaling"
)

var testNow = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

type fixture struct {
	server *httptest.Server
	hub    *Hub
	broker *signaling.Broker
	repo   *memory.CallRepository
}

func newFixture(t *testing.T, cfg HubConfig) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewMock()
	clk.Set(testNow)

	repo := memory.NewCallRepository()
	broker := signaling.NewBroker(repo, chat.NewStore(nil, 0, clk), nil, nil, clk)
	hub := NewHub(broker, cfg)

	router := gin.New()
	router.GET("/v1/ws", hub.ServeWS)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		hub.Close()
		server.Close()
		broker.Shutdown()
	})

	return &fixture{server: server, hub: hub, broker: broker, repo: repo}
}

func (f *fixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/ws"
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(domain.Envelope{Event: event, Data: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func next(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env domain.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func (f *fixture) waitMembers(t *testing.T, roomID string, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return f.broker.Rooms().Size(roomID) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVideoCallOverSockets(t *testing.T) {
	f := newFixture(t, HubConfig{})
	require.NoError(t, f.repo.Create(context.Background(), &domain.Call{
		RoomID:      "vc-room",
		DoctorID:    "doc",
		PatientID:   "pat",
		ScheduledAt: testNow,
		Duration:    30,
		Status:      domain.CallStatusScheduled,
	}))

	doctor := f.dial(t)
	patient := f.dial(t)

	emit(t, doctor, domain.EventJoinVideoCall, gin.H{"roomId": "vc-room", "userId": "doc", "userType": "doctor"})
	f.waitMembers(t, "vc-room", 1)
	emit(t, patient, domain.EventJoinVideoCall, gin.H{"roomId": "vc-room", "userId": "pat", "userType": "patient"})

	joined := next(t, doctor)
	assert.Equal(t, domain.EventUserJoined, joined.Event)
	assert.JSONEq(t, `{"userId":"pat","userType":"patient","roomId":"vc-room"}`, string(joined.Data))

	assert.Eventually(t, func() bool {
		call, err := f.repo.GetByRoomID(context.Background(), "vc-room")
		return err == nil && call.Status == domain.CallStatusOngoing
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.broker.Timers().Armed("vc-room"))

	// Offers go to the other peer only; the sender next sees the answer
	emit(t, doctor, domain.EventOffer, gin.H{"roomId": "vc-room", "sdp": "v=0 offer"})
	offer := next(t, patient)
	assert.Equal(t, domain.EventOffer, offer.Event)
	assert.Contains(t, string(offer.Data), "v=0 offer")

	emit(t, patient, domain.EventAnswer, gin.H{"roomId": "vc-room", "sdp": "v=0 answer"})
	answer := next(t, doctor)
	assert.Equal(t, domain.EventAnswer, answer.Event)

	emit(t, doctor, domain.EventChatSend, gin.H{"roomId": "vc-room", "sender": "doc", "message": "can you hear me?"})
	assert.Equal(t, domain.EventNewMessage, next(t, doctor).Event)
	assert.Equal(t, domain.EventNewMessage, next(t, patient).Event)

	emit(t, patient, domain.EventEndCall, gin.H{"roomId": "vc-room"})
	for _, conn := range []*websocket.Conn{doctor, patient} {
		ended := next(t, conn)
		require.Equal(t, domain.EventCallEnded, ended.Event)

		var payload domain.CallEnded
		require.NoError(t, json.Unmarshal(ended.Data, &payload))
		assert.Equal(t, domain.EndReasonManualTermination, payload.Reason)
	}
	assert.False(t, f.broker.Timers().Armed("vc-room"))
}

func TestRejectedEventsGetErrorFrame(t *testing.T) {
	f := newFixture(t, HubConfig{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := next(t, conn)
	require.Equal(t, domain.EventRejected, env.Event)

	var evErr domain.EventError
	require.NoError(t, json.Unmarshal(env.Data, &evErr))
	assert.Equal(t, domain.EventErrMalformed, evErr.Code)

	emit(t, conn, "teleport", gin.H{"roomId": "x"})
	require.NoError(t, json.Unmarshal(next(t, conn).Data, &evErr))
	assert.Equal(t, domain.EventErrUnknown, evErr.Code)
	assert.Equal(t, "teleport", evErr.Event)

	emit(t, conn, domain.EventEndCall, gin.H{"roomId": "vc-missing"})
	require.NoError(t, json.Unmarshal(next(t, conn).Data, &evErr))
	assert.Equal(t, domain.EventErrCallNotFound, evErr.Code)

	// The connection survives rejections
	emit(t, conn, domain.EventJoinRoom, "room-1")
	f.waitMembers(t, "room-1", 1)
}

func TestDisconnectLeavesRooms(t *testing.T) {
	f := newFixture(t, HubConfig{})
	conn := f.dial(t)

	emit(t, conn, domain.EventJoinRoom, gin.H{"roomId": "room-1"})
	f.waitMembers(t, "room-1", 1)
	assert.Equal(t, 1, f.hub.Len())

	require.NoError(t, conn.Close())
	f.waitMembers(t, "room-1", 0)
	assert.Eventually(t, func() bool { return f.hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionCapacity(t *testing.T) {
	f := newFixture(t, HubConfig{MaxConnections: 1})
	first := f.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		conn, _, err := websocket.DefaultDialer.Dial(f.url(), nil)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginAllowList(t *testing.T) {
	f := newFixture(t, HubConfig{AllowedOrigins: []string{"https://clinic.example"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://clinic.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.NoError(t, err)
	conn.Close()
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	assert.True(t, check(req), "requests without Origin are allowed")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:4000")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}

func TestClientSendAfterClose(t *testing.T) {
	c := &Client{id: "c1", send: make(chan []byte, 1)}

	assert.True(t, c.Send([]byte("a")))
	assert.False(t, c.Send([]byte("b")), "full queue drops")

	c.closeSend()
	assert.False(t, c.Send([]byte("c")))
	c.closeSend()
}
