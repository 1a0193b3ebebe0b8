package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/localmedia"
	"github.com/isqad/livelook-meet/internal/media/mediatest"
	"github.com/isqad/livelook-meet/internal/presence"
	"github.com/isqad/livelook-meet/internal/room"
)

const (
	testRoom = core.RoomID("abc-def-123")
	waitFor  = 3 * time.Second
	tick     = 10 * time.Millisecond
)

type fixture struct {
	hub     *presence.Hub
	network *mediatest.Network
	room    *room.Room
	app     *App
	server  *httptest.Server
}

func newRoom(f *fixture, self core.ParticipantID, name string, endpoint core.EndpointID) *room.Room {
	return room.New(room.Options{
		Room:        testRoom,
		Self:        self,
		DisplayName: name,
		Presence:    f.hub,
		Library:     f.network.NewLibrary(endpoint),
		Capturer:    &mediatest.Capturer{},
	})
}

func newFixture(t *testing.T, join bool) *fixture {
	f := &fixture{
		hub:     presence.NewHub(),
		network: mediatest.NewNetwork(),
	}
	f.room = newRoom(f, "alice", "Alice", "E0")
	if join {
		require.NoError(t, f.room.Join(context.Background()))
		require.Eventually(t, func() bool {
			snap, err := f.room.Snapshot(context.Background())
			return err == nil && snap.Media.Started
		}, waitFor, tick)
	}

	f.app = New(AppOptions{Env: core.DevelopmentEnv, Room: f.room})
	f.server = httptest.NewServer(f.app.Router())

	ctx, cancel := context.WithCancel(context.Background())
	go f.app.push(ctx)

	t.Cleanup(func() {
		cancel()
		f.server.Close()
		_ = f.room.Leave(context.Background())
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body string) *http.Response {
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").StatusCode)

	resp := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActionsBeforeJoin(t *testing.T) {
	f := newFixture(t, false)

	resp := f.do(t, http.MethodGet, "/api/v1/room", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap room.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, testRoom, snap.Room)
	assert.False(t, snap.Joined)

	for _, path := range []string{"/api/v1/room/mic", "/api/v1/room/camera", "/api/v1/room/screen"} {
		assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, path, "").StatusCode, path)
	}
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/room/messages", `{"text":"hi"}`).StatusCode)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/v1/room", "").StatusCode)
}

func TestToggles(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, http.MethodPost, "/api/v1/room/mic", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st localmedia.State
	decode(t, resp, &st)
	assert.False(t, st.MicEnabled)

	resp = f.do(t, http.MethodPost, "/api/v1/room/camera", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &st)
	assert.True(t, st.CameraEnabled)
	assert.False(t, st.MicEnabled)
}

func TestScreenShare(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/room/screen", "").StatusCode)
	assert.Eventually(t, func() bool {
		snap, err := f.room.Snapshot(context.Background())
		return err == nil && snap.Media.Mode == localmedia.Screen && !snap.Media.Switching
	}, waitFor, tick)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodDelete, "/api/v1/room/screen", "").StatusCode)
	assert.Eventually(t, func() bool {
		snap, err := f.room.Snapshot(context.Background())
		return err == nil && snap.Media.Mode == localmedia.Camera && !snap.Media.Switching
	}, waitFor, tick)
}

func TestMessages(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, http.MethodPost, "/api/v1/room/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg core.ChatMessage
	decode(t, resp, &msg)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.True(t, msg.Local)

	resp = f.do(t, http.MethodPost, "/api/v1/room/messages", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "text", body.Errors[0].Field)

	long := `{"text":"` + strings.Repeat("a", 2001) + `"}`
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/v1/room/messages", long).StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/v1/room/messages", `{"text":"   "}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/room/messages", `{`).StatusCode)

	snap, err := f.room.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Chat, 1)
}

func TestLeave(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/room", "").StatusCode)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/room/mic", "").StatusCode)

	resp := f.do(t, http.MethodGet, "/api/v1/room", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap room.Snapshot
	decode(t, resp, &snap)
	assert.False(t, snap.Joined)
	assert.Eventually(t, func() bool {
		return len(f.hub.Occupants(testRoom)) == 0
	}, waitFor, tick)
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestWebsocketPushesFrames(t *testing.T) {
	f := newFixture(t, true)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	read := func() wireFrame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		var frame wireFrame
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	first := read()
	require.Equal(t, FrameSnapshot, first.Type)
	var snap room.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &snap))
	assert.Equal(t, core.ParticipantID("alice"), snap.Self)

	bob := newRoom(f, "bob", "Bob", "E1")
	require.NoError(t, bob.Join(context.Background()))
	defer bob.Leave(context.Background())

	for {
		frame := read()
		if frame.Type != FrameNotification {
			continue
		}
		var n room.Notification
		require.NoError(t, json.Unmarshal(frame.Data, &n))
		if n.Message == "Bob joined the room" {
			assert.Equal(t, room.Info, n.Level)
			break
		}
	}
}
