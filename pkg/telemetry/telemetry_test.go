package telemetry

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdiagfw/engine/pkg/engine"
)

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestBroadcastDeliversFrameToConnectedClient(t *testing.T) {
	s := New(":0", nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond) // let handleWS register the client

	s.broadcast(engine.TelemetryFrame{ChannelID: 1, RxStatus: 0, Data: []byte{0x41, 0x0C}})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Frame
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.EqualValues(t, 1, got.ChannelID)
	assert.Equal(t, []byte{0x41, 0x0C}, got.Data)
	assert.False(t, got.IsLog)
}

func TestBroadcastLogFrameSetsIsLog(t *testing.T) {
	s := New(":0", nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	s.broadcast(engine.TelemetryFrame{IsLog: true, Text: "hello"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Frame
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.True(t, got.IsLog)
	assert.Equal(t, "hello", got.Text)
}

func TestBroadcastWithNoClientsDoesNotBlockOrPanic(t *testing.T) {
	s := New(":0", nil)
	assert.NotPanics(t, func() {
		s.broadcast(engine.TelemetryFrame{Text: "no one is listening"})
	})
}

func TestDisconnectRemovesClientFromSet(t *testing.T) {
	s := New(":0", nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	require.Len(t, s.clients, 1)
	s.mu.Unlock()

	conn.Close()
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	assert.Empty(t, s.clients)
	s.mu.Unlock()
}
