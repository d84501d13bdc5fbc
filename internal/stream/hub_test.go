package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsMux(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	return mux
}

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub()
	srv := httptest.NewServer(wsMux(h))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	waitForSubscribers(t, h, 1)
	h.Publish("position_event", map[string]string{"position_id": "pos-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "position_event", msg.Topic)
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	srv := httptest.NewServer(wsMux(h))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	waitForSubscribers(t, h, 1)
	h.Close()
	assert.Equal(t, 0, h.Subscribers())

	// New connections after Close are refused.
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn2.SetReadDeadline(time.Now().Add(time.Second))
		_, _, readErr := conn2.ReadMessage()
		assert.Error(t, readErr)
		conn2.Close()
	}
	assert.Equal(t, 0, h.Subscribers())
}

func TestPublishWithNoSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	h.Publish("position_event", map[string]string{"position_id": "pos-1"})
	assert.Equal(t, 0, h.Subscribers())
}

func waitForSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers never reached %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
