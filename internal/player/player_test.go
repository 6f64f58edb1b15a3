package player

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	conn := dialHub(t, server)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return hub.Watchers() == 1 },
		time.Second, 10*time.Millisecond)

	record := []byte{0x45, 0x52, 0x07, 0x00, 0xAA}
	hub.Broadcast(record)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, record, payload)
}

func TestHubBroadcastWithoutWatchersDoesNotBlock(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	done := make(chan struct{})

	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast([]byte{byte(i)})
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked with no watchers")
	}
}

func TestHubDropsSlowConsumer(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	// synthetic consumer with no write loop draining its queue
	slow := &client{send: make(chan []byte, 2), addr: "synthetic"}

	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	for i := 0; i < 3; i++ {
		hub.Broadcast([]byte{byte(i)})
	}

	require.Zero(t, hub.Watchers())

	// the queue was closed on drop
	_, ok := <-slow.send
	require.True(t, ok) // first queued record
	_, ok = <-slow.send
	require.True(t, ok) // second queued record
	_, ok = <-slow.send
	require.False(t, ok)
}

func TestHubCloseDisconnectsWatchers(t *testing.T) {
	hub := NewHub()

	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	conn := dialHub(t, server)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return hub.Watchers() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Close()
	require.Zero(t, hub.Watchers())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
