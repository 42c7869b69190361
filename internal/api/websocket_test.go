package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

func dialWebSocket(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) routing.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev routing.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestWebSocketBroadcast(t *testing.T) {
	node := createTestNode(t)
	s, ts := createTestServer(t, node)

	first := dialWebSocket(t, ts.URL)
	second := dialWebSocket(t, ts.URL)

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	update := routing.Event{Type: routing.EventContactAdded, NodeID: "abc", Bucket: 7}
	require.NoError(t, s.Hub().BroadcastRoutingUpdate(update))

	for _, conn := range []*websocket.Conn{first, second} {
		ev := readEvent(t, conn)
		assert.Equal(t, routing.EventContactAdded, ev.Type)
		assert.Equal(t, "abc", ev.NodeID)
		assert.Equal(t, 7, ev.Bucket)
	}
}

func TestWebSocketRoutingEvents(t *testing.T) {
	node := createTestNode(t)
	s, ts := createTestServer(t, node)
	node.SetBroadcaster(s.Hub())

	conn := dialWebSocket(t, ts.URL)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	peer := routing.NewContact(keyspace.HashString("peer"), "10.0.0.1:8468")
	node.Observe(peer)

	ev := readEvent(t, conn)
	assert.Equal(t, routing.EventContactAdded, ev.Type)
	assert.Equal(t, peer.ID.String(), ev.NodeID)
	assert.Equal(t, "10.0.0.1:8468", ev.Addr)
	assert.Equal(t, keyspace.BucketIndex(node.ID(), peer.ID), ev.Bucket)
}

func TestWebSocketClientDisconnect(t *testing.T) {
	node := createTestNode(t)
	s, ts := createTestServer(t, node)

	conn := dialWebSocket(t, ts.URL)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return s.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHubStop(t *testing.T) {
	hub := NewWebSocketHub(pkg.Nop())

	// stopping a hub that never ran returns immediately
	hub.Stop()
	hub.Stop()

	hub = NewWebSocketHub(pkg.Nop())
	go hub.Run()
	require.Eventually(t, func() bool { return hub.running.Load() }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		hub.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	// broadcasting after stop never blocks
	for i := 0; i < 300; i++ {
		require.NoError(t, hub.BroadcastRoutingUpdate(routing.Event{Type: routing.EventContactRefreshed}))
	}
}

func TestBroadcastUnmarshalable(t *testing.T) {
	hub := NewWebSocketHub(pkg.Nop())
	assert.Error(t, hub.BroadcastRoutingUpdate(make(chan int)))
}
