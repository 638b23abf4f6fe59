package opshub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastsSnapshotToConnectedClient(t *testing.T) {
	calls := 0
	hub := NewHub(func() Snapshot {
		calls++
		return Snapshot{QueueDepths: map[string]int{"hunts": calls}}
	}, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap Snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&snap))
	require.Equal(t, 1, snap.QueueDepths["hunts"])
}

func TestHubClientCountAtCapacity(t *testing.T) {
	hub := NewHub(func() Snapshot { return Snapshot{} }, time.Hour, nil)
	hub.clients = make(map[*websocket.Conn]struct{})
	for i := 0; i < maxConnections; i++ {
		hub.clients[&websocket.Conn{}] = struct{}{}
	}
	require.Equal(t, maxConnections, hub.ClientCount())
}
