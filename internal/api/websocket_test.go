package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsWebSocket(t *testing.T) {
	s := newTestServer(t, "mock", 0)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snapshot map[string]interface{}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "connected", snapshot["type"])
	assert.NotEmpty(t, snapshot["client_id"])
	assert.Equal(t, s.handler.Conversation.CurrentCharacter().ID, snapshot["characterId"])

	require.Eventually(t, func() bool { return s.handler.Hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	s.handler.Conversation.Send(context.Background(), "hello")

	seen := map[string]bool{}
	for !seen["busy_changed"] || !seen["transcript_changed"] {
		var ev map[string]interface{}
		require.NoError(t, conn.ReadJSON(&ev))
		if typ, ok := ev["type"].(string); ok {
			seen[typ] = true
		}
	}

	status := envelopeData(t, s.do("GET", "/api/ws/status", ""))
	assert.EqualValues(t, 1, status["total_connections"])
}

func TestEventHubStop(t *testing.T) {
	s := newTestServer(t, "mock", 0)
	hub := s.handler.Hub

	hub.Stop()
	hub.Stop()
	assert.Equal(t, 0, hub.ClientCount())

	client := newEventClient(nil)
	assert.False(t, hub.attach(client), "stopped hub rejects new clients")
}
