package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func startHub(t *testing.T, handler CommandHandler) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.New(zerolog.NewTestWriter(t)))
	hub.SetCommandHandler(handler)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e := echo.New()
	e.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	go hub.Run(ctx)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func TestBroadcastReachesClient(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	if err := hub.Broadcast("job:status", map[string]string{"url": "u1", "status": "queued"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "job:status" || !strings.Contains(string(msg.Payload), `"u1"`) || msg.Timestamp == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestClientCommandsReachHandler(t *testing.T) {
	got := make(chan string, 1)
	hub, url := startHub(t, func(msgType string, payload json.RawMessage) error {
		got <- msgType + " " + string(payload)
		return nil
	})
	conn := dial(t, hub, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"job:cancel","payload":{"url":"u1"}}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case cmd := <-got:
		if cmd != `job:cancel {"url":"u1"}` {
			t.Fatalf("unexpected command %q", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never delivered")
	}
}
