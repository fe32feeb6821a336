package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/queue"
)

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub()
	e := echo.New()
	e.GET("/ws/host", hub.ServeWS)
	srv := httptest.NewServer(e)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/host", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		t.Fatalf("hello = %+v, %v", hello, err)
	}
	// hello is written after registration, so the client is counted.
	if hub.Count() != 1 {
		t.Fatalf("clients = %d", hub.Count())
	}

	if err := hub.Publish(context.Background(), queue.SyncEvent{Kind: queue.KindCommitted, Device: "tab-1", Count: 3}); err != nil {
		t.Fatal(err)
	}
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "event" || msg.Event == nil || msg.Event.Kind != queue.KindCommitted || msg.Event.Count != 3 {
		t.Fatalf("message = %+v", msg)
	}
}

func TestPublishWithoutClients(t *testing.T) {
	if err := NewHub().Publish(context.Background(), queue.SyncEvent{Kind: queue.KindMerged}); err != nil {
		t.Fatal(err)
	}
}
