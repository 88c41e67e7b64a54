package vnyan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func receiver(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	received := make(chan string, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(msg)
		}
	}))
	return srv, received
}

func TestSendDeliversTrigger(t *testing.T) {
	srv, received := receiver(t)
	defer srv.Close()

	c := NewClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if err := c.Send(context.Background(), "reset"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != "reset" {
			t.Errorf("received %q, want reset", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never saw the trigger")
	}
}

func TestSendConnectsLazily(t *testing.T) {
	srv, received := receiver(t)
	defer srv.Close()

	// No Connect call; Send dials on demand.
	c := NewClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer c.Close()

	if err := c.Send(context.Background(), "reset"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != "reset" {
			t.Errorf("received %q, want reset", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never saw the trigger")
	}
}

func TestSendFailsWhenReceiverIsDown(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1") // nothing listens here
	if err := c.Send(context.Background(), "reset"); err == nil {
		t.Error("Send() without a receiver should fail")
	}
}
