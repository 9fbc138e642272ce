package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/net/websocket"
)

func TestIsLocalhostRemoteAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:54321": true,
		"[::1]:54321":     true,
		"10.0.0.7:443":    false,
		"not-an-ip":       false,
		"127.0.0.1":       true,
	}
	for addr, want := range cases {
		if got := isLocalhostRemoteAddr(addr); got != want {
			t.Fatalf("isLocalhostRemoteAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestInternalWSAllowed(t *testing.T) {
	t.Setenv("INTERNAL_WS_SECRET", "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/api/events/ws", nil)
	req.RemoteAddr = "10.0.0.7:443"
	if internalWSAllowed(req) {
		t.Fatal("remote without secret must be rejected")
	}

	req.Header.Set("X-Internal-WS-Secret", "s3cret")
	if !internalWSAllowed(req) {
		t.Fatal("remote with matching secret must be allowed")
	}

	req.Header.Set("X-Internal-WS-Secret", "wrong")
	if internalWSAllowed(req) {
		t.Fatal("wrong secret must be rejected")
	}

	local := httptest.NewRequest(http.MethodGet, "/api/events/ws", nil)
	local.RemoteAddr = "127.0.0.1:9999"
	if !internalWSAllowed(local) {
		t.Fatal("loopback must always be allowed")
	}
}

func TestEventsWebSocketRequiresUserID(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/events/ws", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()
	h.EventsWebSocket(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEventsWebSocketBroadcast(t *testing.T) {
	h, _, _ := newTestHandler(t)

	srv := httptest.NewServer(http.HandlerFunc(h.EventsWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws?userId=user-1"
	conn, err := websocket.Dial(wsURL, "", "http://localhost/")
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer conn.Close()

	var raw string
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive hello: %v", err)
	}
	var hello realtimeEvent
	json.Unmarshal([]byte(raw), &hello)
	if hello.Type != "hello" || hello.UserID != "user-1" {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	h.rt.broadcast("user-1", realtimeEvent{
		Type: "post.published",
		Data: map[string]any{"postId": "post-1"},
	})
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive broadcast: %v", err)
	}
	var ev realtimeEvent
	json.Unmarshal([]byte(raw), &ev)
	if ev.Type != "post.published" || ev.Data["postId"] != "post-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.At == "" {
		t.Fatal("event missing timestamp")
	}

	// Other users never see it.
	h.rt.broadcast("user-2", realtimeEvent{Type: "post.published"})
	if got := h.rt.count("user-2"); got != 0 {
		t.Fatalf("user-2 connections = %d, want 0", got)
	}
}
