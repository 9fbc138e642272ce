package handlers

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

type realtimeEvent struct {
	Type   string         `json:"type"`
	UserID string         `json:"user_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     string         `json:"at"`
}

type realtimeHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *realtimeHub) add(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *realtimeHub) remove(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

// broadcast fans an event out to every open connection for the user. Dead
// connections are dropped on send failure.
func (h *realtimeHub) broadcast(userID string, ev realtimeEvent) {
	if h == nil || strings.TrimSpace(userID) == "" {
		return
	}
	ev.UserID = userID
	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Realtime] marshal failed userId=%s type=%s: %v", userID, ev.Type, err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, 8)
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(userID, c)
		}
	}
}

func (h *realtimeHub) count(userID string) int {
	if h == nil || strings.TrimSpace(userID) == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

func isLocalhostRemoteAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// internalWSAllowed gates the backend WS endpoint. In production, set
// INTERNAL_WS_SECRET and send it via X-Internal-WS-Secret from the proxy.
// Loopback connections are always allowed for local development.
func internalWSAllowed(r *http.Request) bool {
	if isLocalhostRemoteAddr(r.RemoteAddr) {
		return true
	}
	sec := strings.TrimSpace(os.Getenv("INTERNAL_WS_SECRET"))
	if sec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-WS-Secret")) == sec
}

// EventsWebSocket streams realtime events (post.published, post.failed,
// subscription.updated) for one user over an internal WebSocket.
//
// URL: /api/events/ws?userId=...
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if !internalWSAllowed(r) {
		log.Printf("[Realtime] forbidden remote=%s host=%s", r.RemoteAddr, r.Host)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	// The default origin check 403s when Origin doesn't match Host. This WS is
	// internal (proxy -> backend), so any origin is accepted; auth happened above.
	wsServer := websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil
		},
		Handler: func(c *websocket.Conn) {
			log.Printf("[Realtime] connect userId=%s remote=%s", userID, r.RemoteAddr)
			h.rt.add(userID, c)
			defer h.rt.remove(userID, c)
			defer log.Printf("[Realtime] disconnect userId=%s remote=%s", userID, r.RemoteAddr)

			hello := realtimeEvent{
				Type:   "hello",
				UserID: userID,
				At:     time.Now().UTC().Format(time.RFC3339),
			}
			if b, err := json.Marshal(hello); err == nil {
				_ = websocket.Message.Send(c, string(b))
			}

			// Read loop keeps the connection open and detects disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					return
				}
			}
		},
	}

	wsServer.ServeHTTP(w, r)
}
