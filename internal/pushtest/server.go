// Package pushtest provides an in-process push server for package tests.
package pushtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Frame mirrors the wire envelope.
type Frame struct {
	Namespace string          `json:"-"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// VesselID decodes the command payload's vesselId.
func (f Frame) VesselID() string {
	var cmd struct {
		VesselID string `json:"vesselId"`
	}
	_ = json.Unmarshal(f.Data, &cmd)
	return cmd.VesselID
}

// Server accepts one WebSocket per namespace path and records every frame
// clients send.
type Server struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]string
	received []Frame
	accepted atomic.Int32
}

// New starts a server that is closed when the test ends.
func New(t *testing.T) *Server {
	s := &Server{
		t:     t,
		conns: make(map[*websocket.Conn]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.accepted.Add(1)
	ns := strings.Trim(r.URL.Path, "/")

	s.mu.Lock()
	s.conns[conn] = ns
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		f.Namespace = ns
		s.mu.Lock()
		s.received = append(s.received, f)
		s.mu.Unlock()
	}
}

// BaseURL is the ws:// origin clients dial.
func (s *Server) BaseURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Accepted counts successful handshakes.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Open counts live connections on namespace.
func (s *Server) Open(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ns := range s.conns {
		if ns == namespace {
			n++
		}
	}
	return n
}

// Push sends event to every client connected on namespace. Write errors on
// closing connections are ignored.
func (s *Server) Push(namespace, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	require.NoError(s.t, err)
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	require.NoError(s.t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ns := range s.conns {
		if ns == namespace {
			// Connections the client is tearing down may already be gone.
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
	}
}

// DropAll closes every live connection to force client reconnects.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Frames returns the received frames on namespace, optionally filtered by event.
func (s *Server) Frames(namespace, event string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.received {
		if f.Namespace != namespace {
			continue
		}
		if event != "" && f.Event != event {
			continue
		}
		out = append(out, f)
	}
	return out
}
