// Package transport owns the persistent push connections, one per namespace.
//
// A Manager hands out Handles. Handles on the same namespace share one
// WebSocket; the socket is closed when the last handle disconnects. Lost
// connections are redialed with exponential backoff and every successful
// (re)connect fires the namespace's connect hooks so interest can be restored.
//
// Callbacks run on the namespace's reader goroutine in the order the server
// sent the frames. They must not block.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetsync/pkg/config"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"
	"fleetsync/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

// State is the lifecycle of a namespace transport.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is the wire envelope for every push message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Config controls dialing and reconnect behaviour.
type Config struct {
	// BaseURL is the ws:// or wss:// origin; namespaces are appended as a path.
	BaseURL          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	QueueSize        int
	Reconnect        bool
	Backoff          retry.Backoff
	// TokenSource, when set, supplies the bearer token for each handshake.
	TokenSource oauth2.TokenSource
	Header      http.Header
}

// ConfigFrom builds a transport Config from service configuration.
func ConfigFrom(cfg *config.Config, ts oauth2.TokenSource) (Config, error) {
	base, err := cfg.WebSocketBaseURL()
	if err != nil {
		return Config{}, err
	}
	rc := cfg.Transport.Reconnect
	return Config{
		BaseURL:          base,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		QueueSize:        cfg.Transport.OutboundQueueSize,
		Reconnect:        rc.Enabled,
		Backoff: retry.Backoff{
			InitialInterval: rc.InitialInterval,
			MaxInterval:     rc.MaxInterval,
			Multiplier:      rc.Multiplier,
			MaxRetries:      rc.MaxRetries,
			Jitter:          true,
		},
		TokenSource: ts,
	}, nil
}

// Manager multiplexes logical handles over one transport per namespace.
type Manager struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	conns  map[string]*nsConn
	closed bool
}

// Handle is a caller's reference to a namespace transport.
type Handle struct {
	id   string
	conn *nsConn

	mu     sync.Mutex
	closed bool
}

// Namespace returns the namespace the handle is bound to.
func (h *Handle) Namespace() string {
	return h.conn.name
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// NewManager creates a Manager. No connection is opened until Connect.
func NewManager(cfg Config, log logger.Logger, m *metrics.Metrics) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:  log.With(map[string]interface{}{"component": "transport"}),
		metrics: m,
		conns:   make(map[string]*nsConn),
	}
}

// Connect returns a handle on namespace, starting its transport if none is live.
// The handshake happens asynchronously; observe it with OnState.
func (m *Manager) Connect(namespace string) (*Handle, error) {
	namespace = strings.Trim(strings.TrimSpace(namespace), "/")
	if namespace == "" {
		return nil, kerrors.ErrNamespaceUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, kerrors.ErrManagerClosed
	}

	c, ok := m.conns[namespace]
	if !ok {
		c = newNSConn(m, namespace)
		m.conns[namespace] = c
		go c.run()
	}

	h := &Handle{id: uuid.NewString(), conn: c}
	c.addHandle(h)
	return h, nil
}

// Send queues event with payload on the handle's transport. Transport failures
// are not returned: frames sent while disconnected are dropped and reported
// through metrics and logs. Only misuse yields an error.
func (m *Manager) Send(h *Handle, event string, payload interface{}) error {
	if h == nil || h.isClosed() {
		return kerrors.ErrHandleClosed
	}
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = b
	}
	h.conn.enqueue(Frame{Event: event, Data: data})
	return nil
}

// On registers fn for inbound frames named event. The returned func removes
// the listener: frames read after it returns never reach fn, though a frame
// already being dispatched may still finish its call. It is safe to call
// from inside fn.
func (m *Manager) On(h *Handle, event string, fn func(json.RawMessage)) (func(), error) {
	if h == nil || h.isClosed() {
		return func() {}, kerrors.ErrHandleClosed
	}
	return h.conn.addListener(h, event, fn), nil
}

// OnState registers fn for transport state changes. fn is called once
// immediately with the current state.
func (m *Manager) OnState(h *Handle, fn func(State)) (func(), error) {
	if h == nil || h.isClosed() {
		return func() {}, kerrors.ErrHandleClosed
	}
	off, current, err := m.WatchState(h, fn)
	if err != nil {
		return off, err
	}
	fn(current)
	return off, nil
}

// WatchState registers fn for later state changes and returns the state at
// registration without invoking fn. Callers holding a lock deliver current
// themselves once it is released.
func (m *Manager) WatchState(h *Handle, fn func(State)) (func(), State, error) {
	if h == nil || h.isClosed() {
		return func() {}, StateClosed, kerrors.ErrHandleClosed
	}
	off, current := h.conn.addStateListener(h, fn)
	return off, current, nil
}

// OnConnect registers fn to run after every successful (re)connect, before
// any inbound frame of that connection is dispatched.
func (m *Manager) OnConnect(h *Handle, fn func()) (func(), error) {
	if h == nil || h.isClosed() {
		return func() {}, kerrors.ErrHandleClosed
	}
	return h.conn.addConnectHook(h, fn), nil
}

// State reports the handle's transport state.
func (m *Manager) State(h *Handle) State {
	if h == nil || h.isClosed() {
		return StateClosed
	}
	return h.conn.currentState()
}

// Disconnect releases the handle and its listeners. The namespace transport
// closes once no handle remains. Disconnect does not wait for the socket to
// close, so it is safe to call from a callback.
func (m *Manager) Disconnect(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	m.mu.Lock()
	c := h.conn
	remaining := c.removeHandle(h)
	if remaining == 0 && m.conns[c.name] == c {
		delete(m.conns, c.name)
	}
	m.mu.Unlock()

	if remaining == 0 {
		c.close()
	}
}

// Namespaces lists namespaces with a live transport.
func (m *Manager) Namespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for name := range m.conns {
		out = append(out, name)
	}
	return out
}

// Close tears down every transport and waits for their goroutines to exit.
// It must not be called from a transport callback.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*nsConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*nsConn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	for _, c := range conns {
		<-c.done
	}
}

func (m *Manager) header() http.Header {
	h := http.Header{}
	for k, v := range m.cfg.Header {
		h[k] = append([]string(nil), v...)
	}
	if m.cfg.TokenSource != nil {
		tok, err := m.cfg.TokenSource.Token()
		if err != nil {
			m.logger.Warn("token source failed, dialing without credentials", map[string]interface{}{
				"error": err.Error(),
			})
			return h
		}
		tok.SetAuthHeader(&http.Request{Header: h})
	}
	return h
}
