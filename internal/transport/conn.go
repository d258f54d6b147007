package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type listener struct {
	handle  *Handle
	fn      func(json.RawMessage)
	removed atomic.Bool
}

type stateListener struct {
	handle *Handle
	fn     func(State)
}

type connectHook struct {
	handle *Handle
	fn     func()
}

// nsConn is the single transport behind every handle of one namespace.
type nsConn struct {
	mgr  *Manager
	name string

	ctx    context.Context
	cancel context.CancelFunc
	out    chan Frame
	done   chan struct{}

	mu             sync.Mutex
	state          State
	handles        map[string]*Handle
	listeners      map[string]map[uint64]*listener
	stateListeners map[uint64]*stateListener
	connectHooks   map[uint64]*connectHook
	nextID         uint64
	// resync is set while connect hooks run; enqueue then waits for queue
	// space instead of dropping.
	resync context.Context
}

func newNSConn(m *Manager, name string) *nsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &nsConn{
		mgr:            m,
		name:           name,
		ctx:            ctx,
		cancel:         cancel,
		out:            make(chan Frame, m.cfg.QueueSize),
		done:           make(chan struct{}),
		state:          StateConnecting,
		handles:        make(map[string]*Handle),
		listeners:      make(map[string]map[uint64]*listener),
		stateListeners: make(map[uint64]*stateListener),
		connectHooks:   make(map[uint64]*connectHook),
	}
}

func (c *nsConn) url() string {
	return c.mgr.cfg.BaseURL + "/" + c.name
}

func (c *nsConn) addHandle(h *Handle) {
	c.mu.Lock()
	c.handles[h.id] = h
	c.mu.Unlock()
}

// removeHandle drops h and everything it registered; it returns the number
// of handles left.
func (c *nsConn) removeHandle(h *Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, h.id)
	for event, byID := range c.listeners {
		for id, l := range byID {
			if l.handle == h {
				l.removed.Store(true)
				delete(byID, id)
			}
		}
		if len(byID) == 0 {
			delete(c.listeners, event)
		}
	}
	for id, l := range c.stateListeners {
		if l.handle == h {
			delete(c.stateListeners, id)
		}
	}
	for id, hook := range c.connectHooks {
		if hook.handle == h {
			delete(c.connectHooks, id)
		}
	}
	return len(c.handles)
}

func (c *nsConn) addListener(h *Handle, event string, fn func(json.RawMessage)) func() {
	l := &listener{handle: h, fn: fn}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[uint64]*listener)
	}
	c.listeners[event][id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.removed.Store(true)
			c.mu.Lock()
			if byID := c.listeners[event]; byID != nil {
				delete(byID, id)
				if len(byID) == 0 {
					delete(c.listeners, event)
				}
			}
			c.mu.Unlock()
		})
	}
}

func (c *nsConn) addStateListener(h *Handle, fn func(State)) (func(), State) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.stateListeners[id] = &stateListener{handle: h, fn: fn}
	current := c.state
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateListeners, id)
		c.mu.Unlock()
	}, current
}

func (c *nsConn) addConnectHook(h *Handle, fn func()) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.connectHooks[id] = &connectHook{handle: h, fn: fn}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.connectHooks, id)
		c.mu.Unlock()
	}
}

func (c *nsConn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *nsConn) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.stateListeners))
	for _, l := range c.stateListeners {
		fns = append(fns, l.fn)
	}
	c.mu.Unlock()

	c.mgr.metrics.Connected(c.name, s == StateConnected)
	c.mgr.logger.Info("transport state changed", map[string]interface{}{
		"namespace": c.name,
		"state":     s.String(),
	})
	for _, fn := range fns {
		c.safeCall(func() { fn(s) })
	}
}

func (c *nsConn) enqueue(f Frame) {
	c.mu.Lock()
	state, resync := c.state, c.resync
	c.mu.Unlock()

	if state != StateConnected {
		c.mgr.metrics.FrameDropped(c.name, "not_connected")
		c.mgr.logger.Debug("dropping frame while disconnected", map[string]interface{}{
			"namespace": c.name,
			"event":     f.Event,
		})
		return
	}
	if resync != nil {
		select {
		case c.out <- f:
		case <-resync.Done():
			c.mgr.metrics.FrameDropped(c.name, "not_connected")
		}
		return
	}
	select {
	case c.out <- f:
	default:
		c.mgr.metrics.FrameDropped(c.name, "queue_full")
		c.mgr.logger.Warn("outbound queue full, dropping frame", map[string]interface{}{
			"namespace": c.name,
			"event":     f.Event,
		})
	}
}

// close stops the connect loop. Queued frames are flushed if connected.
func (c *nsConn) close() {
	c.cancel()
}

// run dials, serves and redials until the namespace is closed or the
// reconnect policy gives up.
func (c *nsConn) run() {
	defer close(c.done)
	defer c.setState(StateClosed)

	cfg := c.mgr.cfg
	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, _, err := c.mgr.dialer.DialContext(c.ctx, c.url(), c.mgr.header())
		if c.ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			attempt = 0
			c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
		} else {
			c.mgr.logger.Warn("transport dial failed", map[string]interface{}{
				"namespace": c.name,
				"url":       c.url(),
				"attempt":   attempt,
				"error":     err.Error(),
			})
		}

		c.setState(StateDisconnected)
		if !cfg.Reconnect || cfg.Backoff.Exhausted(attempt) {
			c.mgr.logger.Error("transport giving up reconnecting", map[string]interface{}{
				"namespace": c.name,
				"attempts":  attempt,
			})
			<-c.ctx.Done()
			return
		}
		c.mgr.metrics.ReconnectAttempt(c.name)
		if !cfg.Backoff.Wait(c.ctx, attempt) {
			return
		}
		attempt++
	}
}

// serve runs one connection until it fails or the namespace closes.
func (c *nsConn) serve(conn *websocket.Conn) {
	c.drain()

	connCtx, stop := context.WithCancel(c.ctx)
	writerDone := make(chan struct{})
	go func() {
		c.writeLoop(connCtx, conn, writerDone)
		stop()
	}()

	c.setState(StateConnected)
	c.resubscribe(connCtx)

	c.readLoop(conn)

	stop()
	<-writerDone
	_ = conn.Close()
}

// drain discards frames left from a previous connection; the connect hooks
// re-issue whatever interest is still current.
func (c *nsConn) drain() {
	for {
		select {
		case <-c.out:
			c.mgr.metrics.FrameDropped(c.name, "stale")
		default:
			return
		}
	}
}

// resubscribe fires the connect hooks with the writer already running, so
// every frame they send is queued even when there are more than the queue
// holds.
func (c *nsConn) resubscribe(ctx context.Context) {
	c.mu.Lock()
	c.resync = ctx
	c.mu.Unlock()

	c.fireConnectHooks()

	c.mu.Lock()
	c.resync = nil
	c.mu.Unlock()
}

func (c *nsConn) fireConnectHooks() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.connectHooks))
	for _, hook := range c.connectHooks {
		fns = append(fns, hook.fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeCall(fn)
	}
}

func (c *nsConn) writeLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		select {
		case f := <-c.out:
			if err := c.write(conn, f); err != nil {
				c.mgr.logger.Warn("transport write failed", map[string]interface{}{
					"namespace": c.name,
					"event":     f.Event,
					"error":     err.Error(),
				})
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			if c.ctx.Err() != nil {
				c.flush(conn)
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.mgr.cfg.WriteTimeout),
				)
			}
			_ = conn.Close()
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *nsConn) flush(conn *websocket.Conn) {
	for {
		select {
		case f := <-c.out:
			if err := c.write(conn, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *nsConn) write(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.mgr.cfg.WriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return err
	}
	c.mgr.metrics.FrameSent(c.name, f.Event)
	return nil
}

func (c *nsConn) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.mgr.logger.Warn("transport read failed", map[string]interface{}{
					"namespace": c.name,
					"error":     err.Error(),
				})
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.mgr.metrics.EventDiscarded("transport", "malformed_frame")
			c.mgr.logger.Debug("discarding malformed frame", map[string]interface{}{
				"namespace": c.name,
			})
			continue
		}
		c.mgr.metrics.FrameReceived(c.name, f.Event)
		c.dispatch(f)
	}
}

func (c *nsConn) dispatch(f Frame) {
	c.mu.Lock()
	byID := c.listeners[f.Event]
	ls := make([]*listener, 0, len(byID))
	for _, l := range byID {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		if l.removed.Load() {
			continue
		}
		fn := l.fn
		c.safeCall(func() { fn(f.Data) })
	}
}

// safeCall keeps a panicking callback from killing the reader goroutine.
func (c *nsConn) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.mgr.logger.Error("transport callback panicked", map[string]interface{}{
				"namespace": c.name,
				"panic":     r,
			})
		}
	}()
	fn()
}
