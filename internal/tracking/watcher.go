// Package tracking follows the live position stream of one selected vessel.
package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fleetsync/internal/subscription"
	"fleetsync/internal/transport"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"
	"fleetsync/pkg/validator"
)

// Liveness is the connection-derived freshness of a watch.
type Liveness int

const (
	LivenessDisconnected Liveness = iota
	// LivenessConnected means the transport is up but no update has arrived
	// on the current connection yet.
	LivenessConnected
	LivenessLive
)

func (l Liveness) String() string {
	switch l {
	case LivenessConnected:
		return "connected"
	case LivenessLive:
		return "live"
	default:
		return "disconnected"
	}
}

// MapView is the slice of the map renderer the watcher drives.
// Implementations must not call back into the Watcher.
type MapView interface {
	SetMarker(vesselID string, at domain.Coordinate)
	Center(at domain.Coordinate)
}

// Status is a snapshot of the current watch.
type Status struct {
	VesselID string
	Liveness Liveness
	Position *domain.PositionSample
	LastSeen time.Time
}

type Options struct {
	// OnChange receives the new status after every change.
	OnChange func(Status)
	// SaveTimeout bounds each PositionStore write. Zero means 5s.
	SaveTimeout time.Duration
}

// Watcher holds at most one active vessel watch.
type Watcher struct {
	reg       *subscription.Registry
	store     PositionStore
	view      MapView
	validator *validator.Validator
	logger    logger.Logger
	metrics   *metrics.Metrics
	opts      Options

	mu        sync.Mutex
	gen       uint64
	vesselID  string
	lease     *subscription.Lease
	connected bool
	live      bool
	centered  bool
	sample    *domain.PositionSample
}

// NewWatcher wires a watcher. store and view may be nil.
func NewWatcher(reg *subscription.Registry, store PositionStore, view MapView, v *validator.Validator, log logger.Logger, m *metrics.Metrics, opts Options) *Watcher {
	if log == nil {
		log = logger.NewNop()
	}
	if v == nil {
		v = validator.New()
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	return &Watcher{
		reg:       reg,
		store:     store,
		view:      view,
		validator: v,
		logger:    log.With(map[string]interface{}{"component": "tracking"}),
		metrics:   m,
		opts:      opts,
	}
}

// Watch switches the watch to vesselID. The previous vessel's lease is
// released before the new one is taken, and nothing received for it reaches
// the new watch.
func (w *Watcher) Watch(vesselID string) error {
	if vesselID == "" {
		return kerrors.ErrVesselNotSelected
	}

	w.mu.Lock()
	if w.vesselID == vesselID && w.lease != nil {
		w.mu.Unlock()
		return nil
	}
	w.stopLocked()
	w.vesselID = vesselID
	gen := w.gen
	status := w.statusLocked()
	w.mu.Unlock()
	w.changed(status)

	// Listener registration runs unlocked: OnState reports the current
	// state synchronously and the callback takes w.mu.
	lease, err := w.reg.Subscribe(domain.TrackingNamespace, vesselID)
	if err != nil {
		return kerrors.Wrap(err, "subscribe tracking")
	}
	if err := lease.On(domain.EventPositionUpdate, func(data json.RawMessage) { w.handle(gen, data) }); err != nil {
		lease.Release()
		return err
	}
	if err := lease.OnState(func(s transport.State) { w.handleState(gen, s) }); err != nil {
		lease.Release()
		return err
	}

	w.mu.Lock()
	if gen != w.gen {
		// Superseded by a concurrent Watch or Stop.
		w.mu.Unlock()
		lease.Release()
		return nil
	}
	w.lease = lease
	w.mu.Unlock()

	w.logger.Info("Watching vessel", map[string]interface{}{
		"vessel_id": vesselID,
	})
	return nil
}

// Stop ends the current watch, if any.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopLocked()
	status := w.statusLocked()
	w.mu.Unlock()
	w.changed(status)
}

func (w *Watcher) stopLocked() {
	w.gen++
	if w.lease != nil {
		w.lease.Release()
		w.lease = nil
	}
	w.vesselID = ""
	w.connected = false
	w.live = false
	w.centered = false
	w.sample = nil
}

// Status returns the current watch state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

func (w *Watcher) statusLocked() Status {
	st := Status{VesselID: w.vesselID}
	switch {
	case w.connected && w.live:
		st.Liveness = LivenessLive
	case w.connected:
		st.Liveness = LivenessConnected
	}
	if w.sample != nil {
		s := *w.sample
		st.Position = &s
		st.LastSeen = s.Timestamp
	}
	return st
}

func (w *Watcher) handleState(gen uint64, s transport.State) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	connected := s == transport.StateConnected
	if connected == w.connected {
		w.mu.Unlock()
		return
	}
	w.connected = connected
	if !connected {
		w.live = false
	}
	status := w.statusLocked()
	w.mu.Unlock()
	w.changed(status)
}

func (w *Watcher) handle(gen uint64, data json.RawMessage) {
	var upd domain.PositionUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		w.discard("malformed", err)
		return
	}
	if err := w.validator.Validate(upd); err != nil {
		w.discard("invalid", kerrors.Wrap(kerrors.ErrInvalidPosition, err.Error()))
		return
	}
	sample := upd.Sample()

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		w.metrics.EventDiscarded("tracking", "stale_generation")
		return
	}
	if sample.VesselID != w.vesselID {
		w.mu.Unlock()
		w.metrics.EventDiscarded("tracking", "foreign_vessel")
		return
	}
	if w.sample != nil && w.sample.Timestamp.After(sample.Timestamp) {
		w.mu.Unlock()
		w.metrics.EventDiscarded("tracking", "out_of_order")
		return
	}

	w.sample = &sample
	w.live = true
	if w.view != nil {
		w.view.SetMarker(sample.VesselID, sample.Coordinate())
		if !w.centered {
			w.view.Center(sample.Coordinate())
		}
	}
	w.centered = true
	status := w.statusLocked()
	w.mu.Unlock()

	w.metrics.PositionApplied()
	if w.store != nil {
		go w.save(sample)
	}
	w.changed(status)
}

// save runs off the reader goroutine. Every PositionStore compares
// timestamps atomically, so completion order does not matter.
func (w *Watcher) save(sample domain.PositionSample) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.SaveTimeout)
	defer cancel()
	if err := w.store.Save(ctx, sample); err != nil {
		w.logger.Warn("Failed to store position", map[string]interface{}{
			"vessel_id": sample.VesselID,
			"error":     err.Error(),
		})
	}
}

func (w *Watcher) discard(reason string, err error) {
	w.metrics.EventDiscarded("tracking", reason)
	w.logger.Debug("Discarding position update", map[string]interface{}{
		"reason": reason,
		"error":  err.Error(),
	})
}

func (w *Watcher) changed(st Status) {
	if w.opts.OnChange != nil {
		w.opts.OnChange(st)
	}
}
