// Package subscription reference-counts entity interest per namespace and is
// the only writer of subscribe and unsubscribe commands.
package subscription

import (
	"encoding/json"
	"strings"
	"sync"

	"fleetsync/internal/transport"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"

	"github.com/google/uuid"
)

// Registry tracks (namespace, entity) reference counts over a transport Manager.
type Registry struct {
	mgr     *transport.Manager
	logger  logger.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	namespaces map[string]*namespaceEntry
	closed     bool
}

type namespaceEntry struct {
	ns      domain.Namespace
	handle  *transport.Handle
	counts  map[string]int
	offHook func()
}

// NewRegistry creates a Registry that opens namespaces through mgr.
func NewRegistry(mgr *transport.Manager, log logger.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		mgr:        mgr,
		logger:     log.With(map[string]interface{}{"component": "subscription"}),
		metrics:    m,
		namespaces: make(map[string]*namespaceEntry),
	}
}

// Subscribe takes a reference on entityID within ns. The first reference
// connects the namespace if needed and sends its subscribe command.
func (r *Registry) Subscribe(ns domain.Namespace, entityID string) (*Lease, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, kerrors.ErrVesselNotSelected
	}
	if ns.Name == "" || ns.SubscribeEvent == "" {
		return nil, kerrors.ErrNamespaceUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, kerrors.ErrManagerClosed
	}

	entry, err := r.entryLocked(ns)
	if err != nil {
		return nil, err
	}

	entry.counts[entityID]++
	if entry.counts[entityID] == 1 {
		r.sendLocked(entry, ns.SubscribeEvent, entityID)
	}
	r.metrics.Subscriptions(ns.Name, len(entry.counts))

	return &Lease{
		id:       uuid.NewString(),
		reg:      r,
		entry:    entry,
		entityID: entityID,
	}, nil
}

// entryLocked returns the live namespace entry, connecting it on first use.
func (r *Registry) entryLocked(ns domain.Namespace) (*namespaceEntry, error) {
	if entry, ok := r.namespaces[ns.Name]; ok {
		return entry, nil
	}

	h, err := r.mgr.Connect(ns.Name)
	if err != nil {
		return nil, kerrors.Wrap(err, "connect namespace "+ns.Name)
	}
	entry := &namespaceEntry{
		ns:     ns,
		handle: h,
		counts: make(map[string]int),
	}
	off, err := r.mgr.OnConnect(h, func() { r.resubscribe(entry) })
	if err != nil {
		r.mgr.Disconnect(h)
		return nil, err
	}
	entry.offHook = off
	r.namespaces[ns.Name] = entry
	return entry, nil
}

// resubscribe re-issues interest for every entity still referenced after a
// (re)connect.
func (r *Registry) resubscribe(entry *namespaceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.namespaces[entry.ns.Name] != entry {
		return
	}
	for entityID := range entry.counts {
		r.sendLocked(entry, entry.ns.SubscribeEvent, entityID)
	}
	if len(entry.counts) > 0 {
		r.logger.Info("re-issued subscriptions", map[string]interface{}{
			"namespace": entry.ns.Name,
			"entities":  len(entry.counts),
		})
	}
}

func (r *Registry) release(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	entry := l.entry
	if r.namespaces[entry.ns.Name] != entry || entry.counts[l.entityID] <= 0 {
		r.logger.Warn("release of unknown subscription", map[string]interface{}{
			"namespace": entry.ns.Name,
			"entity_id": l.entityID,
		})
		return
	}

	entry.counts[l.entityID]--
	if entry.counts[l.entityID] == 0 {
		delete(entry.counts, l.entityID)
		if entry.ns.UnsubscribeEvent != "" {
			r.sendLocked(entry, entry.ns.UnsubscribeEvent, l.entityID)
		}
	}
	r.metrics.Subscriptions(entry.ns.Name, len(entry.counts))

	if len(entry.counts) == 0 {
		r.closeEntryLocked(entry)
	}
}

func (r *Registry) closeEntryLocked(entry *namespaceEntry) {
	if entry.offHook != nil {
		entry.offHook()
	}
	r.mgr.Disconnect(entry.handle)
	delete(r.namespaces, entry.ns.Name)
	r.logger.Debug("namespace released", map[string]interface{}{
		"namespace": entry.ns.Name,
	})
}

func (r *Registry) sendLocked(entry *namespaceEntry, event, entityID string) {
	cmd := domain.SubscriptionCommand{VesselID: entityID}
	if err := r.mgr.Send(entry.handle, event, cmd); err != nil {
		r.logger.Error("failed to send subscription command", map[string]interface{}{
			"namespace": entry.ns.Name,
			"event":     event,
			"entity_id": entityID,
			"error":     err.Error(),
		})
	}
}

// Count reports the current reference count for entityID in namespace.
func (r *Registry) Count(namespace, entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.namespaces[namespace]
	if !ok {
		return 0
	}
	return entry.counts[entityID]
}

// Close drops every subscription and disconnects all namespaces without
// sending unsubscribe commands. Leases released afterwards are no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, entry := range r.namespaces {
		r.closeEntryLocked(entry)
	}
}

// Lease is one caller's reference on a (namespace, entity) subscription.
// Listeners registered through it are removed when it is released.
type Lease struct {
	id       string
	reg      *Registry
	entry    *namespaceEntry
	entityID string

	mu       sync.Mutex
	offs     []func()
	released bool
}

func (l *Lease) ID() string { return l.id }

func (l *Lease) EntityID() string { return l.entityID }

func (l *Lease) Namespace() string { return l.entry.ns.Name }

// On registers fn for inbound frames named event on the lease's namespace.
// Filtering by entity is left to the caller.
func (l *Lease) On(event string, fn func(json.RawMessage)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return kerrors.ErrSubscriptionClosed
	}
	off, err := l.reg.mgr.On(l.entry.handle, event, fn)
	if err != nil {
		return err
	}
	l.offs = append(l.offs, off)
	return nil
}

// OnState registers fn for transport state changes. fn sees the current
// state immediately and may release the lease.
func (l *Lease) OnState(fn func(transport.State)) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return kerrors.ErrSubscriptionClosed
	}
	off, current, err := l.reg.mgr.WatchState(l.entry.handle, fn)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.offs = append(l.offs, off)
	l.mu.Unlock()

	fn(current)
	return nil
}

// Release removes the lease's listeners, then drops its reference. It is
// idempotent and safe to call from a transport callback.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	offs := l.offs
	l.offs = nil
	l.mu.Unlock()

	for _, off := range offs {
		off()
	}
	l.reg.release(l)
}
