// ==============================================================================
// DEVICE STATE STORE - internal/device/store.go
// ==============================================================================
package device

import (
	"sort"
	"time"

	"fleetsync/pkg/domain"
)

// rankDeleted sits above every lifecycle state so a tombstone always wins.
const rankDeleted = 4

// record is the store's view of one device identity.
type record struct {
	device    *domain.Device
	deleted   bool
	deletedAt time.Time
	// pushed marks records learned from push events rather than a snapshot.
	pushed bool
	// partial marks a record built from an ID-only event; it holds the
	// state and transition time but none of the device's other fields.
	partial bool
}

func (r *record) rank() int {
	if r.deleted {
		return rankDeleted
	}
	return r.device.State.Rank()
}

func (r *record) at() time.Time {
	if r.deleted {
		return r.deletedAt
	}
	return r.device.TransitionAt()
}

// supersedes reports whether r should replace cur.
func (r *record) supersedes(cur *record) bool {
	if cur == nil {
		return true
	}
	if r.rank() != cur.rank() {
		return r.rank() > cur.rank()
	}
	return r.at().After(cur.at())
}

type eventKey struct {
	event    domain.DeviceEventType
	deviceID string
	at       int64
}

// Transition is a user-visible change produced by applying an input.
type Transition struct {
	Event    domain.DeviceEventType
	VesselID string
	Device   *domain.Device
}

// View is a read-only copy of a vessel's device state.
type View struct {
	VesselID string
	Pending  *domain.Device
	Active   *domain.Device
	// Devices lists every known, non-deleted device, oldest first.
	Devices []*domain.Device
	Loading bool
	LoadErr error
}

// Store holds the merged device state of one vessel. It is not safe for
// concurrent use; the Tracker serializes access.
type Store struct {
	vesselID string
	records  map[string]*record
	seen     map[eventKey]struct{}
	loading  bool
	loadErr  error
}

// NewStore returns an empty store for vesselID.
func NewStore(vesselID string) *Store {
	return &Store{
		vesselID: vesselID,
		records:  make(map[string]*record),
		seen:     make(map[eventKey]struct{}),
	}
}

func (s *Store) VesselID() string { return s.vesselID }

// reducer turns an event into the candidate record for its device. A nil
// result means the event carries nothing applicable.
type reducer func(s *Store, ev domain.DeviceEvent) *record

var reducers = map[domain.DeviceEventType]reducer{
	domain.EventDeviceCreated:   reduceCreated,
	domain.EventDeviceActivated: reduceActivated,
	domain.EventDeviceRetired:   reduceRetired,
	domain.EventDeviceDeleted:   reduceDeleted,
}

func reduceCreated(s *Store, ev domain.DeviceEvent) *record {
	if ev.Device == nil {
		return nil
	}
	d := ev.Device.Clone()
	if d.State == "" {
		d.State = domain.DeviceStatePending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = ev.Timestamp
	}
	return &record{device: d, pushed: true}
}

func reduceActivated(s *Store, ev domain.DeviceEvent) *record {
	d, partial := s.base(ev)
	if d == nil {
		return nil
	}
	d.State = domain.DeviceStateActive
	d.ActivationToken = nil
	if d.ActivatedAt == nil {
		at := ev.Timestamp
		d.ActivatedAt = &at
	}
	return &record{device: d, pushed: true, partial: partial}
}

func reduceRetired(s *Store, ev domain.DeviceEvent) *record {
	d, partial := s.base(ev)
	if d == nil {
		return nil
	}
	d.State = domain.DeviceStateRetired
	d.ActivationToken = nil
	d.AuthToken = nil
	if d.RetiredAt == nil {
		at := ev.Timestamp
		d.RetiredAt = &at
	}
	return &record{device: d, pushed: true, partial: partial}
}

func reduceDeleted(s *Store, ev domain.DeviceEvent) *record {
	id := ev.SubjectID()
	if id == "" {
		return nil
	}
	d := &domain.Device{ID: id, VesselID: ev.VesselID}
	if cur, ok := s.records[id]; ok && !cur.deleted {
		d = cur.device.Clone()
	}
	return &record{device: d, deleted: true, deletedAt: ev.Timestamp, pushed: true}
}

// base picks the device an activation or retirement applies to: the payload
// when present, otherwise the record already known under deviceId. An
// unknown deviceId yields a bare device and partial is set.
func (s *Store) base(ev domain.DeviceEvent) (d *domain.Device, partial bool) {
	if ev.Device != nil {
		return ev.Device.Clone(), false
	}
	if ev.DeviceID == "" {
		return nil, false
	}
	if cur, ok := s.records[ev.DeviceID]; ok && !cur.deleted {
		return cur.device.Clone(), cur.partial
	}
	return &domain.Device{ID: ev.DeviceID, VesselID: ev.VesselID}, true
}

// Discard reasons reported by Apply.
const (
	ReasonForeignVessel = "foreign_vessel"
	ReasonDuplicate     = "duplicate"
	ReasonUnknownEvent  = "unknown_event"
	ReasonUnknownDevice = "unknown_device"
	ReasonStale         = "stale"
)

// Apply merges one push event. It returns the resulting transitions, or the
// reason the event changed nothing.
func (s *Store) Apply(ev domain.DeviceEvent) ([]Transition, string) {
	if ev.VesselID != s.vesselID {
		return nil, ReasonForeignVessel
	}
	if ev.Device != nil && ev.Device.VesselID != "" && ev.Device.VesselID != s.vesselID {
		return nil, ReasonForeignVessel
	}
	reduce, ok := reducers[ev.Type]
	if !ok {
		return nil, ReasonUnknownEvent
	}

	key := eventKey{event: ev.Type, deviceID: ev.SubjectID(), at: ev.Timestamp.UnixNano()}
	if _, dup := s.seen[key]; dup {
		return nil, ReasonDuplicate
	}

	cand := reduce(s, ev)
	if cand == nil {
		return nil, ReasonUnknownDevice
	}
	if cand.device.VesselID == "" {
		cand.device.VesselID = s.vesselID
	}

	applied := s.upsert(cand)
	s.seen[key] = struct{}{}
	if !applied {
		if ev.Device != nil {
			s.absorb(ev.Device)
		}
		return nil, ReasonStale
	}
	out := []Transition{s.transition(ev.Type, cand)}
	return append(out, s.enforceSlots()...), ""
}

// BeginLoad marks a snapshot request as in flight.
func (s *Store) BeginLoad() {
	s.loading = true
	s.loadErr = nil
}

// FailLoad records a snapshot failure. Push state is kept.
func (s *Store) FailLoad(err error) {
	s.loading = false
	s.loadErr = err
}

// ApplySnapshot merges a REST listing requested at requestedAt and reports
// whether anything changed. Devices missing from the listing are dropped
// unless a push event newer than the request vouches for them. Tombstones
// always survive.
func (s *Store) ApplySnapshot(devices []*domain.Device, requestedAt time.Time) bool {
	s.loading = false
	s.loadErr = nil

	listed := make(map[string]struct{}, len(devices))
	changed := false
	for _, d := range devices {
		if d == nil || d.ID == "" || d.VesselID != s.vesselID || !d.State.Valid() {
			continue
		}
		listed[d.ID] = struct{}{}
		if s.upsert(&record{device: d.Clone()}) || s.absorb(d) {
			changed = true
		}
	}

	for id, r := range s.records {
		if r.deleted {
			continue
		}
		if _, ok := listed[id]; ok {
			continue
		}
		if r.pushed && r.at().After(requestedAt) {
			continue
		}
		delete(s.records, id)
		changed = true
	}

	if len(s.enforceSlots()) > 0 {
		changed = true
	}
	return changed
}

// upsert stores cand if it supersedes the current record for its ID.
func (s *Store) upsert(cand *record) bool {
	cur := s.records[cand.device.ID]
	if !cand.supersedes(cur) {
		return false
	}
	if cur != nil && cur.pushed {
		cand.pushed = true
	}
	s.records[cand.device.ID] = cand
	return true
}

// absorb fills a partial record from a full description of the same device
// that lost the rank/timestamp merge. The partial record's state and
// transition time are kept.
func (s *Store) absorb(d *domain.Device) bool {
	cur, ok := s.records[d.ID]
	if !ok || cur.deleted || !cur.partial {
		return false
	}
	m := d.Clone()
	m.State = cur.device.State
	if m.VesselID == "" {
		m.VesselID = s.vesselID
	}
	switch m.State {
	case domain.DeviceStateActive:
		m.ActivationToken = nil
		m.ActivatedAt = cur.device.ActivatedAt
	case domain.DeviceStateRetired:
		m.ActivationToken = nil
		m.AuthToken = nil
		m.RetiredAt = cur.device.RetiredAt
		if m.ActivatedAt == nil {
			m.ActivatedAt = cur.device.ActivatedAt
		}
	}
	s.records[d.ID] = &record{device: m, pushed: true}
	return true
}

// enforceSlots keeps at most one pending and one active device: an older
// pending device is evicted, an older active device is demoted to retired.
func (s *Store) enforceSlots() []Transition {
	var out []Transition
	for _, r := range s.olderInState(domain.DeviceStatePending) {
		r.deleted = true
		r.deletedAt = r.device.TransitionAt()
		out = append(out, s.transition(domain.EventDeviceDeleted, r))
	}
	if newest := s.newestInState(domain.DeviceStateActive); newest != nil {
		for _, r := range s.olderInState(domain.DeviceStateActive) {
			at := newest.device.TransitionAt()
			r.device.State = domain.DeviceStateRetired
			r.device.AuthToken = nil
			r.device.RetiredAt = &at
			out = append(out, s.transition(domain.EventDeviceRetired, r))
		}
	}
	return out
}

func (s *Store) inState(state domain.DeviceState) []*record {
	var rs []*record
	for _, r := range s.records {
		if !r.deleted && r.device.State == state {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		ai, aj := rs[i].at(), rs[j].at()
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return rs[i].device.ID < rs[j].device.ID
	})
	return rs
}

func (s *Store) newestInState(state domain.DeviceState) *record {
	rs := s.inState(state)
	if len(rs) == 0 {
		return nil
	}
	return rs[len(rs)-1]
}

func (s *Store) olderInState(state domain.DeviceState) []*record {
	rs := s.inState(state)
	if len(rs) <= 1 {
		return nil
	}
	return rs[:len(rs)-1]
}

func (s *Store) transition(ev domain.DeviceEventType, r *record) Transition {
	return Transition{Event: ev, VesselID: s.vesselID, Device: r.device.Clone()}
}

// View returns a copy of the current state.
func (s *Store) View() View {
	v := View{
		VesselID: s.vesselID,
		Loading:  s.loading,
		LoadErr:  s.loadErr,
	}
	for _, r := range s.records {
		if r.deleted {
			continue
		}
		v.Devices = append(v.Devices, r.device.Clone())
	}
	sort.Slice(v.Devices, func(i, j int) bool {
		if !v.Devices[i].CreatedAt.Equal(v.Devices[j].CreatedAt) {
			return v.Devices[i].CreatedAt.Before(v.Devices[j].CreatedAt)
		}
		return v.Devices[i].ID < v.Devices[j].ID
	})
	if r := s.newestInState(domain.DeviceStatePending); r != nil {
		v.Pending = r.device.Clone()
	}
	if r := s.newestInState(domain.DeviceStateActive); r != nil {
		v.Active = r.device.Clone()
	}
	return v
}
