// ==============================================================================
// DOMAIN MODELS - pkg/domain/models.go
// ==============================================================================
package domain

import (
	"time"
)

// DeviceState is the lifecycle state of a reporting device. Deletion is a
// removal, not a state.
type DeviceState string

const (
	DeviceStatePending DeviceState = "pending"
	DeviceStateActive  DeviceState = "active"
	DeviceStateRetired DeviceState = "retired"
)

// Rank orders lifecycle states; a device record only ever moves to a higher rank.
func (s DeviceState) Rank() int {
	switch s {
	case DeviceStatePending:
		return 1
	case DeviceStateActive:
		return 2
	case DeviceStateRetired:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known state.
func (s DeviceState) Valid() bool {
	return s.Rank() > 0
}

// Device is a reporting unit bound to one vessel.
type Device struct {
	ID              string      `json:"id" validate:"required,entity_id"`
	VesselID        string      `json:"vessel_id" validate:"required,entity_id"`
	State           DeviceState `json:"state" validate:"required,oneof=pending active retired"`
	ActivationToken *string     `json:"activation_token,omitempty"`
	AuthToken       *string     `json:"auth_token,omitempty"`
	ActivatedAt     *time.Time  `json:"activated_at,omitempty"`
	RetiredAt       *time.Time  `json:"retired_at,omitempty"`
	ExpiresAt       time.Time   `json:"expires_at"`
	CreatedAt       time.Time   `json:"created_at"`
}

// TransitionAt returns the time of the device's latest lifecycle transition.
func (d *Device) TransitionAt() time.Time {
	t := d.CreatedAt
	if d.ActivatedAt != nil && d.ActivatedAt.After(t) {
		t = *d.ActivatedAt
	}
	if d.RetiredAt != nil && d.RetiredAt.After(t) {
		t = *d.RetiredAt
	}
	return t
}

// Expired reports whether a pending device is past its activation deadline.
func (d *Device) Expired(now time.Time) bool {
	return d.State == DeviceStatePending && !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate store-owned records.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.ActivationToken != nil {
		v := *d.ActivationToken
		c.ActivationToken = &v
	}
	if d.AuthToken != nil {
		v := *d.AuthToken
		c.AuthToken = &v
	}
	if d.ActivatedAt != nil {
		v := *d.ActivatedAt
		c.ActivatedAt = &v
	}
	if d.RetiredAt != nil {
		v := *d.RetiredAt
		c.RetiredAt = &v
	}
	return &c
}

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"lat" validate:"latitude,finite"`
	Lng float64 `json:"lng" validate:"longitude,finite"`
}

// PositionSample is one received fix for a vessel.
type PositionSample struct {
	VesselID  string    `json:"vessel_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinate returns the sample's position.
func (p PositionSample) Coordinate() Coordinate {
	return Coordinate{Lat: p.Latitude, Lng: p.Longitude}
}

// ==============================================================================
// PUSH PROTOCOL
// ==============================================================================

// Namespace describes a logical push channel and its interest commands.
type Namespace struct {
	Name             string
	SubscribeEvent   string
	UnsubscribeEvent string
}

var (
	DeviceEventsNamespace = Namespace{
		Name:             "device-events",
		SubscribeEvent:   "subscribe-vessel-devices",
		UnsubscribeEvent: "unsubscribe-vessel-devices",
	}
	TrackingNamespace = Namespace{
		Name:             "tracking",
		SubscribeEvent:   "subscribe-vessel",
		UnsubscribeEvent: "unsubscribe-vessel",
	}
)

// DeviceEventType names a server-to-client device lifecycle event.
type DeviceEventType string

const (
	EventDeviceCreated   DeviceEventType = "device-created"
	EventDeviceActivated DeviceEventType = "device-activated"
	EventDeviceRetired   DeviceEventType = "device-retired"
	EventDeviceDeleted   DeviceEventType = "device-deleted"
)

// DeviceEventTypes lists every device event in lifecycle order.
var DeviceEventTypes = []DeviceEventType{
	EventDeviceCreated,
	EventDeviceActivated,
	EventDeviceRetired,
	EventDeviceDeleted,
}

// EventPositionUpdate is the tracking namespace's only server event.
const EventPositionUpdate = "position-update"

// SubscriptionCommand is the payload of every subscribe/unsubscribe command.
type SubscriptionCommand struct {
	VesselID string `json:"vesselId"`
}

// DeviceEvent is the payload of a device lifecycle push event.
type DeviceEvent struct {
	Type      DeviceEventType `json:"type,omitempty"`
	VesselID  string          `json:"vesselId"`
	Device    *Device         `json:"device,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubjectID returns the ID of the device the event concerns.
func (e DeviceEvent) SubjectID() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	if e.Device != nil {
		return e.Device.ID
	}
	return ""
}

// PositionUpdate is the payload of a tracking push event.
type PositionUpdate struct {
	VesselID  string    `json:"vesselId" validate:"required,entity_id"`
	Lat       float64   `json:"lat" validate:"latitude,finite"`
	Lng       float64   `json:"lng" validate:"longitude,finite"`
	Speed     *float64  `json:"speed,omitempty" validate:"omitempty,finite,gte=0"`
	Heading   *float64  `json:"heading,omitempty" validate:"omitempty,finite,gte=0,lt=360"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// Sample converts the wire payload into a PositionSample.
func (p PositionUpdate) Sample() PositionSample {
	return PositionSample{
		VesselID:  p.VesselID,
		Latitude:  p.Lat,
		Longitude: p.Lng,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Timestamp: p.Timestamp,
	}
}

// ==============================================================================
// REST PAYLOADS
// ==============================================================================

// CreateDeviceRequest is the body of POST /devices.
type CreateDeviceRequest struct {
	VesselID string `json:"vessel_id" validate:"required,entity_id"`
}

// TelemetryRequest is the body of POST /vessels/:id/telemetry.
type TelemetryRequest struct {
	Lat       float64   `json:"lat" validate:"latitude,finite"`
	Lng       float64   `json:"lng" validate:"longitude,finite"`
	Speed     *float64  `json:"speed,omitempty" validate:"omitempty,finite,gte=0"`
	Heading   *float64  `json:"heading,omitempty" validate:"omitempty,finite,gte=0,lt=360"`
	Timestamp time.Time `json:"timestamp"`
}
