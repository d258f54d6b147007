package domain

import (
	"time"
)

// DeviceRecord is the relay's persisted form of a Device. Tokens are only
// stored as bcrypt hashes.
type DeviceRecord struct {
	ID                  string      `db:"id"`
	VesselID            string      `db:"vessel_id"`
	State               DeviceState `db:"state"`
	ActivationTokenHash *string     `db:"activation_token_hash"`
	AuthTokenHash       *string     `db:"auth_token_hash"`
	ActivatedAt         *time.Time  `db:"activated_at"`
	RetiredAt           *time.Time  `db:"retired_at"`
	ExpiresAt           time.Time   `db:"expires_at"`
	CreatedAt           time.Time   `db:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at"`
}

// Device returns the client-facing view of the record, without credentials.
func (r *DeviceRecord) Device() *Device {
	d := &Device{
		ID:        r.ID,
		VesselID:  r.VesselID,
		State:     r.State,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
	}
	if r.ActivatedAt != nil {
		t := *r.ActivatedAt
		d.ActivatedAt = &t
	}
	if r.RetiredAt != nil {
		t := *r.RetiredAt
		d.RetiredAt = &t
	}
	return d
}

// ActivateDeviceRequest is the body of POST /devices/{id}/activate.
type ActivateDeviceRequest struct {
	ActivationToken string `json:"activation_token" validate:"required"`
}
