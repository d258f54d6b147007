package validator

import (
	"math"
	"testing"
	"time"

	"fleetsync/pkg/domain"

	"github.com/stretchr/testify/assert"
)

func ptr(f float64) *float64 { return &f }

func TestValidate_PositionUpdate(t *testing.T) {
	v := New()
	now := time.Now()

	valid := domain.PositionUpdate{VesselID: "vessel-1", Lat: 5.6037, Lng: -0.186, Heading: ptr(90), Timestamp: now}
	assert.NoError(t, v.Validate(&valid))

	tests := []struct {
		name  string
		mut   func(p *domain.PositionUpdate)
		field string
	}{
		{"latitude out of range", func(p *domain.PositionUpdate) { p.Lat = 91 }, "lat"},
		{"longitude out of range", func(p *domain.PositionUpdate) { p.Lng = -181 }, "lng"},
		{"nan latitude", func(p *domain.PositionUpdate) { p.Lat = math.NaN() }, "lat"},
		{"heading wraps", func(p *domain.PositionUpdate) { p.Heading = ptr(360) }, "heading"},
		{"negative speed", func(p *domain.PositionUpdate) { p.Speed = ptr(-1) }, "speed"},
		{"missing vessel", func(p *domain.PositionUpdate) { p.VesselID = "" }, "vesselId"},
		{"missing timestamp", func(p *domain.PositionUpdate) { p.Timestamp = time.Time{} }, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mut(&p)
			errs := v.ValidateStructured(&p)
			assert.Contains(t, errs, tt.field)
		})
	}
}

func TestValidate_Device(t *testing.T) {
	v := New()

	d := domain.Device{ID: "dev-1", VesselID: "vessel-1", State: domain.DeviceStatePending}
	assert.NoError(t, v.Validate(&d))

	d.State = "deleted"
	assert.Error(t, v.Validate(&d))

	d.State = domain.DeviceStateActive
	d.ID = "bad id with spaces"
	errs := v.ValidateStructured(&d)
	assert.Equal(t, "Invalid identifier", errs["id"])
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "vessel-1", Sanitize("  vessel-1\n"))
}
