// ==============================================================================
// MOVEMENT SIMULATOR - internal/simulator/simulator.go
// ==============================================================================
package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetsync/internal/proximity"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"
)

const kmPerNauticalMile = 1.852

// Sink receives generated fixes. *backend.Client satisfies it.
type Sink interface {
	PostTelemetry(ctx context.Context, vesselID string, req domain.TelemetryRequest) error
}

// Vessel is the simulated state of one vessel.
type Vessel struct {
	ID         string
	Position   domain.Coordinate
	Heading    float64 // degrees clockwise from north
	SpeedKnots float64
}

type Config struct {
	Interval   time.Duration
	SpeedKnots float64
	// MaxTurnDeg bounds the heading change per step in either direction.
	MaxTurnDeg float64
	Seed       int64
}

// Simulator moves vessels along a heading/speed random walk.
type Simulator struct {
	sink   Sink
	logger logger.Logger
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	vessels []*Vessel
}

func New(vessels []Vessel, sink Sink, cfg Config, log logger.Logger) *Simulator {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxTurnDeg <= 0 {
		cfg.MaxTurnDeg = 15
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	vs := make([]*Vessel, 0, len(vessels))
	for _, v := range vessels {
		if v.SpeedKnots <= 0 {
			v.SpeedKnots = cfg.SpeedKnots
		}
		if v.Heading == 0 {
			v.Heading = rng.Float64() * 360
		}
		vs = append(vs, &v)
	}

	return &Simulator{
		sink:    sink,
		logger:  log.With(map[string]interface{}{"component": "simulator"}),
		cfg:     cfg,
		now:     time.Now,
		rng:     rng,
		vessels: vs,
	}
}

// ParseSeeds reads "id:lat:lng" entries.
func ParseSeeds(seeds []string) ([]Vessel, error) {
	out := make([]Vessel, 0, len(seeds))
	for _, seed := range seeds {
		parts := strings.Split(seed, ":")
		if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid vessel seed %q, want id:lat:lng", seed)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || lat < -90 || lat > 90 {
			return nil, fmt.Errorf("invalid latitude in vessel seed %q", seed)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil || lng < -180 || lng > 180 {
			return nil, fmt.Errorf("invalid longitude in vessel seed %q", seed)
		}
		out = append(out, Vessel{ID: strings.TrimSpace(parts[0]), Position: domain.Coordinate{Lat: lat, Lng: lng}})
	}
	return out, nil
}

// Destination returns the point reached by travelling distanceKm from start
// along the initial bearing bearingDeg on a sphere of proximity.EarthRadiusKm.
func Destination(start domain.Coordinate, bearingDeg, distanceKm float64) domain.Coordinate {
	delta := distanceKm / proximity.EarthRadiusKm
	theta := bearingDeg * math.Pi / 180
	phi1 := start.Lat * math.Pi / 180
	lambda1 := start.Lng * math.Pi / 180

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)

	lng := math.Mod(lambda2*180/math.Pi+540, 360) - 180
	return domain.Coordinate{Lat: phi2 * 180 / math.Pi, Lng: lng}
}

// Vessels returns a copy of the current simulated state.
func (s *Simulator) Vessels() []Vessel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Vessel, 0, len(s.vessels))
	for _, v := range s.vessels {
		out = append(out, *v)
	}
	return out
}

// Step advances every vessel by elapsed and publishes the new fixes. A sink
// failure for one vessel does not stop the others; the first error is
// returned.
func (s *Simulator) Step(ctx context.Context, elapsed time.Duration) error {
	ts := s.now().UTC()
	reqs := s.advance(elapsed, ts)

	var first error
	for i, req := range reqs {
		id := s.vessels[i].ID
		if err := s.sink.PostTelemetry(ctx, id, req); err != nil {
			s.logger.Warn("Failed to publish simulated fix", map[string]interface{}{
				"vessel_id": id,
				"error":     err.Error(),
			})
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Simulator) advance(elapsed time.Duration, ts time.Time) []domain.TelemetryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs := make([]domain.TelemetryRequest, 0, len(s.vessels))
	for _, v := range s.vessels {
		turn := (s.rng.Float64()*2 - 1) * s.cfg.MaxTurnDeg
		v.Heading = math.Mod(v.Heading+turn+360, 360)

		distance := v.SpeedKnots * kmPerNauticalMile * elapsed.Hours()
		v.Position = Destination(v.Position, v.Heading, distance)

		speed, heading := v.SpeedKnots, v.Heading
		reqs = append(reqs, domain.TelemetryRequest{
			Lat:       v.Position.Lat,
			Lng:       v.Position.Lng,
			Speed:     &speed,
			Heading:   &heading,
			Timestamp: ts,
		})
	}
	return reqs
}

// Run steps the simulation every Interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("Starting simulation loop", map[string]interface{}{
		"vessels":  len(s.vessels),
		"interval": s.cfg.Interval.String(),
	})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	last := s.now()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Simulation stopped", nil)
			return ctx.Err()
		case <-ticker.C:
			now := s.now()
			_ = s.Step(ctx, now.Sub(last))
			last = now
		}
	}
}
