// Package proximity ranks vessels near a reference point by great-circle
// distance and recency.
package proximity

import (
	"math"
	"sort"
	"time"

	"fleetsync/pkg/domain"
)

// EarthRadiusKm is the mean Earth radius used by Haversine.
const EarthRadiusKm = 6371.0

// Query selects candidates within RadiusKm of Origin that reported within the
// last RecencyWindowDays. ExcludeID is never returned.
type Query struct {
	Origin            domain.Coordinate `json:"origin"`
	RadiusKm          float64           `json:"radius_km" validate:"finite,gte=0"`
	RecencyWindowDays int               `json:"recency_window_days" validate:"gte=0"`
	ExcludeID         string            `json:"exclude_id,omitempty"`
}

// Candidate is one vessel considered by FindNearby. Nil fields make it
// ineligible.
type Candidate struct {
	ID       string
	Position *domain.Coordinate
	LastSeen *time.Time
}

// Nearby is an eligible candidate and its distance from the query origin.
type Nearby struct {
	Candidate
	DistanceKm float64
}

// Haversine returns the great-circle distance between a and b in kilometers.
func Haversine(a, b domain.Coordinate) float64 {
	p1, p2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dp, dl := (b.Lat-a.Lat)*math.Pi/180, (b.Lng-a.Lng)*math.Pi/180
	h := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	// Rounding can push h just past 1 near antipodes.
	h = math.Min(1, math.Max(0, h))
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// FindNearby scans candidates and returns every eligible one within range.
// Result order is unspecified; use SortByDistance for display. When an ID
// appears more than once, the most recently seen entry is kept.
func FindNearby(q Query, candidates []Candidate, now time.Time) []Nearby {
	cutoff := now.Add(-time.Duration(q.RecencyWindowDays) * 24 * time.Hour)

	index := make(map[string]int, len(candidates))
	out := make([]Nearby, 0)
	for _, c := range candidates {
		if c.ID == "" || c.ID == q.ExcludeID || c.Position == nil || c.LastSeen == nil {
			continue
		}
		if c.LastSeen.Before(cutoff) {
			continue
		}
		d := Haversine(q.Origin, *c.Position)
		if math.IsNaN(d) || d > q.RadiusKm {
			continue
		}

		n := Nearby{Candidate: c, DistanceKm: d}
		if i, seen := index[c.ID]; seen {
			if c.LastSeen.After(*out[i].LastSeen) {
				out[i] = n
			}
			continue
		}
		index[c.ID] = len(out)
		out = append(out, n)
	}
	return out
}

// SortByDistance orders results nearest first, then most recently seen, then
// by ID.
func SortByDistance(ns []Nearby) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].DistanceKm != ns[j].DistanceKm {
			return ns[i].DistanceKm < ns[j].DistanceKm
		}
		if !ns[i].LastSeen.Equal(*ns[j].LastSeen) {
			return ns[i].LastSeen.After(*ns[j].LastSeen)
		}
		return ns[i].ID < ns[j].ID
	})
}

// FromSamples turns stored position samples into candidates.
func FromSamples(samples []domain.PositionSample) []Candidate {
	out := make([]Candidate, 0, len(samples))
	for _, s := range samples {
		c := Candidate{ID: s.VesselID}
		pos := s.Coordinate()
		c.Position = &pos
		if !s.Timestamp.IsZero() {
			ts := s.Timestamp
			c.LastSeen = &ts
		}
		out = append(out, c)
	}
	return out
}
