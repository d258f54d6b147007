// ==============================================================================
// POSITION STORES - internal/tracking/store.go
// ==============================================================================
package tracking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"fleetsync/pkg/cache"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
)

// PositionStore keeps the last known sample per vessel. It doubles as the
// candidate source for proximity queries.
type PositionStore interface {
	// Save records sample unless a newer one is already stored.
	Save(ctx context.Context, sample domain.PositionSample) error
	// Latest returns ErrNoPosition when the vessel has never reported.
	Latest(ctx context.Context, vesselID string) (domain.PositionSample, error)
	All(ctx context.Context) ([]domain.PositionSample, error)
}

// MemoryPositionStore is a process-local PositionStore.
type MemoryPositionStore struct {
	mu      sync.RWMutex
	samples map[string]domain.PositionSample
}

func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{samples: make(map[string]domain.PositionSample)}
}

func (s *MemoryPositionStore) Save(ctx context.Context, sample domain.PositionSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.samples[sample.VesselID]; ok && cur.Timestamp.After(sample.Timestamp) {
		return nil
	}
	s.samples[sample.VesselID] = sample
	return nil
}

func (s *MemoryPositionStore) Latest(ctx context.Context, vesselID string) (domain.PositionSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[vesselID]
	if !ok {
		return domain.PositionSample{}, kerrors.ErrNoPosition
	}
	return sample, nil
}

func (s *MemoryPositionStore) All(ctx context.Context) ([]domain.PositionSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PositionSample, 0, len(s.samples))
	for _, sample := range s.samples {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VesselID < out[j].VesselID })
	return out, nil
}

const (
	positionKeyPrefix = "position:"
	vesselSetKey      = "vessels"
)

// RedisPositionStore shares last known positions between console instances.
type RedisPositionStore struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewRedisPositionStore stores samples in c. A zero ttl keeps them forever.
func NewRedisPositionStore(c *cache.RedisCache, ttl time.Duration) *RedisPositionStore {
	return &RedisPositionStore{cache: c, ttl: ttl}
}

// Save compares and writes in one script, so concurrent saves for a vessel
// always leave the newest sample.
func (s *RedisPositionStore) Save(ctx context.Context, sample domain.PositionSample) error {
	written, err := s.cache.SetIfNewer(ctx, positionKeyPrefix+sample.VesselID, sample, sample.Timestamp.UnixNano(), s.ttl)
	if err != nil {
		return kerrors.Wrap(err, "write position")
	}
	if !written {
		return nil
	}
	return s.cache.AddMember(ctx, vesselSetKey, sample.VesselID)
}

func (s *RedisPositionStore) Latest(ctx context.Context, vesselID string) (domain.PositionSample, error) {
	var sample domain.PositionSample
	if err := s.cache.Get(ctx, positionKeyPrefix+vesselID, &sample); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return domain.PositionSample{}, kerrors.ErrNoPosition
		}
		return domain.PositionSample{}, err
	}
	return sample, nil
}

// All lists every stored sample. Vessels whose key expired are pruned from
// the index as they are found.
func (s *RedisPositionStore) All(ctx context.Context) ([]domain.PositionSample, error) {
	ids, err := s.cache.Members(ctx, vesselSetKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	out := make([]domain.PositionSample, 0, len(ids))
	for _, id := range ids {
		sample, err := s.Latest(ctx, id)
		if errors.Is(err, kerrors.ErrNoPosition) {
			_ = s.cache.RemoveMember(ctx, vesselSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, nil
}
