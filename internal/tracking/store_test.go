package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetsync/pkg/cache"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(vesselID string, lat float64, ts time.Time) domain.PositionSample {
	return domain.PositionSample{VesselID: vesselID, Latitude: lat, Longitude: 1, Timestamp: ts}
}

func exerciseStore(t *testing.T, s PositionStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.Latest(ctx, "v1")
	assert.ErrorIs(t, err, kerrors.ErrNoPosition)

	require.NoError(t, s.Save(ctx, sample("v1", 1, now)))
	require.NoError(t, s.Save(ctx, sample("v1", 2, now.Add(-time.Minute))))
	require.NoError(t, s.Save(ctx, sample("v2", 3, now)))

	got, err := s.Latest(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Latitude, "older samples never replace newer ones")

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "v1", all[0].VesselID)
	assert.Equal(t, "v2", all[1].VesselID)

	exerciseConcurrentSaves(t, s, now)
}

// exerciseConcurrentSaves races many saves for one vessel and checks the
// newest timestamp always survives.
func exerciseConcurrentSaves(t *testing.T, s PositionStore, now time.Time) {
	ctx := context.Background()
	for round := 0; round < 10; round++ {
		id := "race-" + uuid.NewString()
		newest := now.Add(time.Hour)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Save(ctx, sample(id, float64(i), now.Add(time.Duration(i)*time.Second))))
			}(i)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Save(ctx, sample(id, 99, newest)))
			}()
		}
		wg.Wait()

		got, err := s.Latest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 99.0, got.Latitude, "round %d", round)
		assert.True(t, got.Timestamp.Equal(newest), "round %d", round)
	}
}

func TestMemoryPositionStore(t *testing.T) {
	exerciseStore(t, NewMemoryPositionStore())
}

func TestRedisPositionStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available")
	}
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.NewFromClient(rdb, "fleetsync-test:"+uuid.NewString()+":")
	exerciseStore(t, NewRedisPositionStore(c, time.Minute))
}
