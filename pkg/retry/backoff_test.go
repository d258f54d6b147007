package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	b := Backoff{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(50))
}

func TestBackoff_NormalizesBadInput(t *testing.T) {
	b := Backoff{InitialInterval: -1, MaxInterval: 0, Multiplier: 0}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(3))
}

func TestBackoff_Exhausted(t *testing.T) {
	assert.False(t, Backoff{}.Exhausted(1000))

	b := Backoff{MaxRetries: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}

func TestBackoff_WaitHonorsContext(t *testing.T) {
	b := Backoff{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.False(t, b.Wait(ctx, 0))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackoff_WaitWithJitter(t *testing.T) {
	b := Backoff{InitialInterval: 10 * time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 1, Jitter: true}

	start := time.Now()
	assert.True(t, b.Wait(context.Background(), 0))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
}
