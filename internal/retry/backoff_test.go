package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, nil))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, nil))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4, nil))
	assert.Equal(t, time.Second, p.Delay(5, nil))
	assert.Equal(t, time.Second, p.Delay(50, nil))
}

func TestDelayJitterStaysInUpperHalf(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: true}

	low := p.Delay(1, func(int64) int64 { return 0 })
	high := p.Delay(1, func(n int64) int64 { return n - 1 })
	assert.Equal(t, 500*time.Millisecond, low)
	assert.Equal(t, time.Second-time.Nanosecond, high)
}

func TestBackoffStopsAtMaxAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Second, Multiplier: 2, MaxAttempts: 3}
	b := p.Start()

	d, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, time.Millisecond, d)
	d, ok = b.Next()
	assert.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, d)
	_, ok = b.Next()
	assert.False(t, ok)
	assert.Equal(t, 2, b.Attempt())
}

func TestBackoffUnlimited(t *testing.T) {
	b := Policy{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2}.Start()
	for range 20 {
		d, ok := b.Next()
		assert.True(t, ok)
		assert.LessOrEqual(t, d, 4*time.Millisecond)
	}
}
