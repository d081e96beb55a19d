package flood

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControl_CreationFloodWindows(t *testing.T) {
	c := New()
	c.AddLimit(time.Minute, 20)
	c.AddLimit(time.Hour, 600)

	start := time.Now()
	for i := 0; i < 20; i++ {
		require.True(t, c.Allow(start.Add(time.Duration(i)*time.Millisecond)), "event %d should be admitted", i)
	}

	blocked := start.Add(20 * time.Millisecond)
	assert.False(t, c.Allow(blocked), "21st event within the minute window must be rejected")

	wakeup := c.WakeupAt(blocked)
	assert.True(t, !wakeup.Before(blocked), "wakeup must not be in the past")
	assert.True(t, wakeup.Sub(blocked) <= time.Minute+time.Second, "wakeup must fall within roughly the window")
}

func TestControl_WakeupAtIsNonNegativeGap(t *testing.T) {
	c := New()
	c.AddLimit(time.Second, 1)

	now := time.Now()
	require.True(t, c.Allow(now))
	wakeup := c.WakeupAt(now)
	assert.True(t, wakeup.After(now) || wakeup.Equal(now.Add(time.Second)))
}

func TestControl_NoLimitsAlwaysAllows(t *testing.T) {
	c := New()
	now := time.Now()
	for i := 0; i < 1000; i++ {
		assert.True(t, c.Allow(now))
	}
}

func TestControl_EventsExpireOutOfWindow(t *testing.T) {
	c := New()
	c.AddLimit(100*time.Millisecond, 1)

	now := time.Now()
	require.True(t, c.Allow(now))
	assert.False(t, c.Allow(now.Add(50*time.Millisecond)))
	assert.True(t, c.Allow(now.Add(150*time.Millisecond)))
}
