package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBotStat_RequestAndResponseCounters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(start)

	s.OnRequest(start, 100)
	s.OnResponse(start, true, 200)
	s.OnResponse(start.Add(time.Second), false, 50)

	snaps := s.Snapshots(start.Add(2 * time.Second))
	all := snaps[0]
	assert.Equal(t, float64(1), all.RequestCount)
	assert.Equal(t, float64(100), all.RequestBytes)
	assert.Equal(t, float64(2), all.ResponseCount)
	assert.Equal(t, float64(1), all.ResponseCountOK)
	assert.Equal(t, float64(1), all.ResponseCountErr)
	assert.Equal(t, float64(250), all.ResponseBytes)
}

func TestBotStat_WindowPruning(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(start)

	s.OnRequest(start, 10)

	// Still within the 5 second window.
	snaps := s.Snapshots(start.Add(4 * time.Second))
	assert.Equal(t, float64(1), snaps[1].RequestCount) // 5sec window

	// Past the 5 second window but within 1 minute and 1 hour.
	snaps = s.Snapshots(start.Add(10 * time.Second))
	assert.Equal(t, float64(0), snaps[1].RequestCount) // 5sec window
	assert.Equal(t, float64(1), snaps[2].RequestCount) // 1min window
	assert.Equal(t, float64(1), snaps[3].RequestCount) // 1hour window
	assert.Equal(t, float64(1), snaps[0].RequestCount) // all-time window

	// Past the 1 hour window.
	snaps = s.Snapshots(start.Add(2 * time.Hour))
	assert.Equal(t, float64(0), snaps[2].RequestCount)
	assert.Equal(t, float64(0), snaps[3].RequestCount)
	assert.Equal(t, float64(1), snaps[0].RequestCount) // all-time never prunes
}

func TestBotStat_IsActive(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(start)
	assert.True(t, s.IsActive(start))
	assert.True(t, s.IsActive(start.Add(59*time.Minute)))
	assert.False(t, s.IsActive(start.Add(61*time.Minute)))
}

func TestBotStat_ScoreCombinesActivitySignals(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(start)

	for i := 0; i < 120; i++ {
		s.OnRequest(start, 1)
	}
	s.ActiveRequestsDelta(3)
	s.OnUpload(start, 1024)

	got := s.Score(start)
	// rps60 = 120/60 = 2, rpsLong = 120, active = 3, uploadBytes = 1024
	assert.Equal(t, float64(2+120+3+1024), got)
}

func TestBotStat_Uptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(start)
	assert.Equal(t, time.Hour, s.Uptime(start.Add(time.Hour)))
}
