// Package stats implements the windowed per-bot counters of spec.md §4.B,
// grounded on the original implementation's ServerBotStat/TimedStat: each
// bot tracks request/response/update counters in four overlapping windows
// (5s, 1m, 1h, all-time) so the manager can render recent-activity figures
// without retaining full event history.
package stats

import (
	"sync"
	"time"
)

// windowDurations mirrors the original's DURATIONS = {0 (all time), 5, 60, 3600}.
var windowDurations = [4]time.Duration{0, 5 * time.Second, time.Minute, time.Hour}

// WindowNames labels windowDurations for TSV rendering.
var WindowNames = [4]string{"all", "5sec", "1min", "1hour"}

type sample struct {
	at    time.Time
	count float64
}

// counter accumulates a single metric across the four windows using a ring
// of timestamped samples per window, pruned lazily on read.
type counter struct {
	mu      sync.Mutex
	samples [4][]sample
}

func (c *counter) add(now time.Time, n float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range windowDurations {
		c.samples[i] = append(c.samples[i], sample{at: now, count: n})
	}
}

func (c *counter) value(now time.Time, windowIdx int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := windowDurations[windowIdx]
	samples := c.samples[windowIdx]
	var total float64
	kept := samples[:0]
	cutoff := now.Add(-window)
	for _, s := range samples {
		if window != 0 && s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		total += s.count
	}
	c.samples[windowIdx] = kept
	return total
}

// BotStat holds the per-bot counters described in spec.md §4.B / original
// ServerBotStat: request volume, response volume/outcome, update emission
// count, and a last-activity timestamp read by IsActive.
type BotStat struct {
	requestCount      counter
	requestBytes      counter
	responseCount     counter
	responseCountOK   counter
	responseCountErr  counter
	responseBytes     counter
	updateCount       counter
	uploadBytes       counter
	activeRequests    int64
	mu                sync.Mutex
	lastActivity      time.Time
	startTime         time.Time
}

// New creates a BotStat starting its "active" clock at now.
func New(now time.Time) *BotStat {
	return &BotStat{startTime: now, lastActivity: now}
}

// OnRequest records an inbound HTTP request of size bytes at time now.
func (s *BotStat) OnRequest(now time.Time, bytes int) {
	s.requestCount.add(now, 1)
	s.requestBytes.add(now, float64(bytes))
	s.touch(now)
}

// OnResponse records an outbound HTTP response of size bytes, ok or error,
// at time now.
func (s *BotStat) OnResponse(now time.Time, ok bool, bytes int) {
	s.responseCount.add(now, 1)
	if ok {
		s.responseCountOK.add(now, 1)
	} else {
		s.responseCountErr.add(now, 1)
	}
	s.responseBytes.add(now, float64(bytes))
	s.touch(now)
}

// OnUpdate records one update emitted into TQueue for this bot.
func (s *BotStat) OnUpdate(now time.Time) {
	s.updateCount.add(now, 1)
	s.touch(now)
}

// OnUpload records file bytes uploaded on behalf of this bot (used by the
// top-K scoring formula).
func (s *BotStat) OnUpload(now time.Time, bytes int64) {
	s.uploadBytes.add(now, float64(bytes))
	s.touch(now)
}

func (s *BotStat) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// ActiveRequestsDelta adjusts the in-flight request gauge.
func (s *BotStat) ActiveRequestsDelta(delta int64) {
	s.mu.Lock()
	s.activeRequests += delta
	s.mu.Unlock()
}

// IsActive reports whether this bot has had any activity within the last
// hour.
func (s *BotStat) IsActive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) < time.Hour
}

// Score implements the top-K ranking formula from original_source
// ClientManager::get_top_clients: 60s rps + long-range rps + active
// requests + upload bytes.
func (s *BotStat) Score(now time.Time) float64 {
	rps60 := s.requestCount.value(now, 2) / 60
	rpsLong := s.requestCount.value(now, 0)
	s.mu.Lock()
	active := float64(s.activeRequests)
	s.mu.Unlock()
	return rps60 + rpsLong + active + s.uploadBytes.value(now, 0)
}

// Snapshot is a point-in-time TSV-friendly view of one window's counters.
type Snapshot struct {
	Window           string
	RequestCount     float64
	RequestBytes     float64
	ResponseCount    float64
	ResponseCountOK  float64
	ResponseCountErr float64
	ResponseBytes    float64
	UpdateCount      float64
}

// Snapshots returns one Snapshot per window (all, 5sec, 1min, 1hour).
func (s *BotStat) Snapshots(now time.Time) []Snapshot {
	out := make([]Snapshot, len(windowDurations))
	for i := range windowDurations {
		out[i] = Snapshot{
			Window:           WindowNames[i],
			RequestCount:     s.requestCount.value(now, i),
			RequestBytes:     s.requestBytes.value(now, i),
			ResponseCount:    s.responseCount.value(now, i),
			ResponseCountOK:  s.responseCountOK.value(now, i),
			ResponseCountErr: s.responseCountErr.value(now, i),
			ResponseBytes:    s.responseBytes.value(now, i),
			UpdateCount:      s.updateCount.value(now, i),
		}
	}
	return out
}

// Uptime returns how long this bot has been tracked.
func (s *BotStat) Uptime(now time.Time) time.Duration {
	return now.Sub(s.startTime)
}
