package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventState_AckForgets(t *testing.T) {
	now := time.Now()
	es := newEventState(1, 1, []byte("{}"), 0, now.Add(time.Hour))
	got := es.applyResult(now, deliveryResult{statusCode: 200, retryAfter: -1})
	assert.Equal(t, outcomeAck, got)
}

func TestEventState_RetryDoublesDelayWithoutRetryAfter(t *testing.T) {
	now := time.Now()
	es := newEventState(1, 1, []byte("{}"), 0, now.Add(time.Hour))
	assert.Equal(t, time.Second, es.delay)

	got := es.applyResult(now, deliveryResult{statusCode: 500, retryAfter: -1})
	assert.Equal(t, outcomeRetry, got)
	assert.Equal(t, 1, es.failCount)
	assert.Equal(t, now.Add(time.Second), es.wakeupAt)
	assert.Equal(t, 2*time.Second, es.delay)

	got = es.applyResult(es.wakeupAt, deliveryResult{statusCode: 500, retryAfter: -1})
	assert.Equal(t, outcomeRetry, got)
	assert.Equal(t, 2, es.failCount)
	assert.Equal(t, 4*time.Second, es.delay)
}

func TestEventState_RetryAfterHonored(t *testing.T) {
	now := time.Now()
	es := newEventState(1, 1, []byte("{}"), 0, now.Add(time.Hour))
	got := es.applyResult(now, deliveryResult{statusCode: 429, retryAfter: 30})
	assert.Equal(t, outcomeRetry, got)
	assert.Equal(t, now.Add(30*time.Second), es.wakeupAt)
	assert.Equal(t, time.Second, es.delay) // unchanged since failCount was 0
}

func TestEventState_RetryAfterClampedTo3600(t *testing.T) {
	now := time.Now()
	es := newEventState(1, 1, []byte("{}"), 0, now.Add(48*time.Hour))
	es.applyResult(now, deliveryResult{statusCode: 429, retryAfter: 999999})
	assert.Equal(t, now.Add(3600*time.Second), es.wakeupAt)
}

func TestEventState_DropsPastExpiry(t *testing.T) {
	now := time.Now()
	es := newEventState(1, 1, []byte("{}"), 0, now.Add(500*time.Millisecond))
	got := es.applyResult(now, deliveryResult{statusCode: 500, retryAfter: -1})
	assert.Equal(t, outcomeDrop, got)
}

func TestEventState_SustainedGoneClosesAfter23Hours(t *testing.T) {
	now := time.Now()
	es := newEventState(1, 1, []byte("{}"), 0, now.Add(48*time.Hour))

	got := es.applyResult(now, deliveryResult{statusCode: 410, retryAfter: -1})
	assert.Equal(t, outcomeRetry, got)
	assert.False(t, es.firstError410.IsZero())

	got = es.applyResult(now.Add(23*time.Hour+time.Minute), deliveryResult{statusCode: 410, retryAfter: -1})
	assert.Equal(t, outcomeClosed, got)
}

func TestEventState_NonGoneResetsFirstErrorTime(t *testing.T) {
	now := time.Now()
	es := newEventState(1, 1, []byte("{}"), 0, now.Add(48*time.Hour))
	es.applyResult(now, deliveryResult{statusCode: 410, retryAfter: -1})
	assert.False(t, es.firstError410.IsZero())

	es.applyResult(now.Add(time.Minute), deliveryResult{statusCode: 500, retryAfter: -1})
	assert.True(t, es.firstError410.IsZero())
}
