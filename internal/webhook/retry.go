package webhook

import (
	"math/rand"
	"time"
)

// eventState is the per-event retry bookkeeping of spec.md §4.D.4: a tagged
// variant of {Idle, Sending, AwaitingAck, Backoff} collapsed into plain
// fields, since Go's select-based scheduling makes the explicit states
// redundant with the heap position and an inFlight flag.
type eventState struct {
	queueID   int64
	id        int32
	payload   []byte
	extra     int64
	expiresAt time.Time

	delay     time.Duration // starts at one second
	failCount int

	wakeupAt time.Time

	firstError410 time.Time // zero when not currently seeing 410s
}

func newEventState(queueID int64, id int32, payload []byte, extra int64, expiresAt time.Time) *eventState {
	return &eventState{
		queueID:   queueID,
		id:        id,
		payload:   payload,
		extra:     extra,
		expiresAt: expiresAt,
		delay:     time.Second,
		wakeupAt:  time.Time{}, // ready immediately
	}
}

// outcome is what the caller of applyResult should do with the event next.
type outcome int

const (
	outcomeAck     outcome = iota // delivered, forget the event
	outcomeRetry                  // schedule redelivery at wakeupAt
	outcomeDrop                   // past expiry, drop with a warning
	outcomeClosed                 // sustained 410, close the webhook
)

// deliveryResult is what the HTTP round trip produced, translated from the
// raw transport/HTTP outcome into the inputs the backoff state machine
// needs.
type deliveryResult struct {
	statusCode int   // 0 if the request never got a response (transport failure)
	retryAfter int   // from Retry-After header, -1 if absent
	body       []byte
}

// applyResult advances the retry state machine per spec.md §4.D.4 and
// returns what the caller should do next.
func (e *eventState) applyResult(now time.Time, res deliveryResult) outcome {
	if res.statusCode >= 200 && res.statusCode < 300 {
		e.firstError410 = time.Time{}
		return outcomeAck
	}

	if res.statusCode == 410 {
		if e.firstError410.IsZero() {
			e.firstError410 = now
		} else if now.Sub(e.firstError410) > 23*time.Hour {
			return outcomeClosed
		}
	} else {
		e.firstError410 = time.Time{}
	}

	var nextEffectiveDelay time.Duration
	if res.statusCode != 0 && res.retryAfter >= 0 {
		k := res.retryAfter
		if k > 3600 {
			k = 3600
		}
		if k < 0 {
			k = 0
		}
		nextEffectiveDelay = time.Duration(k) * time.Second
		if k == 0 && e.failCount > 0 {
			e.delay = doubledCapped(e.delay)
		}
	} else {
		nextEffectiveDelay = e.delay
		e.delay = doubledCapped(e.delay)
	}

	if now.Add(nextEffectiveDelay).After(e.expiresAt) {
		return outcomeDrop
	}

	e.wakeupAt = now.Add(nextEffectiveDelay)
	e.failCount++
	return outcomeRetry
}

// doubledCapped doubles d, capping at a value uniformly drawn from
// [60s, 120s) the way spec.md §4.D.4 specifies ("capped at random(60,120)").
func doubledCapped(d time.Duration) time.Duration {
	doubled := d * 2
	ceiling := time.Duration(60+rand.Intn(60)) * time.Second
	if doubled > ceiling {
		return ceiling
	}
	return doubled
}
