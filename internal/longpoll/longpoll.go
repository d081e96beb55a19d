// Package longpoll implements the Long-Poll Waiter of spec.md §4.E: at
// most one parked getUpdates request per bot, woken on new TQueue events or
// timeout, with a small coalescing window so a burst of pushes becomes one
// response.
//
// Grounded on the teacher's LongPollingClient loop/timer idiom, inverted:
// the teacher polls an upstream API on a timer; this package instead parks
// an inbound HTTP-shaped request and wakes it from TQueue's notify channel.
package longpoll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prilive-com/botapigateway/internal/tqueue"
)

// waitAfter and maxDelay are the coalescing window from spec.md §4.E:
// LONG_POLL_WAIT_AFTER and LONG_POLL_MAX_DELAY.
const (
	waitAfter = time.Millisecond
	maxDelay  = 2 * time.Millisecond
)

// ErrConflict is returned to a parked getUpdates call when a newer one for
// the same bot passes an offset beyond the parked call's own, or when Abort
// is called (spec.md §4.E / §7 HTTP 409).
var ErrConflict = errors.New("conflict: terminated by other getUpdates request")

// Waiter parks at most one getUpdates call per bot against a shared TQueue.
type Waiter struct {
	logger  *slog.Logger
	queue   *tqueue.TQueue
	queueID int64

	mu           sync.Mutex
	offset       int32 // long_poll_offset_: next id the caller has not yet seen
	parkedOffset int32 // offset the currently parked call began waiting from
	cancelParked func(err error)
}

// New creates a Waiter bound to queueID.
func New(logger *slog.Logger, queue *tqueue.TQueue, queueID int64) *Waiter {
	return &Waiter{logger: logger, queue: queue, queueID: queueID}
}

// GetUpdates implements spec.md §4.E's getUpdates operation. offset may be
// negative to seek from the current tail; limit is clamped to [1,100];
// timeoutSeconds is clamped to [0,50]. If another GetUpdates call is
// already parked for this bot, it is aborted: with ErrConflict when offset
// is non-negative and greater than the offset it parked from, otherwise
// with an empty result.
func (w *Waiter) GetUpdates(ctx context.Context, offset int32, limit int, timeoutSeconds int) ([]tqueue.Event, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if timeoutSeconds < 0 {
		timeoutSeconds = 0
	}
	if timeoutSeconds > 50 {
		timeoutSeconds = 50
	}

	w.mu.Lock()
	priorParked, hadParked := w.parkedOffset, w.cancelParked != nil
	if offset >= 0 {
		w.offset = offset
	} else {
		w.offset = w.queue.Head(w.queueID)
	}
	if hadParked {
		// spec.md §4.E scenario S4: the old parked call is aborted either
		// way, but it only gets HTTP 409 if this new offset acknowledges
		// events the old call was still waiting to deliver (i.e. this
		// caller already saw updates the old poll hadn't handed back yet).
		// Otherwise the old call is superseded cleanly with an empty result.
		if offset >= 0 && offset > priorParked {
			w.cancelParked(ErrConflict)
		} else {
			w.cancelParked(nil)
		}
		w.cancelParked = nil
	}
	current := w.offset
	w.mu.Unlock()

	out := make([]tqueue.Event, limit)
	now := time.Now().Unix()
	if total, got := w.queue.Get(w.queueID, current, current, now, out); total > 0 {
		w.advance(got)
		return got, nil
	}

	if timeoutSeconds == 0 {
		return nil, nil
	}

	return w.park(ctx, time.Duration(timeoutSeconds)*time.Second, out)
}

// park blocks until new events are available (after the small coalescing
// window), the hard timeout elapses, the context is canceled, or a newer
// GetUpdates call supersedes this one.
func (w *Waiter) park(ctx context.Context, hardTimeout time.Duration, out []tqueue.Event) ([]tqueue.Event, error) {
	notify := w.queue.NotifyChannel(w.queueID)

	conflictCh := make(chan error, 1)
	w.mu.Lock()
	w.parkedOffset = w.offset
	w.cancelParked = func(err error) {
		select {
		case conflictCh <- err:
		default:
		}
	}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.cancelParked = nil
		w.mu.Unlock()
	}()

	hardTimer := time.NewTimer(hardTimeout)
	defer hardTimer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-conflictCh:
		return supersededResult(err)
	case <-hardTimer.C:
		return nil, nil
	case <-notify:
	}

	// Coalescing window: wait a short beat for more pushes to land so a
	// burst becomes a single response, but never longer than maxDelay.
	coalesce := time.NewTimer(waitAfter)
	defer coalesce.Stop()
	deadline := time.NewTimer(maxDelay)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-conflictCh:
			return supersededResult(err)
		case <-hardTimer.C:
			return w.drain(out)
		case <-deadline.C:
			return w.drain(out)
		case <-coalesce.C:
			return w.drain(out)
		}
	}
}

// supersededResult turns a cancelParked signal into the old call's return
// value: a real conflict (err != nil, ErrConflict) propagates as an error
// for the caller to map to HTTP 409, while a clean supersession (err == nil)
// resolves as the empty-but-successful result spec.md §4.E scenario S4
// requires of an aborted poll that wasn't acknowledging undelivered events.
func supersededResult(err error) ([]tqueue.Event, error) {
	if err != nil {
		return nil, err
	}
	return []tqueue.Event{}, nil
}

func (w *Waiter) drain(out []tqueue.Event) ([]tqueue.Event, error) {
	w.mu.Lock()
	offset := w.offset
	w.mu.Unlock()
	now := time.Now().Unix()
	_, got := w.queue.Get(w.queueID, offset, offset, now, out)
	w.advance(got)
	return got, nil
}

func (w *Waiter) advance(got []tqueue.Event) {
	if len(got) == 0 {
		return
	}
	w.mu.Lock()
	w.offset = got[len(got)-1].ID + 1
	w.mu.Unlock()
}

// Abort cancels any currently parked request, e.g. because a webhook was
// just configured for this bot (spec.md §4.E: "Setting a webhook while a
// long poll is parked aborts the poll").
func (w *Waiter) Abort() {
	w.mu.Lock()
	cancel := w.cancelParked
	w.cancelParked = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel(ErrConflict)
	}
}
