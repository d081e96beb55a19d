// Package tqueue implements the durable per-bot event queue (spec.md §4.A):
// a mapping from queue_id to an ordered sequence of Events, backed by an
// append-only binary log that is replayed into memory on startup.
package tqueue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// TQueue is a durable multi-queue FIFO of Events. All exported methods are
// safe for concurrent use.
type TQueue struct {
	logger *slog.Logger
	log    *binlog

	mu      sync.Mutex
	queues  map[int64]*queueState
	nextID  atomic.Int32
	gcKeys  []int64
	gcIndex int

	deletedSinceWarning int
}

type queueState struct {
	events []Event // sorted by ID ascending
	// notify is closed and replaced every time an event is pushed, letting
	// waiters (the long-poll waiter, the webhook actor) park on it instead
	// of polling.
	notify chan struct{}
}

func newQueueState() *queueState {
	return &queueState{notify: make(chan struct{})}
}

// Open creates a TQueue backed by the binlog at path (pass "" for an
// in-memory-only queue, used by tests) and replays any existing log into
// memory.
func Open(path string, logger *slog.Logger) (*TQueue, error) {
	log, err := openBinlog(path, logger)
	if err != nil {
		return nil, err
	}
	q := &TQueue{
		logger: logger,
		log:    log,
		queues: make(map[int64]*queueState),
	}
	if err := log.replay(q.applyReplayed); err != nil {
		return nil, fmt.Errorf("replaying tqueue binlog: %w", err)
	}
	return q, nil
}

func (q *TQueue) applyReplayed(rec record) {
	switch rec.kind {
	case recordTypePush:
		qs := q.queues[rec.queueID]
		if qs == nil {
			qs = newQueueState()
			q.queues[rec.queueID] = qs
		}
		payload := make([]byte, len(rec.payload))
		copy(payload, rec.payload)
		qs.events = append(qs.events, Event{
			ID:        rec.id,
			QueueID:   rec.queueID,
			Extra:     rec.extra,
			ExpiresAt: rec.expiresAt,
			Payload:   payload,
		})
		if rec.id > q.nextID.Load() {
			q.nextID.Store(rec.id)
		}
	case recordTypeForget:
		q.removeLocked(rec.queueID, rec.id)
	}
}

// Push assigns the next id within the process-wide sequence, stores the
// event in memory, and asynchronously appends it to the binlog. Returns the
// assigned id.
func (q *TQueue) Push(queueID int64, payload []byte, expiresAt int64, extra int64) (int32, error) {
	if len(payload) > MaxPayloadSize {
		return 0, fmt.Errorf("tqueue: payload of %d bytes exceeds cap of %d", len(payload), MaxPayloadSize)
	}
	// id 0 is reserved as "invalid" the way the original EventId is, so the
	// sequence starts at 1.
	id := q.nextID.Add(1)

	stored := make([]byte, len(payload))
	copy(stored, payload)

	q.mu.Lock()
	qs := q.queues[queueID]
	if qs == nil {
		qs = newQueueState()
		q.queues[queueID] = qs
	}
	qs.events = append(qs.events, Event{ID: id, QueueID: queueID, Extra: extra, ExpiresAt: expiresAt, Payload: stored})
	old := qs.notify
	qs.notify = make(chan struct{})
	q.mu.Unlock()
	close(old)

	q.log.append(record{kind: recordTypePush, queueID: queueID, id: id, extra: extra, expiresAt: expiresAt, payload: stored})
	return id, nil
}

// Head returns the id at which a fresh consumer should start reading: the
// smallest id still stored for the queue, or the id the next Push will
// assign if the queue is empty or unknown.
func (q *TQueue) Head(queueID int64) int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	qs := q.queues[queueID]
	if qs == nil || len(qs.events) == 0 {
		return q.nextID.Load() + 1
	}
	return qs.events[0].ID
}

// NotifyChannel returns a channel that is closed the next time an event is
// pushed into queueID, for use by waiters that want to block without
// polling. The returned channel reflects a single generation: after it
// fires, callers must call NotifyChannel again to wait for the next push.
func (q *TQueue) NotifyChannel(queueID int64) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	qs := q.queues[queueID]
	if qs == nil {
		qs = newQueueState()
		q.queues[queueID] = qs
	}
	return qs.notify
}

// Get copies up to len(out) non-expired events with id >= fromID into out,
// returning the total count of non-expired events available from fromID
// (which may exceed len(out), letting callers detect backlog). If fromID is
// older than the queue's head, it is silently advanced to head first.
// Events with id < forgetBefore are dropped from the queue as a side
// effect, each emitting a tombstone.
func (q *TQueue) Get(queueID int64, fromID int32, forgetBefore int32, now int64, out []Event) (int, []Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs := q.queues[queueID]
	if qs == nil {
		return 0, out[:0]
	}

	if forgetBefore > fromID {
		forgetBefore = fromID
	}
	if forgetBefore > 0 {
		q.forgetBeforeLocked(qs, queueID, forgetBefore)
	}

	if len(qs.events) > 0 && fromID < qs.events[0].ID {
		fromID = qs.events[0].ID
	}

	startIdx := sort.Search(len(qs.events), func(i int) bool { return qs.events[i].ID >= fromID })

	total := 0
	result := out[:0]
	for i := startIdx; i < len(qs.events); i++ {
		ev := qs.events[i]
		if ev.ExpiresAt <= now {
			continue
		}
		total++
		if len(result) < cap(out) {
			result = append(result, ev)
		}
	}
	return total, result
}

// forgetBeforeLocked drops all events with id < before from the queue,
// emitting a tombstone for each. Caller must hold q.mu.
func (q *TQueue) forgetBeforeLocked(qs *queueState, queueID int64, before int32) {
	cut := sort.Search(len(qs.events), func(i int) bool { return qs.events[i].ID >= before })
	for _, ev := range qs.events[:cut] {
		q.log.append(record{kind: recordTypeForget, queueID: queueID, id: ev.ID})
	}
	qs.events = qs.events[cut:]
}

// Forget removes a single event by id and emits a tombstone.
func (q *TQueue) Forget(queueID int64, id int32) {
	q.mu.Lock()
	q.removeLocked(queueID, id)
	q.mu.Unlock()
	q.log.append(record{kind: recordTypeForget, queueID: queueID, id: id})
}

func (q *TQueue) removeLocked(queueID int64, id int32) {
	qs := q.queues[queueID]
	if qs == nil {
		return
	}
	idx := sort.Search(len(qs.events), func(i int) bool { return qs.events[i].ID >= id })
	if idx < len(qs.events) && qs.events[idx].ID == id {
		qs.events = append(qs.events[:idx], qs.events[idx+1:]...)
	}
	if len(qs.events) == 0 {
		delete(q.queues, queueID)
	}
}

// gcBatchSize bounds how many queues RunGC inspects per call.
const gcBatchSize = 256

// RunGC walks queues incrementally, dropping expired events. Returns the
// number deleted this call and whether this call completed a full pass over
// all queues (callers use this to pick the 60s/1s reschedule interval from
// spec.md §4.A).
func (q *TQueue) RunGC(now int64) (deleted int, finished bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.gcIndex >= len(q.gcKeys) {
		q.gcKeys = q.gcKeys[:0]
		for k := range q.queues {
			q.gcKeys = append(q.gcKeys, k)
		}
		q.gcIndex = 0
	}

	end := q.gcIndex + gcBatchSize
	if end > len(q.gcKeys) {
		end = len(q.gcKeys)
	}
	for _, queueID := range q.gcKeys[q.gcIndex:end] {
		qs := q.queues[queueID]
		if qs == nil {
			continue
		}
		kept := qs.events[:0]
		for _, ev := range qs.events {
			if ev.ExpiresAt <= now {
				q.log.append(record{kind: recordTypeForget, queueID: queueID, id: ev.ID})
				deleted++
				continue
			}
			kept = append(kept, ev)
		}
		qs.events = kept
		if len(qs.events) == 0 {
			delete(q.queues, queueID)
		}
	}
	q.gcIndex = end
	finished = q.gcIndex >= len(q.gcKeys)

	q.deletedSinceWarning += deleted
	if q.deletedSinceWarning >= 10000 {
		q.logger.Warn("tqueue gc has deleted 10000+ events cumulatively", "deleted_this_run", deleted)
		q.deletedSinceWarning = 0
	}
	return deleted, finished
}

// Close stops the binlog writer, flushing and fsyncing pending records.
func (q *TQueue) Close() error {
	return q.log.close()
}
