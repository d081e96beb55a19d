package webhook

import "container/heap"

// conversationQueue is the per-conversation FIFO of spec.md §3's
// `queue_updates: queue_id → FIFO of event_ids` projection, keyed by an
// event's `extra` field. Only the head is ever dispatched; it is not
// removed until acknowledged, dropped, or the webhook closes, which is
// what gives ordering guarantee (1) ("webhook deliveries are in TQueue-id
// order" within a conversation) even though events from different
// conversations can be in flight concurrently.
type conversationQueue struct {
	key  int64
	fifo []*eventState
}

func (c *conversationQueue) head() *eventState {
	if len(c.fifo) == 0 {
		return nil
	}
	return c.fifo[0]
}

func (c *conversationQueue) pushBack(es *eventState) {
	c.fifo = append(c.fifo, es)
}

func (c *conversationQueue) popFront() {
	c.fifo = c.fifo[1:]
}

// convHeap is the min-heap keyed by (wakeup_at, queue_id) spec.md §4.D.3
// calls for, choosing which bound conversation to dispatch next. Ties break
// by the conversation key, matching spec.md §8's Open Question (a).
type convHeap []*conversationQueue

func (h convHeap) Len() int { return len(h) }

func (h convHeap) Less(i, j int) bool {
	hi, hj := h[i].head(), h[j].head()
	if !hi.wakeupAt.Equal(hj.wakeupAt) {
		return hi.wakeupAt.Before(hj.wakeupAt)
	}
	return h[i].key < h[j].key
}

func (h convHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *convHeap) Push(x any) { *h = append(*h, x.(*conversationQueue)) }

func (h *convHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func pushConv(h *convHeap, c *conversationQueue) { heap.Push(h, c) }

func popConv(h *convHeap) *conversationQueue { return heap.Pop(h).(*conversationQueue) }
