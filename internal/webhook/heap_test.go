package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvHeap_OrdersByWakeupThenConversationKey(t *testing.T) {
	base := time.Now()
	h := &convHeap{}

	c1 := &conversationQueue{key: 5, fifo: []*eventState{{id: 1, wakeupAt: base.Add(2 * time.Second)}}}
	c2 := &conversationQueue{key: 1, fifo: []*eventState{{id: 2, wakeupAt: base}}}
	c3 := &conversationQueue{key: 2, fifo: []*eventState{{id: 3, wakeupAt: base}}}

	pushConv(h, c1)
	pushConv(h, c2)
	pushConv(h, c3)

	first := popConv(h)
	require.Equal(t, int64(1), first.key) // tie-break by conversation key at equal wakeup

	second := popConv(h)
	require.Equal(t, int64(2), second.key)

	third := popConv(h)
	require.Equal(t, int64(5), third.key)

	assert.Equal(t, 0, h.Len())
}

func TestConversationQueue_FIFOOrder(t *testing.T) {
	c := &conversationQueue{key: 1}
	e1 := &eventState{id: 1}
	e2 := &eventState{id: 2}
	c.pushBack(e1)
	c.pushBack(e2)

	require.Equal(t, e1, c.head())
	c.popFront()
	require.Equal(t, e2, c.head())
	c.popFront()
	require.Nil(t, c.head())
}
