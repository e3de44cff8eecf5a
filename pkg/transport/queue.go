package transport

import (
	"sort"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// queued is an event stamped with the order in which it was sent.
type queued struct {
	seq uint64
	ev  *types.TrackingEvent
}

// eventQueue is a bounded queue kept in send order. When full it evicts the
// entry with the lowest sequence number.
type eventQueue struct {
	items    []queued
	capacity int
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{items: make([]queued, 0, capacity), capacity: capacity}
}

// insert places e at its sequence position and returns the evicted event,
// if any. On a full queue an entry older than everything queued is itself
// the one evicted.
func (q *eventQueue) insert(e queued) *types.TrackingEvent {
	if len(q.items) >= q.capacity {
		if len(q.items) == 0 || e.seq < q.items[0].seq {
			return e.ev
		}
		evicted := q.items[0].ev
		q.items[0] = queued{}
		q.items = q.items[1:]
		q.place(e)
		return evicted
	}
	q.place(e)
	return nil
}

func (q *eventQueue) place(e queued) {
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].seq > e.seq })
	q.items = append(q.items, queued{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
}

func (q *eventQueue) pop() (queued, bool) {
	if len(q.items) == 0 {
		return queued{}, false
	}
	e := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) len() int {
	return len(q.items)
}

func (q *eventQueue) clear() int {
	n := len(q.items)
	q.items = make([]queued, 0, q.capacity)
	return n
}

func (q *eventQueue) snapshot() []*types.TrackingEvent {
	out := make([]*types.TrackingEvent, len(q.items))
	for i, e := range q.items {
		out[i] = e.ev
	}
	return out
}
