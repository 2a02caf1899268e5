// =============================================================================
// RETRY SCHEDULER - WHEN DOES AN UNACKED MESSAGE COME BACK?
// =============================================================================
//
// Every delivery schedules one entry: (message id, visibility deadline).
// Ack cancels the entry. The shard's redelivery loop pops every entry whose
// deadline has passed and moves the message out of in-flight.
//
// DATA STRUCTURE: MIN-HEAP + INDEX
//
//   ┌─────────────────────────────────────────────────────────────┐
//   │                      RETRY HEAP                             │
//   │                                                             │
//   │                 ┌──────────────────┐                        │
//   │                 │ at=10:30  id=0/7 │  ← next to fire        │
//   │                 └──────────────────┘                        │
//   │                /                    \                       │
//   │   ┌──────────────────┐    ┌──────────────────┐              │
//   │   │ at=10:31  id=0/9 │    │ at=10:33  id=0/8 │              │
//   │   └──────────────────┘    └──────────────────┘              │
//   │                                                             │
//   │   byID: 0/7 → item, 0/8 → item, 0/9 → item                  │
//   └─────────────────────────────────────────────────────────────┘
//
//   - Next():    O(1) peek at the earliest deadline
//   - Schedule:  O(log n)
//   - Cancel:    O(log n) through the index (heap.Remove)
//   - PopDue:    O(k log n) for k due entries
//
// The scheduler has no lock of its own. It belongs to exactly one shard and
// is only touched while that shard's mutex is held.
//
// =============================================================================

package queue

import (
	"container/heap"
	"time"
)

// retryItem is one scheduled deadline.
type retryItem struct {
	id    uint64
	at    time.Time
	index int
}

// retryHeap implements heap.Interface ordered by deadline, then id so that
// deliveries with the same deadline come back in delivery order.
type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *retryHeap) Push(x any) {
	item := x.(*retryItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// retryScheduler is the time-ordered set of (id, eligible-retry-time) pairs.
type retryScheduler struct {
	heap retryHeap
	byID map[uint64]*retryItem
}

func newRetryScheduler() *retryScheduler {
	return &retryScheduler{
		heap: make(retryHeap, 0),
		byID: make(map[uint64]*retryItem),
	}
}

// Schedule registers id to become eligible at the given time. Scheduling an
// id that is already present moves its deadline.
//
// Returns true when the entry became the earliest deadline, which is the
// signal the redelivery loop needs to re-arm its timer.
func (s *retryScheduler) Schedule(id uint64, at time.Time) bool {
	if item, ok := s.byID[id]; ok {
		item.at = at
		heap.Fix(&s.heap, item.index)
		return item.index == 0
	}

	item := &retryItem{id: id, at: at}
	heap.Push(&s.heap, item)
	s.byID[id] = item
	return item.index == 0
}

// Cancel removes id. Reports whether it was scheduled.
func (s *retryScheduler) Cancel(id uint64) bool {
	item, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, item.index)
	delete(s.byID, id)
	return true
}

// PopDue removes and returns every id whose deadline is at or before now,
// earliest first.
func (s *retryScheduler) PopDue(now time.Time) []uint64 {
	var due []uint64
	for len(s.heap) > 0 {
		top := s.heap[0]
		if top.at.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.byID, top.id)
		due = append(due, top.id)
	}
	return due
}

// Next returns the earliest deadline, if any.
func (s *retryScheduler) Next() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

// Len returns the number of scheduled entries.
func (s *retryScheduler) Len() int {
	return len(s.heap)
}
