package core

import (
	"container/heap"
	"time"
)

// pendingRequest tracks a digest consensus needs but the store does not yet
// hold. It is only ever touched by the Synchronizer goroutine.
type pendingRequest struct {
	digest Digest
	round  uint64

	// attempts counts how many times the digest was requested
	attempts int
	lastSent time.Time
	deadline time.Time
	stuck    bool

	waiters []chan<- *Batch
	// notifyConsensus is set when at least one Get without a reply channel
	// is waiting on the digest
	notifyConsensus bool

	// index in the deadline queue, maintained by heap.Interface
	index int
}

// deadlineQueue is a min-heap of pending requests ordered by their next
// retry deadline. A single timer is armed for the head of the queue.
type deadlineQueue []*pendingRequest

var _ heap.Interface = (*deadlineQueue)(nil)

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	return q[i].deadline.Before(q[j].deadline)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	req := x.(*pendingRequest)
	req.index = len(*q)
	*q = append(*q, req)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*q = old[:n-1]
	return req
}

func (q *deadlineQueue) schedule(req *pendingRequest, at time.Time) {
	req.deadline = at
	if req.index >= 0 && req.index < len(*q) && (*q)[req.index] == req {
		heap.Fix(q, req.index)
		return
	}
	heap.Push(q, req)
}

func (q *deadlineQueue) remove(req *pendingRequest) {
	if req.index >= 0 && req.index < len(*q) && (*q)[req.index] == req {
		heap.Remove(q, req.index)
	}
}

// next returns the earliest deadline
func (q deadlineQueue) next() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].deadline, true
}

// popDue removes and returns every request whose deadline is not after now
func (q *deadlineQueue) popDue(now time.Time) []*pendingRequest {
	var due []*pendingRequest
	for len(*q) > 0 && !(*q)[0].deadline.After(now) {
		due = append(due, heap.Pop(q).(*pendingRequest))
	}
	return due
}
