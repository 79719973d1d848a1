// Package pending holds resource requests waiting for an idle instance of
// their resource proxy.
package pending

import (
	"time"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/xa"
)

// Request is a resource request that could not be reserved an instance.
type Request struct {
	Resource xa.RMID
	Created  time.Time
	Payload  message.ResourceRequest
}

// Queue is a FIFO of pending requests per resource. It is owned by the
// dispatch goroutine and is not safe for concurrent use.
type Queue struct {
	byResource map[xa.RMID][]Request
	total      int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{byResource: make(map[xa.RMID][]Request)}
}

// Push appends req to its resource's queue.
func (q *Queue) Push(req Request) {
	q.byResource[req.Resource] = append(q.byResource[req.Resource], req)
	q.total++
}

// Pop removes the oldest request for resource.
func (q *Queue) Pop(resource xa.RMID) (Request, bool) {
	list := q.byResource[resource]
	if len(list) == 0 {
		return Request{}, false
	}
	req := list[0]
	list[0] = Request{}
	list = list[1:]
	if len(list) == 0 {
		delete(q.byResource, resource)
	} else {
		q.byResource[resource] = list
	}
	q.total--
	return req, true
}

// Len returns the number of requests queued for resource.
func (q *Queue) Len(resource xa.RMID) int {
	return len(q.byResource[resource])
}

// Total returns the number of queued requests.
func (q *Queue) Total() int {
	return q.total
}

// Counts returns the queue depth per resource.
func (q *Queue) Counts() map[xa.RMID]int {
	if q.total == 0 {
		return nil
	}
	out := make(map[xa.RMID]int, len(q.byResource))
	for id, list := range q.byResource {
		out[id] = len(list)
	}
	return out
}

// RemoveIf drops every request matching pred, keeping order, and returns the
// removed requests.
func (q *Queue) RemoveIf(pred func(Request) bool) []Request {
	var removed []Request
	for id, list := range q.byResource {
		kept := list[:0]
		for _, req := range list {
			if pred(req) {
				removed = append(removed, req)
				continue
			}
			kept = append(kept, req)
		}
		clear(list[len(kept):])
		if len(kept) == 0 {
			delete(q.byResource, id)
		} else {
			q.byResource[id] = kept
		}
	}
	q.total -= len(removed)
	return removed
}
