package safety

import (
	"sort"
	"sync"
)

// QueueUpdate is one change to an ApprovalQueue. Decision is empty for a
// newly published request.
type QueueUpdate struct {
	Request  PermissionRequest
	Decision string
}

// ApprovalQueue is an in-memory Approver that keeps the open requests for
// a dashboard to list and watch. Updates are dropped when nobody drains
// the channel fast enough.
type ApprovalQueue struct {
	mu      sync.Mutex
	open    map[string]PermissionRequest
	settled map[string]bool
	updates chan QueueUpdate
}

var _ Approver = (*ApprovalQueue)(nil)

func NewApprovalQueue(buffer int) *ApprovalQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &ApprovalQueue{
		open:    make(map[string]PermissionRequest),
		settled: make(map[string]bool),
		updates: make(chan QueueUpdate, buffer),
	}
}

func (q *ApprovalQueue) Publish(req PermissionRequest) {
	q.mu.Lock()
	// Notifications are delivered asynchronously and may arrive resolved
	// first.
	if q.settled[req.ID] {
		delete(q.settled, req.ID)
		q.mu.Unlock()
		return
	}
	q.open[req.ID] = req
	q.mu.Unlock()
	q.notify(QueueUpdate{Request: req})
}

func (q *ApprovalQueue) Resolved(id, decision string) {
	q.mu.Lock()
	req, ok := q.open[id]
	delete(q.open, id)
	if !ok {
		q.settled[id] = true
	}
	q.mu.Unlock()
	if !ok {
		req = PermissionRequest{ID: id}
	}
	q.notify(QueueUpdate{Request: req, Decision: decision})
}

// List returns the open requests, oldest first.
func (q *ApprovalQueue) List() []PermissionRequest {
	q.mu.Lock()
	out := make([]PermissionRequest, 0, len(q.open))
	for _, req := range q.open {
		out = append(out, req)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Updates delivers publish and resolve notifications.
func (q *ApprovalQueue) Updates() <-chan QueueUpdate { return q.updates }

func (q *ApprovalQueue) notify(u QueueUpdate) {
	select {
	case q.updates <- u:
	default:
	}
}
