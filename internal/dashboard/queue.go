package dashboard

import (
	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/money"
)

// PendingAction is one accept/reject decision owed by the current user.
type PendingAction struct {
	BillID   billing.BillID
	BillName string
	Amount   money.Cents
}

// PendingQueue is a strict FIFO of decisions awaiting the user. The UI keeps
// at most one action in flight: it peeks the head while the prompt is
// displayed and dequeues only once the user has resolved it.
type PendingQueue struct {
	actions []PendingAction
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Enqueue appends actions, preserving arrival order across calls.
func (q *PendingQueue) Enqueue(actions ...PendingAction) {
	q.actions = append(q.actions, actions...)
}

// Dequeue removes and returns the head.
func (q *PendingQueue) Dequeue() (PendingAction, bool) {
	if len(q.actions) == 0 {
		return PendingAction{}, false
	}
	head := q.actions[0]
	q.actions = q.actions[1:]
	return head, true
}

// Peek returns the head without removing it.
func (q *PendingQueue) Peek() (PendingAction, bool) {
	if len(q.actions) == 0 {
		return PendingAction{}, false
	}
	return q.actions[0], true
}

// Len reports the number of queued actions.
func (q *PendingQueue) Len() int {
	return len(q.actions)
}
