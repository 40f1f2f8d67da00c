package dashboard

import (
	"fmt"

	"github.com/paysplit/paysplit/internal/billing"
)

// SeenTracker records which (bill, participant) pending splits have already
// triggered a prompt, so the same decision is never surfaced twice within one
// dashboard session.
//
// The seen-set only grows. It is never persisted and resets with the session;
// the server remains authoritative for decided splits, so nothing is lost on
// a full reload.
type SeenTracker struct {
	seen map[string]struct{}
}

// NewSeenTracker returns an empty tracker.
func NewSeenTracker() *SeenTracker {
	return &SeenTracker{seen: make(map[string]struct{})}
}

// HasSeen reports whether the (bill, username) pair was already surfaced.
func (t *SeenTracker) HasSeen(billID billing.BillID, username string) bool {
	_, ok := t.seen[seenKey(billID, username)]
	return ok
}

// MarkSeen records the pair. Marking the same pair again is a no-op.
func (t *SeenTracker) MarkSeen(billID billing.BillID, username string) {
	t.seen[seenKey(billID, username)] = struct{}{}
}

// Len reports how many pairs have been surfaced.
func (t *SeenTracker) Len() int {
	return len(t.seen)
}

func seenKey(billID billing.BillID, username string) string {
	return fmt.Sprintf("%d-%s", billID, username)
}
