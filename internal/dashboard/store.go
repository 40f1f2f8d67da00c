package dashboard

import (
	"fmt"

	"github.com/paysplit/paysplit/internal/billing"
	"go.uber.org/zap"
)

// Store holds the authoritative in-memory set of bills for one dashboard
// session. Snapshot loads replace the whole set; push updates upsert single
// records. Exactly one bill exists per id at any time.
//
// Store methods are not safe for concurrent use. All mutations arrive through
// one serialized event consumer (see Session), matching the discipline of the
// browser dashboard it replaces.
type Store struct {
	order  []billing.BillID
	bills  map[billing.BillID]billing.Bill
	seen   *SeenTracker
	logger *zap.Logger
}

// StoreConfig carries the store's collaborators. Both are optional; defaults
// are an empty tracker and a no-op logger.
type StoreConfig struct {
	Seen   *SeenTracker
	Logger *zap.Logger
}

// NewStore constructs an empty store.
func NewStore(cfg StoreConfig) *Store {
	seen := cfg.Seen
	if seen == nil {
		seen = NewSeenTracker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		bills:  make(map[billing.BillID]billing.Bill),
		seen:   seen,
		logger: logger,
	}
}

// ApplySnapshot replaces the entire known set with the given bills. Bills
// absent from the snapshot are dropped: the snapshot is authoritative for set
// membership. Records without an id are skipped and counted; the rest of the
// batch still applies.
func (s *Store) ApplySnapshot(bills []billing.Bill) int {
	s.order = s.order[:0]
	clear(s.bills)

	skipped := 0
	for _, bill := range bills {
		if bill.ID == 0 {
			skipped++
			continue
		}
		if _, exists := s.bills[bill.ID]; !exists {
			s.order = append(s.order, bill.ID)
		}
		s.bills[bill.ID] = bill
	}

	if skipped > 0 {
		s.logger.Warn("snapshot contained malformed bill records",
			zap.Int("skipped", skipped),
			zap.Int("applied", len(s.order)))
	}
	return skipped
}

// ApplyUpdate upserts a single bill by id. An existing record is replaced
// wholesale — the incoming record is authoritative for itself — and an unseen
// id is appended to the display order.
func (s *Store) ApplyUpdate(bill billing.Bill) error {
	if bill.ID == 0 {
		return fmt.Errorf("%w: push update", billing.ErrMissingBillID)
	}
	if _, exists := s.bills[bill.ID]; !exists {
		s.order = append(s.order, bill.ID)
	}
	s.bills[bill.ID] = bill
	return nil
}

// DerivePendingQueueFor scans the known bills for splits that belong to the
// given user, are still undecided, and have not yet been surfaced. Each match
// is marked seen and returned in bill-then-split encounter order, so a second
// call without an intervening mutation yields nothing.
func (s *Store) DerivePendingQueueFor(username string) []PendingAction {
	var actions []PendingAction
	for _, id := range s.order {
		bill := s.bills[id]
		for _, split := range bill.Splits {
			if split.User != username || split.Decided() {
				continue
			}
			if s.seen.HasSeen(bill.ID, username) {
				continue
			}
			s.seen.MarkSeen(bill.ID, username)
			actions = append(actions, PendingAction{
				BillID:   bill.ID,
				BillName: bill.Name,
				Amount:   split.Amount,
			})
		}
	}
	return actions
}

// Bills returns the current set in stable display order.
func (s *Store) Bills() []billing.Bill {
	bills := make([]billing.Bill, 0, len(s.order))
	for _, id := range s.order {
		bills = append(bills, s.bills[id])
	}
	return bills
}

// Get returns the bill with the given id, if known.
func (s *Store) Get(id billing.BillID) (billing.Bill, bool) {
	bill, ok := s.bills[id]
	return bill, ok
}

// Len reports how many bills are currently known.
func (s *Store) Len() int {
	return len(s.bills)
}
