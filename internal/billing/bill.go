package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paysplit/paysplit/internal/money"
)

var (
	// ErrMissingBillID indicates a bill record arrived without an identifier.
	// Such records are skipped; the rest of the batch still applies.
	ErrMissingBillID = errors.New("billing: missing bill id")
	// ErrUnknownStatus indicates a bill status outside the known lifecycle.
	ErrUnknownStatus = errors.New("billing: unknown bill status")
)

// BillID identifies a bill. The same identifier is used by the snapshot
// endpoint and the push channel, so records from either source merge into one
// collection.
type BillID int64

// Status is the bill lifecycle state, normalized to lowercase.
type Status string

const (
	// StatusPending means not every participant has responded yet.
	StatusPending Status = "pending"
	// StatusReady means every participant accepted their split.
	StatusReady Status = "ready"
	// StatusCompleted means the bill has been settled.
	StatusCompleted Status = "completed"
	// StatusFailed means at least one participant rejected their split.
	StatusFailed Status = "failed"
)

// ParseStatus normalizes a wire status value. Matching is case-insensitive.
// "unpaid" is accepted as an alias of pending; one deployed backend reported
// undecided bills that way.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StatusPending), "unpaid":
		return StatusPending, nil
	case string(StatusReady):
		return StatusReady, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// Split is one participant's share of a bill. Agree is tri-state: nil while
// the participant has not responded, then true or false once decided.
//
// The username is the canonical join key between a split and the current
// user. The push channel also carries a numeric user id, but the snapshot
// endpoint does not in every deployment, so the numeric id is retained for
// display purposes only and never compared.
type Split struct {
	User   string
	UserID int64
	Amount money.Cents
	Agree  *bool
	Paid   bool
}

// Decided reports whether the participant has responded.
func (s Split) Decided() bool {
	return s.Agree != nil
}

// Bill is a shared expense with a total amount and per-participant splits.
type Bill struct {
	ID          BillID
	Name        string
	CreatedTime time.Time
	Status      Status
	TotalAmount money.Cents
	Splits      []Split
}

// SplitFor returns the split belonging to the given username, if any.
func (b Bill) SplitFor(username string) (Split, bool) {
	for _, split := range b.Splits {
		if split.User == username {
			return split, true
		}
	}
	return Split{}, false
}
