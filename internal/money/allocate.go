package money

import (
	"errors"
	"fmt"
)

// ErrInvalidParticipants indicates an equal split was requested for a
// non-positive participant count.
var ErrInvalidParticipants = errors.New("money: participant count must be positive")

// AllocateEqually splits total into participantCount shares that sum to the
// total exactly. The base share is total divided by the count, rounded down to
// the cent; the leftover cents are handed out one each to the earliest shares,
// so any two shares differ by at most one cent and the larger shares come
// first.
//
// Callers recompute the whole allocation whenever the total or the count
// changes instead of patching individual shares, so rounding decisions never
// compound.
func AllocateEqually(total Cents, participantCount int) ([]Cents, error) {
	if participantCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidParticipants, participantCount)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, total)
	}

	base := total / Cents(participantCount)
	leftover := int(total % Cents(participantCount))

	shares := make([]Cents, participantCount)
	for i := range shares {
		shares[i] = base
		if i < leftover {
			shares[i]++
		}
	}
	return shares, nil
}
