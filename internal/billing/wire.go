package billing

import (
	"fmt"
	"time"

	"github.com/paysplit/paysplit/internal/money"
)

// SplitPayload is the wire shape of one participant share.
type SplitPayload struct {
	User   string      `json:"user"`
	UserID int64       `json:"user_id,omitempty"`
	Amount money.Cents `json:"amount"`
	Agree  *bool       `json:"agree"`
	Paid   bool        `json:"paid"`
}

// BillPayload is the wire shape of a bill, shared by the snapshot endpoint
// and the push channel.
type BillPayload struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	CreatedTime string         `json:"created_time"`
	Status      string         `json:"status"`
	TotalAmount money.Cents    `json:"total_amount"`
	Splits      []SplitPayload `json:"splits"`
}

// ParseBill validates and normalizes a wire payload into a Bill. A zero id is
// the one fatal defect (ErrMissingBillID); an unknown status is likewise
// rejected because the record cannot be displayed meaningfully. A malformed
// created_time is tolerated — it is display-only — and decodes as the zero
// time.
func ParseBill(payload BillPayload) (Bill, error) {
	if payload.ID == 0 {
		return Bill{}, fmt.Errorf("%w: %q", ErrMissingBillID, payload.Name)
	}

	status, err := ParseStatus(payload.Status)
	if err != nil {
		return Bill{}, fmt.Errorf("bill %d: %w", payload.ID, err)
	}

	createdTime, timeErr := time.Parse(time.RFC3339, payload.CreatedTime)
	if timeErr != nil {
		createdTime = time.Time{}
	}

	splits := make([]Split, 0, len(payload.Splits))
	for _, split := range payload.Splits {
		splits = append(splits, Split{
			User:   split.User,
			UserID: split.UserID,
			Amount: split.Amount,
			Agree:  split.Agree,
			Paid:   split.Paid,
		})
	}

	return Bill{
		ID:          BillID(payload.ID),
		Name:        payload.Name,
		CreatedTime: createdTime,
		Status:      status,
		TotalAmount: payload.TotalAmount,
		Splits:      splits,
	}, nil
}

// EncodeBill renders a Bill back into its wire shape.
func EncodeBill(bill Bill) BillPayload {
	splits := make([]SplitPayload, 0, len(bill.Splits))
	for _, split := range bill.Splits {
		splits = append(splits, SplitPayload{
			User:   split.User,
			UserID: split.UserID,
			Amount: split.Amount,
			Agree:  split.Agree,
			Paid:   split.Paid,
		})
	}

	createdTime := ""
	if !bill.CreatedTime.IsZero() {
		createdTime = bill.CreatedTime.UTC().Format(time.RFC3339)
	}

	return BillPayload{
		ID:          int64(bill.ID),
		Name:        bill.Name,
		CreatedTime: createdTime,
		Status:      string(bill.Status),
		TotalAmount: bill.TotalAmount,
		Splits:      splits,
	}
}

// ParseBills converts a batch of payloads, skipping malformed records. It
// returns the parsed bills and the number skipped; one bad record must not
// block an otherwise valid snapshot.
func ParseBills(payloads []BillPayload) ([]Bill, int) {
	bills := make([]Bill, 0, len(payloads))
	skipped := 0
	for _, payload := range payloads {
		bill, err := ParseBill(payload)
		if err != nil {
			skipped++
			continue
		}
		bills = append(bills, bill)
	}
	return bills, skipped
}
