package billsvc

import (
	"time"

	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/money"
)

// Bill is the persisted bill record. Amounts are stored as integer cents so
// the per-participant shares always sum exactly to the total.
type Bill struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name        string    `gorm:"column:name;size:190;not null"`
	CreatedBy   string    `gorm:"column:created_by;size:150;not null;index:idx_bills_created_by"`
	TotalCents  int64     `gorm:"column:total_cents;not null"`
	Status      string    `gorm:"column:status;size:20;not null;default:pending"`
	CreatedTime time.Time `gorm:"column:created_time;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Bill) TableName() string {
	return "bills"
}

// BillSplit is one participant's share of a persisted bill. Agree stays NULL
// until the participant responds.
type BillSplit struct {
	BillID      int64      `gorm:"column:bill_id;primaryKey;not null"`
	Username    string     `gorm:"column:username;primaryKey;size:150;not null;index:idx_splits_username"`
	AmountCents int64      `gorm:"column:amount_cents;not null"`
	Agree       *bool      `gorm:"column:agree"`
	Paid        bool       `gorm:"column:paid;not null;default:false"`
	RespondedAt *time.Time `gorm:"column:responded_at"`
}

// TableName provides the explicit table binding for GORM.
func (BillSplit) TableName() string {
	return "bill_splits"
}

// NewSplit names one participant and their share when creating a bill.
type NewSplit struct {
	Username string
	Amount   money.Cents
}

func toDomain(record Bill, splits []BillSplit) billing.Bill {
	status, err := billing.ParseStatus(record.Status)
	if err != nil {
		status = billing.StatusPending
	}

	domainSplits := make([]billing.Split, 0, len(splits))
	for _, split := range splits {
		domainSplits = append(domainSplits, billing.Split{
			User:   split.Username,
			Amount: money.Cents(split.AmountCents),
			Agree:  split.Agree,
			Paid:   split.Paid,
		})
	}

	return billing.Bill{
		ID:          billing.BillID(record.ID),
		Name:        record.Name,
		CreatedTime: record.CreatedTime,
		Status:      status,
		TotalAmount: money.Cents(record.TotalCents),
		Splits:      domainSplits,
	}
}
