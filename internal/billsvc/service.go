package billsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/money"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrBillNotFound indicates the bill identifier matches no record.
	ErrBillNotFound = errors.New("billsvc: bill not found")
	// ErrSplitNotFound indicates the user has no share in the bill.
	ErrSplitNotFound = errors.New("billsvc: no split for user")
	// ErrAlreadyDecided indicates the participant already accepted or
	// rejected their share.
	ErrAlreadyDecided = errors.New("billsvc: split already decided")
	// ErrAmountMismatch indicates the amount in an accept request differs
	// from the recorded share.
	ErrAmountMismatch = errors.New("billsvc: amount does not match split")
	// ErrSplitSumMismatch indicates the shares of a new bill do not sum to
	// its total.
	ErrSplitSumMismatch = errors.New("billsvc: split amounts do not sum to total")
	// ErrNoParticipants indicates a bill was submitted without splits.
	ErrNoParticipants = errors.New("billsvc: bill needs at least one participant")
	// ErrDuplicateParticipant indicates the same username appears twice in
	// the splits of a new bill.
	ErrDuplicateParticipant = errors.New("billsvc: duplicate participant")
	// ErrInvalidParticipant indicates a split names a blank participant.
	ErrInvalidParticipant = errors.New("billsvc: participant username is required")
	// ErrInvalidBillName indicates an empty bill name.
	ErrInvalidBillName = errors.New("billsvc: bill name is required")
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "billsvc.service.new"
	opCreateBill    = "billsvc.create_bill"
	opListBills     = "billsvc.list_bills"
	opGetBill       = "billsvc.get_bill"
	opRespondSplit  = "billsvc.respond_split"
	opUpdateAmount  = "billsvc.update_amount"
	opMarkSplitPaid = "billsvc.mark_split_paid"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// BillPublisher receives the updated bill after every mutation, one delivery
// per affected username. The realtime dispatcher implements it.
type BillPublisher interface {
	PublishBill(usernames []string, payload billing.BillPayload)
}

// ServiceConfig describes the dependencies of the bill service.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Publisher BillPublisher
	Logger    *zap.Logger
}

// Service owns the bill lifecycle: creation, listing, and participant
// responses. Every mutation recomputes the bill status and pushes the fresh
// snapshot to all participants.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	publisher BillPublisher
	logger    *zap.Logger
}

// NewService constructs the bill service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:        cfg.Database,
		clock:     clock,
		publisher: cfg.Publisher,
		logger:    logger,
	}, nil
}

// CreateBill persists a bill with its splits. The split amounts must sum
// exactly to the total; use money.AllocateEqually to produce equal shares.
func (s *Service) CreateBill(ctx context.Context, createdBy, name string, total money.Cents, splits []NewSplit) (billing.Bill, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return billing.Bill{}, ErrInvalidBillName
	}
	if len(splits) == 0 {
		return billing.Bill{}, ErrNoParticipants
	}
	if total < 0 {
		return billing.Bill{}, money.ErrNegativeAmount
	}

	// Splits are keyed by the canonical lowercase username, the same form
	// registration stores and the token subject carries. A mixed-case name
	// from the creator must land on the same identity.
	seen := make(map[string]struct{}, len(splits))
	var sum money.Cents
	for i, split := range splits {
		canonical := canonicalUsername(split.Username)
		if canonical == "" {
			return billing.Bill{}, ErrInvalidParticipant
		}
		if _, dup := seen[canonical]; dup {
			return billing.Bill{}, fmt.Errorf("%w: %s", ErrDuplicateParticipant, canonical)
		}
		seen[canonical] = struct{}{}
		splits[i].Username = canonical
		sum += split.Amount
	}
	if sum != total {
		return billing.Bill{}, fmt.Errorf("%w: shares %s, total %s", ErrSplitSumMismatch, sum, total)
	}

	record := Bill{
		Name:        name,
		CreatedBy:   createdBy,
		TotalCents:  int64(total),
		Status:      string(billing.StatusPending),
		CreatedTime: s.clock().UTC(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opCreateBill, "bill_insert_failed", err)
		}
		for _, split := range splits {
			row := BillSplit{
				BillID:      record.ID,
				Username:    split.Username,
				AmountCents: int64(split.Amount),
			}
			if err := tx.Create(&row).Error; err != nil {
				return newServiceError(opCreateBill, "split_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateBill, "transaction_failed", txErr, zap.String("created_by", createdBy))
		return billing.Bill{}, txErr
	}

	bill, err := s.GetBill(ctx, billing.BillID(record.ID))
	if err != nil {
		return billing.Bill{}, err
	}
	s.broadcast(bill)
	return bill, nil
}

// ListBillsFor returns every bill the user participates in or created, newest
// first.
func (s *Service) ListBillsFor(ctx context.Context, username string) ([]billing.Bill, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&BillSplit{}).
		Where("username = ?", username).
		Distinct().
		Pluck("bill_id", &ids).Error
	if err != nil {
		s.logError(opListBills, "split_query_failed", err, zap.String("username", username))
		return nil, newServiceError(opListBills, "split_query_failed", err)
	}

	var records []Bill
	err = s.db.WithContext(ctx).
		Where("id IN ? OR created_by = ?", ids, username).
		Order("created_time DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opListBills, "bill_query_failed", err, zap.String("username", username))
		return nil, newServiceError(opListBills, "bill_query_failed", err)
	}

	bills := make([]billing.Bill, 0, len(records))
	for _, record := range records {
		splits, err := s.loadSplits(ctx, s.db, record.ID)
		if err != nil {
			s.logError(opListBills, "split_load_failed", err, zap.Int64("bill_id", record.ID))
			return nil, newServiceError(opListBills, "split_load_failed", err)
		}
		bills = append(bills, toDomain(record, splits))
	}
	return bills, nil
}

// GetBill returns one bill with its splits.
func (s *Service) GetBill(ctx context.Context, id billing.BillID) (billing.Bill, error) {
	var record Bill
	err := s.db.WithContext(ctx).Where("id = ?", int64(id)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Bill{}, ErrBillNotFound
	}
	if err != nil {
		s.logError(opGetBill, "bill_query_failed", err, zap.Int64("bill_id", int64(id)))
		return billing.Bill{}, newServiceError(opGetBill, "bill_query_failed", err)
	}

	splits, err := s.loadSplits(ctx, s.db, record.ID)
	if err != nil {
		s.logError(opGetBill, "split_load_failed", err, zap.Int64("bill_id", record.ID))
		return billing.Bill{}, newServiceError(opGetBill, "split_load_failed", err)
	}
	return toDomain(record, splits), nil
}

// AcceptSplit records the user's acceptance of their share. The amount must
// match the recorded share so a stale client cannot silently agree to a
// different figure.
func (s *Service) AcceptSplit(ctx context.Context, id billing.BillID, username string, amount money.Cents) (billing.Bill, error) {
	return s.respond(ctx, id, username, true, &amount)
}

// RejectSplit records the user's rejection of their share, which fails the
// whole bill.
func (s *Service) RejectSplit(ctx context.Context, id billing.BillID, username string) (billing.Bill, error) {
	return s.respond(ctx, id, username, false, nil)
}

func (s *Service) respond(ctx context.Context, id billing.BillID, username string, agree bool, expectAmount *money.Cents) (billing.Bill, error) {
	var result billing.Bill
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		split, err := s.lockSplit(tx, int64(id), username)
		if err != nil {
			return err
		}
		if split.Agree != nil {
			return ErrAlreadyDecided
		}
		if expectAmount != nil && split.AmountCents != int64(*expectAmount) {
			return fmt.Errorf("%w: have %s, got %s",
				ErrAmountMismatch, money.Cents(split.AmountCents), *expectAmount)
		}

		now := s.clock().UTC()
		split.Agree = &agree
		split.RespondedAt = &now
		if err := tx.Save(&split).Error; err != nil {
			return newServiceError(opRespondSplit, "split_save_failed", err)
		}

		result, err = s.recalcStatus(ctx, tx, int64(id))
		return err
	})
	if txErr != nil {
		if isDomainError(txErr) {
			return billing.Bill{}, txErr
		}
		s.logError(opRespondSplit, "transaction_failed", txErr,
			zap.Int64("bill_id", int64(id)), zap.String("username", username))
		return billing.Bill{}, txErr
	}

	s.broadcast(result)
	return result, nil
}

// UpdateSplitAmount changes the user's share before they have responded.
// Decided splits are immutable.
func (s *Service) UpdateSplitAmount(ctx context.Context, id billing.BillID, username string, amount money.Cents) (billing.Bill, error) {
	if amount < 0 {
		return billing.Bill{}, money.ErrNegativeAmount
	}

	var result billing.Bill
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		split, err := s.lockSplit(tx, int64(id), username)
		if err != nil {
			return err
		}
		if split.Agree != nil {
			return ErrAlreadyDecided
		}

		split.AmountCents = int64(amount)
		if err := tx.Save(&split).Error; err != nil {
			return newServiceError(opUpdateAmount, "split_save_failed", err)
		}

		result, err = s.recalcStatus(ctx, tx, int64(id))
		return err
	})
	if txErr != nil {
		if isDomainError(txErr) {
			return billing.Bill{}, txErr
		}
		s.logError(opUpdateAmount, "transaction_failed", txErr,
			zap.Int64("bill_id", int64(id)), zap.String("username", username))
		return billing.Bill{}, txErr
	}

	s.broadcast(result)
	return result, nil
}

// MarkSplitPaid records a settled share. Once every accepted share is paid
// the bill completes.
func (s *Service) MarkSplitPaid(ctx context.Context, id billing.BillID, username string) (billing.Bill, error) {
	var result billing.Bill
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		split, err := s.lockSplit(tx, int64(id), username)
		if err != nil {
			return err
		}
		split.Paid = true
		if err := tx.Save(&split).Error; err != nil {
			return newServiceError(opMarkSplitPaid, "split_save_failed", err)
		}

		result, err = s.recalcStatus(ctx, tx, int64(id))
		return err
	})
	if txErr != nil {
		if isDomainError(txErr) {
			return billing.Bill{}, txErr
		}
		s.logError(opMarkSplitPaid, "transaction_failed", txErr,
			zap.Int64("bill_id", int64(id)), zap.String("username", username))
		return billing.Bill{}, txErr
	}

	s.broadcast(result)
	return result, nil
}

func (s *Service) lockSplit(tx *gorm.DB, billID int64, username string) (BillSplit, error) {
	var split BillSplit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("bill_id = ? AND username = ?", billID, username).
		Take(&split).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var count int64
		if countErr := tx.Model(&Bill{}).Where("id = ?", billID).Count(&count).Error; countErr != nil {
			return BillSplit{}, newServiceError(opRespondSplit, "bill_query_failed", countErr)
		}
		if count == 0 {
			return BillSplit{}, ErrBillNotFound
		}
		return BillSplit{}, ErrSplitNotFound
	}
	if err != nil {
		return BillSplit{}, newServiceError(opRespondSplit, "split_query_failed", err)
	}
	return split, nil
}

// recalcStatus derives the bill status from its splits: one rejection fails
// the bill, unanimous acceptance readies it, and fully paid completes it.
func (s *Service) recalcStatus(ctx context.Context, tx *gorm.DB, billID int64) (billing.Bill, error) {
	var record Bill
	if err := tx.Where("id = ?", billID).Take(&record).Error; err != nil {
		return billing.Bill{}, newServiceError(opRespondSplit, "bill_query_failed", err)
	}
	splits, err := s.loadSplits(ctx, tx, billID)
	if err != nil {
		return billing.Bill{}, newServiceError(opRespondSplit, "split_load_failed", err)
	}

	status := billing.StatusPending
	allAccepted := len(splits) > 0
	allPaid := len(splits) > 0
	for _, split := range splits {
		if split.Agree == nil {
			allAccepted = false
			allPaid = false
			continue
		}
		if !*split.Agree {
			status = billing.StatusFailed
			allAccepted = false
			allPaid = false
			break
		}
		if !split.Paid {
			allPaid = false
		}
	}
	if status != billing.StatusFailed {
		switch {
		case allPaid:
			status = billing.StatusCompleted
		case allAccepted:
			status = billing.StatusReady
		}
	}

	if record.Status != string(status) {
		record.Status = string(status)
		if err := tx.Model(&Bill{}).Where("id = ?", billID).
			Update("status", record.Status).Error; err != nil {
			return billing.Bill{}, newServiceError(opRespondSplit, "status_save_failed", err)
		}
	}
	return toDomain(record, splits), nil
}

func (s *Service) loadSplits(ctx context.Context, tx *gorm.DB, billID int64) ([]BillSplit, error) {
	var splits []BillSplit
	err := tx.WithContext(ctx).
		Where("bill_id = ?", billID).
		Order("username ASC").
		Find(&splits).Error
	return splits, err
}

// broadcast pushes the bill snapshot to every participant.
func (s *Service) broadcast(bill billing.Bill) {
	if s.publisher == nil {
		return
	}
	usernames := make([]string, 0, len(bill.Splits)+1)
	seen := make(map[string]struct{}, len(bill.Splits)+1)
	for _, split := range bill.Splits {
		if _, dup := seen[split.User]; dup {
			continue
		}
		seen[split.User] = struct{}{}
		usernames = append(usernames, split.User)
	}
	s.publisher.PublishBill(usernames, billing.EncodeBill(bill))
}

func canonicalUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, ErrSplitNotFound) ||
		errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrAmountMismatch)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("bill service error", attrs...)
}
