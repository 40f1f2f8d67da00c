package billsvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/money"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []billing.BillPayload
	audiences [][]string
}

func (p *capturingPublisher) PublishBill(usernames []string, payload billing.BillPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audiences = append(p.audiences, append([]string(nil), usernames...))
	p.published = append(p.published, payload)
}

func (p *capturingPublisher) last(t *testing.T) (billing.BillPayload, []string) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		t.Fatal("expected at least one published bill")
	}
	return p.published[len(p.published)-1], p.audiences[len(p.audiences)-1]
}

func testService(t *testing.T) (*Service, *capturingPublisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Bill{}, &BillSplit{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	publisher := &capturingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:  db,
		Publisher: publisher,
		Clock:     func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return service, publisher
}

func createDinnerBill(t *testing.T, service *Service) billing.Bill {
	t.Helper()
	shares, err := money.AllocateEqually(1000, 3)
	if err != nil {
		t.Fatalf("AllocateEqually failed: %v", err)
	}
	bill, err := service.CreateBill(context.Background(), "alice", "Dinner", 1000, []NewSplit{
		{Username: "alice", Amount: shares[0]},
		{Username: "bob", Amount: shares[1]},
		{Username: "carol", Amount: shares[2]},
	})
	if err != nil {
		t.Fatalf("CreateBill failed: %v", err)
	}
	return bill
}

func TestCreateBillPersistsAndBroadcasts(t *testing.T) {
	service, publisher := testService(t)

	bill := createDinnerBill(t, service)
	if bill.ID == 0 {
		t.Fatal("expected assigned bill id")
	}
	if bill.Status != billing.StatusPending {
		t.Fatalf("expected pending status, got %s", bill.Status)
	}
	if bill.TotalAmount != 1000 {
		t.Fatalf("expected total 1000 cents, got %d", bill.TotalAmount)
	}
	if len(bill.Splits) != 3 {
		t.Fatalf("expected 3 splits, got %d", len(bill.Splits))
	}

	var sum money.Cents
	for _, split := range bill.Splits {
		sum += split.Amount
		if split.Agree != nil {
			t.Fatalf("expected undecided split for %s", split.User)
		}
	}
	if sum != bill.TotalAmount {
		t.Fatalf("split sum %d does not match total %d", sum, bill.TotalAmount)
	}

	payload, audience := publisher.last(t)
	if payload.ID != int64(bill.ID) {
		t.Fatalf("published wrong bill: %d", payload.ID)
	}
	if len(audience) != 3 {
		t.Fatalf("expected 3 recipients, got %v", audience)
	}
}

func TestCreateBillRejectsBadInput(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()

	if _, err := service.CreateBill(ctx, "alice", " ", 100, []NewSplit{{Username: "alice", Amount: 100}}); !errors.Is(err, ErrInvalidBillName) {
		t.Fatalf("expected ErrInvalidBillName, got %v", err)
	}
	if _, err := service.CreateBill(ctx, "alice", "Dinner", 100, nil); !errors.Is(err, ErrNoParticipants) {
		t.Fatalf("expected ErrNoParticipants, got %v", err)
	}
	if _, err := service.CreateBill(ctx, "alice", "Dinner", 100, []NewSplit{
		{Username: "alice", Amount: 60},
		{Username: "bob", Amount: 60},
	}); !errors.Is(err, ErrSplitSumMismatch) {
		t.Fatalf("expected ErrSplitSumMismatch, got %v", err)
	}
	if _, err := service.CreateBill(ctx, "alice", "Dinner", 100, []NewSplit{
		{Username: "alice", Amount: 50},
		{Username: "alice", Amount: 50},
	}); !errors.Is(err, ErrDuplicateParticipant) {
		t.Fatalf("expected ErrDuplicateParticipant, got %v", err)
	}
}

func TestCreateBillCanonicalizesParticipants(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()

	bill, err := service.CreateBill(ctx, "alice", "Dinner", 1000, []NewSplit{
		{Username: "Alice", Amount: 500},
		{Username: " BOB ", Amount: 500},
	})
	if err != nil {
		t.Fatalf("CreateBill failed: %v", err)
	}
	for _, split := range bill.Splits {
		if split.User != "alice" && split.User != "bob" {
			t.Fatalf("expected canonical lowercase username, got %q", split.User)
		}
	}

	// The canonical identity can see and act on the bill.
	bills, err := service.ListBillsFor(ctx, "bob")
	if err != nil {
		t.Fatalf("ListBillsFor failed: %v", err)
	}
	if len(bills) != 1 {
		t.Fatalf("expected bob to see the bill, got %d bills", len(bills))
	}
	if _, err := service.AcceptSplit(ctx, bill.ID, "bob", 500); err != nil {
		t.Fatalf("AcceptSplit as canonical bob failed: %v", err)
	}

	// Case variants of one username collapse to one participant.
	if _, err := service.CreateBill(ctx, "alice", "Taxi", 600, []NewSplit{
		{Username: "bob", Amount: 300},
		{Username: "Bob", Amount: 300},
	}); !errors.Is(err, ErrDuplicateParticipant) {
		t.Fatalf("expected ErrDuplicateParticipant for case variants, got %v", err)
	}

	if _, err := service.CreateBill(ctx, "alice", "Taxi", 600, []NewSplit{
		{Username: "  ", Amount: 600},
	}); !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for blank username, got %v", err)
	}
}

func TestAcceptSplitLifecycle(t *testing.T) {
	service, publisher := testService(t)
	ctx := context.Background()
	bill := createDinnerBill(t, service)

	updated, err := service.AcceptSplit(ctx, bill.ID, "bob", 333)
	if err != nil {
		t.Fatalf("AcceptSplit failed: %v", err)
	}
	if updated.Status != billing.StatusPending {
		t.Fatalf("expected pending after one acceptance, got %s", updated.Status)
	}
	split, ok := updated.SplitFor("bob")
	if !ok || split.Agree == nil || !*split.Agree {
		t.Fatalf("expected bob's split accepted, got %+v", split)
	}

	if _, err := service.AcceptSplit(ctx, bill.ID, "bob", 333); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided on second acceptance, got %v", err)
	}
	if _, err := service.AcceptSplit(ctx, bill.ID, "carol", 999); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}

	if _, err := service.AcceptSplit(ctx, bill.ID, "carol", 333); err != nil {
		t.Fatalf("AcceptSplit carol failed: %v", err)
	}
	final, err := service.AcceptSplit(ctx, bill.ID, "alice", 334)
	if err != nil {
		t.Fatalf("AcceptSplit alice failed: %v", err)
	}
	if final.Status != billing.StatusReady {
		t.Fatalf("expected ready after unanimous acceptance, got %s", final.Status)
	}

	payload, _ := publisher.last(t)
	if payload.Status != string(billing.StatusReady) {
		t.Fatalf("expected broadcast of ready bill, got %s", payload.Status)
	}
}

func TestRejectSplitFailsBill(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()
	bill := createDinnerBill(t, service)

	if _, err := service.AcceptSplit(ctx, bill.ID, "alice", 334); err != nil {
		t.Fatalf("AcceptSplit failed: %v", err)
	}
	updated, err := service.RejectSplit(ctx, bill.ID, "bob")
	if err != nil {
		t.Fatalf("RejectSplit failed: %v", err)
	}
	if updated.Status != billing.StatusFailed {
		t.Fatalf("expected failed after rejection, got %s", updated.Status)
	}
}

func TestUpdateSplitAmount(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()
	bill := createDinnerBill(t, service)

	updated, err := service.UpdateSplitAmount(ctx, bill.ID, "bob", 400)
	if err != nil {
		t.Fatalf("UpdateSplitAmount failed: %v", err)
	}
	split, ok := updated.SplitFor("bob")
	if !ok || split.Amount != 400 {
		t.Fatalf("expected amended split of 400, got %+v", split)
	}

	if _, err := service.AcceptSplit(ctx, bill.ID, "bob", 400); err != nil {
		t.Fatalf("AcceptSplit at amended amount failed: %v", err)
	}
	if _, err := service.UpdateSplitAmount(ctx, bill.ID, "bob", 100); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided for decided split, got %v", err)
	}
}

func TestMarkSplitPaidCompletesBill(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()
	bill := createDinnerBill(t, service)

	for user, amount := range map[string]money.Cents{"alice": 334, "bob": 333, "carol": 333} {
		if _, err := service.AcceptSplit(ctx, bill.ID, user, amount); err != nil {
			t.Fatalf("AcceptSplit %s failed: %v", user, err)
		}
	}

	var final billing.Bill
	var err error
	for _, user := range []string{"alice", "bob", "carol"} {
		final, err = service.MarkSplitPaid(ctx, bill.ID, user)
		if err != nil {
			t.Fatalf("MarkSplitPaid %s failed: %v", user, err)
		}
	}
	if final.Status != billing.StatusCompleted {
		t.Fatalf("expected completed after all paid, got %s", final.Status)
	}
}

func TestMissingBillAndSplit(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()
	bill := createDinnerBill(t, service)

	if _, err := service.AcceptSplit(ctx, 9999, "alice", 100); !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("expected ErrBillNotFound, got %v", err)
	}
	if _, err := service.AcceptSplit(ctx, bill.ID, "mallory", 100); !errors.Is(err, ErrSplitNotFound) {
		t.Fatalf("expected ErrSplitNotFound, got %v", err)
	}
	if _, err := service.GetBill(ctx, 9999); !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("expected ErrBillNotFound from GetBill, got %v", err)
	}
}

func TestListBillsFor(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()

	createDinnerBill(t, service)
	if _, err := service.CreateBill(ctx, "bob", "Taxi", 600, []NewSplit{
		{Username: "bob", Amount: 300},
		{Username: "carol", Amount: 300},
	}); err != nil {
		t.Fatalf("CreateBill failed: %v", err)
	}

	bills, err := service.ListBillsFor(ctx, "alice")
	if err != nil {
		t.Fatalf("ListBillsFor failed: %v", err)
	}
	if len(bills) != 1 || bills[0].Name != "Dinner" {
		t.Fatalf("expected only the dinner bill for alice, got %+v", bills)
	}

	bills, err = service.ListBillsFor(ctx, "carol")
	if err != nil {
		t.Fatalf("ListBillsFor failed: %v", err)
	}
	if len(bills) != 2 {
		t.Fatalf("expected two bills for carol, got %d", len(bills))
	}
}
