package payment

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestPayment(t *testing.T, repo Repository) *Payment {
	t.Helper()
	checkoutID := "checkout-1"
	p := &Payment{
		Gateway:      "stripe",
		ChannelSlug:  "default-channel",
		Total:        dec("80.00"),
		Currency:     "USD",
		ChargeStatus: ChargeStatusNotCharged,
		IsActive:     true,
		CheckoutID:   &checkoutID,
		PSPReference: "ref-1",
	}
	if err := repo.InsertPayment(context.Background(), p); err != nil {
		t.Fatalf("InsertPayment failed: %v", err)
	}
	return p
}

// TestLedgerAppend_RecordsAndRecomputes tests that an append writes the
// entry and synchronously updates the payment's derived state.
func TestLedgerAppend_RecordsAndRecomputes(t *testing.T) {
	repo := NewInMemoryRepository()
	ledger := NewLedger(repo, nil)
	p := newTestPayment(t, repo)

	tx, created, err := ledger.Append(context.Background(), p.ID, AppendParams{
		Kind:      KindCapture,
		Token:     "psp-R1",
		IsSuccess: true,
		Amount:    dec("80.00"),
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !created {
		t.Fatal("expected a new ledger entry")
	}
	if tx.ID == "" {
		t.Error("expected transaction ID to be set")
	}

	updated, err := repo.GetPayment(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if updated.ChargeStatus != ChargeStatusFullyCharged {
		t.Errorf("expected status %s, got %s", ChargeStatusFullyCharged, updated.ChargeStatus)
	}
	if !updated.CapturedAmount.Equal(dec("80.00")) {
		t.Errorf("expected captured 80.00, got %s", updated.CapturedAmount)
	}
}

// TestLedgerAppend_Idempotent tests that replaying the same (token, kind)
// adds no entry: ledger size after N appends equals size after 1.
func TestLedgerAppend_Idempotent(t *testing.T) {
	repo := NewInMemoryRepository()
	ledger := NewLedger(repo, nil)
	p := newTestPayment(t, repo)

	params := AppendParams{Kind: KindAuth, Token: "psp-R1", IsSuccess: true, Amount: dec("80.00")}

	for i := 0; i < 3; i++ {
		tx, created, err := ledger.Append(context.Background(), p.ID, params)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if i == 0 && !created {
			t.Fatal("first append should create an entry")
		}
		if i > 0 {
			if created {
				t.Errorf("append %d should not create an entry", i)
			}
			if !tx.AlreadyProcessed {
				t.Errorf("append %d should return the entry marked already processed", i)
			}
		}
	}

	txs, err := repo.ListTransactions(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("expected exactly 1 ledger entry after replays, got %d", len(txs))
	}
}

// TestLedgerAppend_DistinctKindsSameToken tests that the gateway reusing a
// PSP reference across kinds still records separate entries.
func TestLedgerAppend_DistinctKindsSameToken(t *testing.T) {
	repo := NewInMemoryRepository()
	ledger := NewLedger(repo, nil)
	p := newTestPayment(t, repo)

	kinds := []TransactionKind{KindActionToConfirm, KindAuth}
	for _, kind := range kinds {
		if _, _, err := ledger.Append(context.Background(), p.ID, AppendParams{
			Kind: kind, Token: "psp-R1", IsSuccess: true, Amount: dec("80.00"),
		}); err != nil {
			t.Fatalf("Append(%s) failed: %v", kind, err)
		}
	}

	txs, _ := repo.ListTransactions(context.Background(), p.ID)
	if len(txs) != 2 {
		t.Errorf("expected 2 entries, got %d", len(txs))
	}
}

// TestLedgerAppend_AmountFallsBackToTotal tests that a zero amount falls
// back to the payment total, matching gateways that omit the amount field.
func TestLedgerAppend_AmountFallsBackToTotal(t *testing.T) {
	repo := NewInMemoryRepository()
	ledger := NewLedger(repo, nil)
	p := newTestPayment(t, repo)

	tx, _, err := ledger.Append(context.Background(), p.ID, AppendParams{
		Kind: KindCapture, Token: "psp-R2", IsSuccess: true, Amount: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !tx.Amount.Equal(dec("80.00")) {
		t.Errorf("expected amount 80.00, got %s", tx.Amount)
	}
	if tx.Currency != "USD" {
		t.Errorf("expected currency USD, got %s", tx.Currency)
	}
}

// TestLedgerAppend_FailedCaptureIsNewEntry tests that a failed capture after
// a successful auth is recorded as its own entry and does not alter status
// derived from the captured amount.
func TestLedgerAppend_FailedCaptureIsNewEntry(t *testing.T) {
	repo := NewInMemoryRepository()
	ledger := NewLedger(repo, nil)
	p := newTestPayment(t, repo)

	if _, _, err := ledger.Append(context.Background(), p.ID, AppendParams{
		Kind: KindAuth, Token: "psp-R1", IsSuccess: true, Amount: dec("80.00"),
	}); err != nil {
		t.Fatalf("Append auth failed: %v", err)
	}
	if _, _, err := ledger.Append(context.Background(), p.ID, AppendParams{
		Kind: KindCaptureFailed, Token: "psp-R1", IsSuccess: false, Amount: dec("80.00"),
	}); err != nil {
		t.Fatalf("Append capture_failed failed: %v", err)
	}

	txs, _ := repo.ListTransactions(context.Background(), p.ID)
	if len(txs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(txs))
	}

	updated, _ := repo.GetPayment(context.Background(), p.ID)
	if !updated.CapturedAmount.IsZero() {
		t.Errorf("failed capture must not move captured amount, got %s", updated.CapturedAmount)
	}
}

// TestLedgerAppend_UnknownPayment tests appending against a missing payment.
func TestLedgerAppend_UnknownPayment(t *testing.T) {
	ledger := NewLedger(NewInMemoryRepository(), nil)
	_, _, err := ledger.Append(context.Background(), "missing", AppendParams{
		Kind: KindAuth, Token: "psp-R1", IsSuccess: true,
	})
	if err == nil {
		t.Fatal("expected error for unknown payment")
	}
}
