package payment

import "github.com/shopspring/decimal"

// CapturedAmount derives the captured amount from the ledger: successful
// captures add, successful refunds subtract. Failed transactions never move
// the captured amount. The result is clamped at zero.
func CapturedAmount(txs []Transaction) decimal.Decimal {
	captured := decimal.Zero
	for _, tx := range txs {
		if !tx.IsSuccess || tx.AlreadyProcessed {
			continue
		}
		switch tx.Kind {
		case KindCapture:
			captured = captured.Add(tx.Amount)
		case KindRefund:
			captured = captured.Sub(tx.Amount)
		}
	}
	if captured.IsNegative() {
		return decimal.Zero
	}
	return captured
}

// RecomputeChargeStatus derives the charge status of a payment from its full
// ledger. Delivery order of notifications does not matter: the status
// reflects the set of known transactions, with precedence resolving
// conflicts (refund states win over charge states, which win over the state
// implied by the latest entry alone).
func RecomputeChargeStatus(p *Payment, txs []Transaction) ChargeStatus {
	captured := CapturedAmount(txs)

	refunded := false
	for _, tx := range txs {
		if tx.IsSuccess && !tx.AlreadyProcessed && tx.Kind == KindRefund {
			refunded = true
			break
		}
	}

	switch {
	case refunded && captured.IsZero():
		return ChargeStatusFullyRefunded
	case refunded && captured.IsPositive() && captured.LessThan(p.Total):
		return ChargeStatusPartiallyRefunded
	case captured.GreaterThanOrEqual(p.Total) && p.Total.IsPositive():
		return ChargeStatusFullyCharged
	case captured.IsPositive() && captured.LessThan(p.Total):
		return ChargeStatusPartiallyCharged
	}

	// No amount has been captured; fall back to the latest relevant entry.
	last := latestRelevant(txs)
	if last == nil {
		return ChargeStatusNotCharged
	}
	switch {
	case last.Kind == KindPending:
		return ChargeStatusPending
	case last.IsSuccess && (last.Kind == KindCancel || last.Kind == KindVoid):
		return ChargeStatusCancelled
	case !last.IsSuccess:
		return ChargeStatusRefused
	}
	return ChargeStatusNotCharged
}

// latestRelevant returns the newest ledger entry that carries state
// information, skipping duplicate markers and action-to-confirm entries.
func latestRelevant(txs []Transaction) *Transaction {
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx.AlreadyProcessed || tx.Kind == KindActionToConfirm {
			continue
		}
		return &txs[i]
	}
	return nil
}

// Funded reports whether the gateway holds money or an authorization for
// this payment: a successful auth or capture exists in the ledger.
func Funded(txs []Transaction) bool {
	return hasSuccessful(txs, KindAuth) || hasSuccessful(txs, KindCapture)
}

// CanAuthorize reports whether the payment may still be authorized: no
// successful auth or capture may exist yet.
func CanAuthorize(p *Payment, txs []Transaction) bool {
	if !p.IsActive {
		return false
	}
	for _, tx := range txs {
		if tx.IsSuccess && !tx.AlreadyProcessed && (tx.Kind == KindAuth || tx.Kind == KindCapture) {
			return false
		}
	}
	return true
}

// CanCapture reports whether a capture may be attempted: a successful auth
// exists and less than the total has been captured.
func CanCapture(p *Payment, txs []Transaction) bool {
	if !p.IsActive {
		return false
	}
	if !hasSuccessful(txs, KindAuth) {
		return false
	}
	return CapturedAmount(txs).LessThan(p.Total)
}

// CanVoid reports whether the authorization may be voided: a successful auth
// exists and nothing has been captured.
func CanVoid(p *Payment, txs []Transaction) bool {
	return hasSuccessful(txs, KindAuth) && !hasSuccessful(txs, KindCapture)
}

// CanRefund reports whether a refund may be issued: some amount is captured
// and the payment is not already fully refunded.
func CanRefund(p *Payment, txs []Transaction) bool {
	return CapturedAmount(txs).IsPositive() && p.ChargeStatus != ChargeStatusFullyRefunded
}

func hasSuccessful(txs []Transaction, kind TransactionKind) bool {
	for _, tx := range txs {
		if tx.IsSuccess && !tx.AlreadyProcessed && tx.Kind == kind {
			return true
		}
	}
	return false
}
