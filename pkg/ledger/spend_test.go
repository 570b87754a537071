package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func (harness *testHarness) authorize(test *testing.T, wallet Wallet, amount int64, sku string, key string) Authorization {
	test.Helper()
	idempotencyKey, err := ParseOptionalIdempotencyKey(key)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	authorization, err := harness.spend.AuthorizeSpend(context.Background(), wallet.Ref(), mustPositiveAmount(test, amount), mustSKU(test, sku), idempotencyKey, 0, MetadataJSON{})
	if err != nil {
		test.Fatalf("authorize: %v", err)
	}
	return authorization
}

func TestNewSpendServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	if _, err := NewSpendService(nil, harness.catalog); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
	if _, err := NewSpendService(harness.ledger, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
}

func TestAuthorizeCaptureAndReplay(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)

	authorization := harness.authorize(test, wallet, 30, "ITEM1", "order-1")
	if authorization.AvailableBalance != 70 {
		test.Fatalf("expected available 70, got %d", authorization.AvailableBalance)
	}
	if harness.balance(test, wallet) != 100 {
		test.Fatalf("authorization must not touch the ledger")
	}
	if count := harness.store.entryCount(wallet.ID); count != 1 {
		test.Fatalf("expected no new entries, got %d", count)
	}

	captureKey := mustIdempotencyKey(test, "order-1")
	first, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, captureKey, MetadataJSON{})
	if err != nil {
		test.Fatalf("capture: %v", err)
	}
	if first.BalanceAfter != 70 || first.Replayed {
		test.Fatalf("unexpected capture result: %+v", first)
	}
	hold, err := harness.spend.GetHold(context.Background(), wallet.Ref(), authorization.Hold.ID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if hold.Status != HoldStatusCaptured || hold.CapturedTransactionID != first.TransactionID {
		test.Fatalf("unexpected hold after capture: %+v", hold)
	}

	second, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, captureKey, MetadataJSON{})
	if err != nil {
		test.Fatalf("replay capture: %v", err)
	}
	if !second.Replayed || second.TransactionID != first.TransactionID || !second.CapturedAt.Equal(first.CapturedAt) {
		test.Fatalf("expected replay of %+v, got %+v", first, second)
	}
	if harness.balance(test, wallet) != 70 {
		test.Fatalf("expected a single debit")
	}
	if harness.available(test, wallet) != 70 {
		test.Fatalf("captured holds must not reduce available balance twice")
	}
}

func TestCaptureEntryCarriesHoldMetadata(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")

	result, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, mustMetadata(test, `{"channel":"shop"}`))
	if err != nil {
		test.Fatalf("capture: %v", err)
	}
	entry, err := harness.store.GetEntry(context.Background(), wallet.ID, result.TransactionID)
	if err != nil {
		test.Fatalf("get entry: %v", err)
	}
	if entry.Reason != ReasonPurchaseCapture || entry.Amount != -30 {
		test.Fatalf("unexpected capture entry: %+v", entry)
	}
	if _, ok := entry.Metadata.Lookup(metadataKeyHoldID); !ok {
		test.Fatalf("expected hold id in metadata: %s", entry.Metadata)
	}
	if _, ok := entry.Metadata.Lookup("channel"); !ok {
		test.Fatalf("expected caller metadata to be kept: %s", entry.Metadata)
	}
	if entry.IdempotencyKey != captureEntryKey(authorization.Hold.ID) {
		test.Fatalf("expected derived capture key, got %q", entry.IdempotencyKey)
	}
}

func TestCaptureWithDifferentKeyAfterCaptureIsRejected(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")

	if _, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, mustIdempotencyKey(test, "cap-1"), MetadataJSON{}); err != nil {
		test.Fatalf("capture: %v", err)
	}
	_, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, mustIdempotencyKey(test, "cap-2"), MetadataJSON{})
	if !errors.Is(err, ErrInvalidStateTransition) {
		test.Fatalf("expected invalid state transition, got %v", err)
	}
	if harness.balance(test, wallet) != 70 {
		test.Fatalf("expected a single debit")
	}
}

func TestKeyedCaptureReplayAfterKeylessCapture(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization, capture := harness.captureNew(test, wallet, 30)

	replay, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, mustIdempotencyKey(test, "cap-1"), MetadataJSON{})
	if err != nil {
		test.Fatalf("replay capture: %v", err)
	}
	if !replay.Replayed || replay.TransactionID != capture.TransactionID {
		test.Fatalf("expected replay of %+v, got %+v", capture, replay)
	}
	if harness.balance(test, wallet) != 70 {
		test.Fatalf("expected a single debit")
	}
}

func TestAuthorizeRejectsInactiveItemsAndShortBalances(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 40)

	testCases := []struct {
		name      string
		amount    PositiveAmount
		sku       string
		expiresIn time.Duration
		wantErr   error
	}{
		{name: "inactive item", amount: 10, sku: "RETIRED", wantErr: ErrItemNotActive},
		{name: "unknown item", amount: 10, sku: "NOPE", wantErr: ErrItemNotActive},
		{name: "zero amount", amount: 0, sku: "ITEM1", wantErr: ErrInvalidAmount},
		{name: "negative expiry", amount: 10, sku: "ITEM1", expiresIn: -time.Second, wantErr: ErrInvalidExpiry},
		{name: "insufficient", amount: 41, sku: "ITEM1", wantErr: ErrInsufficientFunds},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			_, err := harness.spend.AuthorizeSpend(context.Background(), wallet.Ref(), testCase.amount, mustSKU(test, testCase.sku), IdempotencyKey{}, testCase.expiresIn, MetadataJSON{})
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
	if harness.available(test, wallet) != 40 {
		test.Fatalf("expected no holds to be created")
	}
}

func TestAuthorizeCountsOutstandingHolds(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	harness.authorize(test, wallet, 60, "ITEM1", "")

	_, err := harness.spend.AuthorizeSpend(context.Background(), wallet.Ref(), mustPositiveAmount(test, 50), mustSKU(test, "ITEM2"), IdempotencyKey{}, 0, MetadataJSON{})
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestAuthorizeIdempotency(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	first := harness.authorize(test, wallet, 30, "ITEM1", "order-1")

	replay := harness.authorize(test, wallet, 30, "ITEM1", "order-1")
	if !replay.Replayed || replay.Hold.ID != first.Hold.ID {
		test.Fatalf("expected replay of hold %s, got %+v", first.Hold.ID, replay)
	}

	testCases := []struct {
		name   string
		amount int64
		sku    string
	}{
		{name: "different amount", amount: 31, sku: "ITEM1"},
		{name: "different sku", amount: 30, sku: "ITEM2"},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			_, err := harness.spend.AuthorizeSpend(context.Background(), wallet.Ref(), mustPositiveAmount(test, testCase.amount), mustSKU(test, testCase.sku), mustIdempotencyKey(test, "order-1"), 0, MetadataJSON{})
			if !errors.Is(err, ErrIdempotencyConflict) {
				test.Fatalf("expected idempotency conflict, got %v", err)
			}
		})
	}
	if harness.available(test, wallet) != 70 {
		test.Fatalf("expected exactly one hold")
	}
}

func TestReleaseRestoresAvailability(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")

	first, err := harness.spend.Release(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if first.AvailableBalance != 100 || first.Replayed {
		test.Fatalf("unexpected release result: %+v", first)
	}
	if count := harness.store.entryCount(wallet.ID); count != 1 {
		test.Fatalf("release must not write entries, got %d", count)
	}

	harness.clock.Advance(time.Minute)
	second, err := harness.spend.Release(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("replay release: %v", err)
	}
	if !second.Replayed || !second.ReleasedAt.Equal(first.ReleasedAt) {
		test.Fatalf("expected stored release time %s, got %+v", first.ReleasedAt, second)
	}

	_, err = harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if !errors.Is(err, ErrInvalidStateTransition) {
		test.Fatalf("expected invalid state transition, got %v", err)
	}
}

func TestReleaseAfterCaptureIsRejected(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")
	if _, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{}); err != nil {
		test.Fatalf("capture: %v", err)
	}

	_, err := harness.spend.Release(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if !errors.Is(err, ErrInvalidStateTransition) {
		test.Fatalf("expected invalid state transition, got %v", err)
	}
}

func TestCaptureOfExpiredHold(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization, err := harness.spend.AuthorizeSpend(context.Background(), wallet.Ref(), mustPositiveAmount(test, 30), mustSKU(test, "ITEM1"), IdempotencyKey{}, time.Minute, MetadataJSON{})
	if err != nil {
		test.Fatalf("authorize: %v", err)
	}
	harness.clock.Advance(time.Minute)

	if available := harness.available(test, wallet); available != 100 {
		test.Fatalf("expired holds must not reduce availability, got %d", available)
	}
	_, err = harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if !errors.Is(err, ErrHoldExpired) {
		test.Fatalf("expected hold expired, got %v", err)
	}
	stored, err := harness.store.GetHold(context.Background(), wallet.ID, authorization.Hold.ID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if stored.Status != HoldStatusExpired {
		test.Fatalf("expected persisted expired status, got %s", stored.Status)
	}
	if harness.balance(test, wallet) != 100 {
		test.Fatalf("expired capture must not debit")
	}

	_, err = harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if !errors.Is(err, ErrHoldExpired) {
		test.Fatalf("expected hold expired on retry, got %v", err)
	}

	released, err := harness.spend.Release(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("release expired: %v", err)
	}
	if released.ReleasedAt.IsZero() {
		test.Fatalf("expected release time to be recorded")
	}
}

func TestGetHoldReportsLazyExpiry(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")
	harness.clock.Advance(defaultHoldTTL + time.Second)

	hold, err := harness.spend.GetHold(context.Background(), wallet.Ref(), authorization.Hold.ID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if hold.Status != HoldStatusExpired {
		test.Fatalf("expected expired, got %s", hold.Status)
	}
}

func TestCaptureHoldOfAnotherWallet(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	owner := harness.openWallet(test, "player-a", 100)
	other := harness.openWallet(test, "player-b", 100)
	authorization := harness.authorize(test, owner, 30, "ITEM1", "")

	testCases := []struct {
		name   string
		wallet WalletRef
		holdID HoldID
	}{
		{name: "foreign wallet", wallet: other.Ref(), holdID: authorization.Hold.ID},
		{name: "unknown wallet", wallet: WalletRefByID(999), holdID: authorization.Hold.ID},
		{name: "unknown hold", wallet: owner.Ref(), holdID: HoldID{value: "missing"}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			_, err := harness.spend.Capture(context.Background(), testCase.wallet, testCase.holdID, IdempotencyKey{}, MetadataJSON{})
			if !errors.Is(err, ErrHoldNotFound) {
				test.Fatalf("expected hold not found, got %v", err)
			}
		})
	}
}

func TestCaptureLocksWalletBeforeHold(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")
	harness.store.resetLocks()

	if _, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{}); err != nil {
		test.Fatalf("capture: %v", err)
	}
	locks := harness.store.locks()
	if len(locks) != 2 || locks[0] != "wallet:"+wallet.ID.String() || locks[1] != "hold:"+authorization.Hold.ID.String() {
		test.Fatalf("unexpected lock order %v", locks)
	}
}

func TestCaptureRespectsOverdraftPolicy(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")
	if _, err := harness.ledger.Debit(context.Background(), wallet.Ref(), mustPositiveAmount(test, 90), ReasonEntryFeeDebit, IdempotencyKey{}, MetadataJSON{}); err != nil {
		test.Fatalf("debit: %v", err)
	}

	_, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected insufficient funds, got %v", err)
	}
	hold, err := harness.spend.GetHold(context.Background(), wallet.Ref(), authorization.Hold.ID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if hold.Status != HoldStatusAuthorized {
		test.Fatalf("failed capture must leave the hold authorized, got %s", hold.Status)
	}
}

func TestConcurrentCapturesDebitOnce(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")
	key := mustIdempotencyKey(test, "checkout-7")

	const workers = 16
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		results   []CaptureResult
	)
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			result, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, key, MetadataJSON{})
			if err != nil {
				test.Errorf("capture: %v", err)
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}
	waitGroup.Wait()

	if len(results) != workers {
		test.Fatalf("expected %d results, got %d", workers, len(results))
	}
	fresh := 0
	for _, result := range results {
		if result.TransactionID != results[0].TransactionID {
			test.Fatalf("captures disagree on transaction id: %+v", results)
		}
		if !result.Replayed {
			fresh++
		}
	}
	if fresh != 1 {
		test.Fatalf("expected exactly one fresh capture, got %d", fresh)
	}
	if balance := harness.balance(test, wallet); balance != 70 {
		test.Fatalf("expected 70, got %d", balance)
	}
}

func TestRefundCompensatesCapture(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")
	capture, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("capture: %v", err)
	}

	refund, err := harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 30), IdempotencyKey{}, "", MetadataJSON{})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refund.BalanceAfter != 100 || refund.OriginalTransactionID != capture.TransactionID {
		test.Fatalf("unexpected refund result: %+v", refund)
	}
	original, err := harness.store.GetEntry(context.Background(), wallet.ID, capture.TransactionID)
	if err != nil {
		test.Fatalf("get original: %v", err)
	}
	if original.Amount != -30 {
		test.Fatalf("original entry must be untouched, got %+v", original)
	}
	credit, err := harness.store.GetEntry(context.Background(), wallet.ID, refund.RefundTransactionID)
	if err != nil {
		test.Fatalf("get refund entry: %v", err)
	}
	if credit.Reason != ReasonRefund {
		test.Fatalf("expected default refund reason, got %s", credit.Reason)
	}
	if _, ok := credit.Metadata.Lookup(metadataKeyOriginalTransactionID); !ok {
		test.Fatalf("expected original transaction id in metadata: %s", credit.Metadata)
	}

	_, err = harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 30), IdempotencyKey{}, "", MetadataJSON{})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected invalid amount, got %v", err)
	}
	if harness.balance(test, wallet) != 100 {
		test.Fatalf("second refund must not credit")
	}
}

func TestPartialRefundsAccumulate(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization := harness.authorize(test, wallet, 30, "ITEM1", "")
	capture, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("capture: %v", err)
	}
	key := mustIdempotencyKey(test, "refund-1")

	first, err := harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 20), key, ReasonRefund, MetadataJSON{})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	replay, err := harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 20), key, ReasonRefund, MetadataJSON{})
	if err != nil {
		test.Fatalf("replay refund: %v", err)
	}
	if !replay.Replayed || replay.RefundTransactionID != first.RefundTransactionID {
		test.Fatalf("expected replay of %+v, got %+v", first, replay)
	}
	if _, err := harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 11), IdempotencyKey{}, ReasonRefund, MetadataJSON{}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 10), IdempotencyKey{}, ReasonRefund, MetadataJSON{}); err != nil {
		test.Fatalf("final refund: %v", err)
	}
	if harness.balance(test, wallet) != 100 {
		test.Fatalf("expected fully refunded balance")
	}
}

func (harness *testHarness) captureNew(test *testing.T, wallet Wallet, amount int64) (Authorization, CaptureResult) {
	test.Helper()
	authorization := harness.authorize(test, wallet, amount, "ITEM1", "")
	capture, err := harness.spend.Capture(context.Background(), wallet.Ref(), authorization.Hold.ID, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("capture: %v", err)
	}
	return authorization, capture
}

func TestKeyedRefundReplayWritesNothing(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	authorization, capture := harness.captureNew(test, wallet, 30)
	key := mustIdempotencyKey(test, "refund-1")

	first, err := harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 30), key, "", MetadataJSON{})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	// The hold is fully refunded now; the replay must still be answered.
	replay, err := harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 30), key, "", MetadataJSON{})
	if err != nil {
		test.Fatalf("replay refund: %v", err)
	}
	if !replay.Replayed || replay.RefundTransactionID != first.RefundTransactionID || replay.BalanceAfter != first.BalanceAfter {
		test.Fatalf("expected replay of %+v, got %+v", first, replay)
	}
	entries, err := harness.ledger.GetTransactionHistory(context.Background(), wallet.Ref(), 50, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected credit, capture and one refund, got %d entries", len(entries))
	}
	hold, err := harness.store.GetHold(context.Background(), wallet.ID, authorization.Hold.ID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if hold.RefundedAmount != 30 {
		test.Fatalf("expected refunded amount 30, got %d", hold.RefundedAmount)
	}

	_, err = harness.spend.Refund(context.Background(), wallet.Ref(), capture.TransactionID, mustPositiveAmount(test, 20), key, "", MetadataJSON{})
	if !errors.Is(err, ErrIdempotencyConflict) {
		test.Fatalf("expected idempotency conflict for a different amount, got %v", err)
	}
}

func TestRefundKeyReusedForAnotherTransactionConflicts(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	_, firstCapture := harness.captureNew(test, wallet, 30)
	secondHold, secondCapture := harness.captureNew(test, wallet, 30)
	key := mustIdempotencyKey(test, "refund-1")

	if _, err := harness.spend.Refund(context.Background(), wallet.Ref(), firstCapture.TransactionID, mustPositiveAmount(test, 30), key, "", MetadataJSON{}); err != nil {
		test.Fatalf("refund: %v", err)
	}
	_, err := harness.spend.Refund(context.Background(), wallet.Ref(), secondCapture.TransactionID, mustPositiveAmount(test, 30), key, "", MetadataJSON{})
	if !errors.Is(err, ErrIdempotencyConflict) {
		test.Fatalf("expected idempotency conflict, got %v", err)
	}
	if balance := harness.balance(test, wallet); balance != 70 {
		test.Fatalf("expected 70, got %d", balance)
	}
	hold, err := harness.store.GetHold(context.Background(), wallet.ID, secondHold.Hold.ID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if hold.RefundedAmount != 0 {
		test.Fatalf("second hold must stay unrefunded, got %d", hold.RefundedAmount)
	}

	refund, err := harness.spend.Refund(context.Background(), wallet.Ref(), secondCapture.TransactionID, mustPositiveAmount(test, 30), mustIdempotencyKey(test, "refund-2"), "", MetadataJSON{})
	if err != nil || refund.Replayed {
		test.Fatalf("expected a fresh refund under a new key, got %+v, %v", refund, err)
	}
	if refund.BalanceAfter != 100 {
		test.Fatalf("expected 100, got %d", refund.BalanceAfter)
	}
}

func TestRefundRejectsNonCaptureTransactions(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	wallet := harness.openWallet(test, "player-a", 100)
	debit, err := harness.ledger.Debit(context.Background(), wallet.Ref(), mustPositiveAmount(test, 10), ReasonEntryFeeDebit, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("debit: %v", err)
	}

	testCases := []struct {
		name          string
		wallet        WalletRef
		transactionID TransactionID
	}{
		{name: "plain debit", wallet: wallet.Ref(), transactionID: debit.TransactionID},
		{name: "unknown transaction", wallet: wallet.Ref(), transactionID: 9999},
		{name: "unknown wallet", wallet: WalletRefByID(999), transactionID: debit.TransactionID},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			_, err := harness.spend.Refund(context.Background(), testCase.wallet, testCase.transactionID, mustPositiveAmount(test, 5), IdempotencyKey{}, "", MetadataJSON{})
			if !errors.Is(err, ErrInvalidTransaction) {
				test.Fatalf("expected invalid transaction, got %v", err)
			}
		})
	}
}

func TestWithDefaultHoldTTL(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	spendService, err := NewSpendService(harness.ledger, harness.catalog, WithDefaultHoldTTL(time.Hour))
	if err != nil {
		test.Fatalf("spend service: %v", err)
	}
	wallet := harness.openWallet(test, "player-a", 100)

	authorization, err := spendService.AuthorizeSpend(context.Background(), wallet.Ref(), mustPositiveAmount(test, 10), mustSKU(test, "ITEM1"), IdempotencyKey{}, 0, MetadataJSON{})
	if err != nil {
		test.Fatalf("authorize: %v", err)
	}
	if want := harness.clock.Now().Add(time.Hour); !authorization.Hold.ExpiresAt.Equal(want) {
		test.Fatalf("expected expiry %s, got %s", want, authorization.Hold.ExpiresAt)
	}
}
