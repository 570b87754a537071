package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SpendService runs the authorize, capture or release, refund pipeline. It owns
// hold status; money only moves through the ledger Service.
type SpendService struct {
	ledger     *Service
	catalog    Catalog
	defaultTTL time.Duration
}

// SpendOption configures a SpendService.
type SpendOption func(*SpendService)

// WithDefaultHoldTTL sets the expiry used when AuthorizeSpend gets no duration.
func WithDefaultHoldTTL(ttl time.Duration) SpendOption {
	return func(service *SpendService) {
		if ttl > 0 {
			service.defaultTTL = ttl
		}
	}
}

// NewSpendService wires a SpendService.
func NewSpendService(ledgerService *Service, catalog Catalog, options ...SpendOption) (*SpendService, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger service dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	service := &SpendService{ledger: ledgerService, catalog: catalog, defaultTTL: defaultHoldTTL}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AuthorizeSpend places a hold against the wallet's available balance. The
// ledger is not touched.
func (service *SpendService) AuthorizeSpend(ctx context.Context, wallet WalletRef, amount PositiveAmount, sku SKU, idempotencyKey IdempotencyKey, expiresIn time.Duration, metadata MetadataJSON) (Authorization, error) {
	result, operationError := service.authorize(ctx, wallet, amount, sku, idempotencyKey, expiresIn, metadata)
	service.ledger.logOperation(ctx, OperationLog{
		Operation:      operationAuthorize,
		WalletID:       result.Hold.WalletID,
		HoldID:         result.Hold.ID,
		Amount:         amount.ToAmount(),
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

func (service *SpendService) authorize(ctx context.Context, wallet WalletRef, amount PositiveAmount, sku SKU, idempotencyKey IdempotencyKey, expiresIn time.Duration, metadata MetadataJSON) (Authorization, error) {
	if wallet.IsZero() {
		return Authorization{}, fmt.Errorf("%w: empty reference", ErrInvalidWallet)
	}
	if amount <= 0 {
		return Authorization{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if expiresIn < 0 {
		return Authorization{}, fmt.Errorf("%w: must not be negative", ErrInvalidExpiry)
	}
	if expiresIn == 0 {
		expiresIn = service.defaultTTL
	}
	if !idempotencyKey.IsZero() {
		replay, found, err := service.findAuthorizationReplay(ctx, wallet, amount, sku, idempotencyKey)
		if err != nil || found {
			return replay, err
		}
	}
	item, found, err := service.catalog.LookupItem(ctx, sku)
	if err != nil {
		return Authorization{}, err
	}
	if !found || !item.Active {
		return Authorization{}, ErrItemNotActive
	}

	var result Authorization
	operationError := service.ledger.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		walletID, err := service.ledger.resolveForWrite(ctx, txStore, wallet)
		if err != nil {
			return err
		}
		locked, err := lockWallets(ctx, txStore, walletID)
		if err != nil {
			return err
		}
		now := service.ledger.now()
		if !idempotencyKey.IsZero() {
			existing, found, err := txStore.FindHoldByIdempotencyKey(ctx, walletID, idempotencyKey)
			if err != nil {
				return err
			}
			if found {
				result, err = replayedAuthorization(ctx, txStore, existing, amount, sku, now)
				return err
			}
		}
		available, err := availableBalance(ctx, txStore, locked[walletID].wallet, now)
		if err != nil {
			return err
		}
		if available < amount.ToAmount() && !locked[walletID].wallet.AllowOverdraft {
			return ErrInsufficientFunds
		}
		hold, err := txStore.CreateHold(ctx, HoldInput{
			WalletID:       walletID,
			SKU:            sku,
			Amount:         amount,
			ExpiresAt:      now.Add(expiresIn).Truncate(timestampPrecision),
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		result = Authorization{Hold: hold, AvailableBalance: available - amount.ToAmount()}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		replay, found, err := service.findAuthorizationReplay(ctx, wallet, amount, sku, idempotencyKey)
		if err != nil {
			return Authorization{}, err
		}
		if !found {
			return Authorization{}, WrapError(operationAuthorize, "idempotency", "winner_missing", ErrSystemFailure)
		}
		return replay, nil
	}
	if operationError != nil {
		return Authorization{}, operationError
	}
	return result, nil
}

func (service *SpendService) findAuthorizationReplay(ctx context.Context, wallet WalletRef, amount PositiveAmount, sku SKU, idempotencyKey IdempotencyKey) (Authorization, bool, error) {
	store := service.ledger.store
	existingWallet, found, err := store.FindWallet(ctx, wallet)
	if err != nil || !found {
		return Authorization{}, false, err
	}
	hold, found, err := store.FindHoldByIdempotencyKey(ctx, existingWallet.ID, idempotencyKey)
	if err != nil || !found {
		return Authorization{}, false, err
	}
	result, err := replayedAuthorization(ctx, store, hold, amount, sku, service.ledger.now())
	if err != nil {
		return Authorization{}, false, err
	}
	return result, true, nil
}

func replayedAuthorization(ctx context.Context, store Store, hold Hold, amount PositiveAmount, sku SKU, now time.Time) (Authorization, error) {
	if hold.Amount != amount || hold.SKU != sku {
		return Authorization{}, fmt.Errorf("%w: hold payload differs", ErrIdempotencyConflict)
	}
	wallet, found, err := store.FindWallet(ctx, WalletRefByID(hold.WalletID))
	if err != nil {
		return Authorization{}, err
	}
	if !found {
		return Authorization{}, fmt.Errorf("%w: hold wallet missing", ErrInvalidWallet)
	}
	available, err := availableBalance(ctx, store, wallet, now)
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{Hold: hold, AvailableBalance: available, Replayed: true}, nil
}

// Capture converts an authorized hold into a ledger debit. The debit is keyed
// by the hold, so a hold can never be charged twice.
func (service *SpendService) Capture(ctx context.Context, wallet WalletRef, holdID HoldID, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CaptureResult, error) {
	result, operationError := service.capture(ctx, wallet, holdID, idempotencyKey, metadata)
	service.ledger.logOperation(ctx, OperationLog{
		Operation:      operationCapture,
		WalletID:       result.WalletID,
		HoldID:         holdID,
		TransactionID:  result.TransactionID,
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

func (service *SpendService) capture(ctx context.Context, wallet WalletRef, holdID HoldID, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CaptureResult, error) {
	if holdID.IsZero() {
		return CaptureResult{}, ErrHoldNotFound
	}
	var (
		result      CaptureResult
		expiredHold bool
	)
	operationError := service.ledger.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		expiredHold = false
		locked, hold, err := lockWalletAndHold(ctx, txStore, wallet, holdID)
		if err != nil {
			return err
		}
		now := service.ledger.now()
		switch hold.Status {
		case HoldStatusCaptured:
			if !idempotencyKey.IsZero() && !hold.CaptureIdempotencyKey.IsZero() && idempotencyKey != hold.CaptureIdempotencyKey {
				return fmt.Errorf("%w: hold already captured", ErrInvalidStateTransition)
			}
			entry, err := txStore.GetEntry(ctx, hold.WalletID, hold.CapturedTransactionID)
			if err != nil {
				return err
			}
			result = CaptureResult{
				HoldID:         hold.ID,
				TransactionID:  entry.ID,
				WalletID:       hold.WalletID,
				BalanceAfter:   entry.BalanceAfter,
				CapturedAt:     hold.CapturedAt,
				IdempotencyKey: hold.CaptureIdempotencyKey,
				Replayed:       true,
			}
			return nil
		case HoldStatusReleased:
			return fmt.Errorf("%w: hold already released", ErrInvalidStateTransition)
		case HoldStatusExpired:
			return ErrHoldExpired
		}
		if hold.IsExpiredAt(now) {
			hold.Status = HoldStatusExpired
			expiredHold = true
			return txStore.UpdateHold(ctx, hold)
		}
		debitMetadata, err := metadata.With(metadataKeyHoldID, hold.ID.String())
		if err != nil {
			return err
		}
		debitMetadata, err = debitMetadata.With(metadataKeySKU, hold.SKU.String())
		if err != nil {
			return err
		}
		debit, err := service.ledger.postEntryLocked(ctx, txStore, locked, hold.Amount.ToEntryAmount().Negated(), ReasonPurchaseCapture, captureEntryKey(hold.ID), debitMetadata)
		if err != nil {
			return err
		}
		hold.Status = HoldStatusCaptured
		hold.CapturedTransactionID = debit.TransactionID
		hold.CapturedAt = now
		hold.CaptureIdempotencyKey = idempotencyKey
		if err := txStore.UpdateHold(ctx, hold); err != nil {
			return err
		}
		result = CaptureResult{
			HoldID:         hold.ID,
			TransactionID:  debit.TransactionID,
			WalletID:       hold.WalletID,
			BalanceAfter:   debit.BalanceAfter,
			CapturedAt:     now,
			IdempotencyKey: idempotencyKey,
		}
		return nil
	})
	if operationError != nil {
		return CaptureResult{}, operationError
	}
	if expiredHold {
		return CaptureResult{}, ErrHoldExpired
	}
	return result, nil
}

// Release cancels a hold without touching the ledger. Releasing an already
// released hold returns the stored release time.
func (service *SpendService) Release(ctx context.Context, wallet WalletRef, holdID HoldID, idempotencyKey IdempotencyKey, metadata MetadataJSON) (ReleaseResult, error) {
	result, operationError := service.release(ctx, wallet, holdID, idempotencyKey, metadata)
	service.ledger.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		WalletID:       result.WalletID,
		HoldID:         holdID,
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

func (service *SpendService) release(ctx context.Context, wallet WalletRef, holdID HoldID, idempotencyKey IdempotencyKey, metadata MetadataJSON) (ReleaseResult, error) {
	if holdID.IsZero() {
		return ReleaseResult{}, ErrHoldNotFound
	}
	var result ReleaseResult
	operationError := service.ledger.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		locked, hold, err := lockWalletAndHold(ctx, txStore, wallet, holdID)
		if err != nil {
			return err
		}
		now := service.ledger.now()
		replayed := false
		switch hold.Status {
		case HoldStatusCaptured:
			return fmt.Errorf("%w: hold already captured", ErrInvalidStateTransition)
		case HoldStatusReleased:
			replayed = true
		default:
			hold.Status = HoldStatusReleased
			hold.ReleasedAt = now
			if metadata.String() != "{}" {
				hold.Metadata, err = hold.Metadata.With("release", json.RawMessage(metadata.String()))
				if err != nil {
					return err
				}
			}
			if err := txStore.UpdateHold(ctx, hold); err != nil {
				return err
			}
		}
		available, err := availableBalance(ctx, txStore, locked.wallet, now)
		if err != nil {
			return err
		}
		result = ReleaseResult{
			HoldID:           hold.ID,
			WalletID:         hold.WalletID,
			ReleasedAt:       hold.ReleasedAt,
			AvailableBalance: available,
			IdempotencyKey:   idempotencyKey,
			Replayed:         replayed,
		}
		return nil
	})
	if operationError != nil {
		return ReleaseResult{}, operationError
	}
	return result, nil
}

// Refund credits back part or all of a captured debit. The original entry is
// never modified; cumulative refunds are tracked on the hold.
func (service *SpendService) Refund(ctx context.Context, wallet WalletRef, originalTransactionID TransactionID, amount PositiveAmount, idempotencyKey IdempotencyKey, reason Reason, metadata MetadataJSON) (RefundResult, error) {
	result, operationError := service.refund(ctx, wallet, originalTransactionID, amount, idempotencyKey, reason, metadata)
	service.ledger.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		WalletID:       result.WalletID,
		TransactionID:  result.RefundTransactionID,
		Amount:         amount.ToAmount(),
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

func (service *SpendService) refund(ctx context.Context, wallet WalletRef, originalTransactionID TransactionID, amount PositiveAmount, idempotencyKey IdempotencyKey, reason Reason, metadata MetadataJSON) (RefundResult, error) {
	if reason == "" {
		reason = ReasonRefund
	}
	if err := validateMutation(wallet, amount, reason); err != nil {
		return RefundResult{}, err
	}
	if originalTransactionID <= 0 {
		return RefundResult{}, ErrInvalidTransaction
	}
	refundKey := DeriveIdempotencyKey(idempotencyKey, idempotencySuffixRefund)
	var result RefundResult
	operationError := service.ledger.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		existingWallet, found, err := txStore.FindWallet(ctx, wallet)
		if err != nil {
			return err
		}
		if !found {
			return ErrInvalidTransaction
		}
		locked, err := lockWallets(ctx, txStore, existingWallet.ID)
		if err != nil {
			return err
		}
		walletLock := locked[existingWallet.ID]
		if !refundKey.IsZero() {
			existing, found, err := txStore.FindEntryByIdempotencyKey(ctx, existingWallet.ID, refundKey)
			if err != nil {
				return err
			}
			if found {
				if target, ok := refundTarget(existing); !ok || target != originalTransactionID {
					return fmt.Errorf("%w: key already refunded another transaction", ErrIdempotencyConflict)
				}
				replay, err := replayedMutation(existing, amount.ToEntryAmount(), reason)
				if err != nil {
					return err
				}
				result = RefundResult{
					RefundTransactionID:   replay.TransactionID,
					OriginalTransactionID: originalTransactionID,
					WalletID:              replay.WalletID,
					BalanceAfter:          replay.BalanceAfter,
					IdempotencyKey:        idempotencyKey,
					Replayed:              true,
				}
				return nil
			}
		}
		hold, err := lockCapturedHold(ctx, txStore, walletLock, originalTransactionID)
		if err != nil {
			return err
		}
		original, err := txStore.GetEntry(ctx, existingWallet.ID, originalTransactionID)
		if err != nil {
			return err
		}
		if original.Amount >= 0 || original.Reason != ReasonPurchaseCapture {
			return fmt.Errorf("%w: not a capture debit", ErrInvalidTransaction)
		}
		if hold.RefundedAmount+amount.ToAmount() > hold.Amount.ToAmount() {
			return fmt.Errorf("%w: refunds would exceed the captured amount", ErrInvalidAmount)
		}
		creditMetadata, err := metadata.With(metadataKeyOriginalTransactionID, originalTransactionID.Int64())
		if err != nil {
			return err
		}
		creditMetadata, err = creditMetadata.With(metadataKeyHoldID, hold.ID.String())
		if err != nil {
			return err
		}
		credit, err := service.ledger.insertEntryLocked(ctx, txStore, walletLock, amount.ToEntryAmount(), reason, refundKey, creditMetadata)
		if err != nil {
			return err
		}
		hold.RefundedAmount += amount.ToAmount()
		if err := txStore.UpdateHold(ctx, hold); err != nil {
			return err
		}
		result = RefundResult{
			RefundTransactionID:   credit.TransactionID,
			OriginalTransactionID: originalTransactionID,
			WalletID:              existingWallet.ID,
			BalanceAfter:          credit.BalanceAfter,
			IdempotencyKey:        idempotencyKey,
		}
		return nil
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	return result, nil
}

// refundTarget reads the captured transaction a refund credit points at.
func refundTarget(entry Entry) (TransactionID, bool) {
	raw, ok := entry.Metadata.Lookup(metadataKeyOriginalTransactionID)
	if !ok {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return TransactionID(id), true
}

// GetAvailableBalance returns the cached balance minus live authorized holds. It never locks.
func (service *SpendService) GetAvailableBalance(ctx context.Context, wallet WalletRef) (Amount, error) {
	found, ok, err := service.ledger.GetWallet(ctx, wallet)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return availableBalance(ctx, service.ledger.store, found, service.ledger.now())
}

// GetHold reads a hold with lazy expiry applied to its status.
func (service *SpendService) GetHold(ctx context.Context, wallet WalletRef, holdID HoldID) (Hold, error) {
	found, ok, err := service.ledger.GetWallet(ctx, wallet)
	if err != nil {
		return Hold{}, err
	}
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	hold, err := service.ledger.store.GetHold(ctx, found.ID, holdID)
	if err != nil {
		return Hold{}, err
	}
	hold.Status = hold.EffectiveStatus(service.ledger.now())
	return hold, nil
}

func lockWalletAndHold(ctx context.Context, store Store, wallet WalletRef, holdID HoldID) (*lockedWallet, Hold, error) {
	existing, found, err := store.FindWallet(ctx, wallet)
	if err != nil {
		return nil, Hold{}, err
	}
	if !found {
		return nil, Hold{}, ErrHoldNotFound
	}
	locked, err := lockWallets(ctx, store, existing.ID)
	if err != nil {
		return nil, Hold{}, err
	}
	hold, err := lockHold(ctx, store, locked[existing.ID], holdID)
	if err != nil {
		return nil, Hold{}, err
	}
	return locked[existing.ID], hold, nil
}

func availableBalance(ctx context.Context, store Store, wallet Wallet, at time.Time) (Amount, error) {
	held, err := store.SumAuthorizedHolds(ctx, wallet.ID, at)
	if err != nil {
		return 0, err
	}
	return wallet.CachedBalance - held, nil
}

func captureEntryKey(holdID HoldID) IdempotencyKey {
	return DeriveIdempotencyKey(IdempotencyKey{value: holdKeyPrefix + idempotencyKeyDelimiter + holdID.String()}, idempotencySuffixCapture)
}
