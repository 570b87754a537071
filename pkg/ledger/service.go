package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Service is the sole authority over wallet balances.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
	retry  RetryPolicy
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, retry: DefaultRetryPolicy}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenWallet returns the owner's wallet, creating it when absent. Options only
// apply to newly created wallets.
func (service *Service) OpenWallet(ctx context.Context, owner OwnerRef, options WalletOptions) (Wallet, error) {
	if owner.IsZero() {
		return Wallet{}, fmt.Errorf("%w: empty owner", ErrInvalidWallet)
	}
	var wallet Wallet
	operationError := service.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		created, err := txStore.CreateWallet(ctx, WalletInput{
			OwnerRef:       owner,
			AllowOverdraft: options.AllowOverdraft,
			CreatedAt:      service.now(),
		})
		if err != nil {
			return err
		}
		wallet = created
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenWallet,
		WalletID:  wallet.ID,
		Error:     operationError,
	})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return wallet, nil
}

// GetWallet reads a wallet without locking it.
func (service *Service) GetWallet(ctx context.Context, ref WalletRef) (Wallet, bool, error) {
	if ref.IsZero() {
		return Wallet{}, false, nil
	}
	return service.store.FindWallet(ctx, ref)
}

// Credit adds amount to the wallet.
func (service *Service) Credit(ctx context.Context, wallet WalletRef, amount PositiveAmount, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (MutationResult, error) {
	result, operationError := service.applyEntry(ctx, wallet, amount, amount.ToEntryAmount(), reason, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		WalletID:       result.WalletID,
		TransactionID:  result.TransactionID,
		Amount:         amount.ToAmount(),
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

// Debit removes amount from the wallet. Balances may not go negative unless the
// wallet allows overdraft.
func (service *Service) Debit(ctx context.Context, wallet WalletRef, amount PositiveAmount, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (MutationResult, error) {
	result, operationError := service.applyEntry(ctx, wallet, amount, amount.ToEntryAmount().Negated(), reason, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		WalletID:       result.WalletID,
		TransactionID:  result.TransactionID,
		Amount:         amount.ToAmount(),
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

func (service *Service) applyEntry(ctx context.Context, wallet WalletRef, amount PositiveAmount, delta EntryAmount, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (MutationResult, error) {
	if err := validateMutation(wallet, amount, reason); err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	operationError := service.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		walletID, err := service.resolveForWrite(ctx, txStore, wallet)
		if err != nil {
			return err
		}
		locked, err := lockWallets(ctx, txStore, walletID)
		if err != nil {
			return err
		}
		result, err = service.postEntryLocked(ctx, txStore, locked[walletID], delta, reason, idempotencyKey, metadata)
		return err
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		return service.replayEntry(ctx, wallet, delta, reason, idempotencyKey)
	}
	if operationError != nil {
		return MutationResult{}, operationError
	}
	return result, nil
}

// Transfer moves amount between two wallets atomically. One idempotency key covers both legs.
func (service *Service) Transfer(ctx context.Context, from WalletRef, to WalletRef, amount PositiveAmount, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (TransferResult, error) {
	result, operationError := service.transfer(ctx, from, to, amount, reason, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransfer,
		WalletID:       result.FromWalletID,
		TransactionID:  result.DebitTransactionID,
		Amount:         amount.ToAmount(),
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

func (service *Service) transfer(ctx context.Context, from WalletRef, to WalletRef, amount PositiveAmount, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (TransferResult, error) {
	if err := validateMutation(from, amount, reason); err != nil {
		return TransferResult{}, err
	}
	if to.IsZero() {
		return TransferResult{}, fmt.Errorf("%w: empty destination", ErrInvalidWallet)
	}
	if from == to {
		return TransferResult{}, fmt.Errorf("%w: cannot transfer to the same wallet", ErrInvalidWallet)
	}
	var result TransferResult
	operationError := service.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		fromID, err := service.resolveForWrite(ctx, txStore, from)
		if err != nil {
			return err
		}
		toID, err := service.resolveForWrite(ctx, txStore, to)
		if err != nil {
			return err
		}
		if fromID == toID {
			return fmt.Errorf("%w: cannot transfer to the same wallet", ErrInvalidWallet)
		}
		locked, err := lockWallets(ctx, txStore, fromID, toID)
		if err != nil {
			return err
		}
		replay, found, err := findTransferReplay(ctx, txStore, fromID, toID, amount, reason, idempotencyKey)
		if err != nil {
			return err
		}
		if found {
			result = replay
			return nil
		}
		debitMetadata, err := metadata.With(metadataKeyCounterpartyWalletID, toID.Int64())
		if err != nil {
			return err
		}
		creditMetadata, err := metadata.With(metadataKeyCounterpartyWalletID, fromID.Int64())
		if err != nil {
			return err
		}
		debit, err := service.insertEntryLocked(ctx, txStore, locked[fromID], amount.ToEntryAmount().Negated(), reason, idempotencyKey, debitMetadata)
		if err != nil {
			return err
		}
		credit, err := service.insertEntryLocked(ctx, txStore, locked[toID], amount.ToEntryAmount(), reason, idempotencyKey, creditMetadata)
		if err != nil {
			return err
		}
		result = TransferResult{
			FromWalletID:        fromID,
			ToWalletID:          toID,
			FromBalanceAfter:    debit.BalanceAfter,
			ToBalanceAfter:      credit.BalanceAfter,
			DebitTransactionID:  debit.TransactionID,
			CreditTransactionID: credit.TransactionID,
			IdempotencyKey:      idempotencyKey,
		}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		return service.replayTransfer(ctx, from, to, amount, reason, idempotencyKey)
	}
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

func findTransferReplay(ctx context.Context, store Store, fromID WalletID, toID WalletID, amount PositiveAmount, reason Reason, idempotencyKey IdempotencyKey) (TransferResult, bool, error) {
	if idempotencyKey.IsZero() {
		return TransferResult{}, false, nil
	}
	debit, debitFound, err := store.FindEntryByIdempotencyKey(ctx, fromID, idempotencyKey)
	if err != nil {
		return TransferResult{}, false, err
	}
	credit, creditFound, err := store.FindEntryByIdempotencyKey(ctx, toID, idempotencyKey)
	if err != nil {
		return TransferResult{}, false, err
	}
	if !debitFound && !creditFound {
		return TransferResult{}, false, nil
	}
	if debitFound != creditFound {
		return TransferResult{}, false, fmt.Errorf("%w: key already used by another operation", ErrIdempotencyConflict)
	}
	if debit.Amount != amount.ToEntryAmount().Negated() || credit.Amount != amount.ToEntryAmount() || debit.Reason != reason || credit.Reason != reason {
		return TransferResult{}, false, fmt.Errorf("%w: transfer payload differs", ErrIdempotencyConflict)
	}
	return TransferResult{
		FromWalletID:        fromID,
		ToWalletID:          toID,
		FromBalanceAfter:    debit.BalanceAfter,
		ToBalanceAfter:      credit.BalanceAfter,
		DebitTransactionID:  debit.ID,
		CreditTransactionID: credit.ID,
		IdempotencyKey:      idempotencyKey,
		Replayed:            true,
	}, true, nil
}

// GetBalance returns the cached balance, or zero for unknown wallets. It never locks.
func (service *Service) GetBalance(ctx context.Context, wallet WalletRef) (Amount, error) {
	found, ok, err := service.GetWallet(ctx, wallet)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return found.CachedBalance, nil
}

// GetTransactionHistory lists entries newest first. Unknown wallets yield an empty list.
func (service *Service) GetTransactionHistory(ctx context.Context, wallet WalletRef, limit int, offset int) ([]Entry, error) {
	found, ok, err := service.GetWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Entry{}, nil
	}
	return service.store.ListEntries(ctx, found.ID, normalizeHistoryLimit(limit), max(offset, 0))
}

// RecalcAndSave recomputes the cached balance from the ledger under lock and
// persists it. Entries are never touched.
func (service *Service) RecalcAndSave(ctx context.Context, wallet WalletRef) (RecalcResult, error) {
	result, operationError := service.recalc(ctx, wallet, true)
	service.logOperation(ctx, OperationLog{
		Operation: operationRecalc,
		WalletID:  result.WalletID,
		Amount:    result.Balance,
		Error:     operationError,
	})
	return result, operationError
}

// InspectBalance compares the cached balance with the ledger sum under lock without writing.
func (service *Service) InspectBalance(ctx context.Context, wallet WalletRef) (RecalcResult, error) {
	return service.recalc(ctx, wallet, false)
}

func (service *Service) recalc(ctx context.Context, wallet WalletRef, save bool) (RecalcResult, error) {
	var result RecalcResult
	operationError := service.runInTx(ctx, func(ctx context.Context, txStore Store) error {
		walletID, err := resolveExisting(ctx, txStore, wallet)
		if err != nil {
			return err
		}
		locked, err := lockWallets(ctx, txStore, walletID)
		if err != nil {
			return err
		}
		sum, err := txStore.SumEntries(ctx, walletID)
		if err != nil {
			return err
		}
		previous := locked[walletID].wallet.CachedBalance
		result = RecalcResult{WalletID: walletID, PreviousBalance: previous, Balance: sum}
		if !save || previous == sum {
			return nil
		}
		if err := txStore.UpdateCachedBalance(ctx, walletID, sum); err != nil {
			return err
		}
		result.Corrected = true
		return nil
	})
	if operationError != nil {
		return RecalcResult{WalletID: result.WalletID}, operationError
	}
	return result, nil
}

type entryResult struct {
	TransactionID TransactionID
	BalanceAfter  Amount
}

// postEntryLocked replays an existing entry under the same key or appends a new one.
func (service *Service) postEntryLocked(ctx context.Context, store Store, wallet *lockedWallet, delta EntryAmount, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (MutationResult, error) {
	if !idempotencyKey.IsZero() {
		existing, found, err := store.FindEntryByIdempotencyKey(ctx, wallet.wallet.ID, idempotencyKey)
		if err != nil {
			return MutationResult{}, err
		}
		if found {
			return replayedMutation(existing, delta, reason)
		}
	}
	posted, err := service.insertEntryLocked(ctx, store, wallet, delta, reason, idempotencyKey, metadata)
	if err != nil {
		return MutationResult{}, err
	}
	return MutationResult{
		WalletID:       wallet.wallet.ID,
		BalanceAfter:   posted.BalanceAfter,
		TransactionID:  posted.TransactionID,
		IdempotencyKey: idempotencyKey,
	}, nil
}

func (service *Service) insertEntryLocked(ctx context.Context, store Store, wallet *lockedWallet, delta EntryAmount, reason Reason, idempotencyKey IdempotencyKey, metadata MetadataJSON) (entryResult, error) {
	balanceAfter, err := addToBalance(wallet.wallet.CachedBalance, delta)
	if err != nil {
		return entryResult{}, err
	}
	if delta < 0 && balanceAfter < 0 && !wallet.wallet.AllowOverdraft {
		return entryResult{}, ErrInsufficientFunds
	}
	entry, err := store.InsertEntry(ctx, EntryInput{
		WalletID:       wallet.wallet.ID,
		Amount:         delta,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		BalanceAfter:   balanceAfter,
		Metadata:       metadata,
		CreatedAt:      service.now(),
	})
	if err != nil {
		return entryResult{}, err
	}
	if err := store.UpdateCachedBalance(ctx, wallet.wallet.ID, balanceAfter); err != nil {
		return entryResult{}, err
	}
	wallet.wallet.CachedBalance = balanceAfter
	return entryResult{TransactionID: entry.ID, BalanceAfter: balanceAfter}, nil
}

// replayEntry returns the result persisted by a concurrent winner.
func (service *Service) replayEntry(ctx context.Context, wallet WalletRef, delta EntryAmount, reason Reason, idempotencyKey IdempotencyKey) (MutationResult, error) {
	walletID, err := resolveExisting(ctx, service.store, wallet)
	if err != nil {
		return MutationResult{}, err
	}
	existing, found, err := service.store.FindEntryByIdempotencyKey(ctx, walletID, idempotencyKey)
	if err != nil {
		return MutationResult{}, err
	}
	if !found {
		return MutationResult{}, WrapError(operationService, "idempotency", "winner_missing", ErrSystemFailure)
	}
	return replayedMutation(existing, delta, reason)
}

func (service *Service) replayTransfer(ctx context.Context, from WalletRef, to WalletRef, amount PositiveAmount, reason Reason, idempotencyKey IdempotencyKey) (TransferResult, error) {
	fromID, err := resolveExisting(ctx, service.store, from)
	if err != nil {
		return TransferResult{}, err
	}
	toID, err := resolveExisting(ctx, service.store, to)
	if err != nil {
		return TransferResult{}, err
	}
	result, found, err := findTransferReplay(ctx, service.store, fromID, toID, amount, reason, idempotencyKey)
	if err != nil {
		return TransferResult{}, err
	}
	if !found {
		return TransferResult{}, WrapError(operationService, "idempotency", "winner_missing", ErrSystemFailure)
	}
	return result, nil
}

func replayedMutation(existing Entry, delta EntryAmount, reason Reason) (MutationResult, error) {
	if existing.Amount != delta || existing.Reason != reason {
		return MutationResult{}, fmt.Errorf("%w: entry payload differs", ErrIdempotencyConflict)
	}
	return MutationResult{
		WalletID:       existing.WalletID,
		BalanceAfter:   existing.BalanceAfter,
		TransactionID:  existing.ID,
		IdempotencyKey: existing.IdempotencyKey,
		Replayed:       true,
	}, nil
}

// resolveForWrite finds the wallet, creating owner-addressed wallets on demand.
func (service *Service) resolveForWrite(ctx context.Context, store Store, ref WalletRef) (WalletID, error) {
	if ref.ID() != 0 {
		return resolveExisting(ctx, store, ref)
	}
	// Row locks are only taken by lockWallets; reading first keeps existing
	// wallets out of the insert path.
	existing, found, err := store.FindWallet(ctx, ref)
	if err != nil {
		return 0, err
	}
	if found {
		return existing.ID, nil
	}
	wallet, err := store.CreateWallet(ctx, WalletInput{OwnerRef: ref.Owner(), CreatedAt: service.now()})
	if err != nil {
		return 0, err
	}
	return wallet.ID, nil
}

func resolveExisting(ctx context.Context, store Store, ref WalletRef) (WalletID, error) {
	if ref.IsZero() {
		return 0, fmt.Errorf("%w: empty reference", ErrInvalidWallet)
	}
	wallet, found, err := store.FindWallet(ctx, ref)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s not found", ErrInvalidWallet, ref)
	}
	return wallet.ID, nil
}

func (service *Service) runInTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return Retry(ctx, service.retry, func(ctx context.Context) error {
		return service.store.WithTx(ctx, fn)
	})
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC().Truncate(timestampPrecision)
}

func validateMutation(wallet WalletRef, amount PositiveAmount, reason Reason) error {
	if wallet.IsZero() {
		return fmt.Errorf("%w: empty reference", ErrInvalidWallet)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	parsed, err := ParseReason(reason.String())
	if err != nil {
		return err
	}
	if parsed != reason {
		return fmt.Errorf("%w: %q is not canonical", ErrInvalidReason, reason)
	}
	return nil
}

func addToBalance(balance Amount, delta EntryAmount) (Amount, error) {
	if delta > 0 && int64(balance) > math.MaxInt64-int64(delta) {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	if delta < 0 && int64(balance) < math.MinInt64-int64(delta) {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	return balance + Amount(delta), nil
}

func normalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return min(limit, maxHistoryLimit)
}
