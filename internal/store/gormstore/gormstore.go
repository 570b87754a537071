package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryIdempotencyKey = "uniq_ledger_entries_wallet_idem"
	constraintHoldIdempotencyKey  = "uniq_reservation_holds_wallet_idem"
	defaultMetadataJSON           = "{}"

	pgUniqueViolationCode     = "23505"
	pgSerializationFailure    = "40001"
	pgDeadlockDetected        = "40P01"
	pgLockNotAvailable        = "55P03"
	sqliteConstraintCode      = 19
	sqliteConstraintUnique    = 2067
	sqliteConstraintPrimary   = 1555
	sqliteBusyCode            = 5
	sqliteLockedCode          = 6
	sqliteUniqueFailedMessage = "UNIQUE constraint failed"

	errorOperationStore   = "store"
	errorSubjectWallet    = "wallet"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectHold      = "hold"
	errorSubjectTx        = "transaction"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeSumHolds     = "sum_holds"
	errorCodeUpdate       = "update"
	errorCodeCommit       = "commit"
	holdStatusAuthorized  = "authorized"
	holdStatusCaptured    = "captured"
	lockingStrengthUpdate = "UPDATE"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if err != nil && isTransient(err) && !errors.Is(err, ledger.ErrTransientConflict) {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return err
}

func (store *Store) FindWallet(ctx context.Context, ref ledger.WalletRef) (ledger.Wallet, bool, error) {
	query := store.db.WithContext(ctx)
	switch {
	case ref.ID() != 0:
		query = query.Where("id = ?", ref.ID().Int64())
	case !ref.Owner().IsZero():
		query = query.Where("owner_ref = ?", ref.Owner().String())
	default:
		return ledger.Wallet{}, false, nil
	}
	var row Wallet
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, false, nil
	}
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	wallet, err := mapWallet(row)
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, true, nil
}

func (store *Store) CreateWallet(ctx context.Context, input ledger.WalletInput) (ledger.Wallet, error) {
	row := Wallet{
		OwnerRef:       input.OwnerRef.String(),
		AllowOverdraft: input.AllowOverdraft,
		CreatedAt:      timeOrNow(input.CreatedAt),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_ref"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	wallet, found, err := store.FindWallet(ctx, ledger.WalletRefByOwner(input.OwnerRef))
	if err != nil {
		return ledger.Wallet{}, err
	}
	if !found {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, ledger.ErrInvalidWallet)
	}
	return wallet, nil
}

func (store *Store) LockWallet(ctx context.Context, walletID ledger.WalletID) (ledger.Wallet, error) {
	var row Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("id = ?", walletID.Int64()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, ledger.ErrInvalidWallet)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	wallet, err := mapWallet(row)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) UpdateCachedBalance(ctx context.Context, walletID ledger.WalletID, balance ledger.Amount) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("id = ?", walletID.Int64()).
		Update("cached_balance", balance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrInvalidWallet)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, walletID ledger.WalletID) (ledger.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("wallet_id = ?", walletID.Int64()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Amount(sum.Total), nil
}

func (store *Store) ListWalletIDs(ctx context.Context, afterID ledger.WalletID, limit int) ([]ledger.WalletID, error) {
	var rawIDs []int64
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("id > ?", afterID.Int64()).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	walletIDs := make([]ledger.WalletID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		walletIDs = append(walletIDs, ledger.WalletID(rawID))
	}
	return walletIDs, nil
}

func (store *Store) InsertEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	row := LedgerEntry{
		WalletID:       input.WalletID.Int64(),
		Amount:         input.Amount.Int64(),
		Reason:         input.Reason.String(),
		IdempotencyKey: optionalString(input.IdempotencyKey.String()),
		BalanceAfter:   input.BalanceAfter.Int64(),
		Metadata:       datatypesJSON(input.Metadata.String()),
		CreatedAt:      timeOrNow(input.CreatedAt),
	}
	err := store.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) GetEntry(ctx context.Context, walletID ledger.WalletID, transactionID ledger.TransactionID) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("id = ? AND wallet_id = ?", transactionID.Int64(), walletID.Int64()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrInvalidTransaction)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, walletID ledger.WalletID, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	if key.IsZero() {
		return ledger.Entry{}, false, nil
	}
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND idempotency_key = ?", walletID.Int64(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

func (store *Store) ListEntries(ctx context.Context, walletID ledger.WalletID, limit int, offset int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("wallet_id = ?", walletID.Int64()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreateHold(ctx context.Context, input ledger.HoldInput) (ledger.Hold, error) {
	createdAt := timeOrNow(input.CreatedAt)
	row := ReservationHold{
		WalletID:       input.WalletID.Int64(),
		SKU:            input.SKU.String(),
		Amount:         input.Amount.Int64(),
		Status:         holdStatusAuthorized,
		ExpiresAt:      input.ExpiresAt.UTC(),
		IdempotencyKey: optionalString(input.IdempotencyKey.String()),
		Metadata:       datatypesJSON(input.Metadata.String()),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	err := store.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error
	if isUniqueViolation(err, constraintHoldIdempotencyKey) {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	hold, err := mapHold(row)
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

func (store *Store) FindHoldByIdempotencyKey(ctx context.Context, walletID ledger.WalletID, key ledger.IdempotencyKey) (ledger.Hold, bool, error) {
	if key.IsZero() {
		return ledger.Hold{}, false, nil
	}
	var row ReservationHold
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND idempotency_key = ?", walletID.Int64(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Hold{}, false, nil
	}
	if err != nil {
		return ledger.Hold{}, false, wrapStoreError(errorSubjectHold, errorCodeLookup, err)
	}
	hold, err := mapHold(row)
	if err != nil {
		return ledger.Hold{}, false, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, true, nil
}

func (store *Store) GetHold(ctx context.Context, walletID ledger.WalletID, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.takeHold(store.db.WithContext(ctx), errorCodeGet, ledger.ErrHoldNotFound,
		"id = ? AND wallet_id = ?", holdID.String(), walletID.Int64())
}

func (store *Store) LockHold(ctx context.Context, walletID ledger.WalletID, holdID ledger.HoldID) (ledger.Hold, error) {
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockingStrengthUpdate})
	return store.takeHold(query, errorCodeLock, ledger.ErrHoldNotFound,
		"id = ? AND wallet_id = ?", holdID.String(), walletID.Int64())
}

func (store *Store) LockHoldByCapturedTransaction(ctx context.Context, walletID ledger.WalletID, transactionID ledger.TransactionID) (ledger.Hold, error) {
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockingStrengthUpdate})
	return store.takeHold(query, errorCodeLock, ledger.ErrInvalidTransaction,
		"wallet_id = ? AND captured_transaction_id = ? AND status = ?", walletID.Int64(), transactionID.Int64(), holdStatusCaptured)
}

func (store *Store) takeHold(query *gorm.DB, code string, notFound error, condition string, args ...any) (ledger.Hold, error) {
	var row ReservationHold
	err := query.Where(condition, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, code, notFound)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, code, err)
	}
	hold, err := mapHold(row)
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

func (store *Store) UpdateHold(ctx context.Context, hold ledger.Hold) error {
	updates := map[string]any{
		"status":                  hold.Status.String(),
		"capture_idempotency_key": optionalString(hold.CaptureIdempotencyKey.String()),
		"captured_transaction_id": optionalInt64(hold.CapturedTransactionID.Int64()),
		"captured_at":             optionalTime(hold.CapturedAt),
		"refunded_amount":         hold.RefundedAmount.Int64(),
		"released_at":             optionalTime(hold.ReleasedAt),
		"metadata":                datatypesJSON(hold.Metadata.String()),
		"updated_at":              time.Now().UTC(),
	}
	result := store.db.WithContext(ctx).
		Model(&ReservationHold{}).
		Where("id = ? AND wallet_id = ?", hold.ID.String(), hold.WalletID.Int64()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdate, ledger.ErrHoldNotFound)
	}
	return nil
}

func (store *Store) SumAuthorizedHolds(ctx context.Context, walletID ledger.WalletID, at time.Time) (ledger.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&ReservationHold{}).
		Select("coalesce(sum(amount),0) as total").
		Where("wallet_id = ? AND status = ? AND expires_at > ?", walletID.Int64(), holdStatusAuthorized, at.UTC()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumHolds, err)
	}
	return ledger.Amount(sum.Total), nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isTransient(err) && !errors.Is(err, ledger.ErrTransientConflict) {
		err = fmt.Errorf("%w: %w", ledger.ErrTransientConflict, err)
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapWallet(row Wallet) (ledger.Wallet, error) {
	walletID, err := ledger.NewWalletID(row.ID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	owner, err := ledger.NewOwnerRef(row.OwnerRef)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.Wallet{
		ID:             walletID,
		OwnerRef:       owner,
		CachedBalance:  ledger.Amount(row.CachedBalance),
		AllowOverdraft: row.AllowOverdraft,
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	transactionID, err := ledger.NewTransactionID(row.ID)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewEntryAmount(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	reason, err := ledger.ParseReason(row.Reason)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:             transactionID,
		WalletID:       ledger.WalletID(row.WalletID),
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: ledger.RestoreIdempotencyKey(stringOrEmpty(row.IdempotencyKey)),
		BalanceAfter:   ledger.Amount(row.BalanceAfter),
		Metadata:       metadata,
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func mapHold(row ReservationHold) (ledger.Hold, error) {
	holdID, err := ledger.NewHoldID(row.ID)
	if err != nil {
		return ledger.Hold{}, err
	}
	sku, err := ledger.NewSKU(row.SKU)
	if err != nil {
		return ledger.Hold{}, err
	}
	amount, err := ledger.NewPositiveAmount(row.Amount)
	if err != nil {
		return ledger.Hold{}, err
	}
	status, err := ledger.ParseHoldStatus(row.Status)
	if err != nil {
		return ledger.Hold{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Hold{}, err
	}
	hold := ledger.Hold{
		ID:                    holdID,
		WalletID:              ledger.WalletID(row.WalletID),
		SKU:                   sku,
		Amount:                amount,
		Status:                status,
		ExpiresAt:             row.ExpiresAt.UTC(),
		IdempotencyKey:        ledger.RestoreIdempotencyKey(stringOrEmpty(row.IdempotencyKey)),
		CaptureIdempotencyKey: ledger.RestoreIdempotencyKey(stringOrEmpty(row.CaptureIdempotencyKey)),
		RefundedAmount:        ledger.Amount(row.RefundedAmount),
		Metadata:              metadata,
		CreatedAt:             row.CreatedAt.UTC(),
	}
	if row.CapturedTransactionID != nil {
		hold.CapturedTransactionID = ledger.TransactionID(*row.CapturedTransactionID)
	}
	if row.CapturedAt != nil {
		hold.CapturedAt = row.CapturedAt.UTC()
	}
	if row.ReleasedAt != nil {
		hold.ReleasedAt = row.ReleasedAt.UTC()
	}
	return hold, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func optionalInt64(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func timeOrNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqliteConstraintUnique || code == sqliteConstraintPrimary {
			return true
		}
		return code&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), sqliteUniqueFailedMessage)
	}
	return false
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqliteBusyCode, sqliteLockedCode:
			return true
		}
	}
	return false
}
