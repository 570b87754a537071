package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEntryIdempotencyKey = "uniq_ledger_entries_wallet_idem"
	constraintHoldIdempotencyKey  = "uniq_reservation_holds_wallet_idem"
	pgUniqueViolationCode         = "23505"
	pgSerializationFailure        = "40001"
	pgDeadlockDetected            = "40P01"
	pgLockNotAvailable            = "55P03"
	errorOperationStore           = "store"
	errorSubjectWallet            = "wallet"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectHold              = "hold"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLock                 = "lock"
	errorCodeLookup               = "lookup"
	errorCodeSum                  = "sum"
	errorCodeSumHolds             = "sum_holds"
	errorCodeUpdate               = "update"

	walletColumns = `id, owner_ref, cached_balance, allow_overdraft, created_at`

	entryColumns = `id, wallet_id, amount, reason, idempotency_key, balance_after, metadata::text, created_at`

	holdColumns = `
		id, wallet_id, sku, amount, status, expires_at, idempotency_key, capture_idempotency_key,
		captured_transaction_id, captured_at, refunded_amount, released_at, metadata::text, created_at
	`

	sqlInsertWallet = `
		insert into wallets(owner_ref, allow_overdraft, cached_balance, created_at) values($1, $2, 0, $3)
		on conflict (owner_ref) do nothing`

	sqlSelectWalletByID = `select ` + walletColumns + ` from wallets where id = $1`

	sqlSelectWalletByOwner = `select ` + walletColumns + ` from wallets where owner_ref = $1`

	sqlLockWallet = `select ` + walletColumns + ` from wallets where id = $1 for update`

	sqlUpdateCachedBalance = `update wallets set cached_balance = $2 where id = $1`

	sqlSumEntries = `select coalesce(sum(amount),0) from ledger_entries where wallet_id = $1`

	sqlListWalletIDs = `select id from wallets where id > $1 order by id asc limit $2`

	sqlInsertEntry = `
		insert into ledger_entries(wallet_id, amount, reason, idempotency_key, balance_after, metadata, created_at)
		values($1, $2, $3, nullif($4,''), $5, coalesce(nullif($6,''),'{}')::jsonb, $7)
		returning ` + entryColumns

	sqlSelectEntry = `select ` + entryColumns + ` from ledger_entries where id = $1 and wallet_id = $2`

	sqlSelectEntryByKey = `select ` + entryColumns + ` from ledger_entries where wallet_id = $1 and idempotency_key = $2`

	sqlListEntries = `
		select ` + entryColumns + ` from ledger_entries
		where wallet_id = $1
		order by created_at desc, id desc
		limit $2 offset $3
	`

	sqlInsertHold = `
		insert into reservation_holds(
			id, wallet_id, sku, amount, status, expires_at, idempotency_key, metadata, refunded_amount, created_at, updated_at
		)
		values($1, $2, $3, $4, 'authorized', $5, nullif($6,''), coalesce(nullif($7,''),'{}')::jsonb, 0, $8, $8)
		returning ` + holdColumns

	sqlSelectHold = `select ` + holdColumns + ` from reservation_holds where id = $1 and wallet_id = $2`

	sqlLockHold = sqlSelectHold + ` for update`

	sqlLockHoldByCapture = `
		select ` + holdColumns + ` from reservation_holds
		where wallet_id = $1 and captured_transaction_id = $2 and status = 'captured'
		for update
	`

	sqlSelectHoldByKey = `select ` + holdColumns + ` from reservation_holds where wallet_id = $1 and idempotency_key = $2`

	sqlUpdateHold = `
		update reservation_holds
		set status = $3,
			capture_idempotency_key = nullif($4,''),
			captured_transaction_id = nullif($5::bigint,0),
			captured_at = $6,
			refunded_amount = $7,
			released_at = $8,
			metadata = coalesce(nullif($9,''),'{}')::jsonb,
			updated_at = now()
		where id = $1 and wallet_id = $2
	`

	sqlSumAuthorizedHolds = `
		select coalesce(sum(amount),0) from reservation_holds
		where wallet_id = $1 and status = 'authorized' and expires_at > $2
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. A Store handed
// to a WithTx callback runs every statement on that transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) FindWallet(ctx context.Context, ref ledger.WalletRef) (ledger.Wallet, bool, error) {
	var row pgx.Row
	switch {
	case ref.ID() != 0:
		row = store.db.QueryRow(ctx, sqlSelectWalletByID, ref.ID().Int64())
	case !ref.Owner().IsZero():
		row = store.db.QueryRow(ctx, sqlSelectWalletByOwner, ref.Owner().String())
	default:
		return ledger.Wallet{}, false, nil
	}
	wallet, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, false, nil
	}
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return wallet, true, nil
}

func (store *Store) CreateWallet(ctx context.Context, input ledger.WalletInput) (ledger.Wallet, error) {
	if _, err := store.db.Exec(ctx, sqlInsertWallet, input.OwnerRef.String(), input.AllowOverdraft, timeOrNow(input.CreatedAt)); err != nil {
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
	wallet, err := scanWallet(store.db.QueryRow(ctx, sqlLockWallet, walletID.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, ledger.ErrInvalidWallet)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return wallet, nil
}

func (store *Store) UpdateCachedBalance(ctx context.Context, walletID ledger.WalletID, balance ledger.Amount) error {
	tag, err := store.db.Exec(ctx, sqlUpdateCachedBalance, walletID.Int64(), balance.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrInvalidWallet)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, walletID ledger.WalletID) (ledger.Amount, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, walletID.Int64()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Amount(sum), nil
}

func (store *Store) ListWalletIDs(ctx context.Context, afterID ledger.WalletID, limit int) ([]ledger.WalletID, error) {
	rows, err := store.db.Query(ctx, sqlListWalletIDs, afterID.Int64(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	rawIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
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
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlInsertEntry,
		input.WalletID.Int64(),
		input.Amount.Int64(),
		input.Reason.String(),
		input.IdempotencyKey.String(),
		input.BalanceAfter.Int64(),
		input.Metadata.String(),
		timeOrNow(input.CreatedAt),
	))
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return entry, nil
}

func (store *Store) GetEntry(ctx context.Context, walletID ledger.WalletID, transactionID ledger.TransactionID) (ledger.Entry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlSelectEntry, transactionID.Int64(), walletID.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrInvalidTransaction)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, walletID ledger.WalletID, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	if key.IsZero() {
		return ledger.Entry{}, false, nil
	}
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlSelectEntryByKey, walletID.Int64(), key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

func (store *Store) ListEntries(ctx context.Context, walletID ledger.WalletID, limit int, offset int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, walletID.Int64(), limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]ledger.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) CreateHold(ctx context.Context, input ledger.HoldInput) (ledger.Hold, error) {
	hold, err := scanHold(store.db.QueryRow(ctx, sqlInsertHold,
		uuid.NewString(),
		input.WalletID.Int64(),
		input.SKU.String(),
		input.Amount.Int64(),
		input.ExpiresAt.UTC(),
		input.IdempotencyKey.String(),
		input.Metadata.String(),
		timeOrNow(input.CreatedAt),
	))
	if isUniqueViolation(err, constraintHoldIdempotencyKey) {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return hold, nil
}

func (store *Store) FindHoldByIdempotencyKey(ctx context.Context, walletID ledger.WalletID, key ledger.IdempotencyKey) (ledger.Hold, bool, error) {
	if key.IsZero() {
		return ledger.Hold{}, false, nil
	}
	hold, err := scanHold(store.db.QueryRow(ctx, sqlSelectHoldByKey, walletID.Int64(), key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Hold{}, false, nil
	}
	if err != nil {
		return ledger.Hold{}, false, wrapStoreError(errorSubjectHold, errorCodeLookup, err)
	}
	return hold, true, nil
}

func (store *Store) GetHold(ctx context.Context, walletID ledger.WalletID, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.takeHold(ctx, errorCodeGet, ledger.ErrHoldNotFound, sqlSelectHold, holdID.String(), walletID.Int64())
}

func (store *Store) LockHold(ctx context.Context, walletID ledger.WalletID, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.takeHold(ctx, errorCodeLock, ledger.ErrHoldNotFound, sqlLockHold, holdID.String(), walletID.Int64())
}

func (store *Store) LockHoldByCapturedTransaction(ctx context.Context, walletID ledger.WalletID, transactionID ledger.TransactionID) (ledger.Hold, error) {
	return store.takeHold(ctx, errorCodeLock, ledger.ErrInvalidTransaction, sqlLockHoldByCapture, walletID.Int64(), transactionID.Int64())
}

func (store *Store) takeHold(ctx context.Context, code string, notFound error, query string, args ...any) (ledger.Hold, error) {
	hold, err := scanHold(store.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, code, notFound)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, code, err)
	}
	return hold, nil
}

func (store *Store) UpdateHold(ctx context.Context, hold ledger.Hold) error {
	tag, err := store.db.Exec(ctx, sqlUpdateHold,
		hold.ID.String(),
		hold.WalletID.Int64(),
		hold.Status.String(),
		hold.CaptureIdempotencyKey.String(),
		hold.CapturedTransactionID.Int64(),
		optionalTime(hold.CapturedAt),
		hold.RefundedAmount.Int64(),
		optionalTime(hold.ReleasedAt),
		hold.Metadata.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdate, ledger.ErrHoldNotFound)
	}
	return nil
}

func (store *Store) SumAuthorizedHolds(ctx context.Context, walletID ledger.WalletID, at time.Time) (ledger.Amount, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumAuthorizedHolds, walletID.Int64(), at.UTC()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumHolds, err)
	}
	return ledger.Amount(sum), nil
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		idValue        int64
		ownerValue     string
		balanceValue   int64
		allowOverdraft bool
		createdAt      time.Time
	)
	if err := row.Scan(&idValue, &ownerValue, &balanceValue, &allowOverdraft, &createdAt); err != nil {
		return ledger.Wallet{}, err
	}
	walletID, err := ledger.NewWalletID(idValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	owner, err := ledger.NewOwnerRef(ownerValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.Wallet{
		ID:             walletID,
		OwnerRef:       owner,
		CachedBalance:  ledger.Amount(balanceValue),
		AllowOverdraft: allowOverdraft,
		CreatedAt:      createdAt.UTC(),
	}, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		idValue           int64
		walletIDValue     int64
		amountValue       int64
		reasonValue       string
		idempotencyValue  *string
		balanceAfterValue int64
		metadataValue     string
		createdAt         time.Time
	)
	if err := row.Scan(&idValue, &walletIDValue, &amountValue, &reasonValue, &idempotencyValue, &balanceAfterValue, &metadataValue, &createdAt); err != nil {
		return ledger.Entry{}, err
	}
	transactionID, err := ledger.NewTransactionID(idValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewEntryAmount(amountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	reason, err := ledger.ParseReason(reasonValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:             transactionID,
		WalletID:       ledger.WalletID(walletIDValue),
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: ledger.RestoreIdempotencyKey(stringOrEmpty(idempotencyValue)),
		BalanceAfter:   ledger.Amount(balanceAfterValue),
		Metadata:       metadata,
		CreatedAt:      createdAt.UTC(),
	}, nil
}

func scanHold(row pgx.Row) (ledger.Hold, error) {
	var (
		idValue               string
		walletIDValue         int64
		skuValue              string
		amountValue           int64
		statusValue           string
		expiresAt             time.Time
		idempotencyValue      *string
		captureKeyValue       *string
		capturedTransactionID *int64
		capturedAt            *time.Time
		refundedAmount        int64
		releasedAt            *time.Time
		metadataValue         string
		createdAt             time.Time
	)
	err := row.Scan(
		&idValue,
		&walletIDValue,
		&skuValue,
		&amountValue,
		&statusValue,
		&expiresAt,
		&idempotencyValue,
		&captureKeyValue,
		&capturedTransactionID,
		&capturedAt,
		&refundedAmount,
		&releasedAt,
		&metadataValue,
		&createdAt,
	)
	if err != nil {
		return ledger.Hold{}, err
	}
	holdID, err := ledger.NewHoldID(idValue)
	if err != nil {
		return ledger.Hold{}, err
	}
	sku, err := ledger.NewSKU(skuValue)
	if err != nil {
		return ledger.Hold{}, err
	}
	amount, err := ledger.NewPositiveAmount(amountValue)
	if err != nil {
		return ledger.Hold{}, err
	}
	status, err := ledger.ParseHoldStatus(statusValue)
	if err != nil {
		return ledger.Hold{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Hold{}, err
	}
	hold := ledger.Hold{
		ID:                    holdID,
		WalletID:              ledger.WalletID(walletIDValue),
		SKU:                   sku,
		Amount:                amount,
		Status:                status,
		ExpiresAt:             expiresAt.UTC(),
		IdempotencyKey:        ledger.RestoreIdempotencyKey(stringOrEmpty(idempotencyValue)),
		CaptureIdempotencyKey: ledger.RestoreIdempotencyKey(stringOrEmpty(captureKeyValue)),
		RefundedAmount:        ledger.Amount(refundedAmount),
		Metadata:              metadata,
		CreatedAt:             createdAt.UTC(),
	}
	if capturedTransactionID != nil {
		hold.CapturedTransactionID = ledger.TransactionID(*capturedTransactionID)
	}
	if capturedAt != nil {
		hold.CapturedAt = capturedAt.UTC()
	}
	if releasedAt != nil {
		hold.ReleasedAt = releasedAt.UTC()
	}
	return hold, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isTransient(err) && !errors.Is(err, ledger.ErrTransientConflict) {
		err = fmt.Errorf("%w: %w", ledger.ErrTransientConflict, err)
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	return false
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
