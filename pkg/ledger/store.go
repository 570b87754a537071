package ledger

import (
	"context"
	"time"
)

// Store is the persistence boundary of the ledger.
//
// Mutating operations run inside WithTx; the Store passed to the callback is
// bound to that transaction. Lock* methods take row locks that are held until
// the transaction ends. Implementations report unique violations as
// ErrDuplicateIdempotencyKey and serialization or lock failures as
// ErrTransientConflict.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	FindWallet(ctx context.Context, ref WalletRef) (Wallet, bool, error)
	// CreateWallet returns the existing wallet when the owner is already known.
	CreateWallet(ctx context.Context, input WalletInput) (Wallet, error)
	LockWallet(ctx context.Context, walletID WalletID) (Wallet, error)
	UpdateCachedBalance(ctx context.Context, walletID WalletID, balance Amount) error
	SumEntries(ctx context.Context, walletID WalletID) (Amount, error)
	ListWalletIDs(ctx context.Context, afterID WalletID, limit int) ([]WalletID, error)

	InsertEntry(ctx context.Context, input EntryInput) (Entry, error)
	GetEntry(ctx context.Context, walletID WalletID, transactionID TransactionID) (Entry, error)
	FindEntryByIdempotencyKey(ctx context.Context, walletID WalletID, key IdempotencyKey) (Entry, bool, error)
	// ListEntries returns entries newest first.
	ListEntries(ctx context.Context, walletID WalletID, limit int, offset int) ([]Entry, error)

	CreateHold(ctx context.Context, input HoldInput) (Hold, error)
	FindHoldByIdempotencyKey(ctx context.Context, walletID WalletID, key IdempotencyKey) (Hold, bool, error)
	GetHold(ctx context.Context, walletID WalletID, holdID HoldID) (Hold, error)
	LockHold(ctx context.Context, walletID WalletID, holdID HoldID) (Hold, error)
	LockHoldByCapturedTransaction(ctx context.Context, walletID WalletID, transactionID TransactionID) (Hold, error)
	UpdateHold(ctx context.Context, hold Hold) error
	// SumAuthorizedHolds totals holds still authorized and unexpired at the given instant.
	SumAuthorizedHolds(ctx context.Context, walletID WalletID, at time.Time) (Amount, error)
}
