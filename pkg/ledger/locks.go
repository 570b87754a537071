package ledger

import (
	"context"
	"slices"
)

// lockedWallet can only be obtained from lockWallets. Hold locks require one,
// so a hold is never locked before its wallet.
type lockedWallet struct {
	wallet Wallet
}

// lockWallets locks the given wallets in ascending id order.
func lockWallets(ctx context.Context, store Store, walletIDs ...WalletID) (map[WalletID]*lockedWallet, error) {
	ordered := slices.Clone(walletIDs)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)
	locked := make(map[WalletID]*lockedWallet, len(ordered))
	for _, walletID := range ordered {
		wallet, err := store.LockWallet(ctx, walletID)
		if err != nil {
			return nil, err
		}
		locked[walletID] = &lockedWallet{wallet: wallet}
	}
	return locked, nil
}

func lockHold(ctx context.Context, store Store, wallet *lockedWallet, holdID HoldID) (Hold, error) {
	return store.LockHold(ctx, wallet.wallet.ID, holdID)
}

func lockCapturedHold(ctx context.Context, store Store, wallet *lockedWallet, transactionID TransactionID) (Hold, error) {
	return store.LockHoldByCapturedTransaction(ctx, wallet.wallet.ID, transactionID)
}
