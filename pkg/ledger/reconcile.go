package ledger

import (
	"context"
	"fmt"
)

// WalletDrift reports one wallet whose cached balance disagrees with its ledger.
type WalletDrift struct {
	WalletID      WalletID
	CachedBalance Amount
	LedgerBalance Amount
	Drift         Amount
	Repaired      bool
}

// ReconcileReport summarizes a reconciliation pass. It carries numeric ids only.
type ReconcileReport struct {
	WalletsChecked int
	Drifts         []WalletDrift
	Applied        bool
}

// Clean reports whether no drift was found.
func (report ReconcileReport) Clean() bool {
	return len(report.Drifts) == 0
}

// Reconciler walks every wallet and compares its cached balance with the ledger sum.
type Reconciler struct {
	ledger    *Service
	batchSize int
}

// NewReconciler wires a Reconciler. A non-positive batch size uses the default.
func NewReconciler(ledgerService *Service, batchSize int) (*Reconciler, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger service dependency is nil", ErrInvalidServiceConfig)
	}
	if batchSize <= 0 {
		batchSize = defaultReconcileBatch
	}
	return &Reconciler{ledger: ledgerService, batchSize: batchSize}, nil
}

// Run checks every wallet. With apply set, drifted wallets are repaired through
// RecalcAndSave.
func (reconciler *Reconciler) Run(ctx context.Context, apply bool) (ReconcileReport, error) {
	report := ReconcileReport{Applied: apply}
	store := reconciler.ledger.store
	var afterID WalletID
	for {
		walletIDs, err := store.ListWalletIDs(ctx, afterID, reconciler.batchSize)
		if err != nil {
			return report, WrapError(operationReconcile, "wallets", "list_failed", err)
		}
		for _, walletID := range walletIDs {
			drift, drifted, err := reconciler.checkWallet(ctx, walletID, apply)
			if err != nil {
				return report, WrapError(operationReconcile, "wallet", "check_failed", err)
			}
			report.WalletsChecked++
			if drifted {
				report.Drifts = append(report.Drifts, drift)
			}
		}
		if len(walletIDs) < reconciler.batchSize {
			break
		}
		afterID = walletIDs[len(walletIDs)-1]
	}
	return report, nil
}

// checkWallet compares without locking first and confirms under lock only when
// the cheap comparison disagrees.
func (reconciler *Reconciler) checkWallet(ctx context.Context, walletID WalletID, apply bool) (WalletDrift, bool, error) {
	store := reconciler.ledger.store
	wallet, found, err := store.FindWallet(ctx, WalletRefByID(walletID))
	if err != nil || !found {
		return WalletDrift{}, false, err
	}
	sum, err := store.SumEntries(ctx, walletID)
	if err != nil {
		return WalletDrift{}, false, err
	}
	if sum == wallet.CachedBalance {
		return WalletDrift{}, false, nil
	}
	var result RecalcResult
	if apply {
		result, err = reconciler.ledger.RecalcAndSave(ctx, WalletRefByID(walletID))
	} else {
		result, err = reconciler.ledger.InspectBalance(ctx, WalletRefByID(walletID))
	}
	if err != nil {
		return WalletDrift{}, false, err
	}
	if result.PreviousBalance == result.Balance {
		return WalletDrift{}, false, nil
	}
	return WalletDrift{
		WalletID:      walletID,
		CachedBalance: result.PreviousBalance,
		LedgerBalance: result.Balance,
		Drift:         result.PreviousBalance - result.Balance,
		Repaired:      result.Corrected,
	}, true, nil
}
