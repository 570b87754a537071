package ledger

import "time"

const (
	operationOpenWallet = "open_wallet"
	operationCredit     = "credit"
	operationDebit      = "debit"
	operationTransfer   = "transfer"
	operationRecalc     = "recalc"
	operationAuthorize  = "authorize"
	operationCapture    = "capture"
	operationRelease    = "release"
	operationRefund     = "refund"
	operationReconcile  = "reconcile"
	operationRetry      = "retry"
	operationService    = "service"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixCapture = "capture"
	idempotencySuffixRefund  = "refund"
	holdKeyPrefix            = "hold"

	metadataKeyHoldID                = "hold_id"
	metadataKeySKU                   = "sku"
	metadataKeyOriginalTransactionID = "original_transaction_id"
	metadataKeyCounterpartyWalletID  = "counterparty_wallet_id"

	maxIdempotencyKeyLength = 128
	maxOwnerRefLength       = 128
	maxSKULength            = 64
	maxMetadataBytes        = 4096

	defaultHistoryLimit   = 50
	maxHistoryLimit       = 200
	defaultHoldTTL        = 15 * time.Minute
	defaultReconcileBatch = 500
	timestampPrecision    = time.Microsecond
)
