package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Amount is a signed coin amount in the smallest indivisible unit.
type Amount int64

// Int64 returns the raw value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// PositiveAmount is a strictly positive coin amount.
type PositiveAmount int64

// NewPositiveAmount validates that raw is greater than zero.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// ToAmount widens to a signed amount.
func (amount PositiveAmount) ToAmount() Amount {
	return Amount(amount)
}

// ToEntryAmount returns the amount as a positive ledger delta.
func (amount PositiveAmount) ToEntryAmount() EntryAmount {
	return EntryAmount(amount)
}

// EntryAmount is the signed, nonzero delta carried by a ledger entry.
type EntryAmount int64

// NewEntryAmount validates a ledger delta.
func NewEntryAmount(raw int64) (EntryAmount, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: entry amount must be nonzero", ErrInvalidAmount)
	}
	return EntryAmount(raw), nil
}

// Int64 returns the raw value.
func (amount EntryAmount) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount EntryAmount) Negated() EntryAmount {
	return -amount
}

// ToAmount widens to a signed amount.
func (amount EntryAmount) ToAmount() Amount {
	return Amount(amount)
}

// WalletID is the numeric primary key of a wallet. Lock order follows it.
type WalletID int64

// NewWalletID validates a wallet id.
func NewWalletID(raw int64) (WalletID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: wallet id must be positive", ErrInvalidWallet)
	}
	return WalletID(raw), nil
}

// ParseWalletID parses a decimal wallet id.
func ParseWalletID(raw string) (WalletID, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: not a number", ErrInvalidWallet)
	}
	return NewWalletID(value)
}

// Int64 returns the raw value.
func (id WalletID) Int64() int64 {
	return int64(id)
}

// String returns the decimal form.
func (id WalletID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// TransactionID identifies a ledger entry.
type TransactionID int64

// NewTransactionID validates a transaction id.
func NewTransactionID(raw int64) (TransactionID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: transaction id must be positive", ErrInvalidTransaction)
	}
	return TransactionID(raw), nil
}

// Int64 returns the raw value.
func (id TransactionID) Int64() int64 {
	return int64(id)
}

// String returns the decimal form.
func (id TransactionID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// OwnerRef is the opaque external reference of a wallet owner.
type OwnerRef struct {
	value string
}

// NewOwnerRef validates and normalizes an owner reference.
func NewOwnerRef(raw string) (OwnerRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerRef{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerRef)
	}
	if len(trimmed) > maxOwnerRefLength {
		return OwnerRef{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidOwnerRef, maxOwnerRefLength)
	}
	return OwnerRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref OwnerRef) String() string {
	return ref.value
}

// IsZero reports whether the reference is unset.
func (ref OwnerRef) IsZero() bool {
	return ref.value == ""
}

// HoldID identifies a reservation hold.
type HoldID struct {
	value string
}

// NewHoldID validates and normalizes a hold id.
func NewHoldID(raw string) (HoldID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HoldID{}, fmt.Errorf("%w: empty value", ErrInvalidHoldID)
	}
	return HoldID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HoldID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id HoldID) IsZero() bool {
	return id.value == ""
}

// IdempotencyKey scopes duplicate detection. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// ParseOptionalIdempotencyKey returns the zero key for blank input.
func ParseOptionalIdempotencyKey(raw string) (IdempotencyKey, error) {
	if strings.TrimSpace(raw) == "" {
		return IdempotencyKey{}, nil
	}
	return NewIdempotencyKey(raw)
}

// RestoreIdempotencyKey rebuilds a key read back from storage. Derived keys
// may be longer than caller-supplied ones.
func RestoreIdempotencyKey(raw string) IdempotencyKey {
	return IdempotencyKey{value: strings.TrimSpace(raw)}
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// DeriveIdempotencyKey builds the per-step key for a multi-step operation.
// It is the only place keys are combined.
func DeriveIdempotencyKey(base IdempotencyKey, suffix string) IdempotencyKey {
	if base.IsZero() {
		return IdempotencyKey{}
	}
	return IdempotencyKey{value: base.value + idempotencyKeyDelimiter + suffix}
}

// MetadataJSON stores small request metadata as a JSON object.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if len(normalized) > maxMetadataBytes {
		return MetadataJSON{}, fmt.Errorf("%w: larger than %d bytes", ErrInvalidMetadataJSON, maxMetadataBytes)
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	if !bytes.HasPrefix([]byte(normalized), []byte("{")) {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// With returns a copy carrying the additional key. Existing keys are overwritten.
func (metadata MetadataJSON) With(key string, value any) (MetadataJSON, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &fields); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	fields[key] = value
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// Lookup returns the raw JSON value stored under key.
func (metadata MetadataJSON) Lookup(key string) (json.RawMessage, bool) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(metadata.String()), &fields); err != nil {
		return nil, false
	}
	value, ok := fields[key]
	return value, ok
}

// Reason tags why a balance changed.
type Reason string

const (
	ReasonParticipationAward Reason = "PARTICIPATION_AWARD"
	ReasonEntryFeeDebit      Reason = "ENTRY_FEE_DEBIT"
	ReasonPrizePayout        Reason = "PRIZE_PAYOUT"
	ReasonPurchaseCapture    Reason = "PURCHASE_CAPTURE"
	ReasonTransfer           Reason = "TRANSFER"
	ReasonRefund             Reason = "REFUND"
	ReasonManualAdjustment   Reason = "MANUAL_ADJUSTMENT"
)

// ParseReason validates a reason tag against the fixed vocabulary.
func ParseReason(raw string) (Reason, error) {
	reason := Reason(strings.ToUpper(strings.TrimSpace(raw)))
	switch reason {
	case ReasonParticipationAward, ReasonEntryFeeDebit, ReasonPrizePayout, ReasonPurchaseCapture,
		ReasonTransfer, ReasonRefund, ReasonManualAdjustment:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
}

// String returns the tag.
func (reason Reason) String() string {
	return string(reason)
}

// SKU identifies a catalog item.
type SKU struct {
	value string
}

// NewSKU validates and normalizes a sku.
func NewSKU(raw string) (SKU, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SKU{}, fmt.Errorf("%w: empty value", ErrInvalidSKU)
	}
	if len(trimmed) > maxSKULength {
		return SKU{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidSKU, maxSKULength)
	}
	return SKU{value: trimmed}, nil
}

// String returns the normalized sku.
func (sku SKU) String() string {
	return sku.value
}

// HoldStatus defines the hold lifecycle.
type HoldStatus string

const (
	HoldStatusAuthorized HoldStatus = "authorized"
	HoldStatusCaptured   HoldStatus = "captured"
	HoldStatusReleased   HoldStatus = "released"
	HoldStatusExpired    HoldStatus = "expired"
)

// ParseHoldStatus validates a stored status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	status := HoldStatus(strings.TrimSpace(raw))
	switch status {
	case HoldStatusAuthorized, HoldStatusCaptured, HoldStatusReleased, HoldStatusExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
	}
}

// String returns the status name.
func (status HoldStatus) String() string {
	return string(status)
}

// Wallet is the balance holder of one participant.
type Wallet struct {
	ID             WalletID
	OwnerRef       OwnerRef
	CachedBalance  Amount
	AllowOverdraft bool
	CreatedAt      time.Time
}

// Ref returns a reference to this wallet.
func (wallet Wallet) Ref() WalletRef {
	return WalletRef{id: wallet.ID}
}

// WalletInput describes a wallet to create.
type WalletInput struct {
	OwnerRef       OwnerRef
	AllowOverdraft bool
	CreatedAt      time.Time
}

// WalletOptions configures a newly opened wallet.
type WalletOptions struct {
	AllowOverdraft bool
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID             TransactionID
	WalletID       WalletID
	Amount         EntryAmount
	Reason         Reason
	IdempotencyKey IdempotencyKey
	BalanceAfter   Amount
	Metadata       MetadataJSON
	CreatedAt      time.Time
}

// EntryInput is an entry that has not been persisted yet.
type EntryInput struct {
	WalletID       WalletID
	Amount         EntryAmount
	Reason         Reason
	IdempotencyKey IdempotencyKey
	BalanceAfter   Amount
	Metadata       MetadataJSON
	CreatedAt      time.Time
}

// Hold is a provisional claim against a wallet's available balance.
type Hold struct {
	ID                    HoldID
	WalletID              WalletID
	SKU                   SKU
	Amount                PositiveAmount
	Status                HoldStatus
	ExpiresAt             time.Time
	IdempotencyKey        IdempotencyKey
	CaptureIdempotencyKey IdempotencyKey
	CapturedTransactionID TransactionID
	CapturedAt            time.Time
	RefundedAmount        Amount
	ReleasedAt            time.Time
	Metadata              MetadataJSON
	CreatedAt             time.Time
}

// IsExpiredAt reports whether an authorized hold has passed its expiry.
func (hold Hold) IsExpiredAt(at time.Time) bool {
	return hold.Status == HoldStatusAuthorized && !at.Before(hold.ExpiresAt)
}

// EffectiveStatus folds lazy expiry into the stored status.
func (hold Hold) EffectiveStatus(at time.Time) HoldStatus {
	if hold.IsExpiredAt(at) {
		return HoldStatusExpired
	}
	return hold.Status
}

// HoldInput describes a hold to create.
type HoldInput struct {
	WalletID       WalletID
	SKU            SKU
	Amount         PositiveAmount
	ExpiresAt      time.Time
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedAt      time.Time
}

// MutationResult is returned by credit and debit.
type MutationResult struct {
	WalletID       WalletID
	BalanceAfter   Amount
	TransactionID  TransactionID
	IdempotencyKey IdempotencyKey
	Replayed       bool
}

// TransferResult combines both legs of a transfer.
type TransferResult struct {
	FromWalletID        WalletID
	ToWalletID          WalletID
	FromBalanceAfter    Amount
	ToBalanceAfter      Amount
	DebitTransactionID  TransactionID
	CreditTransactionID TransactionID
	IdempotencyKey      IdempotencyKey
	Replayed            bool
}

// RecalcResult reports a cached balance repair.
type RecalcResult struct {
	WalletID        WalletID
	PreviousBalance Amount
	Balance         Amount
	Corrected       bool
}

// Authorization is returned by AuthorizeSpend.
type Authorization struct {
	Hold             Hold
	AvailableBalance Amount
	Replayed         bool
}

// CaptureResult is returned by Capture.
type CaptureResult struct {
	HoldID         HoldID
	TransactionID  TransactionID
	WalletID       WalletID
	BalanceAfter   Amount
	CapturedAt     time.Time
	IdempotencyKey IdempotencyKey
	Replayed       bool
}

// ReleaseResult is returned by Release.
type ReleaseResult struct {
	HoldID           HoldID
	WalletID         WalletID
	ReleasedAt       time.Time
	AvailableBalance Amount
	IdempotencyKey   IdempotencyKey
	Replayed         bool
}

// RefundResult is returned by Refund.
type RefundResult struct {
	RefundTransactionID   TransactionID
	OriginalTransactionID TransactionID
	WalletID              WalletID
	BalanceAfter          Amount
	IdempotencyKey        IdempotencyKey
	Replayed              bool
}
