package ledger

import "fmt"

// WalletRef addresses a wallet either by numeric id or by owner reference.
type WalletRef struct {
	id    WalletID
	owner OwnerRef
}

// WalletRefByID references an existing wallet by id.
func WalletRefByID(id WalletID) WalletRef {
	return WalletRef{id: id}
}

// WalletRefByOwner references a wallet by owner; mutations create it on demand.
func WalletRefByOwner(owner OwnerRef) WalletRef {
	return WalletRef{owner: owner}
}

// ID returns the wallet id, zero when addressed by owner.
func (ref WalletRef) ID() WalletID {
	return ref.id
}

// Owner returns the owner reference, zero when addressed by id.
func (ref WalletRef) Owner() OwnerRef {
	return ref.owner
}

// IsZero reports whether the reference addresses nothing.
func (ref WalletRef) IsZero() bool {
	return ref.id == 0 && ref.owner.IsZero()
}

// String renders the reference for error messages. Owner refs are not echoed.
func (ref WalletRef) String() string {
	if ref.id != 0 {
		return "wallet:" + ref.id.String()
	}
	if !ref.owner.IsZero() {
		return "wallet:owner"
	}
	return "wallet:none"
}

// NormalizeWalletRef accepts the handful of shapes callers use to name a wallet.
// Strings are treated as owner references.
func NormalizeWalletRef(raw any) (WalletRef, error) {
	switch value := raw.(type) {
	case nil:
		return WalletRef{}, fmt.Errorf("%w: nil reference", ErrInvalidWallet)
	case WalletRef:
		if value.IsZero() {
			return WalletRef{}, fmt.Errorf("%w: empty reference", ErrInvalidWallet)
		}
		return value, nil
	case Wallet:
		return walletRefFromID(int64(value.ID))
	case *Wallet:
		if value == nil {
			return WalletRef{}, fmt.Errorf("%w: nil wallet", ErrInvalidWallet)
		}
		return walletRefFromID(int64(value.ID))
	case WalletID:
		return walletRefFromID(int64(value))
	case int64:
		return walletRefFromID(value)
	case int:
		return walletRefFromID(int64(value))
	case OwnerRef:
		if value.IsZero() {
			return WalletRef{}, fmt.Errorf("%w: empty owner", ErrInvalidWallet)
		}
		return WalletRefByOwner(value), nil
	case string:
		owner, err := NewOwnerRef(value)
		if err != nil {
			return WalletRef{}, fmt.Errorf("%w: %w", ErrInvalidWallet, err)
		}
		return WalletRefByOwner(owner), nil
	default:
		return WalletRef{}, fmt.Errorf("%w: unsupported reference type %T", ErrInvalidWallet, raw)
	}
}

func walletRefFromID(raw int64) (WalletRef, error) {
	id, err := NewWalletID(raw)
	if err != nil {
		return WalletRef{}, err
	}
	return WalletRefByID(id), nil
}
