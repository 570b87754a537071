package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	OwnerRef       string    `gorm:"type:varchar(128);not null;uniqueIndex:uniq_wallets_owner_ref"`
	CachedBalance  int64     `gorm:"not null;default:0"`
	AllowOverdraft bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// LedgerEntry mirrors the ledger_entries table. Rows are never updated.
type LedgerEntry struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	WalletID       int64          `gorm:"not null;uniqueIndex:uniq_ledger_entries_wallet_idem,priority:1;index:idx_ledger_entries_wallet_created,priority:1;index:idx_ledger_entries_wallet_id,priority:1"`
	Wallet         Wallet         `gorm:"constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Amount         int64          `gorm:"not null;check:chk_ledger_entries_amount_nonzero,amount <> 0"`
	Reason         string         `gorm:"type:varchar(32);not null"`
	IdempotencyKey *string        `gorm:"type:varchar(160);uniqueIndex:uniq_ledger_entries_wallet_idem,priority:2"`
	BalanceAfter   int64          `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_entries_wallet_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// ReservationHold mirrors the reservation_holds table.
type ReservationHold struct {
	ID                    string         `gorm:"type:varchar(36);primaryKey"`
	WalletID              int64          `gorm:"not null;uniqueIndex:uniq_reservation_holds_wallet_idem,priority:1;index:idx_reservation_holds_wallet_status,priority:1"`
	Wallet                Wallet         `gorm:"constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	SKU                   string         `gorm:"column:sku;type:varchar(64);not null"`
	Amount                int64          `gorm:"not null;check:chk_reservation_holds_amount_positive,amount > 0"`
	Status                string         `gorm:"type:varchar(16);not null;index:idx_reservation_holds_wallet_status,priority:2;check:chk_reservation_holds_status,status IN ('authorized','captured','released','expired')"`
	ExpiresAt             time.Time      `gorm:"not null"`
	IdempotencyKey        *string        `gorm:"type:varchar(128);uniqueIndex:uniq_reservation_holds_wallet_idem,priority:2"`
	CaptureIdempotencyKey *string        `gorm:"type:varchar(128)"`
	CapturedTransactionID *int64         `gorm:"index:idx_reservation_holds_captured_txn"`
	CapturedAt            *time.Time     `gorm:"column:captured_at"`
	RefundedAmount        int64          `gorm:"not null;default:0"`
	ReleasedAt            *time.Time     `gorm:"column:released_at"`
	Metadata              datatypes.JSON `gorm:"not null"`
	CreatedAt             time.Time      `gorm:"not null"`
	UpdatedAt             time.Time      `gorm:"not null"`
}

func (ReservationHold) TableName() string { return "reservation_holds" }

func (hold *ReservationHold) BeforeCreate(tx *gorm.DB) error {
	if hold.ID == "" {
		hold.ID = uuid.NewString()
	}
	return nil
}

// CatalogItem mirrors the catalog_items table. It is owned by the catalog
// administrators; the ledger only reads it.
type CatalogItem struct {
	SKU       string    `gorm:"column:sku;type:varchar(64);primaryKey"`
	Price     int64     `gorm:"not null"`
	Active    bool      `gorm:"not null;default:true"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CatalogItem) TableName() string { return "catalog_items" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&Wallet{}, &LedgerEntry{}, &ReservationHold{}, &CatalogItem{}}
}
