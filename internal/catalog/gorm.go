// Package catalog resolves skus for the spend service.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCatalog reads catalog_items through gorm.
type GormCatalog struct {
	db *gorm.DB
}

// NewGormCatalog returns a catalog backed by db.
func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

func (catalog *GormCatalog) LookupItem(ctx context.Context, sku ledger.SKU) (ledger.CatalogItem, bool, error) {
	var row gormstore.CatalogItem
	err := catalog.db.WithContext(ctx).Where("sku = ?", sku.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.CatalogItem{}, false, nil
	}
	if err != nil {
		return ledger.CatalogItem{}, false, fmt.Errorf("catalog lookup: %w", err)
	}
	return ledger.CatalogItem{SKU: sku, Price: ledger.Amount(row.Price), Active: row.Active}, true, nil
}

// Put creates or replaces an item. It is an administrative path; the ledger
// itself never calls it.
func (catalog *GormCatalog) Put(ctx context.Context, item ledger.CatalogItem) error {
	if item.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ledger.ErrInvalidAmount)
	}
	row := gormstore.CatalogItem{
		SKU:       item.SKU.String(),
		Price:     item.Price.Int64(),
		Active:    item.Active,
		UpdatedAt: time.Now().UTC(),
	}
	err := catalog.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sku"}},
			DoUpdates: clause.AssignmentColumns([]string{"price", "active", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("catalog put: %w", err)
	}
	return nil
}
