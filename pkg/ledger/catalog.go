package ledger

import "context"

// CatalogItem is the read-only view of a purchasable item.
type CatalogItem struct {
	SKU    SKU
	Price  Amount
	Active bool
}

// Catalog resolves skus. The ledger never writes to it.
type Catalog interface {
	LookupItem(ctx context.Context, sku SKU) (CatalogItem, bool, error)
}
