package selector

import (
	"context"
	"fmt"
	"sync"

	"github.com/priceops/repricer/internal/domain"
)

// MemoryCatalog is an in-memory Catalog for tests and local runs.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products []Product
}

// NewMemoryCatalog creates a catalog seeded with the given products.
func NewMemoryCatalog(products ...Product) *MemoryCatalog {
	return &MemoryCatalog{products: products}
}

// Add appends a product to the catalog.
func (c *MemoryCatalog) Add(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, p)
}

// ListProducts returns all products.
func (c *MemoryCatalog) ListProducts(ctx context.Context) ([]Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out, nil
}

// GetPrice returns the current snapshot for one product/variant.
func (c *MemoryCatalog) GetPrice(ctx context.Context, productID, variantID string) (domain.PriceSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.products {
		if p.ProductID == productID && p.VariantID == variantID {
			return p.Price, nil
		}
	}
	return domain.PriceSnapshot{}, fmt.Errorf("product %s/%s: %w", productID, variantID, domain.ErrNotFound)
}
