package connector

import (
	"context"
	"sync"

	"github.com/priceops/repricer/internal/domain"
)

// MemoryConnector records pushes in memory. Failures can be scripted per SKU
// (productID or productID:variantID), each script entry consuming one
// attempt, so a retry after a scripted failure succeeds.
type MemoryConnector struct {
	mu       sync.Mutex
	prices   map[string]domain.PriceSnapshot
	failures map[string][]string
	pushes   []Push
}

// Push is one recorded push attempt.
type Push struct {
	ProductID string
	VariantID string
	Price     domain.PriceSnapshot
	OK        bool
}

// NewMemoryConnector creates an empty in-memory connector.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{
		prices:   make(map[string]domain.PriceSnapshot),
		failures: make(map[string][]string),
	}
}

func skuKey(productID, variantID string) string {
	if variantID != "" {
		return productID + ":" + variantID
	}
	return productID
}

// FailNext scripts failure messages for a SKU; each queued message fails one
// push attempt.
func (c *MemoryConnector) FailNext(productID, variantID string, messages ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := skuKey(productID, variantID)
	c.failures[key] = append(c.failures[key], messages...)
}

// PushPrice records the push, honoring any scripted failure.
func (c *MemoryConnector) PushPrice(ctx context.Context, productID, variantID string, price domain.PriceSnapshot) (PushResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := skuKey(productID, variantID)
	if queued := c.failures[key]; len(queued) > 0 {
		message := queued[0]
		c.failures[key] = queued[1:]
		c.pushes = append(c.pushes, Push{ProductID: productID, VariantID: variantID, Price: price, OK: false})
		return PushResult{OK: false, Message: message}, nil
	}

	c.prices[key] = price
	c.pushes = append(c.pushes, Push{ProductID: productID, VariantID: variantID, Price: price, OK: true})
	return PushResult{OK: true}, nil
}

// Price returns the last successfully pushed snapshot for a SKU.
func (c *MemoryConnector) Price(productID, variantID string) (domain.PriceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[skuKey(productID, variantID)]
	return price, ok
}

// Pushes returns every recorded push attempt in order.
func (c *MemoryConnector) Pushes() []Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Push, len(c.pushes))
	copy(out, c.pushes)
	return out
}
