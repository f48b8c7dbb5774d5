// Package connector defines the platform price-push boundary. The real
// Shopify/Amazon connectors live behind this interface; the engine only
// sees PushResult.
package connector

import (
	"context"

	"github.com/priceops/repricer/internal/domain"
)

// PushResult reports one push attempt. A failed push is data, not an error:
// it is scoped to its target and never aborts the batch.
type PushResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Connector pushes a computed price to the platform. Called once per target
// per attempt (original or retry). An error return means the connector
// itself could not be reached and is treated the same as a failed result.
type Connector interface {
	PushPrice(ctx context.Context, productID, variantID string, price domain.PriceSnapshot) (PushResult, error)
}
