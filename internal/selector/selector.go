// Package selector decides which catalog products a pricing rule matches.
package selector

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/priceops/repricer/internal/domain"
)

// Product is the catalog view a selector expression evaluates against.
type Product struct {
	ProductID string
	VariantID string
	SKU       string
	Vendor    string
	Tags      []string
	Price     domain.PriceSnapshot
}

// Catalog lists the products a selector can match.
type Catalog interface {
	ListProducts(ctx context.Context) ([]Product, error)
	// GetPrice returns the current snapshot for one product/variant.
	GetPrice(ctx context.Context, productID, variantID string) (domain.PriceSnapshot, error)
}

// Selector produces the match set for a rule. Called once at target
// materialization.
type Selector interface {
	MatchTargets(ctx context.Context, rule *domain.PriceRule) ([]domain.ProductRef, error)
}

// CELSelector evaluates a rule's CEL expression against every catalog
// product. The expression sees a single `product` variable with id,
// variant_id, sku, vendor, tags and price (minor units).
type CELSelector struct {
	env     *cel.Env
	catalog Catalog
}

// NewCELSelector builds a selector over the given catalog.
func NewCELSelector(catalog Catalog) (*CELSelector, error) {
	env, err := cel.NewEnv(cel.Variable("product", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELSelector{env: env, catalog: catalog}, nil
}

// Compile checks a selector expression without evaluating it. Used when a
// rule is created so bad expressions are rejected up front.
func (s *CELSelector) Compile(expression string) error {
	_, err := s.program(expression)
	return err
}

func (s *CELSelector) program(expression string) (cel.Program, error) {
	ast, issues := s.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("selector compile error: %w", issues.Err())
	}
	prog, err := s.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("selector program error: %w", err)
	}
	return prog, nil
}

// MatchTargets evaluates the rule's expression against every product.
// Non-boolean results count as no match.
func (s *CELSelector) MatchTargets(ctx context.Context, rule *domain.PriceRule) ([]domain.ProductRef, error) {
	prog, err := s.program(rule.SelectorExpr)
	if err != nil {
		return nil, err
	}

	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	var refs []domain.ProductRef
	for _, p := range products {
		out, _, err := prog.Eval(map[string]any{
			"product": map[string]any{
				"id":         p.ProductID,
				"variant_id": p.VariantID,
				"sku":        p.SKU,
				"vendor":     p.Vendor,
				"tags":       p.Tags,
				"price":      p.Price.UnitAmount,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("selector eval failed for product %s: %w", p.ProductID, err)
		}
		if matched, ok := out.Value().(bool); ok && matched {
			refs = append(refs, domain.ProductRef{ProductID: p.ProductID, VariantID: p.VariantID})
		}
	}
	return refs, nil
}
