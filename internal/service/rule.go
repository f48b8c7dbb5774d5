package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/priceops/repricer/internal/domain"
	"github.com/priceops/repricer/internal/pricing"
)

// CreateRule validates and stores a new pricing rule. A malformed transform
// is rejected here, before any run can reference the rule.
func (s *Service) CreateRule(ctx context.Context, name string, transform json.RawMessage, selectorExpr string) (*domain.PriceRule, error) {
	if name == "" {
		return nil, &pricing.ValidationError{Field: "name", Message: "required"}
	}
	if _, err := pricing.Validate(transform); err != nil {
		return nil, err
	}
	if selectorExpr == "" {
		return nil, &pricing.ValidationError{Field: "selector_expr", Message: "required"}
	}
	if compiler, ok := s.selector.(interface{ Compile(string) error }); ok {
		if err := compiler.Compile(selectorExpr); err != nil {
			return nil, &pricing.ValidationError{Field: "selector_expr", Message: err.Error()}
		}
	}

	rule := &domain.PriceRule{
		RuleID:       "rule_" + uuid.New().String()[:8],
		Name:         name,
		Transform:    transform,
		SelectorExpr: selectorExpr,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	return rule, nil
}

// GetRule retrieves one rule.
func (s *Service) GetRule(ctx context.Context, ruleID string) (*domain.PriceRule, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	if rule == nil {
		return nil, domain.ErrNotFound
	}
	return rule, nil
}

// ListRules retrieves all rules, newest first.
func (s *Service) ListRules(ctx context.Context) ([]domain.PriceRule, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}
