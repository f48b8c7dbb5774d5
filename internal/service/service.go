// Package service implements the rule-run execution engine: materialization,
// the run state machine, retry, rollback, progress and scheduling.
package service

import (
	"fmt"

	"github.com/priceops/repricer/config"
	"github.com/priceops/repricer/internal/audit"
	"github.com/priceops/repricer/internal/connector"
	"github.com/priceops/repricer/internal/repository"
	"github.com/priceops/repricer/internal/selector"
	"github.com/priceops/repricer/policy"
)

// Service owns all mutations of runs and targets. Everything else observes.
type Service struct {
	store     repository.Store
	selector  selector.Selector
	catalog   selector.Catalog
	connector connector.Connector
	recorder  audit.Recorder
	policy    *policy.Engine
	config    *config.Config
}

// New wires the service. The audit recorder is an injected dependency so
// tests can substitute an in-memory one.
func New(store repository.Store, sel selector.Selector, catalog selector.Catalog, conn connector.Connector, recorder audit.Recorder, policyEngine *policy.Engine, cfg *config.Config) *Service {
	return &Service{
		store:     store,
		selector:  sel,
		catalog:   catalog,
		connector: conn,
		recorder:  recorder,
		policy:    policyEngine,
		config:    cfg,
	}
}

// QueueBlockedError is returned when the guardrail policy refuses to queue a
// run. The run stays in PREVIEW.
type QueueBlockedError struct {
	Reason string
}

func (e *QueueBlockedError) Error() string {
	return fmt.Sprintf("queue blocked by guardrail policy: %s", e.Reason)
}
