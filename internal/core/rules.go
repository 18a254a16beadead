package core

import "orderledger/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in commit-time
// policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(ReferentialIntegrityRule())
	engine.Register(LifecycleTransitionRule())
	engine.Register(LedgerBalanceRule())
	return engine
}
