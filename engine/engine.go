package engine

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/applog"
	"disputeflow/clock"
	"disputeflow/config"
	"disputeflow/dispute"
	"disputeflow/escrow"
	"disputeflow/resolver"
	"disputeflow/token"
)

// Engine bundles the escrow, resolver and dispute services behind a
// single construction point so hosts wire one thing.
type Engine struct {
	Payments  *escrow.Service
	Resolvers *resolver.Service
	Disputes  *dispute.Service
	Tokens    *token.Repository

	log *applog.Logger
}

// New wires the engine against a live pool. The clock is injectable so
// window lapses can be driven deterministically in tests.
func New(pool *pgxpool.Pool, cfg *config.Config, clk clock.Clock, log *applog.Logger) *Engine {
	tokens := token.NewRepository(pool)

	escrowRepo := escrow.NewRepository(pool)
	payments := escrow.NewService(pool, escrowRepo, tokens)

	registry := resolver.Policy{
		MinSelfStake:       cfg.Resolver.MinSelfStake,
		ActivationStake:    cfg.Resolver.ActivationStake,
		UndelegateLock:     cfg.Resolver.UndelegateLock,
		InitialCredibility: cfg.Resolver.InitialCredibility,
		CredibilityCeiling: cfg.Resolver.CredibilityCeiling,
		CredibilityFloor:   cfg.Resolver.CredibilityFloor,
	}
	resolverRepo := resolver.NewRepository(pool)
	resolvers := resolver.NewService(pool, resolverRepo, tokens, clk, registry)

	policy := dispute.Policy{
		FeeBase:        cfg.Dispute.FeeBase,
		FeePerResolver: cfg.Dispute.FeePerResolver,
		ResponseWindow: cfg.Dispute.ResponseWindow,
		AcceptWindow:   cfg.Dispute.AcceptWindow,
		JudgmentWindow: cfg.Dispute.JudgmentWindow,
		SinkAccount:    cfg.Dispute.SinkAccount,
	}
	selector := resolver.NewSelector(resolverRepo, []byte(cfg.Dispute.Entropy))
	disputes := dispute.NewService(
		pool,
		dispute.NewRepository(pool),
		payments,
		tokens,
		resolverRepo,
		selector,
		clk,
		policy,
		registry,
		log,
	)

	return &Engine{
		Payments:  payments,
		Resolvers: resolvers,
		Disputes:  disputes,
		Tokens:    tokens,
		log:       log,
	}
}
