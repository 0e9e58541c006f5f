// Package governance holds the built-in behaviors of the core governance
// entities. Every behavior is registered as an override-registry default, so
// optional modules can substitute settlement or tally logic without this
// package knowing about them.
package governance

import (
	"context"
	"fmt"

	"govex/internal/core"
	"govex/internal/entity"
	"govex/internal/override"
)

// Entity type tags known to the registry.
const (
	EntityBalance  = "Balance"
	EntityProposal = "Proposal"
)

// Service exposes the governance entities through the override registry.
type Service struct {
	entities *entity.Store
	registry *override.Registry
}

// NewService builds the service and installs the default implementations.
func NewService(entities *entity.Store, registry *override.Registry) (*Service, error) {
	s := &Service{entities: entities, registry: registry}
	defaults := []struct {
		entityType string
		method     string
		kind       override.Kind
		fn         override.Func
	}{
		{EntityBalance, "open", override.KindStatic, s.openBalance},
		{EntityBalance, "credit", override.KindInstance, s.credit},
		{EntityBalance, "debit", override.KindInstance, s.debit},
		{EntityBalance, "transfer", override.KindInstance, s.transfer},
		{EntityProposal, "tally", override.KindInstance, s.tally},
	}
	for _, d := range defaults {
		if err := registry.RegisterDefault(d.entityType, d.method, d.kind, d.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OpenBalance creates a balance record for an owner alias.
func (s *Service) OpenBalance(ctx context.Context, owner string, amount float64) (*entity.Record, error) {
	out, err := s.registry.Dispatch(ctx, EntityBalance, "open", nil, map[string]any{
		"owner":  owner,
		"amount": amount,
	})
	if err != nil {
		return nil, err
	}
	rec, ok := out.(*entity.Record)
	if !ok {
		return nil, fmt.Errorf("Balance.open returned %T, want *entity.Record", out)
	}
	return rec, nil
}

// Transfer settles a movement between two balances through whatever
// implementation is currently registered for Balance.transfer.
func (s *Service) Transfer(ctx context.Context, fromOwner, toOwner string, amount float64) error {
	from, err := s.entities.GetByAlias(ctx, "balance", fromOwner)
	if err != nil {
		return err
	}
	_, err = s.registry.Dispatch(ctx, EntityBalance, "transfer", from, map[string]any{
		"to":     toOwner,
		"amount": amount,
	})
	return err
}

// Tally finalizes a proposal's outcome from its recorded votes.
func (s *Service) Tally(ctx context.Context, proposalAlias string) (string, error) {
	rec, err := s.entities.GetByAlias(ctx, "proposal", proposalAlias)
	if err != nil {
		return "", err
	}
	out, err := s.registry.Dispatch(ctx, EntityProposal, "tally", rec, nil)
	if err != nil {
		return "", err
	}
	outcome, _ := out.(string)
	return outcome, nil
}

func (s *Service) openBalance(ctx context.Context, _ *entity.Record, args map[string]any) (any, error) {
	owner, _ := args["owner"].(string)
	if owner == "" {
		return nil, fmt.Errorf("Balance.open: owner is required")
	}
	amount := argAmount(args)
	return s.entities.Create(ctx, core.NewID(), "balance", owner, map[string]any{
		"owner":  owner,
		"amount": amount,
	})
}

func (s *Service) credit(ctx context.Context, recv *entity.Record, args map[string]any) (any, error) {
	amount := argAmount(args)
	if amount <= 0 {
		return nil, fmt.Errorf("Balance.credit: amount must be positive")
	}
	next := balanceOf(recv) + amount
	if err := s.entities.Update(ctx, recv.ID, map[string]any{"amount": next}); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) debit(ctx context.Context, recv *entity.Record, args map[string]any) (any, error) {
	amount := argAmount(args)
	if amount <= 0 {
		return nil, fmt.Errorf("Balance.debit: amount must be positive")
	}
	have := balanceOf(recv)
	if have < amount {
		return nil, fmt.Errorf("Balance.debit: insufficient funds: have %.2f, need %.2f", have, amount)
	}
	next := have - amount
	if err := s.entities.Update(ctx, recv.ID, map[string]any{"amount": next}); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) transfer(ctx context.Context, recv *entity.Record, args map[string]any) (any, error) {
	toOwner, _ := args["to"].(string)
	if toOwner == "" {
		return nil, fmt.Errorf("Balance.transfer: to is required")
	}
	to, err := s.entities.GetByAlias(ctx, "balance", toOwner)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, recv, to, argAmount(args))
}

// settle moves amount between two balance records. A failure on the credit
// leg restores the already-debited source so a transfer never loses funds.
func (s *Service) settle(ctx context.Context, from, to *entity.Record, amount float64) (any, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("Balance.transfer: amount must be positive")
	}
	have := balanceOf(from)
	if have < amount {
		return nil, fmt.Errorf("Balance.transfer: insufficient funds: have %.2f, need %.2f", have, amount)
	}
	if err := s.entities.Update(ctx, from.ID, map[string]any{"amount": have - amount}); err != nil {
		return nil, err
	}
	if err := s.entities.Update(ctx, to.ID, map[string]any{"amount": balanceOf(to) + amount}); err != nil {
		if rerr := s.entities.Update(ctx, from.ID, map[string]any{"amount": have}); rerr != nil {
			return nil, fmt.Errorf("Balance.transfer: credit failed (%v), refund failed: %w", err, rerr)
		}
		return nil, fmt.Errorf("Balance.transfer: credit failed: %w", err)
	}
	return amount, nil
}

func (s *Service) tally(ctx context.Context, recv *entity.Record, _ map[string]any) (any, error) {
	votesFor := fieldFloat(recv.Fields, "votes_for")
	votesAgainst := fieldFloat(recv.Fields, "votes_against")
	outcome := "rejected"
	if votesFor > votesAgainst {
		outcome = "accepted"
	}
	if err := s.entities.Update(ctx, recv.ID, map[string]any{"outcome": outcome}); err != nil {
		return nil, err
	}
	return outcome, nil
}

func balanceOf(rec *entity.Record) float64 {
	return fieldFloat(rec.Fields, "amount")
}

func argAmount(args map[string]any) float64 {
	return fieldFloat(args, "amount")
}

func fieldFloat(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
