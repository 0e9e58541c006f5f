package governance_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"govex/internal/core"
	"govex/internal/entity"
	"govex/internal/governance"
	"govex/internal/override"
	"govex/internal/testutil"
)

func newService(t *testing.T) (*governance.Service, *entity.Store, *override.Registry) {
	t.Helper()
	entities := testutil.OpenTestEntities(t)
	registry := override.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc, err := governance.NewService(entities, registry)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, entities, registry
}

func balanceAmount(t *testing.T, entities *entity.Store, owner string) float64 {
	t.Helper()
	rec, err := entities.GetByAlias(context.Background(), "balance", owner)
	if err != nil {
		t.Fatalf("get balance %s: %v", owner, err)
	}
	amount, _ := rec.Fields["amount"].(float64)
	return amount
}

func TestOpenCreditDebit(t *testing.T) {
	svc, entities, registry := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenBalance(ctx, "alice", 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rec.Alias != "alice" {
		t.Fatalf("alias %q", rec.Alias)
	}

	if _, err := registry.Dispatch(ctx, governance.EntityBalance, "credit", rec, map[string]any{"amount": 50.0}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := balanceAmount(t, entities, "alice"); got != 150 {
		t.Fatalf("after credit: %.2f", got)
	}

	rec, err = entities.GetByAlias(ctx, "balance", "alice")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := registry.Dispatch(ctx, governance.EntityBalance, "debit", rec, map[string]any{"amount": 70.0}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got := balanceAmount(t, entities, "alice"); got != 80 {
		t.Fatalf("after debit: %.2f", got)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	svc, entities, registry := newService(t)
	ctx := context.Background()
	rec, err := svc.OpenBalance(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = registry.Dispatch(ctx, governance.EntityBalance, "debit", rec, map[string]any{"amount": 25.0})
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("got %v, want insufficient funds", err)
	}
	if got := balanceAmount(t, entities, "bob"); got != 10 {
		t.Fatalf("failed debit changed the balance: %.2f", got)
	}
}

func TestTransferMovesFunds(t *testing.T) {
	svc, entities, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.OpenBalance(ctx, "alice", 100); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if _, err := svc.OpenBalance(ctx, "bob", 5); err != nil {
		t.Fatalf("open bob: %v", err)
	}

	if err := svc.Transfer(ctx, "alice", "bob", 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := balanceAmount(t, entities, "alice"); got != 60 {
		t.Fatalf("alice: %.2f", got)
	}
	if got := balanceAmount(t, entities, "bob"); got != 45 {
		t.Fatalf("bob: %.2f", got)
	}
}

func TestTransferFailsWithoutFunds(t *testing.T) {
	svc, entities, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.OpenBalance(ctx, "alice", 10); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if _, err := svc.OpenBalance(ctx, "bob", 0); err != nil {
		t.Fatalf("open bob: %v", err)
	}

	if err := svc.Transfer(ctx, "alice", "bob", 40); err == nil {
		t.Fatal("transfer beyond balance accepted")
	}
	if got := balanceAmount(t, entities, "bob"); got != 0 {
		t.Fatalf("bob credited by failed transfer: %.2f", got)
	}
}

func TestTransferUsesRegisteredOverride(t *testing.T) {
	svc, entities, registry := newService(t)
	ctx := context.Background()
	if _, err := svc.OpenBalance(ctx, "alice", 100); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if _, err := svc.OpenBalance(ctx, "bob", 0); err != nil {
		t.Fatalf("open bob: %v", err)
	}

	// A settlement module that takes a flat fee of 1 on every transfer.
	err := registry.Register(governance.EntityBalance, "transfer", override.KindInstance,
		func(ctx context.Context, recv *entity.Record, args map[string]any) (any, error) {
			amount, _ := args["amount"].(float64)
			toOwner, _ := args["to"].(string)
			to, err := entities.GetByAlias(ctx, "balance", toOwner)
			if err != nil {
				return nil, err
			}
			have, _ := recv.Fields["amount"].(float64)
			if err := entities.Update(ctx, recv.ID, map[string]any{"amount": have - amount - 1}); err != nil {
				return nil, err
			}
			toHave, _ := to.Fields["amount"].(float64)
			if err := entities.Update(ctx, to.ID, map[string]any{"amount": toHave + amount}); err != nil {
				return nil, err
			}
			return amount, nil
		})
	if err != nil {
		t.Fatalf("register override: %v", err)
	}

	if err := svc.Transfer(ctx, "alice", "bob", 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := balanceAmount(t, entities, "alice"); got != 59 {
		t.Fatalf("alice: %.2f, want fee applied", got)
	}
	if got := balanceAmount(t, entities, "bob"); got != 40 {
		t.Fatalf("bob: %.2f", got)
	}

	registry.Unregister(governance.EntityBalance, "transfer")
	if err := svc.Transfer(ctx, "bob", "alice", 10); err != nil {
		t.Fatalf("transfer after unregister: %v", err)
	}
	if got := balanceAmount(t, entities, "alice"); got != 69 {
		t.Fatalf("alice after fallback: %.2f", got)
	}
}

func TestRegisteringUnknownMethodDoesNotBreakDispatch(t *testing.T) {
	svc, entities, registry := newService(t)
	ctx := context.Background()
	if _, err := svc.OpenBalance(ctx, "carol", 30); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := registry.Register(governance.EntityBalance, "nonexistent_method", override.KindInstance,
		func(ctx context.Context, recv *entity.Record, args map[string]any) (any, error) {
			return nil, nil
		})
	if !errors.Is(err, core.ErrRegistration) {
		t.Fatalf("got %v, want ErrRegistration", err)
	}

	rec, err := entities.GetByAlias(ctx, "balance", "carol")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := registry.Dispatch(ctx, governance.EntityBalance, "credit", rec, map[string]any{"amount": 5.0}); err != nil {
		t.Fatalf("dispatch after failed registration: %v", err)
	}
	if got := balanceAmount(t, entities, "carol"); got != 35 {
		t.Fatalf("carol: %.2f", got)
	}
}

func TestTallyOutcome(t *testing.T) {
	svc, entities, _ := newService(t)
	ctx := context.Background()

	if _, err := entities.Create(ctx, core.NewID(), "proposal", "prop-1", map[string]any{
		"votes_for":     7.0,
		"votes_against": 3.0,
	}); err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	outcome, err := svc.Tally(ctx, "prop-1")
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if outcome != "accepted" {
		t.Fatalf("outcome %q", outcome)
	}

	rec, err := entities.GetByAlias(ctx, "proposal", "prop-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rec.Fields["outcome"] != "accepted" {
		t.Fatalf("stored outcome %v", rec.Fields["outcome"])
	}
}
