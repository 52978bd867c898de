package subvault

import (
	"errors"
	"math/big"
	"testing"

	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	"kusd/native/token"
	"kusd/storage"
)

func addr(b byte) crypto.Address {
	var a crypto.Address
	a[19] = b
	return a
}

func TestVaultChecksManagerCapability(t *testing.T) {
	mgr := state.NewManager(state.NewJournal(storage.NewMemDB()))
	ctrl := access.New(mgr)
	tokens := token.New(mgr, ctrl)
	if err := tokens.Register("KUSD", "KUSD", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	admin, manager, user := addr(1), addr(2), addr(3)
	for _, step := range []struct {
		scope string
		role  access.Role
		who   crypto.Address
	}{
		{token.Scope("KUSD"), access.Minter, admin},
		{Scope("rwa"), access.Admin, admin},
		{Scope("rwa"), access.VaultManager, manager},
	} {
		if err := ctrl.Bootstrap(step.scope, step.role, step.who); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
	}
	if err := tokens.Mint(admin, "KUSD", manager, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	vault := New(mgr, ctrl, tokens, "RWA", "kusd")

	if err := vault.Deposit(user, user, big.NewInt(10)); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized deposit, got %v", err)
	}
	if err := vault.Deposit(manager, user, big.NewInt(600)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	held, _ := tokens.BalanceOf("KUSD", vault.Address())
	bal, _ := vault.BalanceOf(user)
	total, _ := vault.TotalAssets()
	if held.Int64() != 600 || bal.Int64() != 600 || total.Int64() != 600 {
		t.Fatalf("unexpected balances held=%s bal=%s total=%s", held, bal, total)
	}

	if err := vault.Withdraw(manager, user, manager, big.NewInt(601)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := vault.Withdraw(manager, user, manager, big.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	back, _ := tokens.BalanceOf("KUSD", manager)
	if back.Int64() != 600 {
		t.Fatalf("unexpected manager balance: %s", back)
	}

	if err := vault.ReportTotalAssets(user, big.NewInt(1)); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized report, got %v", err)
	}
	if err := vault.ReportTotalAssets(admin, big.NewInt(1000)); err != nil {
		t.Fatalf("report: %v", err)
	}
	total, _ = vault.TotalAssets()
	if total.Int64() != 1000 {
		t.Fatalf("unexpected reported total: %s", total)
	}
}
