package risk

import (
	"errors"
	"math/big"
	"testing"

	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	"kusd/storage"
)

func newRegistry(t *testing.T) (*Registry, crypto.Address) {
	t.Helper()
	mgr := state.NewManager(state.NewJournal(storage.NewMemDB()))
	ctrl := access.New(mgr)
	var admin crypto.Address
	admin[0] = 0xAA
	if err := ctrl.Bootstrap(Scope, access.Admin, admin); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return New(mgr, ctrl), admin
}

func TestSetAndGetTokenRisk(t *testing.T) {
	reg, admin := newRegistry(t)
	params := Params{MaxLTV: 7500, LiquidationThreshold: 8500, LiquidationBonus: 1000, MaxSupply: big.NewInt(10_000)}
	if err := reg.SetTokenRisk(admin, "weth", params); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	got, err := reg.GetTokenRisk("WETH")
	if err != nil {
		t.Fatalf("get risk: %v", err)
	}
	if got.MaxLTV != 7500 || got.LiquidationThreshold != 8500 || got.LiquidationBonus != 1000 || got.MaxSupply.Int64() != 10_000 {
		t.Fatalf("unexpected params: %+v", got)
	}
	if _, err := reg.GetTokenRisk("USDC"); !errors.Is(err, ErrTokenNotSupported) {
		t.Fatalf("expected token not supported, got %v", err)
	}
}

func TestSetTokenRiskRejectsInvalidParams(t *testing.T) {
	reg, admin := newRegistry(t)
	cases := map[string]Params{
		"zero ltv":             {MaxLTV: 0, LiquidationThreshold: 8500},
		"threshold below ltv":  {MaxLTV: 8000, LiquidationThreshold: 7999},
		"threshold above 100%": {MaxLTV: 8000, LiquidationThreshold: 10_001},
		"bonus above 100%":     {MaxLTV: 8000, LiquidationThreshold: 9000, LiquidationBonus: 10_001},
		"negative supply cap":  {MaxLTV: 8000, LiquidationThreshold: 9000, MaxSupply: big.NewInt(-1)},
	}
	for name, params := range cases {
		if err := reg.SetTokenRisk(admin, "WETH", params); !errors.Is(err, ErrInvalidRiskParams) {
			t.Fatalf("%s: expected ErrInvalidRiskParams, got %v", name, err)
		}
	}
	// Equal LTV and threshold at the 100% bound is legal.
	if err := reg.SetTokenRisk(admin, "USDC", Params{MaxLTV: 10_000, LiquidationThreshold: 10_000, LiquidationBonus: 10_000}); err != nil {
		t.Fatalf("boundary params rejected: %v", err)
	}
	var stranger crypto.Address
	stranger[0] = 0x01
	if err := reg.SetTokenRisk(stranger, "WETH", Params{MaxLTV: 1, LiquidationThreshold: 1}); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
