package core

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"kusd/core/genesis"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	"kusd/native/allocator"
	"kusd/native/collateral"
	"kusd/native/oracle"
	"kusd/native/risk"
	"kusd/native/subvault"
	"kusd/native/token"
)

// InitGenesis applies spec to an empty ledger. admin becomes ADMIN of every
// scope, plus PAUSER of the collateral and allocator modules. Every price
// source named by the genesis must already be registered.
func (n *Node) InitGenesis(ctx context.Context, spec *genesis.GenesisSpec, admin crypto.Address) error {
	if spec == nil {
		return fmt.Errorf("node: genesis spec required")
	}
	if admin.IsZero() {
		return fmt.Errorf("node: genesis admin required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.params != nil {
		return ErrAlreadyInitialized
	}

	params := &Params{
		Stable:   state.NormalizeSymbol(spec.Stable.Symbol),
		Treasury: spec.TreasuryAddress(),
		ChainID:  spec.ChainID,
		Vaults:   make([]string, len(allocator.Slots())),
	}
	for _, v := range spec.SubVaults {
		params.Vaults[genesis.SlotIndex(v.Slot)] = strings.ToLower(strings.TrimSpace(v.Name))
	}

	_, err := n.executeLocked(ctx, "genesis", params, func(e *Engines) error {
		return applyGenesis(e, spec, params, admin)
	})
	if err != nil {
		return err
	}
	n.params = params
	n.logger.Info("genesis applied",
		"chain_id", params.ChainID,
		"stable", params.Stable,
		"collateral", len(spec.Collateral),
		"vaults", len(spec.SubVaults))
	return nil
}

func applyGenesis(e *Engines, spec *genesis.GenesisSpec, params *Params, admin crypto.Address) error {
	grant := func(scope string, role access.Role, who crypto.Address) error {
		if err := e.Access.Bootstrap(scope, role, who); err != nil {
			return fmt.Errorf("grant %s on %s: %w", role, scope, err)
		}
		return nil
	}

	// 1) Tokens
	if err := e.Tokens.Register(spec.Stable.Symbol, spec.Stable.Name, spec.Stable.Decimals); err != nil {
		return fmt.Errorf("register %s: %w", spec.Stable.Symbol, err)
	}
	for _, t := range spec.Tokens {
		if err := e.Tokens.Register(t.Symbol, t.Name, t.Decimals); err != nil {
			return fmt.Errorf("register %s: %w", t.Symbol, err)
		}
	}
	symbols, err := e.State.TokenList()
	if err != nil {
		return err
	}
	for _, symbol := range symbols {
		if err := grant(token.Scope(symbol), access.Admin, admin); err != nil {
			return err
		}
	}
	stableScope := token.Scope(params.Stable)
	for _, role := range []access.Role{access.Minter, access.Burner} {
		if err := grant(stableScope, role, CollateralCustody); err != nil {
			return err
		}
	}
	for _, role := range []access.Role{access.Pauser, access.Blacklister} {
		if err := grant(stableScope, role, admin); err != nil {
			return err
		}
	}

	// 2) Module administration
	for _, scope := range []string{oracle.Scope, risk.Scope, collateral.Scope, allocator.Scope} {
		if err := grant(scope, access.Admin, admin); err != nil {
			return err
		}
	}
	for _, scope := range []string{collateral.Scope, allocator.Scope} {
		if err := grant(scope, access.Pauser, admin); err != nil {
			return err
		}
	}

	// 3) Balances
	balances, err := spec.Balances()
	if err != nil {
		return err
	}
	for _, b := range balances {
		current, err := e.State.Balance(b.Account, b.Symbol)
		if err != nil {
			return err
		}
		if err := e.State.SetBalance(b.Account, b.Symbol, new(big.Int).Add(current, b.Amount)); err != nil {
			return fmt.Errorf("alloc %s: %w", b.Symbol, err)
		}
		supply, err := e.State.TokenSupply(b.Symbol)
		if err != nil {
			return err
		}
		if err := e.State.SetTokenSupply(b.Symbol, supply.Add(supply, b.Amount)); err != nil {
			return err
		}
	}

	// 4) Explicit grants
	grants, err := spec.RoleGrants()
	if err != nil {
		return err
	}
	for _, g := range grants {
		if err := grant(g.Scope, g.Role, g.Account); err != nil {
			return err
		}
	}

	// 5) Collateral listings
	for _, c := range spec.Collateral {
		asset := state.NormalizeSymbol(c.Asset)
		decimals, err := e.Tokens.Decimals(asset)
		if err != nil {
			return err
		}
		if err := e.Oracle.SetPriceFeed(admin, asset, c.Source, decimals, c.Staleness()); err != nil {
			return fmt.Errorf("feed %s: %w", asset, err)
		}
		if err := e.Risk.SetTokenRisk(admin, asset, c.RiskParams()); err != nil {
			return fmt.Errorf("risk %s: %w", asset, err)
		}
		if err := e.Collateral.AddCollateralToken(admin, asset, c.Cap()); err != nil {
			return fmt.Errorf("list %s: %w", asset, err)
		}
	}

	// 6) Allocator sinks and signer
	sinks := make([]crypto.Address, len(params.Vaults))
	for i, name := range params.Vaults {
		if name == "" {
			continue
		}
		scope := subvault.Scope(name)
		if err := grant(scope, access.Admin, admin); err != nil {
			return err
		}
		if err := grant(scope, access.VaultManager, AllocatorAddress); err != nil {
			return err
		}
		if err := grant(allocator.Scope, access.Vault, subvault.Address(name)); err != nil {
			return err
		}
		sinks[i] = subvault.Address(name)
	}
	if err := e.Allocator.SetVaults(admin, sinks[allocator.SlotRWA], sinks[allocator.SlotLST], sinks[allocator.SlotDeFi], sinks[allocator.SlotOptions]); err != nil {
		return fmt.Errorf("allocator sinks: %w", err)
	}
	if signer := spec.AISignerAddress(); !signer.IsZero() {
		if err := e.Allocator.SetSigner(admin, signer); err != nil {
			return err
		}
	}

	if err := e.State.KVPut(paramsKey, params); err != nil {
		return err
	}
	return e.State.SetStateVersion(state.StateVersion)
}
