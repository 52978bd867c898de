// Package subvault implements strategy sinks. A sink holds KUSD on behalf of
// beneficiaries and reports its total assets; the allocator routes deposits
// into sinks but every sink checks the caller's capability itself.
package subvault

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
)

var (
	ErrInvalidAmount       = errors.New("subvault: amount must be positive")
	ErrInsufficientBalance = errors.New("subvault: insufficient beneficiary balance")
)

// Scope is the capability scope of the named sink.
func Scope(name string) string {
	return "subvault:" + strings.ToLower(strings.TrimSpace(name))
}

// Address is the custody account of the named sink.
func Address(name string) crypto.Address {
	return crypto.ModuleAddress("subvault/" + strings.ToLower(strings.TrimSpace(name)))
}

// Transferer moves token balances.
type Transferer interface {
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
}

type Vault struct {
	name    string
	stable  string
	state   *state.Manager
	access  *access.Controller
	tokens  Transferer
	emitter events.Emitter
}

func New(mgr *state.Manager, ctrl *access.Controller, tokens Transferer, name, stable string) *Vault {
	return &Vault{
		name:    strings.ToLower(strings.TrimSpace(name)),
		stable:  state.NormalizeSymbol(stable),
		state:   mgr,
		access:  ctrl,
		tokens:  tokens,
		emitter: events.NoopEmitter{},
	}
}

func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	v.emitter = emitter
}

func (v *Vault) Name() string            { return v.name }
func (v *Vault) Address() crypto.Address { return Address(v.name) }

func (v *Vault) balanceKey(beneficiary crypto.Address) []byte {
	return append([]byte("subvault/"+v.name+"/balance/"), beneficiary[:]...)
}

func (v *Vault) totalKey() []byte {
	return []byte("subvault/" + v.name + "/total")
}

func (v *Vault) load(key []byte) (*big.Int, error) {
	out := new(big.Int)
	if _, err := v.state.KVGet(key, out); err != nil {
		return nil, err
	}
	return out, nil
}

// BalanceOf returns the principal held for beneficiary.
func (v *Vault) BalanceOf(beneficiary crypto.Address) (*big.Int, error) {
	return v.load(v.balanceKey(beneficiary))
}

// TotalAssets returns the sink's reported total assets.
func (v *Vault) TotalAssets() (*big.Int, error) {
	return v.load(v.totalKey())
}

// Deposit pulls amount of KUSD from caller and credits beneficiary. The
// caller must hold VAULT_MANAGER on this sink.
func (v *Vault) Deposit(caller, beneficiary crypto.Address, amount *big.Int) error {
	if err := v.access.Require(Scope(v.name), access.VaultManager, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := v.tokens.Transfer(v.stable, caller, v.Address(), amount); err != nil {
		return err
	}
	balance, err := v.BalanceOf(beneficiary)
	if err != nil {
		return err
	}
	if err := v.state.KVPut(v.balanceKey(beneficiary), balance.Add(balance, amount)); err != nil {
		return err
	}
	total, err := v.TotalAssets()
	if err != nil {
		return err
	}
	return v.state.KVPut(v.totalKey(), total.Add(total, amount))
}

// Withdraw debits beneficiary and sends amount of KUSD to to. The caller must
// hold VAULT_MANAGER on this sink.
func (v *Vault) Withdraw(caller, beneficiary, to crypto.Address, amount *big.Int) error {
	if err := v.access.Require(Scope(v.name), access.VaultManager, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := v.BalanceOf(beneficiary)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s", ErrInsufficientBalance, beneficiary, balance)
	}
	if err := v.tokens.Transfer(v.stable, v.Address(), to, amount); err != nil {
		return err
	}
	balance.Sub(balance, amount)
	if balance.Sign() == 0 {
		if err := v.state.KVDelete(v.balanceKey(beneficiary)); err != nil {
			return err
		}
	} else if err := v.state.KVPut(v.balanceKey(beneficiary), balance); err != nil {
		return err
	}
	total, err := v.TotalAssets()
	if err != nil {
		return err
	}
	total.Sub(total, amount)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	return v.state.KVPut(v.totalKey(), total)
}

// ReportTotalAssets overwrites the sink's total assets, recording strategy
// gains or losses. The caller must be the sink's ADMIN or VAULT_MANAGER.
func (v *Vault) ReportTotalAssets(caller crypto.Address, total *big.Int) error {
	if !v.access.Has(Scope(v.name), access.Admin, caller) {
		if err := v.access.Require(Scope(v.name), access.VaultManager, caller); err != nil {
			return err
		}
	}
	if total == nil || total.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := v.state.KVPut(v.totalKey(), total); err != nil {
		return err
	}
	v.emitter.Emit(events.SubVaultAssetsReported{Vault: v.name, Reporter: caller, TotalAssets: new(big.Int).Set(total)})
	return nil
}
