// Package token holds fungible balances: the KUSD pegged token and every
// collateral asset the ledger takes custody of.
package token

import (
	"errors"
	"fmt"
	"math/big"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
)

var (
	ErrUnknownToken          = errors.New("token: not registered")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrPaused                = errors.New("token: transfers paused")
	ErrBlacklisted           = errors.New("token: account blacklisted")
	ErrZeroAddress           = errors.New("token: zero address")
)

// Scope is the capability scope guarding a token's mint, burn, pause and
// blacklist switches.
func Scope(symbol string) string {
	return "token:" + state.NormalizeSymbol(symbol)
}

type Engine struct {
	state   *state.Manager
	access  *access.Controller
	emitter events.Emitter
}

func New(mgr *state.Manager, ctrl *access.Controller) *Engine {
	return &Engine{state: mgr, access: ctrl, emitter: events.NoopEmitter{}}
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Register creates a token with zero supply.
func (e *Engine) Register(symbol, name string, decimals uint8) error {
	return e.state.RegisterToken(symbol, name, decimals)
}

func (e *Engine) metadata(symbol string) (*state.TokenMetadata, error) {
	meta, err := e.state.Token(symbol)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, state.NormalizeSymbol(symbol))
	}
	return meta, nil
}

// Decimals returns the token's base-unit exponent.
func (e *Engine) Decimals(symbol string) (uint8, error) {
	meta, err := e.metadata(symbol)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

func (e *Engine) BalanceOf(symbol string, addr crypto.Address) (*big.Int, error) {
	return e.state.Balance(addr, symbol)
}

func (e *Engine) TotalSupply(symbol string) (*big.Int, error) {
	return e.state.TokenSupply(symbol)
}

func (e *Engine) Allowance(symbol string, owner, spender crypto.Address) (*big.Int, error) {
	return e.state.Allowance(symbol, owner, spender)
}

func (e *Engine) IsBlacklisted(symbol string, addr crypto.Address) bool {
	var listed bool
	if _, err := e.state.KVGet(blacklistKey(symbol, addr), &listed); err != nil {
		return true
	}
	return listed
}

func blacklistKey(symbol string, addr crypto.Address) []byte {
	return append([]byte("blacklist/"+state.NormalizeSymbol(symbol)+"/"), addr[:]...)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) checkActive(meta *state.TokenMetadata) error {
	if meta.Paused {
		return fmt.Errorf("%w: %s", ErrPaused, meta.Symbol)
	}
	return nil
}

func (e *Engine) checkListed(symbol string, accounts ...crypto.Address) error {
	for _, acct := range accounts {
		if e.IsBlacklisted(symbol, acct) {
			return fmt.Errorf("%w: %s", ErrBlacklisted, acct)
		}
	}
	return nil
}

// Mint creates amount new units for to. The caller must hold MINTER.
func (e *Engine) Mint(caller crypto.Address, symbol string, to crypto.Address, amount *big.Int) error {
	if err := e.access.Require(Scope(symbol), access.Minter, caller); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	meta, err := e.metadata(symbol)
	if err != nil {
		return err
	}
	if err := e.checkActive(meta); err != nil {
		return err
	}
	if err := e.checkListed(symbol, to); err != nil {
		return err
	}
	if err := e.adjust(meta.Symbol, to, amount); err != nil {
		return err
	}
	supply, err := e.state.TokenSupply(meta.Symbol)
	if err != nil {
		return err
	}
	if err := e.state.SetTokenSupply(meta.Symbol, supply.Add(supply, amount)); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenTransfer{Token: meta.Symbol, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Burn destroys amount units held by from. The caller must hold BURNER.
func (e *Engine) Burn(caller crypto.Address, symbol string, from crypto.Address, amount *big.Int) error {
	if err := e.access.Require(Scope(symbol), access.Burner, caller); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	meta, err := e.metadata(symbol)
	if err != nil {
		return err
	}
	if err := e.checkActive(meta); err != nil {
		return err
	}
	if err := e.adjust(meta.Symbol, from, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	supply, err := e.state.TokenSupply(meta.Symbol)
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return fmt.Errorf("token: %s supply underflow", meta.Symbol)
	}
	if err := e.state.SetTokenSupply(meta.Symbol, supply.Sub(supply, amount)); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenTransfer{Token: meta.Symbol, From: from, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer moves amount from from to to. The operation submitting it is the
// authorisation for from.
func (e *Engine) Transfer(symbol string, from, to crypto.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	meta, err := e.metadata(symbol)
	if err != nil {
		return err
	}
	if err := e.checkActive(meta); err != nil {
		return err
	}
	if err := e.checkListed(symbol, from, to); err != nil {
		return err
	}
	if err := e.adjust(meta.Symbol, from, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	if err := e.adjust(meta.Symbol, to, amount); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenTransfer{Token: meta.Symbol, From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (e *Engine) Approve(symbol string, owner, spender crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if spender.IsZero() {
		return ErrZeroAddress
	}
	meta, err := e.metadata(symbol)
	if err != nil {
		return err
	}
	if err := e.state.SetAllowance(meta.Symbol, owner, spender, amount); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenApproval{Token: meta.Symbol, Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// TransferFrom spends spender's allowance over from.
func (e *Engine) TransferFrom(symbol string, spender, from, to crypto.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	allowance, err := e.state.Allowance(symbol, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientAllowance, allowance, amount)
	}
	if err := e.checkListed(symbol, spender); err != nil {
		return err
	}
	if err := e.state.SetAllowance(symbol, from, spender, allowance.Sub(allowance, amount)); err != nil {
		return err
	}
	return e.Transfer(symbol, from, to, amount)
}

// SetPaused halts or resumes every balance change of the token. The caller
// must hold PAUSER.
func (e *Engine) SetPaused(caller crypto.Address, symbol string, paused bool) error {
	if err := e.access.Require(Scope(symbol), access.Pauser, caller); err != nil {
		return err
	}
	if err := e.state.SetTokenPaused(symbol, paused); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenPaused{Token: symbol, Paused: paused})
	return nil
}

// SetBlacklisted blocks or unblocks account. The caller must hold BLACKLISTER.
func (e *Engine) SetBlacklisted(caller crypto.Address, symbol string, account crypto.Address, listed bool) error {
	if err := e.access.Require(Scope(symbol), access.Blacklister, caller); err != nil {
		return err
	}
	if _, err := e.metadata(symbol); err != nil {
		return err
	}
	if listed {
		if err := e.state.KVPut(blacklistKey(symbol, account), true); err != nil {
			return err
		}
	} else if err := e.state.KVDelete(blacklistKey(symbol, account)); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenBlacklisted{Token: symbol, Account: account, Blacklisted: listed})
	return nil
}

func (e *Engine) adjust(symbol string, addr crypto.Address, delta *big.Int) error {
	balance, err := e.state.Balance(addr, symbol)
	if err != nil {
		return err
	}
	balance.Add(balance, delta)
	if balance.Sign() < 0 {
		return fmt.Errorf("%w: %s %s", ErrInsufficientBalance, addr, symbol)
	}
	return e.state.SetBalance(addr, symbol, balance)
}
