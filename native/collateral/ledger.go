// Package collateral keeps borrower positions: custody of collateral assets,
// KUSD debt issued against them and the liquidation of positions that fall
// under their threshold.
package collateral

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	nativecommon "kusd/native/common"
	"kusd/native/oracle"
	"kusd/native/risk"
	"kusd/native/token"
)

// Scope is the capability scope of the ledger.
const Scope = "collateral"

const moduleName = "collateral"

// OriginationFeeBps is the fee charged on borrowed principal.
const OriginationFeeBps = 50

var (
	ErrInvalidAmount           = errors.New("collateral: amount must be positive")
	ErrTokenNotSupported       = errors.New("collateral: token not supported")
	ErrSupplyCapExceeded       = errors.New("collateral: supply cap exceeded")
	ErrInsufficientCollateral  = errors.New("collateral: insufficient collateral")
	ErrInsufficientBalance     = errors.New("collateral: insufficient balance")
	ErrPositionNotLiquidatable = errors.New("collateral: position not liquidatable")
	ErrNoDebt                  = errors.New("collateral: no outstanding debt")
	errNilState                = errors.New("collateral: state not configured")
)

var (
	basisPoints = big.NewInt(risk.MaxBasisPoints)
	wad         = big.NewInt(1_000_000_000_000_000_000)
	// MaxHealthFactor is reported for positions without debt.
	MaxHealthFactor = new(uint256.Int).SetAllOne().ToBig()
)

// PriceReader resolves validated USD prices.
type PriceReader interface {
	GetPrice(asset string) (oracle.Quote, error)
}

// RiskReader resolves per-asset risk parameters.
type RiskReader interface {
	GetTokenRisk(asset string) (risk.Params, error)
}

// Tokens moves, mints and burns balances on the ledger's behalf.
type Tokens interface {
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
	Mint(caller crypto.Address, symbol string, to crypto.Address, amount *big.Int) error
	Burn(caller crypto.Address, symbol string, from crypto.Address, amount *big.Int) error
}

// Config names the accounts the ledger operates with.
type Config struct {
	// Custody holds deposited collateral and is the identity that mints
	// and burns KUSD.
	Custody  crypto.Address
	Treasury crypto.Address
	// Stable is the symbol of the issued token.
	Stable string
}

type Ledger struct {
	state   *state.Manager
	access  *access.Controller
	prices  PriceReader
	risk    RiskReader
	tokens  Tokens
	cfg     Config
	pauses  nativecommon.PauseView
	emitter events.Emitter
}

func New(mgr *state.Manager, ctrl *access.Controller, prices PriceReader, riskReader RiskReader, tokens Tokens, cfg Config) *Ledger {
	cfg.Stable = state.NormalizeSymbol(cfg.Stable)
	return &Ledger{
		state:   mgr,
		access:  ctrl,
		prices:  prices,
		risk:    riskReader,
		tokens:  tokens,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
	}
}

func (l *Ledger) SetPauses(p nativecommon.PauseView) { l.pauses = p }

func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

var (
	listingPrefix  = "collateral/listing/"
	positionPrefix = "collateral/position/"
	borrowersKey   = []byte("collateral/borrowers")
)

func listingKey(asset string) []byte { return []byte(listingPrefix + asset) }

func positionKey(addr crypto.Address) []byte {
	return append([]byte(positionPrefix), addr[:]...)
}

func (l *Ledger) listing(asset string) (*Listing, error) {
	if l.state == nil {
		return nil, errNilState
	}
	listing := new(Listing)
	ok, err := l.state.KVGet(listingKey(asset), listing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotSupported, asset)
	}
	listing.SupplyCap = cloneInt(listing.SupplyCap)
	listing.TotalDeposited = cloneInt(listing.TotalDeposited)
	return listing, nil
}

// Position loads the stored position of addr. Unknown borrowers get a zero
// position.
func (l *Ledger) Position(addr crypto.Address) (*Position, error) {
	if l.state == nil {
		return nil, errNilState
	}
	pos := newPosition()
	if _, err := l.state.KVGet(positionKey(addr), pos); err != nil {
		return nil, err
	}
	pos.CollateralValue = cloneInt(pos.CollateralValue)
	pos.Debt = cloneInt(pos.Debt)
	return pos, nil
}

func (l *Ledger) putPosition(addr crypto.Address, pos *Position) error {
	exists, err := l.state.KVGet(positionKey(addr), nil)
	if err != nil {
		return err
	}
	if !exists {
		var borrowers [][]byte
		if err := l.state.KVGetList(borrowersKey, &borrowers); err != nil {
			return err
		}
		borrowers = append(borrowers, addr.Bytes())
		if err := l.state.KVPut(borrowersKey, borrowers); err != nil {
			return err
		}
	}
	return l.state.KVPut(positionKey(addr), pos)
}

// Borrowers lists every principal that ever opened a position, in opening
// order.
func (l *Ledger) Borrowers() ([]crypto.Address, error) {
	var raw [][]byte
	if err := l.state.KVGetList(borrowersKey, &raw); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, b := range raw {
		out = append(out, crypto.BytesToAddress(b))
	}
	return out, nil
}

// Listings returns the accepted collateral assets.
func (l *Ledger) Listings() ([]Listing, error) {
	var assets []string
	if err := l.state.KVGetList([]byte("collateral/assets"), &assets); err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(assets))
	for _, asset := range assets {
		listing, err := l.listing(asset)
		if err != nil {
			return nil, err
		}
		out = append(out, *listing)
	}
	return out, nil
}

// AddCollateralToken accepts asset as collateral with the given cap. Risk
// parameters must already exist. Calling it again updates the cap.
func (l *Ledger) AddCollateralToken(caller crypto.Address, asset string, supplyCap *big.Int) error {
	if err := l.access.Require(Scope, access.Admin, caller); err != nil {
		return err
	}
	symbol := state.NormalizeSymbol(asset)
	if supplyCap == nil || supplyCap.Sign() < 0 {
		return fmt.Errorf("collateral: invalid supply cap")
	}
	if _, err := l.risk.GetTokenRisk(symbol); err != nil {
		return err
	}
	listing, err := l.listing(symbol)
	switch {
	case errors.Is(err, ErrTokenNotSupported):
		listing = &Listing{Asset: symbol, TotalDeposited: big.NewInt(0)}
		var assets []string
		if err := l.state.KVGetList([]byte("collateral/assets"), &assets); err != nil {
			return err
		}
		if err := l.state.KVPut([]byte("collateral/assets"), append(assets, symbol)); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	listing.SupplyCap = new(big.Int).Set(supplyCap)
	if err := l.state.KVPut(listingKey(symbol), listing); err != nil {
		return err
	}
	l.emitter.Emit(events.CollateralTokenAdded{Asset: symbol, SupplyCap: listing.SupplyCap})
	return nil
}

// valuation is a position priced at current oracle prices.
type valuation struct {
	total *big.Int
	// borrowLimit is Σ value_i * maxLTV_i, in USD * basis points.
	borrowLimit *big.Int
	quotes      map[string]oracle.Quote
	params      map[string]risk.Params
}

func (l *Ledger) value(pos *Position) (*valuation, error) {
	v := &valuation{
		total:       big.NewInt(0),
		borrowLimit: big.NewInt(0),
		quotes:      make(map[string]oracle.Quote, len(pos.Assets)),
		params:      make(map[string]risk.Params, len(pos.Assets)),
	}
	for _, holding := range pos.Assets {
		quote, err := l.prices.GetPrice(holding.Asset)
		if err != nil {
			return nil, err
		}
		params, err := l.risk.GetTokenRisk(holding.Asset)
		if err != nil {
			return nil, err
		}
		usd := quote.Value(holding.Amount)
		v.total.Add(v.total, usd)
		v.borrowLimit.Add(v.borrowLimit, new(big.Int).Mul(usd, new(big.Int).SetUint64(params.MaxLTV)))
		v.quotes[holding.Asset] = quote
		v.params[holding.Asset] = params
	}
	return v, nil
}

// withinLimit reports debt * 10000 <= Σ value_i * maxLTV_i.
func (v *valuation) withinLimit(debt *big.Int) bool {
	return new(big.Int).Mul(debt, basisPoints).Cmp(v.borrowLimit) <= 0
}

// Deposit moves amount of asset from user into custody.
func (l *Ledger) Deposit(user crypto.Address, asset string, amount *big.Int) error {
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol := state.NormalizeSymbol(asset)
	listing, err := l.listing(symbol)
	if err != nil {
		return err
	}
	params, err := l.risk.GetTokenRisk(symbol)
	if err != nil {
		return err
	}
	newTotal := new(big.Int).Add(listing.TotalDeposited, amount)
	if listing.SupplyCap.Sign() > 0 && newTotal.Cmp(listing.SupplyCap) > 0 {
		return fmt.Errorf("%w: %s cap %s", ErrSupplyCapExceeded, symbol, listing.SupplyCap)
	}
	if params.MaxSupply.Sign() > 0 && newTotal.Cmp(params.MaxSupply) > 0 {
		return fmt.Errorf("%w: %s max supply %s", ErrSupplyCapExceeded, symbol, params.MaxSupply)
	}
	pos, err := l.Position(user)
	if err != nil {
		return err
	}
	pos.setHolding(symbol, new(big.Int).Add(pos.Holding(symbol), amount))
	val, err := l.value(pos)
	if err != nil {
		return err
	}
	if err := l.transfer(symbol, user, l.cfg.Custody, amount); err != nil {
		return err
	}
	pos.CollateralValue = val.total
	listing.TotalDeposited = newTotal
	if err := l.state.KVPut(listingKey(symbol), listing); err != nil {
		return err
	}
	if err := l.putPosition(user, pos); err != nil {
		return err
	}
	l.emitter.Emit(events.CollateralDeposit{
		User:     user,
		Asset:    symbol,
		Amount:   new(big.Int).Set(amount),
		USDValue: val.quotes[symbol].Value(amount),
	})
	return nil
}

// WithdrawCollateral returns amount of asset to user provided the remaining
// collateral still covers the debt at max LTV.
func (l *Ledger) WithdrawCollateral(user crypto.Address, asset string, amount *big.Int) error {
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol := state.NormalizeSymbol(asset)
	listing, err := l.listing(symbol)
	if err != nil {
		return err
	}
	pos, err := l.Position(user)
	if err != nil {
		return err
	}
	held := pos.Holding(symbol)
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: holding %s %s", ErrInsufficientBalance, held, symbol)
	}
	quote, err := l.prices.GetPrice(symbol)
	if err != nil {
		return err
	}
	removedValue := quote.Value(amount)
	pos.setHolding(symbol, held.Sub(held, amount))
	val, err := l.value(pos)
	if err != nil {
		return err
	}
	if pos.Debt.Sign() > 0 && !val.withinLimit(pos.Debt) {
		return fmt.Errorf("%w: debt %s exceeds limit after withdrawal", ErrInsufficientCollateral, pos.Debt)
	}
	if err := l.transfer(symbol, l.cfg.Custody, user, amount); err != nil {
		return err
	}
	pos.CollateralValue = val.total
	listing.TotalDeposited.Sub(listing.TotalDeposited, amount)
	if listing.TotalDeposited.Sign() < 0 {
		listing.TotalDeposited.SetInt64(0)
	}
	if err := l.state.KVPut(listingKey(symbol), listing); err != nil {
		return err
	}
	if err := l.putPosition(user, pos); err != nil {
		return err
	}
	l.emitter.Emit(events.CollateralWithdrawn{
		User:     user,
		Asset:    symbol,
		Amount:   new(big.Int).Set(amount),
		USDValue: removedValue,
	})
	return nil
}

// OriginationFee returns amount * 50 / 10000.
func OriginationFee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(OriginationFeeBps))
	return fee.Quo(fee, basisPoints)
}

// Borrow mints amount of KUSD to user against the position's weighted max
// LTV. The origination fee is added to debt and minted to the treasury.
func (l *Ledger) Borrow(user crypto.Address, amount *big.Int) error {
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pos, err := l.Position(user)
	if err != nil {
		return err
	}
	val, err := l.value(pos)
	if err != nil {
		return err
	}
	fee := OriginationFee(amount)
	newDebt := new(big.Int).Add(pos.Debt, amount)
	newDebt.Add(newDebt, fee)
	if !val.withinLimit(newDebt) {
		return fmt.Errorf("%w: debt %s over limit for collateral worth %s", ErrInsufficientCollateral, newDebt, val.total)
	}
	if err := l.tokens.Mint(l.cfg.Custody, l.cfg.Stable, user, amount); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := l.tokens.Mint(l.cfg.Custody, l.cfg.Stable, l.cfg.Treasury, fee); err != nil {
			return err
		}
	}
	pos.CollateralValue = val.total
	pos.Debt = newDebt
	if err := l.putPosition(user, pos); err != nil {
		return err
	}
	l.emitter.Emit(events.CollateralBorrow{User: user, Amount: new(big.Int).Set(amount), Fee: fee})
	return nil
}

// Repay burns up to amount of user's KUSD against the debt. Repaying zero is
// rejected with ErrInvalidAmount. Repayment never needs a price, so it works
// while feeds are stale.
func (l *Ledger) Repay(user crypto.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	pos, err := l.Position(user)
	if err != nil {
		return nil, err
	}
	if pos.Debt.Sign() == 0 {
		return nil, ErrNoDebt
	}
	paid := new(big.Int).Set(amount)
	if paid.Cmp(pos.Debt) > 0 {
		paid.Set(pos.Debt)
	}
	if err := l.burn(user, paid); err != nil {
		return nil, err
	}
	pos.Debt.Sub(pos.Debt, paid)
	if err := l.putPosition(user, pos); err != nil {
		return nil, err
	}
	l.emitter.Emit(events.CollateralRepay{User: user, Amount: paid, RemainingDebt: new(big.Int).Set(pos.Debt)})
	return paid, nil
}

// Liquidate burns repayAmount of the liquidator's KUSD against borrower's
// debt and pays out the equivalent value of asset plus the liquidation bonus.
// The position is revalued at current prices in the same step.
func (l *Ledger) Liquidate(liquidator, borrower crypto.Address, asset string, repayAmount *big.Int) (*big.Int, error) {
	if err := l.access.Require(Scope, access.Liquidator, liquidator); err != nil {
		return nil, err
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	symbol := state.NormalizeSymbol(asset)
	pos, err := l.Position(borrower)
	if err != nil {
		return nil, err
	}
	held := pos.Holding(symbol)
	if held.Sign() == 0 {
		return nil, fmt.Errorf("%w: borrower holds no %s", ErrTokenNotSupported, symbol)
	}
	val, err := l.value(pos)
	if err != nil {
		return nil, err
	}
	params := val.params[symbol]
	if !liquidatable(val.total, pos.Debt, params.LiquidationThreshold) {
		return nil, ErrPositionNotLiquidatable
	}

	repay := new(big.Int).Set(repayAmount)
	if repay.Cmp(pos.Debt) > 0 {
		repay.Set(pos.Debt)
	}
	bonusValue := new(big.Int).Mul(repay, new(big.Int).SetUint64(risk.MaxBasisPoints+params.LiquidationBonus))
	bonusValue.Quo(bonusValue, basisPoints)
	seized := val.quotes[symbol].Amount(bonusValue)
	if seized.Cmp(held) > 0 {
		seized.Set(held)
	}

	if err := l.burn(liquidator, repay); err != nil {
		return nil, err
	}
	if seized.Sign() > 0 {
		if err := l.transfer(symbol, l.cfg.Custody, liquidator, seized); err != nil {
			return nil, err
		}
	}
	listing, err := l.listing(symbol)
	if err != nil {
		return nil, err
	}
	listing.TotalDeposited.Sub(listing.TotalDeposited, seized)
	if listing.TotalDeposited.Sign() < 0 {
		listing.TotalDeposited.SetInt64(0)
	}
	if err := l.state.KVPut(listingKey(symbol), listing); err != nil {
		return nil, err
	}

	pos.setHolding(symbol, held.Sub(held, seized))
	pos.Debt.Sub(pos.Debt, repay)
	after, err := l.value(pos)
	if err != nil {
		return nil, err
	}
	pos.CollateralValue = after.total
	if err := l.putPosition(borrower, pos); err != nil {
		return nil, err
	}
	l.emitter.Emit(events.CollateralLiquidation{
		Liquidator:   liquidator,
		Borrower:     borrower,
		Asset:        symbol,
		RepayAmount:  new(big.Int).Set(repay),
		SeizedAmount: new(big.Int).Set(seized),
	})
	return seized, nil
}

// liquidatable reports collateralValue * threshold < debt * 10000.
func liquidatable(collateralValue, debt *big.Int, thresholdBps uint64) bool {
	if debt.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(thresholdBps))
	return lhs.Cmp(new(big.Int).Mul(debt, basisPoints)) < 0
}

// HealthFactor returns collateralValue * 1e18 / debt from the stored
// position, or MaxHealthFactor when there is no debt.
func (l *Ledger) HealthFactor(user crypto.Address) (*big.Int, error) {
	pos, err := l.Position(user)
	if err != nil {
		return nil, err
	}
	return healthFactor(pos), nil
}

func healthFactor(pos *Position) *big.Int {
	if pos.Debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	hf := new(big.Int).Mul(pos.CollateralValue, wad)
	return hf.Quo(hf, pos.Debt)
}

// Summary returns the dashboard view of user's position.
func (l *Ledger) Summary(user crypto.Address) (*Summary, error) {
	pos, err := l.Position(user)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Borrower:        user,
		Assets:          pos.Clone().Assets,
		CollateralValue: pos.CollateralValue,
		Debt:            pos.Debt,
		HealthFactor:    healthFactor(pos),
	}, nil
}

func (l *Ledger) transfer(symbol string, from, to crypto.Address, amount *big.Int) error {
	if err := l.tokens.Transfer(symbol, from, to, amount); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		return err
	}
	return nil
}

func (l *Ledger) burn(from crypto.Address, amount *big.Int) error {
	if err := l.tokens.Burn(l.cfg.Custody, l.cfg.Stable, from, amount); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		return err
	}
	return nil
}
