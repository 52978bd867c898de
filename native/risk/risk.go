package risk

import (
	"errors"
	"fmt"
	"math/big"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
)

// Scope is the capability scope of the registry's administrative operations.
const Scope = "risk"

// MaxBasisPoints is 100% expressed in basis points.
const MaxBasisPoints = 10_000

var (
	ErrInvalidRiskParams = errors.New("risk: invalid risk parameters")
	ErrTokenNotSupported = errors.New("risk: token not supported")
)

// Params groups the administrator controlled safety limits of one collateral
// asset.
type Params struct {
	// MaxLTV is the share of collateral value that may be borrowed, in basis
	// points.
	MaxLTV uint64
	// LiquidationThreshold is the share of collateral value at which a
	// position becomes liquidatable, in basis points.
	LiquidationThreshold uint64
	// LiquidationBonus is the extra collateral awarded to liquidators, in
	// basis points.
	LiquidationBonus uint64
	// MaxSupply caps the total amount of the asset held as collateral. Zero
	// disables the cap.
	MaxSupply *big.Int
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	out := p
	if p.MaxSupply != nil {
		out.MaxSupply = new(big.Int).Set(p.MaxSupply)
	} else {
		out.MaxSupply = new(big.Int)
	}
	return out
}

// Validate enforces 0 < MaxLTV <= LiquidationThreshold <= 10000 and
// LiquidationBonus <= 10000.
func (p Params) Validate() error {
	switch {
	case p.MaxLTV == 0:
		return fmt.Errorf("%w: max LTV must be positive", ErrInvalidRiskParams)
	case p.MaxLTV > p.LiquidationThreshold:
		return fmt.Errorf("%w: max LTV %d above liquidation threshold %d", ErrInvalidRiskParams, p.MaxLTV, p.LiquidationThreshold)
	case p.LiquidationThreshold > MaxBasisPoints:
		return fmt.Errorf("%w: liquidation threshold %d above 100%%", ErrInvalidRiskParams, p.LiquidationThreshold)
	case p.LiquidationBonus > MaxBasisPoints:
		return fmt.Errorf("%w: liquidation bonus %d above 100%%", ErrInvalidRiskParams, p.LiquidationBonus)
	case p.MaxSupply != nil && p.MaxSupply.Sign() < 0:
		return fmt.Errorf("%w: negative max supply", ErrInvalidRiskParams)
	}
	return nil
}

type Registry struct {
	state   *state.Manager
	access  *access.Controller
	emitter events.Emitter
}

func New(mgr *state.Manager, ctrl *access.Controller) *Registry {
	return &Registry{state: mgr, access: ctrl, emitter: events.NoopEmitter{}}
}

func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

func paramsKey(asset string) []byte {
	return []byte("risk/params/" + state.NormalizeSymbol(asset))
}

// SetTokenRisk stores params for asset. The caller must be a risk ADMIN.
func (r *Registry) SetTokenRisk(caller crypto.Address, asset string, params Params) error {
	if err := r.access.Require(Scope, access.Admin, caller); err != nil {
		return err
	}
	if state.NormalizeSymbol(asset) == "" {
		return fmt.Errorf("%w: empty asset", ErrInvalidRiskParams)
	}
	if err := params.Validate(); err != nil {
		return err
	}
	stored := params.Clone()
	if err := r.state.KVPut(paramsKey(asset), &stored); err != nil {
		return err
	}
	r.emitter.Emit(events.RiskUpdated{
		Asset:                asset,
		MaxLTV:               uint32(stored.MaxLTV),
		LiquidationThreshold: uint32(stored.LiquidationThreshold),
		LiquidationBonus:     uint32(stored.LiquidationBonus),
		MaxSupply:            stored.MaxSupply,
	})
	return nil
}

// GetTokenRisk returns the params of asset or ErrTokenNotSupported.
func (r *Registry) GetTokenRisk(asset string) (Params, error) {
	var params Params
	ok, err := r.state.KVGet(paramsKey(asset), &params)
	if err != nil {
		return Params{}, err
	}
	if !ok {
		return Params{}, fmt.Errorf("%w: %s", ErrTokenNotSupported, state.NormalizeSymbol(asset))
	}
	return params.Clone(), nil
}
