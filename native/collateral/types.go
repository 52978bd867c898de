package collateral

import (
	"math/big"
	"sort"

	"kusd/crypto"
)

// AssetBalance is the custody amount of one collateral asset.
type AssetBalance struct {
	Asset  string
	Amount *big.Int
}

// Position is a borrower's collateral and debt. Assets stay sorted by symbol
// so encodings are deterministic.
type Position struct {
	Assets []AssetBalance
	// CollateralValue is the USD value (18 decimals) of Assets as of the last
	// call that revalued the position.
	CollateralValue *big.Int
	// Debt includes origination fees.
	Debt *big.Int
}

func newPosition() *Position {
	return &Position{CollateralValue: big.NewInt(0), Debt: big.NewInt(0)}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := &Position{
		CollateralValue: cloneInt(p.CollateralValue),
		Debt:            cloneInt(p.Debt),
		Assets:          make([]AssetBalance, len(p.Assets)),
	}
	for i, a := range p.Assets {
		out.Assets[i] = AssetBalance{Asset: a.Asset, Amount: cloneInt(a.Amount)}
	}
	return out
}

// Holding returns the custody amount of asset.
func (p *Position) Holding(asset string) *big.Int {
	for _, a := range p.Assets {
		if a.Asset == asset {
			return cloneInt(a.Amount)
		}
	}
	return big.NewInt(0)
}

func (p *Position) setHolding(asset string, amount *big.Int) {
	for i, a := range p.Assets {
		if a.Asset != asset {
			continue
		}
		if amount.Sign() == 0 {
			p.Assets = append(p.Assets[:i], p.Assets[i+1:]...)
			return
		}
		p.Assets[i].Amount = cloneInt(amount)
		return
	}
	if amount.Sign() == 0 {
		return
	}
	p.Assets = append(p.Assets, AssetBalance{Asset: asset, Amount: cloneInt(amount)})
	sort.Slice(p.Assets, func(i, j int) bool { return p.Assets[i].Asset < p.Assets[j].Asset })
}

// Listing is an accepted collateral asset.
type Listing struct {
	Asset string
	// SupplyCap bounds TotalDeposited. Zero disables the cap.
	SupplyCap      *big.Int
	TotalDeposited *big.Int
}

// Summary is the read-only view of a position exposed to dashboards.
type Summary struct {
	Borrower        crypto.Address
	Assets          []AssetBalance
	CollateralValue *big.Int
	Debt            *big.Int
	HealthFactor    *big.Int
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
