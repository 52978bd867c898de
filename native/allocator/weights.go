package allocator

import (
	"fmt"
	"math/big"
)

// Slot identifies one of the allocator's strategy sinks.
type Slot int

const (
	SlotRWA Slot = iota
	SlotLST
	SlotDeFi
	SlotOptions
	slotCount
)

var slotNames = [slotCount]string{"rwa", "lst", "defi", "options"}

func (s Slot) String() string {
	if s < 0 || s >= slotCount {
		return fmt.Sprintf("slot(%d)", int(s))
	}
	return slotNames[s]
}

// Slots lists every slot in canonical order.
func Slots() []Slot {
	return []Slot{SlotRWA, SlotLST, SlotDeFi, SlotOptions}
}

// Profile is a depositor's risk profile.
type Profile uint8

const (
	Conservative Profile = iota
	Balanced
	Aggressive
)

func (p Profile) String() string {
	switch p {
	case Conservative:
		return "conservative"
	case Balanced:
		return "balanced"
	case Aggressive:
		return "aggressive"
	}
	return fmt.Sprintf("profile(%d)", uint8(p))
}

// Valid reports whether p is one of the three defined profiles.
func (p Profile) Valid() bool {
	return p <= Aggressive
}

// Weights are basis-point shares per slot.
type Weights struct {
	RWA     uint64
	LST     uint64
	DeFi    uint64
	Options uint64
}

// Of returns the weight of slot s.
func (w Weights) Of(s Slot) uint64 {
	switch s {
	case SlotRWA:
		return w.RWA
	case SlotLST:
		return w.LST
	case SlotDeFi:
		return w.DeFi
	case SlotOptions:
		return w.Options
	}
	return 0
}

// Sum adds the four weights without overflow.
func (w Weights) Sum() *big.Int {
	sum := new(big.Int)
	for _, s := range Slots() {
		sum.Add(sum, new(big.Int).SetUint64(w.Of(s)))
	}
	return sum
}

// Validate requires the weights to sum to exactly 10000.
func (w Weights) Validate() error {
	if sum := w.Sum(); sum.Cmp(basisPoints) != 0 {
		return fmt.Errorf("%w: weights sum to %s", ErrInvalidWeights, sum)
	}
	return nil
}

// profileWeights is the static per-profile routing table. Shares that do not
// add up to 10000 stay in the allocator's reserve, as does the share of any
// slot without a configured sink.
var profileWeights = map[Profile]Weights{
	Conservative: {RWA: 7000, LST: 2000},
	Balanced:     {RWA: 5000, LST: 4000},
	Aggressive:   {RWA: 3000, LST: 4000, DeFi: 1000, Options: 1000},
}

// ProfileWeights returns the routing table of p.
func ProfileWeights(p Profile) (Weights, error) {
	w, ok := profileWeights[p]
	if !ok {
		return Weights{}, fmt.Errorf("%w: %d", ErrInvalidRiskProfile, uint8(p))
	}
	return w, nil
}

// DefaultWeights is the global vector before the first rebalance.
var DefaultWeights = Weights{RWA: 2500, LST: 2500, DeFi: 2500, Options: 2500}
