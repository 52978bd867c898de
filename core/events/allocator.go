package events

import (
	"math/big"
	"strconv"

	"kusd/core/types"
	"kusd/crypto"
)

const (
	TypeAllocatorDeposit  = "allocator.deposit"
	TypeAllocatorWithdraw = "allocator.withdraw"
	// TypeAllocatorRebalanced is emitted whenever the global weight vector
	// changes, whichever path authorised it.
	TypeAllocatorRebalanced = "allocator.rebalanced"
	// TypeAllocatorAIRebalance records the signer and nonce of an accepted
	// signed rebalance command.
	TypeAllocatorAIRebalance   = "allocator.ai_rebalance"
	TypeAllocatorSinksUpdated  = "allocator.sinks_updated"
	TypeSubVaultAssetsReported = "subvault.assets_reported"
)

type AllocatorDeposit struct {
	User    crypto.Address
	Amount  *big.Int
	Profile uint8
}

func (AllocatorDeposit) EventType() string { return TypeAllocatorDeposit }

func (e AllocatorDeposit) Event() *types.Event {
	return &types.Event{
		Type: TypeAllocatorDeposit,
		Attributes: map[string]string{
			"user":    e.User.String(),
			"amount":  amountString(e.Amount),
			"profile": strconv.FormatUint(uint64(e.Profile), 10),
		},
	}
}

type AllocatorWithdraw struct {
	User   crypto.Address
	Amount *big.Int
}

func (AllocatorWithdraw) EventType() string { return TypeAllocatorWithdraw }

func (e AllocatorWithdraw) Event() *types.Event {
	return &types.Event{
		Type: TypeAllocatorWithdraw,
		Attributes: map[string]string{
			"user":   e.User.String(),
			"amount": amountString(e.Amount),
		},
	}
}

type AllocatorRebalanced struct {
	RWA     uint32
	LST     uint32
	DeFi    uint32
	Options uint32
}

func (AllocatorRebalanced) EventType() string { return TypeAllocatorRebalanced }

func (e AllocatorRebalanced) Event() *types.Event {
	return &types.Event{
		Type: TypeAllocatorRebalanced,
		Attributes: map[string]string{
			"rwaWeight":     bpsString(e.RWA),
			"lstWeight":     bpsString(e.LST),
			"defiWeight":    bpsString(e.DeFi),
			"optionsWeight": bpsString(e.Options),
		},
	}
}

type AllocatorAIRebalance struct {
	Signer crypto.Address
	Nonce  *big.Int
}

func (AllocatorAIRebalance) EventType() string { return TypeAllocatorAIRebalance }

func (e AllocatorAIRebalance) Event() *types.Event {
	return &types.Event{
		Type: TypeAllocatorAIRebalance,
		Attributes: map[string]string{
			"signer": e.Signer.String(),
			"nonce":  amountString(e.Nonce),
		},
	}
}

type AllocatorSinksUpdated struct {
	RWA     crypto.Address
	LST     crypto.Address
	DeFi    crypto.Address
	Options crypto.Address
}

func (AllocatorSinksUpdated) EventType() string { return TypeAllocatorSinksUpdated }

func (e AllocatorSinksUpdated) Event() *types.Event {
	render := func(a crypto.Address) string {
		if a.IsZero() {
			return ""
		}
		return a.String()
	}
	return &types.Event{
		Type: TypeAllocatorSinksUpdated,
		Attributes: map[string]string{
			"rwa":     render(e.RWA),
			"lst":     render(e.LST),
			"defi":    render(e.DeFi),
			"options": render(e.Options),
		},
	}
}

type SubVaultAssetsReported struct {
	Vault       string
	Reporter    crypto.Address
	TotalAssets *big.Int
}

func (SubVaultAssetsReported) EventType() string { return TypeSubVaultAssetsReported }

func (e SubVaultAssetsReported) Event() *types.Event {
	return &types.Event{
		Type: TypeSubVaultAssetsReported,
		Attributes: map[string]string{
			"vault":       normalizeAsset(e.Vault),
			"reporter":    e.Reporter.String(),
			"totalAssets": amountString(e.TotalAssets),
		},
	}
}
