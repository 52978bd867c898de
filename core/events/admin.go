package events

import (
	"math/big"
	"strconv"

	"kusd/core/types"
	"kusd/crypto"
)

const (
	TypeOracleFeedUpdated = "oracle.feed_updated"
	TypeRiskUpdated       = "risk.updated"
	TypeRoleGranted       = "access.role_granted"
	TypeRoleRevoked       = "access.role_revoked"
	TypeTokenTransfer     = "token.transfer"
	TypeTokenApproval     = "token.approval"
	TypeTokenPaused       = "token.paused"
	TypeTokenBlacklisted  = "token.blacklisted"
)

type OracleFeedUpdated struct {
	Asset        string
	Source       string
	Decimals     uint8
	MaxStaleness uint64
}

func (OracleFeedUpdated) EventType() string { return TypeOracleFeedUpdated }

func (e OracleFeedUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleFeedUpdated,
		Attributes: map[string]string{
			"asset":        normalizeAsset(e.Asset),
			"source":       e.Source,
			"decimals":     strconv.FormatUint(uint64(e.Decimals), 10),
			"maxStaleness": strconv.FormatUint(e.MaxStaleness, 10),
		},
	}
}

type RiskUpdated struct {
	Asset                string
	MaxLTV               uint32
	LiquidationThreshold uint32
	LiquidationBonus     uint32
	MaxSupply            *big.Int
}

func (RiskUpdated) EventType() string { return TypeRiskUpdated }

func (e RiskUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeRiskUpdated,
		Attributes: map[string]string{
			"asset":                normalizeAsset(e.Asset),
			"maxLtv":               bpsString(e.MaxLTV),
			"liquidationThreshold": bpsString(e.LiquidationThreshold),
			"liquidationBonus":     bpsString(e.LiquidationBonus),
			"maxSupply":            amountString(e.MaxSupply),
		},
	}
}

// RoleChanged covers both grants and revocations.
type RoleChanged struct {
	Granted bool
	Scope   string
	Role    string
	Account crypto.Address
	Admin   crypto.Address
}

func (e RoleChanged) EventType() string {
	if e.Granted {
		return TypeRoleGranted
	}
	return TypeRoleRevoked
}

func (e RoleChanged) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"scope":   e.Scope,
			"role":    e.Role,
			"account": e.Account.String(),
			"admin":   e.Admin.String(),
		},
	}
}

type TokenTransfer struct {
	Token  string
	From   crypto.Address
	To     crypto.Address
	Amount *big.Int
}

func (TokenTransfer) EventType() string { return TypeTokenTransfer }

// Event renders mints with an empty from and burns with an empty to.
func (e TokenTransfer) Event() *types.Event {
	from, to := "", ""
	if !e.From.IsZero() {
		from = e.From.String()
	}
	if !e.To.IsZero() {
		to = e.To.String()
	}
	return &types.Event{
		Type: TypeTokenTransfer,
		Attributes: map[string]string{
			"token":  normalizeAsset(e.Token),
			"from":   from,
			"to":     to,
			"amount": amountString(e.Amount),
		},
	}
}

type TokenApproval struct {
	Token   string
	Owner   crypto.Address
	Spender crypto.Address
	Amount  *big.Int
}

func (TokenApproval) EventType() string { return TypeTokenApproval }

func (e TokenApproval) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenApproval,
		Attributes: map[string]string{
			"token":   normalizeAsset(e.Token),
			"owner":   e.Owner.String(),
			"spender": e.Spender.String(),
			"amount":  amountString(e.Amount),
		},
	}
}

type TokenPaused struct {
	Token  string
	Paused bool
}

func (TokenPaused) EventType() string { return TypeTokenPaused }

func (e TokenPaused) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenPaused,
		Attributes: map[string]string{
			"token":  normalizeAsset(e.Token),
			"paused": strconv.FormatBool(e.Paused),
		},
	}
}

type TokenBlacklisted struct {
	Token       string
	Account     crypto.Address
	Blacklisted bool
}

func (TokenBlacklisted) EventType() string { return TypeTokenBlacklisted }

func (e TokenBlacklisted) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenBlacklisted,
		Attributes: map[string]string{
			"token":       normalizeAsset(e.Token),
			"account":     e.Account.String(),
			"blacklisted": strconv.FormatBool(e.Blacklisted),
		},
	}
}
