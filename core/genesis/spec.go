// Package genesis parses the JSON document describing a node's initial
// ledger: registered tokens, balances, capability grants, collateral listings
// and allocator sinks.
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"kusd/crypto"
	"kusd/native/access"
	"kusd/native/oracle"
	"kusd/native/risk"
)

type GenesisSpec struct {
	GenesisTime string                       `json:"genesisTime"`
	ChainID     uint64                       `json:"chainId"`
	Stable      TokenSpec                    `json:"stable"`
	Treasury    string                       `json:"treasury"`
	AISigner    string                       `json:"aiSigner,omitempty"`
	Tokens      []TokenSpec                  `json:"tokens"`
	Alloc       map[string]map[string]string `json:"alloc"` // addr -> token -> amount
	Roles       map[string][]string          `json:"roles"` // "scope/ROLE" -> []addr
	Collateral  []CollateralSpec             `json:"collateral"`
	SubVaults   []SubVaultSpec               `json:"subVaults"`

	genesisTimestamp time.Time
	treasury         crypto.Address
	aiSigner         crypto.Address
}

type TokenSpec struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// CollateralSpec lists an accepted collateral asset with its price feed and
// risk parameters. Amounts are decimal strings in base units; empty means
// unlimited.
type CollateralSpec struct {
	Asset                string `json:"asset"`
	Source               string `json:"source"`
	MaxStaleness         string `json:"maxStaleness"`
	MaxLTV               uint64 `json:"maxLtv"`
	LiquidationThreshold uint64 `json:"liquidationThreshold"`
	LiquidationBonus     uint64 `json:"liquidationBonus"`
	MaxSupply            string `json:"maxSupply,omitempty"`
	SupplyCap            string `json:"supplyCap,omitempty"`

	staleness time.Duration
	params    risk.Params
	supplyCap *big.Int
}

// SubVaultSpec binds a named strategy sink to an allocator slot.
type SubVaultSpec struct {
	Name string `json:"name"`
	Slot string `json:"slot"`
}

// RoleGrant is one parsed entry of the roles map.
type RoleGrant struct {
	Scope   string
	Role    access.Role
	Account crypto.Address
}

// Balance is one parsed entry of the alloc map.
type Balance struct {
	Account crypto.Address
	Symbol  string
	Amount  *big.Int
}

var slotNames = []string{"rwa", "lst", "defi", "options"}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a genesis document. Unknown fields
// are rejected.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time     { return s.genesisTimestamp }
func (s *GenesisSpec) TreasuryAddress() crypto.Address { return s.treasury }
func (s *GenesisSpec) AISignerAddress() crypto.Address { return s.aiSigner }

// ChainIDBig returns the chain id bound into signed rebalance digests.
func (s *GenesisSpec) ChainIDBig() *big.Int { return new(big.Int).SetUint64(s.ChainID) }

func (s *GenesisSpec) validate() error {
	ts, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = ts
	if s.ChainID == 0 {
		return fmt.Errorf("chainId must be provided")
	}
	if err := s.Stable.validate(); err != nil {
		return fmt.Errorf("stable: %w", err)
	}
	if s.treasury, err = crypto.ParseAddress(strings.TrimSpace(s.Treasury)); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	if strings.TrimSpace(s.AISigner) != "" {
		if s.aiSigner, err = crypto.ParseAddress(strings.TrimSpace(s.AISigner)); err != nil {
			return fmt.Errorf("aiSigner: %w", err)
		}
	}

	symbols := map[string]uint8{strings.ToUpper(strings.TrimSpace(s.Stable.Symbol)): s.Stable.Decimals}
	for i := range s.Tokens {
		if err := s.Tokens[i].validate(); err != nil {
			return fmt.Errorf("tokens[%d]: %w", i, err)
		}
		key := strings.ToUpper(strings.TrimSpace(s.Tokens[i].Symbol))
		if _, exists := symbols[key]; exists {
			return fmt.Errorf("tokens[%d]: duplicate symbol %q", i, s.Tokens[i].Symbol)
		}
		symbols[key] = s.Tokens[i].Decimals
	}

	balances, err := s.Balances()
	if err != nil {
		return err
	}
	stable := strings.ToUpper(strings.TrimSpace(s.Stable.Symbol))
	for _, b := range balances {
		if _, ok := symbols[b.Symbol]; !ok {
			return fmt.Errorf("alloc: token %s not registered", b.Symbol)
		}
		// stable supply only ever comes from borrowing
		if b.Symbol == stable {
			return fmt.Errorf("alloc: %s cannot be allocated at genesis", stable)
		}
	}
	if _, err := s.RoleGrants(); err != nil {
		return err
	}

	listed := make(map[string]struct{}, len(s.Collateral))
	for i := range s.Collateral {
		c := &s.Collateral[i]
		asset := strings.ToUpper(strings.TrimSpace(c.Asset))
		if _, ok := symbols[asset]; !ok {
			return fmt.Errorf("collateral[%d]: token %q not registered", i, c.Asset)
		}
		if _, dup := listed[asset]; dup {
			return fmt.Errorf("collateral[%d]: %s listed twice", i, asset)
		}
		listed[asset] = struct{}{}
		if err := c.validate(); err != nil {
			return fmt.Errorf("collateral[%d]: %w", i, err)
		}
	}

	slots := make(map[string]string, len(s.SubVaults))
	for i, v := range s.SubVaults {
		name := strings.ToLower(strings.TrimSpace(v.Name))
		slot := strings.ToLower(strings.TrimSpace(v.Slot))
		if name == "" {
			return fmt.Errorf("subVaults[%d]: name must be provided", i)
		}
		if SlotIndex(slot) < 0 {
			return fmt.Errorf("subVaults[%d]: unknown slot %q", i, v.Slot)
		}
		if other, taken := slots[slot]; taken {
			return fmt.Errorf("subVaults[%d]: slot %s already bound to %s", i, slot, other)
		}
		slots[slot] = name
	}
	return nil
}

// SlotIndex maps rwa/lst/defi/options to the allocator slot order, or -1.
func SlotIndex(slot string) int {
	for i, name := range slotNames {
		if name == strings.ToLower(strings.TrimSpace(slot)) {
			return i
		}
	}
	return -1
}

// Balances returns the alloc map flattened in a deterministic order:
// addresses sorted, then symbols sorted.
func (s *GenesisSpec) Balances() ([]Balance, error) {
	addrs := make([]string, 0, len(s.Alloc))
	for addr := range s.Alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	var out []Balance
	for _, addrStr := range addrs {
		account, err := crypto.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		symbols := make([]string, 0, len(s.Alloc[addrStr]))
		for symbol := range s.Alloc[addrStr] {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			amount, err := parseAmountString(s.Alloc[addrStr][symbol])
			if err != nil {
				return nil, fmt.Errorf("alloc[%q][%q]: %w", addrStr, symbol, err)
			}
			out = append(out, Balance{Account: account, Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Amount: amount})
		}
	}
	return out, nil
}

// RoleGrants returns the roles map parsed and sorted by key then address.
func (s *GenesisSpec) RoleGrants() ([]RoleGrant, error) {
	keys := make([]string, 0, len(s.Roles))
	for key := range s.Roles {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []RoleGrant
	for _, key := range keys {
		idx := strings.LastIndex(key, "/")
		if idx <= 0 || idx == len(key)-1 {
			return nil, fmt.Errorf("roles[%q]: expected scope/ROLE", key)
		}
		role, err := access.ParseRole(key[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("roles[%q]: %w", key, err)
		}
		addresses := append([]string(nil), s.Roles[key]...)
		sort.Strings(addresses)
		for _, addrStr := range addresses {
			account, err := crypto.ParseAddress(addrStr)
			if err != nil {
				return nil, fmt.Errorf("roles[%q]: %w", key, err)
			}
			out = append(out, RoleGrant{Scope: key[:idx], Role: role, Account: account})
		}
	}
	return out, nil
}

func (t *TokenSpec) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol must be provided")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name must be provided")
	}
	if t.Decimals > 18 {
		return fmt.Errorf("decimals must be 18 or fewer")
	}
	return nil
}

func (c *CollateralSpec) validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("source must be provided")
	}
	staleness, err := oracle.ParseStaleness(c.MaxStaleness)
	if err != nil {
		return err
	}
	if staleness < time.Second {
		return fmt.Errorf("maxStaleness must be at least 1s")
	}
	maxSupply, err := parseAmountString(c.MaxSupply)
	if err != nil {
		return fmt.Errorf("maxSupply: %w", err)
	}
	supplyCap, err := parseAmountString(c.SupplyCap)
	if err != nil {
		return fmt.Errorf("supplyCap: %w", err)
	}
	params := risk.Params{
		MaxLTV:               c.MaxLTV,
		LiquidationThreshold: c.LiquidationThreshold,
		LiquidationBonus:     c.LiquidationBonus,
		MaxSupply:            maxSupply,
	}
	if err := params.Validate(); err != nil {
		return err
	}
	c.staleness = staleness
	c.params = params
	c.supplyCap = supplyCap
	return nil
}

// Staleness returns the validated maximum price age.
func (c CollateralSpec) Staleness() time.Duration { return c.staleness }

// RiskParams returns the validated risk parameters.
func (c CollateralSpec) RiskParams() risk.Params { return c.params.Clone() }

// Cap returns the validated listing cap; zero means uncapped.
func (c CollateralSpec) Cap() *big.Int {
	if c.supplyCap == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(c.supplyCap)
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
