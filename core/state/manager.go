package state

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"kusd/crypto"
)

// Manager reads and writes typed ledger records on top of a Store. All values
// are RLP encoded.
type Manager struct {
	store Store
}

// NewManager creates a state manager operating on the provided store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
	Paused   bool
}

var (
	tokenPrefix     = []byte("token/")
	tokenListKey    = []byte("token-list")
	supplyPrefix    = []byte("supply/")
	balancePrefix   = []byte("balance/")
	allowancePrefix = []byte("allowance/")
	rolePrefix      = []byte("role/")
	kvPrefix        = []byte("kv/")
)

// NormalizeSymbol canonicalises token symbols.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func join(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, '/')
		}
		buf = append(buf, part...)
	}
	return buf
}

func tokenMetadataKey(symbol string) []byte {
	return join(tokenPrefix, []byte(symbol))
}

func supplyKey(symbol string) []byte {
	return join(supplyPrefix, []byte(symbol))
}

func balanceKey(addr crypto.Address, symbol string) []byte {
	return join(balancePrefix, []byte(symbol), addr[:])
}

func allowanceKey(symbol string, owner, spender crypto.Address) []byte {
	return join(allowancePrefix, []byte(symbol), owner[:], spender[:])
}

func roleKey(role string) []byte {
	return join(rolePrefix, []byte(role))
}

func kvKey(key []byte) []byte {
	return join(kvPrefix, key)
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.store.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.store.Put(key, encoded)
}

func (m *Manager) loadTokenList() ([]string, error) {
	var list []string
	if _, err := m.get(tokenListKey, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	meta := new(TokenMetadata)
	ok, err := m.get(tokenMetadataKey(symbol), meta)
	if err != nil || !ok {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for a token and records it in the token
// index.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if decimals > 36 {
		return fmt.Errorf("token %s: decimals %d out of range", normalized, decimals)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.put(tokenListKey, list); err != nil {
		return err
	}
	return m.put(tokenMetadataKey(normalized), &TokenMetadata{
		Symbol:   normalized,
		Name:     name,
		Decimals: decimals,
	})
}

// SetTokenPaused stores the paused flag for the given token.
func (m *Manager) SetTokenPaused(symbol string, paused bool) error {
	normalized := NormalizeSymbol(symbol)
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	meta.Paused = paused
	return m.put(tokenMetadataKey(normalized), meta)
}

// Token retrieves metadata for a registered token. A nil result means the
// token is unknown.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.loadTokenMetadata(NormalizeSymbol(symbol))
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return false
	}
	meta, err := m.loadTokenMetadata(normalized)
	return err == nil && meta != nil
}

// TokenSupply returns the circulating supply of a token.
func (m *Manager) TokenSupply(symbol string) (*big.Int, error) {
	return m.loadAmount(supplyKey(NormalizeSymbol(symbol)))
}

// SetTokenSupply records the circulating supply of a token.
func (m *Manager) SetTokenSupply(symbol string, amount *big.Int) error {
	return m.storeAmount(supplyKey(NormalizeSymbol(symbol)), amount)
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(addr crypto.Address, symbol string, amount *big.Int) error {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if meta, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	return m.storeAmount(balanceKey(addr, normalized), amount)
}

// Balance retrieves a token balance for the provided account and token.
func (m *Manager) Balance(addr crypto.Address, symbol string) (*big.Int, error) {
	return m.loadAmount(balanceKey(addr, NormalizeSymbol(symbol)))
}

// SetAllowance records how much spender may move out of owner's balance.
func (m *Manager) SetAllowance(symbol string, owner, spender crypto.Address, amount *big.Int) error {
	return m.storeAmount(allowanceKey(NormalizeSymbol(symbol), owner, spender), amount)
}

// Allowance returns the remaining amount spender may move on owner's behalf.
func (m *Manager) Allowance(symbol string, owner, spender crypto.Address) (*big.Int, error) {
	return m.loadAmount(allowanceKey(NormalizeSymbol(symbol), owner, spender))
}

func (m *Manager) storeAmount(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount not allowed")
	}
	if amount.Sign() == 0 {
		return m.store.Delete(key)
	}
	return m.put(key, amount)
}

func (m *Manager) loadAmount(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	if _, err := m.get(key, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Manager) roleMembers(role string) ([][]byte, error) {
	var members [][]byte
	if _, err := m.get(roleKey(role), &members); err != nil {
		return nil, err
	}
	return members, nil
}

// SetRole associates an address with the specified role. Duplicate assignments
// are ignored while the stored list remains sorted for determinism.
func (m *Manager) SetRole(role string, addr crypto.Address) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if addr.IsZero() {
		return fmt.Errorf("address must not be empty")
	}
	members, err := m.roleMembers(trimmed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if bytes.Equal(existing, addr[:]) {
			return nil
		}
	}
	members = append(members, addr.Bytes())
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i], members[j]) < 0
	})
	return m.put(roleKey(trimmed), members)
}

// RevokeRole removes an address from the role. Revoking an absent member is a
// no-op.
func (m *Manager) RevokeRole(role string, addr crypto.Address) error {
	trimmed := strings.TrimSpace(role)
	members, err := m.roleMembers(trimmed)
	if err != nil {
		return err
	}
	kept := members[:0]
	for _, existing := range members {
		if !bytes.Equal(existing, addr[:]) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(members) {
		return nil
	}
	if len(kept) == 0 {
		return m.store.Delete(roleKey(trimmed))
	}
	return m.put(roleKey(trimmed), kept)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([]crypto.Address, error) {
	members, err := m.roleMembers(strings.TrimSpace(role))
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(members))
	for _, member := range members {
		out = append(out, crypto.BytesToAddress(member))
	}
	return out, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Errors while reading the underlying state result in a false
// return so callers fail closed.
func (m *Manager) HasRole(role string, addr crypto.Address) bool {
	if addr.IsZero() {
		return false
	}
	members, err := m.roleMembers(strings.TrimSpace(role))
	if err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr[:]) {
			return true
		}
	}
	return false
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.put(kvKey(key), value)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.get(kvKey(key), out)
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.store.Delete(kvKey(key))
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	ok, err := m.KVGet(key, out)
	if err != nil {
		return err
	}
	if !ok {
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	}
	return nil
}

// NextSequence increments and returns the counter stored under key. The first
// call returns 1.
func (m *Manager) NextSequence(key []byte) (uint64, error) {
	var current uint64
	if _, err := m.KVGet(key, &current); err != nil {
		return 0, err
	}
	current++
	if err := m.KVPut(key, current); err != nil {
		return 0, err
	}
	return current, nil
}

// Sequence returns the counter stored under key without changing it.
func (m *Manager) Sequence(key []byte) (uint64, error) {
	var current uint64
	if _, err := m.KVGet(key, &current); err != nil {
		return 0, err
	}
	return current, nil
}

// RawPut stores bytes under key without RLP framing.
func (m *Manager) RawPut(key, value []byte) error {
	return m.store.Put(kvKey(key), value)
}

// RawGet returns bytes stored with RawPut, or nil.
func (m *Manager) RawGet(key []byte) ([]byte, error) {
	return m.store.Get(kvKey(key))
}
