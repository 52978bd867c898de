// Package allocator implements the capital allocator: per-user KUSD deposits
// routed into strategy sinks by a static per-profile table, plus a global
// weight vector changed by a rebalancer or by a signed automated command.
package allocator

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	nativecommon "kusd/native/common"
	"kusd/native/token"
)

// Scope is the capability scope of the allocator.
const Scope = "allocator"

const moduleName = "allocator"

var (
	ErrInvalidRiskProfile  = errors.New("allocator: invalid risk profile")
	ErrInvalidWeights      = errors.New("allocator: invalid weights")
	ErrInvalidAmount       = errors.New("allocator: amount must be positive")
	ErrInsufficientBalance = errors.New("allocator: insufficient balance")
	ErrInvalidSignature    = errors.New("allocator: invalid signature")
	ErrSignatureExpired    = errors.New("allocator: signature expired")
	ErrNonceUsed           = errors.New("allocator: nonce already used")
	ErrInvalidSink         = errors.New("allocator: sink not authorised")
	ErrSinkInUse           = errors.New("allocator: sink still holds allocations")
)

var basisPoints = big.NewInt(10_000)

// Sink is a strategy destination. Sinks enforce their own capability checks
// against the caller.
type Sink interface {
	Address() crypto.Address
	Deposit(caller, beneficiary crypto.Address, amount *big.Int) error
	Withdraw(caller, beneficiary, to crypto.Address, amount *big.Int) error
	BalanceOf(beneficiary crypto.Address) (*big.Int, error)
	TotalAssets() (*big.Int, error)
}

// SinkResolver finds the sink living at an address.
type SinkResolver func(addr crypto.Address) (Sink, bool)

// Tokens moves KUSD.
type Tokens interface {
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
}

type Config struct {
	// Address is the allocator's custody account and the address bound into
	// rebalance digests.
	Address crypto.Address
	ChainID *big.Int
	Stable  string
}

// Position is a depositor's allocator account. Allocations is indexed by
// Slot; Reserve is the share kept uninvested.
type Position struct {
	TotalDeposited *big.Int
	Profile        uint8
	Allocations    []*big.Int
	Reserve        *big.Int
}

func newPosition() *Position {
	p := &Position{TotalDeposited: big.NewInt(0), Reserve: big.NewInt(0)}
	p.normalize()
	return p
}

func (p *Position) normalize() {
	if p.TotalDeposited == nil {
		p.TotalDeposited = big.NewInt(0)
	}
	if p.Reserve == nil {
		p.Reserve = big.NewInt(0)
	}
	for len(p.Allocations) < int(slotCount) {
		p.Allocations = append(p.Allocations, big.NewInt(0))
	}
	for i, a := range p.Allocations {
		if a == nil {
			p.Allocations[i] = big.NewInt(0)
		}
	}
}

// totals tracks the allocator-wide sums per slot and in reserve.
type totals struct {
	Slots   []*big.Int
	Reserve *big.Int
}

type Allocator struct {
	state   *state.Manager
	access  *access.Controller
	tokens  Tokens
	sinks   SinkResolver
	cfg     Config
	now     func() time.Time
	pauses  nativecommon.PauseView
	emitter events.Emitter
}

func New(mgr *state.Manager, ctrl *access.Controller, tokens Tokens, sinks SinkResolver, cfg Config, now func() time.Time) *Allocator {
	if now == nil {
		now = time.Now
	}
	cfg.Stable = state.NormalizeSymbol(cfg.Stable)
	return &Allocator{
		state:   mgr,
		access:  ctrl,
		tokens:  tokens,
		sinks:   sinks,
		cfg:     cfg,
		now:     now,
		emitter: events.NoopEmitter{},
	}
}

func (a *Allocator) SetPauses(p nativecommon.PauseView) { a.pauses = p }

func (a *Allocator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	a.emitter = emitter
}

var (
	sinksKey   = []byte("allocator/sinks")
	weightsKey = []byte("allocator/weights")
	totalsKey  = []byte("allocator/totals")
	signerKey  = []byte("allocator/signer")
	lastNonce  = []byte("allocator/last-nonce")
)

func positionKey(addr crypto.Address) []byte {
	return append([]byte("allocator/position/"), addr[:]...)
}

func nonceKey(nonce *big.Int) []byte {
	return []byte("allocator/nonce/" + nonce.String())
}

// SinkAddresses returns the configured sink per slot; zero means unset.
func (a *Allocator) SinkAddresses() ([]crypto.Address, error) {
	var raw [][]byte
	if err := a.state.KVGetList(sinksKey, &raw); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, slotCount)
	for i, b := range raw {
		if i < len(out) && len(b) == crypto.AddressLength {
			out[i] = crypto.BytesToAddress(b)
		}
	}
	return out, nil
}

func (a *Allocator) sinkFor(addr crypto.Address) (Sink, error) {
	sink, ok := a.sinks(addr)
	if !ok {
		return nil, fmt.Errorf("%w: no sink at %s", ErrInvalidSink, addr)
	}
	return sink, nil
}

// Weights returns the global weight vector.
func (a *Allocator) Weights() (Weights, error) {
	var w Weights
	ok, err := a.state.KVGet(weightsKey, &w)
	if err != nil {
		return Weights{}, err
	}
	if !ok {
		return DefaultWeights, nil
	}
	return w, nil
}

// Signer returns the principal allowed to sign automated rebalances.
func (a *Allocator) Signer() (crypto.Address, error) {
	var raw []byte
	if _, err := a.state.KVGet(signerKey, &raw); err != nil {
		return crypto.Address{}, err
	}
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}, nil
	}
	return crypto.BytesToAddress(raw), nil
}

// SetSigner replaces the automated signer. The caller must be an allocator
// ADMIN.
func (a *Allocator) SetSigner(caller, signer crypto.Address) error {
	if err := a.access.Require(Scope, access.Admin, caller); err != nil {
		return err
	}
	return a.state.KVPut(signerKey, signer.Bytes())
}

// Position returns the stored position of user, or a zero position.
func (a *Allocator) Position(user crypto.Address) (*Position, error) {
	pos := new(Position)
	ok, err := a.state.KVGet(positionKey(user), pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newPosition(), nil
	}
	pos.normalize()
	return pos, nil
}

func (a *Allocator) loadTotals() (*totals, error) {
	t := new(totals)
	if _, err := a.state.KVGet(totalsKey, t); err != nil {
		return nil, err
	}
	if t.Reserve == nil {
		t.Reserve = big.NewInt(0)
	}
	for len(t.Slots) < int(slotCount) {
		t.Slots = append(t.Slots, big.NewInt(0))
	}
	return t, nil
}

// SetVaults configures the sink of every slot. Zero addresses leave a slot
// unset. Every sink must hold VAULT in the allocator scope, and a slot cannot
// be repointed while it still holds allocations.
func (a *Allocator) SetVaults(caller crypto.Address, rwa, lst, defi, options crypto.Address) error {
	if err := a.access.Require(Scope, access.Admin, caller); err != nil {
		return err
	}
	next := []crypto.Address{rwa, lst, defi, options}
	current, err := a.SinkAddresses()
	if err != nil {
		return err
	}
	t, err := a.loadTotals()
	if err != nil {
		return err
	}
	raw := make([][]byte, slotCount)
	for i, addr := range next {
		if addr != current[i] && t.Slots[i].Sign() > 0 {
			return fmt.Errorf("%w: %s holds %s", ErrSinkInUse, Slot(i), t.Slots[i])
		}
		raw[i] = []byte{}
		if addr.IsZero() {
			continue
		}
		if !a.access.Has(Scope, access.Vault, addr) {
			return fmt.Errorf("%w: %s lacks %s", ErrInvalidSink, addr, access.Vault)
		}
		if _, err := a.sinkFor(addr); err != nil {
			return err
		}
		raw[i] = addr.Bytes()
	}
	if err := a.state.KVPut(sinksKey, raw); err != nil {
		return err
	}
	a.emitter.Emit(events.AllocatorSinksUpdated{RWA: rwa, LST: lst, DeFi: defi, Options: options})
	return nil
}

// Deposit takes amount of KUSD from user and routes it by the static table of
// profile. Slot shares without a configured sink and the table's remainder
// stay in reserve.
func (a *Allocator) Deposit(user crypto.Address, amount *big.Int, profile Profile) error {
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return err
	}
	weights, err := ProfileWeights(profile)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := a.transfer(user, a.cfg.Address, amount); err != nil {
		return err
	}
	sinkAddrs, err := a.SinkAddresses()
	if err != nil {
		return err
	}
	pos, err := a.Position(user)
	if err != nil {
		return err
	}
	t, err := a.loadTotals()
	if err != nil {
		return err
	}
	routed := big.NewInt(0)
	for _, slot := range Slots() {
		addr := sinkAddrs[slot]
		w := weights.Of(slot)
		if addr.IsZero() || w == 0 {
			continue
		}
		part := new(big.Int).Mul(amount, new(big.Int).SetUint64(w))
		part.Quo(part, basisPoints)
		if part.Sign() == 0 {
			continue
		}
		sink, err := a.sinkFor(addr)
		if err != nil {
			return err
		}
		if err := sink.Deposit(a.cfg.Address, user, part); err != nil {
			return fmt.Errorf("allocator: route to %s: %w", slot, err)
		}
		pos.Allocations[slot].Add(pos.Allocations[slot], part)
		t.Slots[slot].Add(t.Slots[slot], part)
		routed.Add(routed, part)
	}
	reserve := new(big.Int).Sub(amount, routed)
	pos.Reserve.Add(pos.Reserve, reserve)
	t.Reserve.Add(t.Reserve, reserve)
	pos.TotalDeposited.Add(pos.TotalDeposited, amount)
	pos.Profile = uint8(profile)
	if err := a.state.KVPut(positionKey(user), pos); err != nil {
		return err
	}
	if err := a.state.KVPut(totalsKey, t); err != nil {
		return err
	}
	a.emitter.Emit(events.AllocatorDeposit{User: user, Amount: new(big.Int).Set(amount), Profile: uint8(profile)})
	return nil
}

// Withdraw returns amount of KUSD to user, pulled pro rata from each sink
// allocation and the reserve.
func (a *Allocator) Withdraw(user crypto.Address, amount *big.Int) error {
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pos, err := a.Position(user)
	if err != nil {
		return err
	}
	if amount.Cmp(pos.TotalDeposited) > 0 {
		return fmt.Errorf("%w: deposited %s", ErrInsufficientBalance, pos.TotalDeposited)
	}
	sinkAddrs, err := a.SinkAddresses()
	if err != nil {
		return err
	}
	t, err := a.loadTotals()
	if err != nil {
		return err
	}

	parts := append([]*big.Int{pos.Reserve}, pos.Allocations...)
	takes := proRata(parts, pos.TotalDeposited, amount)

	if takes[0].Sign() > 0 {
		if err := a.transfer(a.cfg.Address, user, takes[0]); err != nil {
			return err
		}
		pos.Reserve.Sub(pos.Reserve, takes[0])
		t.Reserve.Sub(t.Reserve, takes[0])
	}
	for _, slot := range Slots() {
		take := takes[int(slot)+1]
		if take.Sign() == 0 {
			continue
		}
		sink, err := a.sinkFor(sinkAddrs[slot])
		if err != nil {
			return err
		}
		if err := sink.Withdraw(a.cfg.Address, user, user, take); err != nil {
			return fmt.Errorf("allocator: pull from %s: %w", slot, err)
		}
		pos.Allocations[slot].Sub(pos.Allocations[slot], take)
		t.Slots[slot].Sub(t.Slots[slot], take)
	}
	pos.TotalDeposited.Sub(pos.TotalDeposited, amount)
	if err := a.state.KVPut(positionKey(user), pos); err != nil {
		return err
	}
	if err := a.state.KVPut(totalsKey, t); err != nil {
		return err
	}
	a.emitter.Emit(events.AllocatorWithdraw{User: user, Amount: new(big.Int).Set(amount)})
	return nil
}

// proRata splits amount across parts in proportion to their size. Rounding
// leftovers are taken from the earliest parts with room, so the takes always
// sum to amount when amount <= total.
func proRata(parts []*big.Int, total, amount *big.Int) []*big.Int {
	takes := make([]*big.Int, len(parts))
	sum := big.NewInt(0)
	for i, p := range parts {
		take := new(big.Int)
		if total.Sign() > 0 {
			take.Mul(p, amount)
			take.Quo(take, total)
		}
		takes[i] = take
		sum.Add(sum, take)
	}
	leftover := new(big.Int).Sub(amount, sum)
	for i, p := range parts {
		if leftover.Sign() <= 0 {
			break
		}
		room := new(big.Int).Sub(p, takes[i])
		if room.Sign() <= 0 {
			continue
		}
		if room.Cmp(leftover) > 0 {
			room.Set(leftover)
		}
		takes[i].Add(takes[i], room)
		leftover.Sub(leftover, room)
	}
	return takes
}

// ManualRebalance overwrites the global weights. The caller must hold
// REBALANCER.
func (a *Allocator) ManualRebalance(caller crypto.Address, w Weights) error {
	if err := a.access.Require(Scope, access.Rebalancer, caller); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	return a.applyWeights(w)
}

// AIRebalance applies a rebalance command signed by the automated signer.
// Checks run in order: weights, deadline, signature, nonce reuse.
func (a *Allocator) AIRebalance(params RebalanceParams, signature []byte) (crypto.Address, error) {
	w := params.Weights()
	if err := w.Validate(); err != nil {
		return crypto.Address{}, err
	}
	now := a.now().Unix()
	if now < 0 || params.Deadline < uint64(now) {
		return crypto.Address{}, fmt.Errorf("%w: deadline %d before %d", ErrSignatureExpired, params.Deadline, now)
	}
	digest, err := RebalanceDigest(params, a.cfg.Address, a.cfg.ChainID)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered, err := crypto.RecoverMessageSigner(digest, signature)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	expected, err := a.Signer()
	if err != nil {
		return crypto.Address{}, err
	}
	if expected.IsZero() || recovered != expected {
		return crypto.Address{}, fmt.Errorf("%w: signed by %s", ErrInvalidSignature, recovered)
	}
	nonce := params.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	used, err := a.state.KVGet(nonceKey(nonce), nil)
	if err != nil {
		return crypto.Address{}, err
	}
	if used {
		return crypto.Address{}, fmt.Errorf("%w: %s", ErrNonceUsed, nonce)
	}
	if err := a.state.KVPut(nonceKey(nonce), true); err != nil {
		return crypto.Address{}, err
	}
	if err := a.state.KVPut(lastNonce, nonce); err != nil {
		return crypto.Address{}, err
	}
	if err := a.applyWeights(w); err != nil {
		return crypto.Address{}, err
	}
	a.emitter.Emit(events.AllocatorAIRebalance{Signer: recovered, Nonce: new(big.Int).Set(nonce)})
	return recovered, nil
}

// LastNonce returns the nonce of the most recent accepted signed rebalance.
func (a *Allocator) LastNonce() (*big.Int, error) {
	n := new(big.Int)
	if _, err := a.state.KVGet(lastNonce, n); err != nil {
		return nil, err
	}
	return n, nil
}

// MigrateNonces marks the last accepted nonce of a schema v1 store as
// consumed, since v1 kept only that single value.
func MigrateNonces(mgr *state.Manager) error {
	last := new(big.Int)
	ok, err := mgr.KVGet(lastNonce, last)
	if err != nil || !ok {
		return err
	}
	return mgr.KVPut(nonceKey(last), true)
}

func (a *Allocator) applyWeights(w Weights) error {
	if err := a.state.KVPut(weightsKey, &w); err != nil {
		return err
	}
	a.emitter.Emit(events.AllocatorRebalanced{
		RWA:     uint32(w.RWA),
		LST:     uint32(w.LST),
		DeFi:    uint32(w.DeFi),
		Options: uint32(w.Options),
	})
	return nil
}

// TotalValueLocked sums the total assets reported by every configured sink.
func (a *Allocator) TotalValueLocked() (*big.Int, error) {
	sinkAddrs, err := a.SinkAddresses()
	if err != nil {
		return nil, err
	}
	tvl := big.NewInt(0)
	for _, addr := range sinkAddrs {
		if addr.IsZero() {
			continue
		}
		sink, err := a.sinkFor(addr)
		if err != nil {
			return nil, err
		}
		assets, err := sink.TotalAssets()
		if err != nil {
			return nil, err
		}
		tvl.Add(tvl, assets)
	}
	return tvl, nil
}

// PlanEntry compares a slot's current allocation with its target under the
// global weights.
type PlanEntry struct {
	Slot    Slot
	Sink    crypto.Address
	Current *big.Int
	Target  *big.Int
	// Delta is Target - Current; positive means the slot is under-allocated.
	Delta *big.Int
}

// RebalancePlan reports how far current allocations are from the global
// weights. It moves no funds.
func (a *Allocator) RebalancePlan() ([]PlanEntry, error) {
	w, err := a.Weights()
	if err != nil {
		return nil, err
	}
	t, err := a.loadTotals()
	if err != nil {
		return nil, err
	}
	sinkAddrs, err := a.SinkAddresses()
	if err != nil {
		return nil, err
	}
	managed := new(big.Int).Set(t.Reserve)
	for _, s := range t.Slots {
		managed.Add(managed, s)
	}
	plan := make([]PlanEntry, 0, slotCount)
	for _, slot := range Slots() {
		target := new(big.Int).Mul(managed, new(big.Int).SetUint64(w.Of(slot)))
		target.Quo(target, basisPoints)
		current := new(big.Int).Set(t.Slots[slot])
		plan = append(plan, PlanEntry{
			Slot:    slot,
			Sink:    sinkAddrs[slot],
			Current: current,
			Target:  target,
			Delta:   new(big.Int).Sub(target, current),
		})
	}
	return plan, nil
}

func (a *Allocator) transfer(from, to crypto.Address, amount *big.Int) error {
	if err := a.tokens.Transfer(a.cfg.Stable, from, to, amount); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		return err
	}
	return nil
}
