package allocator

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	nativecommon "kusd/native/common"
	"kusd/native/subvault"
	"kusd/native/token"
	"kusd/storage"
)

var testChainID = big.NewInt(31337)

func addr(b byte) crypto.Address {
	var a crypto.Address
	a[19] = b
	return a
}

type fixture struct {
	alloc  *Allocator
	tokens *token.Engine
	ctrl   *access.Controller
	pauses *nativecommon.Pauses
	vaults map[string]*subvault.Vault
	admin  crypto.Address
	self   crypto.Address
	signer *crypto.PrivateKey
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr := state.NewManager(state.NewJournal(storage.NewMemDB()))
	ctrl := access.New(mgr)
	tokens := token.New(mgr, ctrl)
	if err := tokens.Register("KUSD", "KUSD", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	admin := addr(0xAA)
	self := crypto.ModuleAddress("allocator")
	bootstrap := func(scope string, role access.Role, who crypto.Address) {
		if err := ctrl.Bootstrap(scope, role, who); err != nil {
			t.Fatalf("bootstrap %s %s: %v", scope, role, err)
		}
	}
	bootstrap(token.Scope("KUSD"), access.Minter, admin)
	bootstrap(Scope, access.Admin, admin)
	bootstrap(Scope, access.Rebalancer, admin)

	vaults := make(map[string]*subvault.Vault)
	byAddr := make(map[crypto.Address]Sink)
	for _, name := range []string{"rwa", "lst", "defi", "options"} {
		v := subvault.New(mgr, ctrl, tokens, name, "KUSD")
		bootstrap(subvault.Scope(name), access.Admin, admin)
		bootstrap(subvault.Scope(name), access.VaultManager, self)
		bootstrap(Scope, access.Vault, v.Address())
		vaults[name] = v
		byAddr[v.Address()] = v
	}

	signer, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	f := &fixture{
		tokens: tokens,
		ctrl:   ctrl,
		pauses: nativecommon.NewPauses(mgr),
		vaults: vaults,
		admin:  admin,
		self:   self,
		signer: signer,
		now:    time.Unix(1_700_000_000, 0),
	}
	f.alloc = New(mgr, ctrl, tokens, func(a crypto.Address) (Sink, bool) {
		s, ok := byAddr[a]
		return s, ok
	}, Config{Address: self, ChainID: testChainID, Stable: "kusd"}, func() time.Time { return f.now })
	f.alloc.SetPauses(f.pauses)
	if err := f.alloc.SetSigner(admin, signer.PubKey().Address()); err != nil {
		t.Fatalf("set signer: %v", err)
	}
	if err := f.alloc.SetVaults(admin, vaults["rwa"].Address(), vaults["lst"].Address(), vaults["defi"].Address(), vaults["options"].Address()); err != nil {
		t.Fatalf("set vaults: %v", err)
	}
	return f
}

func (f *fixture) fund(t *testing.T, user crypto.Address, amount int64) {
	t.Helper()
	if err := f.tokens.Mint(f.admin, "KUSD", user, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, who crypto.Address) int64 {
	t.Helper()
	bal, err := f.tokens.BalanceOf("KUSD", who)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) signed(t *testing.T, key *crypto.PrivateKey, p RebalanceParams) []byte {
	t.Helper()
	sig, err := SignRebalance(key, p, f.self, testChainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestDepositRejectsUnknownProfile(t *testing.T) {
	f := newFixture(t)
	user := addr(1)
	f.fund(t, user, 1000)
	if err := f.alloc.Deposit(user, big.NewInt(100), Profile(5)); !errors.Is(err, ErrInvalidRiskProfile) {
		t.Fatalf("expected invalid profile, got %v", err)
	}
	if err := f.alloc.Deposit(user, big.NewInt(0), Balanced); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestBalancedDepositRoutesByTable(t *testing.T) {
	f := newFixture(t)
	user := addr(1)
	f.fund(t, user, 1000)
	if err := f.alloc.Deposit(user, big.NewInt(1000), Balanced); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	rwa, _ := f.vaults["rwa"].BalanceOf(user)
	lst, _ := f.vaults["lst"].BalanceOf(user)
	defi, _ := f.vaults["defi"].BalanceOf(user)
	if rwa.Int64() != 500 || lst.Int64() != 400 || defi.Sign() != 0 {
		t.Fatalf("unexpected routing rwa=%s lst=%s defi=%s", rwa, lst, defi)
	}
	pos, err := f.alloc.Position(user)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.TotalDeposited.Int64() != 1000 || pos.Reserve.Int64() != 100 || pos.Profile != uint8(Balanced) {
		t.Fatalf("unexpected position %+v", pos)
	}
	if got := f.balance(t, f.self); got != 100 {
		t.Fatalf("expected reserve of 100 in custody, got %d", got)
	}
	if got := f.balance(t, user); got != 0 {
		t.Fatalf("expected user drained, got %d", got)
	}
}

func TestDepositKeepsUnsetSinkShareInReserve(t *testing.T) {
	f := newFixture(t)
	if err := f.alloc.SetVaults(f.admin, f.vaults["rwa"].Address(), crypto.Address{}, crypto.Address{}, crypto.Address{}); err != nil {
		t.Fatalf("set vaults: %v", err)
	}
	user := addr(1)
	f.fund(t, user, 1000)
	if err := f.alloc.Deposit(user, big.NewInt(1000), Aggressive); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pos, _ := f.alloc.Position(user)
	if pos.Allocations[SlotRWA].Int64() != 300 || pos.Reserve.Int64() != 700 {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestWithdrawProRata(t *testing.T) {
	f := newFixture(t)
	user := addr(1)
	f.fund(t, user, 1000)
	if err := f.alloc.Deposit(user, big.NewInt(1000), Balanced); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.alloc.Withdraw(user, big.NewInt(1001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := f.alloc.Withdraw(user, big.NewInt(333)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.balance(t, user); got != 333 {
		t.Fatalf("expected 333 returned, got %d", got)
	}
	pos, _ := f.alloc.Position(user)
	if pos.TotalDeposited.Int64() != 667 {
		t.Fatalf("unexpected deposited %s", pos.TotalDeposited)
	}
	sum := new(big.Int).Set(pos.Reserve)
	for _, a := range pos.Allocations {
		sum.Add(sum, a)
	}
	if sum.Int64() != 667 {
		t.Fatalf("allocations drifted from deposit: %s", sum)
	}
}

func TestFullWithdrawRestoresBalance(t *testing.T) {
	f := newFixture(t)
	user := addr(1)
	f.fund(t, user, 777)
	if err := f.alloc.Deposit(user, big.NewInt(777), Aggressive); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.alloc.Withdraw(user, big.NewInt(777)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.balance(t, user); got != 777 {
		t.Fatalf("expected full balance back, got %d", got)
	}
	tvl, err := f.alloc.TotalValueLocked()
	if err != nil {
		t.Fatalf("tvl: %v", err)
	}
	if tvl.Sign() != 0 {
		t.Fatalf("expected empty sinks, got %s", tvl)
	}
}

func TestDepositWhilePaused(t *testing.T) {
	f := newFixture(t)
	user := addr(1)
	f.fund(t, user, 100)
	if err := f.pauses.SetPaused(moduleName, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.alloc.Deposit(user, big.NewInt(100), Balanced); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
}

func TestManualRebalanceRequiresRebalancer(t *testing.T) {
	f := newFixture(t)
	w := Weights{RWA: 4000, LST: 3000, DeFi: 2000, Options: 1000}
	if err := f.alloc.ManualRebalance(addr(9), w); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.alloc.ManualRebalance(f.admin, Weights{RWA: 10_000, LST: 1}); !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("expected invalid weights, got %v", err)
	}
	if err := f.alloc.ManualRebalance(f.admin, w); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	got, _ := f.alloc.Weights()
	if got != w {
		t.Fatalf("unexpected weights %+v", got)
	}
}

func TestAIRebalance(t *testing.T) {
	f := newFixture(t)
	base := RebalanceParams{
		RWAWeight: 4000, LSTWeight: 3000, DeFiWeight: 2000, OptionsWeight: 1000,
		Deadline: uint64(f.now.Add(time.Hour).Unix()),
		Nonce:    big.NewInt(1),
	}

	signer, err := f.alloc.AIRebalance(base, f.signed(t, f.signer, base))
	if err != nil {
		t.Fatalf("ai rebalance: %v", err)
	}
	if signer != f.signer.PubKey().Address() {
		t.Fatalf("unexpected signer %s", signer)
	}
	w, _ := f.alloc.Weights()
	if w != base.Weights() {
		t.Fatalf("weights not applied: %+v", w)
	}

	t.Run("nonce reuse", func(t *testing.T) {
		if _, err := f.alloc.AIRebalance(base, f.signed(t, f.signer, base)); !errors.Is(err, ErrNonceUsed) {
			t.Fatalf("expected nonce used, got %v", err)
		}
	})

	t.Run("wrong signer", func(t *testing.T) {
		other, err := crypto.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		p := base
		p.Nonce = big.NewInt(2)
		if _, err := f.alloc.AIRebalance(p, f.signed(t, other, p)); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected invalid signature, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		p := base
		p.Nonce = big.NewInt(3)
		p.Deadline = uint64(f.now.Unix() - 1)
		if _, err := f.alloc.AIRebalance(p, f.signed(t, f.signer, p)); !errors.Is(err, ErrSignatureExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	for _, tc := range []struct {
		name string
		rwa  uint64
		ok   bool
	}{
		{"sum 11000", 5000, false},
		{"sum 9999", 3999, false},
		{"sum 10001", 4001, false},
		{"sum 10000", 4000, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			p.RWAWeight = tc.rwa
			p.Nonce = big.NewInt(int64(100 + tc.rwa))
			_, err := f.alloc.AIRebalance(p, f.signed(t, f.signer, p))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidWeights) {
				t.Fatalf("expected invalid weights, got %v", err)
			}
		})
	}

	t.Run("tampered params", func(t *testing.T) {
		p := base
		p.Nonce = big.NewInt(4)
		sig := f.signed(t, f.signer, p)
		p.RWAWeight, p.LSTWeight = p.LSTWeight, p.RWAWeight
		if _, err := f.alloc.AIRebalance(p, sig); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected invalid signature, got %v", err)
		}
	})
}

func TestTotalValueLockedSumsSinks(t *testing.T) {
	f := newFixture(t)
	if err := f.vaults["rwa"].ReportTotalAssets(f.admin, big.NewInt(1000)); err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := f.vaults["lst"].ReportTotalAssets(f.admin, big.NewInt(2000)); err != nil {
		t.Fatalf("report: %v", err)
	}
	tvl, err := f.alloc.TotalValueLocked()
	if err != nil {
		t.Fatalf("tvl: %v", err)
	}
	if tvl.Int64() != 3000 {
		t.Fatalf("expected 3000, got %s", tvl)
	}
}

func TestSetVaultsChecksSinks(t *testing.T) {
	f := newFixture(t)
	stranger := subvault.Address("unknown")
	if err := f.alloc.SetVaults(f.admin, stranger, crypto.Address{}, crypto.Address{}, crypto.Address{}); !errors.Is(err, ErrInvalidSink) {
		t.Fatalf("expected invalid sink, got %v", err)
	}
	if err := f.alloc.SetVaults(addr(9), crypto.Address{}, crypto.Address{}, crypto.Address{}, crypto.Address{}); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	user := addr(1)
	f.fund(t, user, 100)
	if err := f.alloc.Deposit(user, big.NewInt(100), Conservative); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.alloc.SetVaults(f.admin, crypto.Address{}, f.vaults["lst"].Address(), f.vaults["defi"].Address(), f.vaults["options"].Address()); !errors.Is(err, ErrSinkInUse) {
		t.Fatalf("expected sink in use, got %v", err)
	}
}

func TestRebalancePlan(t *testing.T) {
	f := newFixture(t)
	user := addr(1)
	f.fund(t, user, 1000)
	if err := f.alloc.Deposit(user, big.NewInt(1000), Balanced); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	plan, err := f.alloc.RebalancePlan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(plan))
	}
	// default weights target 250 per slot
	if plan[SlotRWA].Delta.Int64() != -250 || plan[SlotLST].Delta.Int64() != -150 || plan[SlotDeFi].Delta.Int64() != 250 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}
