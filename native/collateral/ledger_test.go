package collateral

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	nativecommon "kusd/native/common"
	"kusd/native/oracle"
	"kusd/native/risk"
	"kusd/native/token"
	"kusd/storage"
)

func makeAddress(b byte) crypto.Address {
	var a crypto.Address
	a[0] = 0xC0
	a[19] = b
	return a
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), wad)
}

func usdc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

type fixture struct {
	mgr        *state.Manager
	ledger     *Ledger
	tokens     *token.Engine
	oracle     *oracle.Oracle
	risk       *risk.Registry
	access     *access.Controller
	wethFeed   *oracle.PushFeed
	usdcFeed   *oracle.PushFeed
	events     *events.Buffer
	now        time.Time
	admin      crypto.Address
	custody    crypto.Address
	treasury   crypto.Address
	user       crypto.Address
	liquidator crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:        time.Unix(1_700_000_000, 0),
		admin:      makeAddress(0x01),
		custody:    crypto.ModuleAddress("collateral"),
		treasury:   makeAddress(0x02),
		user:       makeAddress(0x10),
		liquidator: makeAddress(0x20),
		events:     &events.Buffer{},
	}
	f.mgr = state.NewManager(state.NewJournal(storage.NewMemDB()))
	f.access = access.New(f.mgr)
	boot := func(scope string, role access.Role, who crypto.Address) {
		if err := f.access.Bootstrap(scope, role, who); err != nil {
			t.Fatalf("bootstrap %s/%s: %v", scope, role, err)
		}
	}
	for _, scope := range []string{Scope, oracle.Scope, risk.Scope} {
		boot(scope, access.Admin, f.admin)
	}
	for _, sym := range []string{"KUSD", "WETH", "USDC"} {
		boot(token.Scope(sym), access.Minter, f.admin)
	}
	boot(token.Scope("KUSD"), access.Minter, f.custody)
	boot(token.Scope("KUSD"), access.Burner, f.custody)
	boot(Scope, access.Liquidator, f.liquidator)

	f.tokens = token.New(f.mgr, f.access)
	mustNoErr(t, f.tokens.Register("KUSD", "KUSD Stablecoin", 18))
	mustNoErr(t, f.tokens.Register("WETH", "Wrapped Ether", 18))
	mustNoErr(t, f.tokens.Register("USDC", "USD Coin", 6))

	f.wethFeed = oracle.NewPushFeed(8)
	f.usdcFeed = oracle.NewPushFeed(8)
	sources := oracle.NewSources()
	sources.Register("weth-usd", f.wethFeed)
	sources.Register("usdc-usd", f.usdcFeed)
	f.oracle = oracle.New(f.mgr, f.access, sources, func() time.Time { return f.now })
	mustNoErr(t, f.oracle.SetPriceFeed(f.admin, "WETH", "weth-usd", 18, time.Hour))
	mustNoErr(t, f.oracle.SetPriceFeed(f.admin, "USDC", "usdc-usd", 6, time.Hour))
	f.setPrice(f.wethFeed, 3000)
	f.setPrice(f.usdcFeed, 1)

	f.risk = risk.New(f.mgr, f.access)
	mustNoErr(t, f.risk.SetTokenRisk(f.admin, "WETH", risk.Params{MaxLTV: 7500, LiquidationThreshold: 8500, LiquidationBonus: 1000, MaxSupply: ether(10_000)}))
	mustNoErr(t, f.risk.SetTokenRisk(f.admin, "USDC", risk.Params{MaxLTV: 9000, LiquidationThreshold: 9500, LiquidationBonus: 500, MaxSupply: usdc(50_000_000)}))

	f.ledger = New(f.mgr, f.access, f.oracle, f.risk, f.tokens, Config{Custody: f.custody, Treasury: f.treasury, Stable: "kusd"})
	f.ledger.SetEmitter(f.events)
	mustNoErr(t, f.ledger.AddCollateralToken(f.admin, "WETH", ether(10_000)))
	mustNoErr(t, f.ledger.AddCollateralToken(f.admin, "USDC", usdc(50_000_000)))

	mustNoErr(t, f.tokens.Mint(f.admin, "WETH", f.user, ether(10)))
	mustNoErr(t, f.tokens.Mint(f.admin, "USDC", f.user, usdc(10_000)))
	f.events.Reset()
	return f
}

func (f *fixture) setPrice(feed *oracle.PushFeed, dollars int64) {
	feed.Push(new(big.Int).Mul(big.NewInt(dollars), big.NewInt(100_000_000)), f.now)
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDepositValuesCollateral(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))

	pos, err := f.ledger.Position(f.user)
	mustNoErr(t, err)
	if pos.CollateralValue.Cmp(ether(3000)) != 0 {
		t.Fatalf("unexpected collateral value: %s", pos.CollateralValue)
	}
	if pos.Holding("WETH").Cmp(ether(1)) != 0 {
		t.Fatalf("unexpected holding: %s", pos.Holding("WETH"))
	}
	custody, _ := f.tokens.BalanceOf("WETH", f.custody)
	if custody.Cmp(ether(1)) != 0 {
		t.Fatalf("collateral not in custody: %s", custody)
	}
	evts := f.events.Events()
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	dep, ok := evts[0].(events.CollateralDeposit)
	if !ok || dep.USDValue.Cmp(ether(3000)) != 0 || dep.Amount.Cmp(ether(1)) != 0 || dep.User != f.user {
		t.Fatalf("unexpected deposit event: %+v", evts[0])
	}
}

func TestDepositRejections(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.tokens.Register("UNSUP", "Unsupported", 18))
	mustNoErr(t, f.access.Bootstrap(token.Scope("UNSUP"), access.Minter, f.admin))
	mustNoErr(t, f.tokens.Mint(f.admin, "UNSUP", f.user, ether(1)))

	if err := f.ledger.Deposit(f.user, "UNSUP", ether(1)); !errors.Is(err, ErrTokenNotSupported) {
		t.Fatalf("expected ErrTokenNotSupported, got %v", err)
	}
	if err := f.ledger.Deposit(f.user, "WETH", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.ledger.Deposit(f.user, "WETH", ether(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	mustNoErr(t, f.ledger.AddCollateralToken(f.admin, "WETH", ether(2)))
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(2)))
	if err := f.ledger.Deposit(f.user, "WETH", big.NewInt(1)); !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("expected ErrSupplyCapExceeded, got %v", err)
	}
	if err := f.ledger.AddCollateralToken(f.user, "WETH", ether(5)); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized listing, got %v", err)
	}
	if err := f.ledger.AddCollateralToken(f.admin, "UNSUP", ether(5)); !errors.Is(err, risk.ErrTokenNotSupported) {
		t.Fatalf("listing without risk params must fail, got %v", err)
	}
}

func TestBorrowChargesFeeAndEnforcesLTV(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))

	if err := f.ledger.Borrow(f.user, ether(2500)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	mustNoErr(t, f.ledger.Borrow(f.user, ether(2000)))

	balance, _ := f.tokens.BalanceOf("KUSD", f.user)
	if balance.Cmp(ether(2000)) != 0 {
		t.Fatalf("unexpected KUSD balance: %s", balance)
	}
	pos, _ := f.ledger.Position(f.user)
	if pos.Debt.Cmp(ether(2010)) != 0 {
		t.Fatalf("unexpected debt: %s", pos.Debt)
	}
	fee, _ := f.tokens.BalanceOf("KUSD", f.treasury)
	if fee.Cmp(ether(10)) != 0 {
		t.Fatalf("unexpected treasury fee: %s", fee)
	}
	supply, _ := f.tokens.TotalSupply("KUSD")
	if supply.Cmp(pos.Debt) != 0 {
		t.Fatalf("supply %s differs from debt %s", supply, pos.Debt)
	}
	if err := f.ledger.Borrow(f.user, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestOriginationFeeIsHalfPercent(t *testing.T) {
	for _, amount := range []int64{1, 199, 200, 10_000, 123_456_789} {
		got := OriginationFee(big.NewInt(amount))
		if want := amount * 50 / 10_000; got.Int64() != want {
			t.Fatalf("fee(%d) = %s, want %d", amount, got, want)
		}
	}
}

func TestBorrowUsesWeightedMaxLTV(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
	mustNoErr(t, f.ledger.Deposit(f.user, "USDC", usdc(1000)))

	// Limit is 3000*0.75 + 1000*0.90 = 3150.
	if err := f.ledger.Borrow(f.user, ether(3135)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral at 3135, got %v", err)
	}
	mustNoErr(t, f.ledger.Borrow(f.user, ether(3134)))
}

func TestRepayReducesDebt(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
	mustNoErr(t, f.ledger.Borrow(f.user, ether(1000)))
	f.events.Reset()

	paid, err := f.ledger.Repay(f.user, ether(500))
	mustNoErr(t, err)
	if paid.Cmp(ether(500)) != 0 {
		t.Fatalf("unexpected paid amount: %s", paid)
	}
	pos, _ := f.ledger.Position(f.user)
	if pos.Debt.Cmp(ether(505)) != 0 {
		t.Fatalf("unexpected debt after repay: %s", pos.Debt)
	}
	rep, ok := f.events.Events()[len(f.events.Events())-1].(events.CollateralRepay)
	if !ok || rep.RemainingDebt.Cmp(ether(505)) != 0 {
		t.Fatalf("unexpected repay event: %+v", f.events.Events())
	}

	if _, err := f.ledger.Repay(f.user, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero repay, got %v", err)
	}

	// Repay works with a stale oracle and caps at outstanding debt.
	f.now = f.now.Add(2 * time.Hour)
	mustNoErr(t, f.tokens.Mint(f.admin, "KUSD", f.user, ether(100)))
	paid, err = f.ledger.Repay(f.user, ether(10_000))
	mustNoErr(t, err)
	if paid.Cmp(ether(505)) != 0 {
		t.Fatalf("repay not capped at debt: %s", paid)
	}
	if _, err := f.ledger.Repay(f.user, ether(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestStalePriceBlocksBorrow(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
	f.now = f.now.Add(time.Hour + time.Second)
	if err := f.ledger.Borrow(f.user, ether(1)); !errors.Is(err, oracle.ErrStaleOrInvalidPrice) {
		t.Fatalf("expected stale price error, got %v", err)
	}
	if err := f.ledger.Deposit(f.user, "WETH", ether(1)); !errors.Is(err, oracle.ErrStaleOrInvalidPrice) {
		t.Fatalf("expected stale price error on deposit, got %v", err)
	}
}

func TestWithdrawCollateralKeepsPositionWithinLTV(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
	mustNoErr(t, f.ledger.Borrow(f.user, ether(2000)))

	half := new(big.Int).Div(ether(1), big.NewInt(2))
	if err := f.ledger.WithdrawCollateral(f.user, "WETH", half); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	tenth := new(big.Int).Div(ether(1), big.NewInt(10))
	mustNoErr(t, f.ledger.WithdrawCollateral(f.user, "WETH", tenth))
	pos, _ := f.ledger.Position(f.user)
	if pos.CollateralValue.Cmp(ether(2700)) != 0 {
		t.Fatalf("unexpected collateral value: %s", pos.CollateralValue)
	}
	if err := f.ledger.WithdrawCollateral(f.user, "WETH", ether(5)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	listings, err := f.ledger.Listings()
	mustNoErr(t, err)
	for _, l := range listings {
		if l.Asset == "WETH" && l.TotalDeposited.Cmp(new(big.Int).Sub(ether(1), tenth)) != 0 {
			t.Fatalf("unexpected WETH total: %s", l.TotalDeposited)
		}
	}
}

func TestLiquidateUnhealthyPosition(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
	mustNoErr(t, f.ledger.Borrow(f.user, ether(2000)))
	mustNoErr(t, f.tokens.Mint(f.admin, "KUSD", f.liquidator, ether(1000)))

	if _, err := f.ledger.Liquidate(f.liquidator, f.user, "WETH", ether(100)); !errors.Is(err, ErrPositionNotLiquidatable) {
		t.Fatalf("healthy position liquidated: %v", err)
	}

	f.setPrice(f.wethFeed, 2000)
	if _, err := f.ledger.Liquidate(f.user, f.user, "WETH", ether(1000)); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized liquidation, got %v", err)
	}
	if _, err := f.ledger.Liquidate(f.liquidator, f.user, "USDC", ether(1000)); !errors.Is(err, ErrTokenNotSupported) {
		t.Fatalf("expected ErrTokenNotSupported for asset not held, got %v", err)
	}

	seized, err := f.ledger.Liquidate(f.liquidator, f.user, "WETH", ether(1000))
	mustNoErr(t, err)
	// 1000 * 1.1 / 2000 = 0.55 WETH
	want := new(big.Int).Div(new(big.Int).Mul(ether(55), big.NewInt(1)), big.NewInt(100))
	if seized.Cmp(want) != 0 {
		t.Fatalf("unexpected seized amount: %s", seized)
	}
	got, _ := f.tokens.BalanceOf("WETH", f.liquidator)
	if got.Cmp(want) != 0 {
		t.Fatalf("liquidator did not receive collateral: %s", got)
	}
	pos, _ := f.ledger.Position(f.user)
	if pos.Debt.Cmp(ether(1010)) != 0 {
		t.Fatalf("unexpected remaining debt: %s", pos.Debt)
	}
	if pos.Holding("WETH").Cmp(new(big.Int).Sub(ether(1), want)) != 0 {
		t.Fatalf("unexpected remaining collateral: %s", pos.Holding("WETH"))
	}
	if pos.CollateralValue.Cmp(ether(900)) != 0 {
		t.Fatalf("position not revalued: %s", pos.CollateralValue)
	}
	liqBalance, _ := f.tokens.BalanceOf("KUSD", f.liquidator)
	if liqBalance.Sign() != 0 {
		t.Fatalf("repay amount not burned: %s", liqBalance)
	}
}

func TestLiquidationSeizureCappedAtHoldings(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
	mustNoErr(t, f.ledger.Borrow(f.user, ether(2000)))
	mustNoErr(t, f.tokens.Mint(f.admin, "KUSD", f.liquidator, ether(3000)))

	f.setPrice(f.wethFeed, 1000)
	seized, err := f.ledger.Liquidate(f.liquidator, f.user, "WETH", ether(3000))
	mustNoErr(t, err)
	if seized.Cmp(ether(1)) != 0 {
		t.Fatalf("seizure not capped at holdings: %s", seized)
	}
	pos, _ := f.ledger.Position(f.user)
	if pos.Debt.Sign() != 0 {
		t.Fatalf("repay not capped at debt, remaining %s", pos.Debt)
	}
	left, _ := f.tokens.BalanceOf("KUSD", f.liquidator)
	if left.Cmp(ether(990)) != 0 {
		t.Fatalf("liquidator charged beyond debt: %s", left)
	}
}

func TestLiquidationBoundary(t *testing.T) {
	// debt 2010, threshold 85%: liquidatable iff value*8500 < 2010*10000,
	// i.e. value < 2364.70...
	for _, tc := range []struct {
		price int64
		ok    bool
	}{
		{price: 2365, ok: false},
		{price: 2364, ok: true},
		{price: 3000, ok: false},
		{price: 1500, ok: true},
	} {
		f := newFixture(t)
		mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
		mustNoErr(t, f.ledger.Borrow(f.user, ether(2000)))
		mustNoErr(t, f.tokens.Mint(f.admin, "KUSD", f.liquidator, ether(10)))
		f.setPrice(f.wethFeed, tc.price)

		_, err := f.ledger.Liquidate(f.liquidator, f.user, "WETH", ether(10))
		if tc.ok && err != nil {
			t.Fatalf("price %d: expected liquidation, got %v", tc.price, err)
		}
		if !tc.ok && !errors.Is(err, ErrPositionNotLiquidatable) {
			t.Fatalf("price %d: expected ErrPositionNotLiquidatable, got %v", tc.price, err)
		}
	}
}

func TestHealthFactor(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))

	hf, err := f.ledger.HealthFactor(f.user)
	mustNoErr(t, err)
	if hf.Cmp(MaxHealthFactor) != 0 {
		t.Fatalf("expected max health factor without debt, got %s", hf)
	}

	mustNoErr(t, f.ledger.Borrow(f.user, ether(1000)))
	hf, err = f.ledger.HealthFactor(f.user)
	mustNoErr(t, err)
	// 3000e18 * 1e18 / 1005e18
	lo, _ := new(big.Int).SetString("2975000000000000000", 10)
	hi, _ := new(big.Int).SetString("2995000000000000000", 10)
	if hf.Cmp(lo) < 0 || hf.Cmp(hi) > 0 {
		t.Fatalf("unexpected health factor: %s", hf)
	}

	stranger, err := f.ledger.HealthFactor(makeAddress(0x99))
	mustNoErr(t, err)
	if stranger.Cmp(MaxHealthFactor) != 0 {
		t.Fatalf("unknown borrower must report max, got %s", stranger)
	}
}

func TestPausedModuleBlocksNewRisk(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Deposit(f.user, "WETH", ether(1)))
	mustNoErr(t, f.ledger.Borrow(f.user, ether(100)))

	pauses := nativecommon.NewPauses(f.mgr)
	f.ledger.SetPauses(pauses)
	mustNoErr(t, pauses.SetPaused(moduleName, true))

	if err := f.ledger.Borrow(f.user, ether(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused borrow, got %v", err)
	}
	if err := f.ledger.Deposit(f.user, "WETH", ether(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused deposit, got %v", err)
	}
	if _, err := f.ledger.Repay(f.user, ether(50)); err != nil {
		t.Fatalf("repay must stay open while paused: %v", err)
	}
}
