package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/core/types"
	"kusd/crypto"
	"kusd/native/access"
	"kusd/native/allocator"
	"kusd/native/collateral"
	nativecommon "kusd/native/common"
	"kusd/native/oracle"
	"kusd/native/risk"
	"kusd/native/subvault"
	"kusd/native/token"
	"kusd/observability"
	"kusd/storage"
)

var (
	ErrNotInitialized     = errors.New("node: ledger has no genesis")
	ErrAlreadyInitialized = errors.New("node: genesis already applied")
)

var (
	// CollateralCustody holds deposited collateral and mints KUSD.
	CollateralCustody = crypto.ModuleAddress("collateral")
	// AllocatorAddress holds the allocator's reserve and is bound into
	// signed rebalance digests.
	AllocatorAddress = crypto.ModuleAddress("allocator")
)

var paramsKey = []byte("node/params")

// Params are the ledger-wide settings fixed at genesis.
type Params struct {
	Stable   string
	Treasury crypto.Address
	ChainID  uint64
	// Vaults lists sub-vault names in slot order; empty strings are unset.
	Vaults []string
}

// Engines is the set of native modules bound to one state overlay.
type Engines struct {
	State      *state.Manager
	Access     *access.Controller
	Pauses     *nativecommon.Pauses
	Tokens     *token.Engine
	Oracle     *oracle.Oracle
	Risk       *risk.Registry
	Collateral *collateral.Ledger
	Allocator  *allocator.Allocator
	Vaults     map[string]*subvault.Vault
}

// Node serialises state-changing operations. Each operation runs against a
// fresh journal and either commits in one batch, together with its events,
// or leaves no trace.
type Node struct {
	mu      sync.Mutex
	db      storage.Database
	sources *oracle.Sources
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	params  *Params
	hooks   []func([]types.Record)
}

type Option func(*Node)

// WithClock overrides the wall clock used for staleness and deadlines.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		if now != nil {
			n.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNode opens the ledger stored in db. Price sources referenced by feeds
// must be registered in sources; the node reads them on every valuation.
func NewNode(db storage.Database, sources *oracle.Sources, opts ...Option) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database required")
	}
	if sources == nil {
		sources = oracle.NewSources()
	}
	n := &Node{
		db:      db,
		sources: sources,
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("kusd/core"),
	}
	for _, opt := range opts {
		opt(n)
	}
	view := state.NewView(db)
	if err := state.EnsureStateVersion(view); err != nil {
		return nil, err
	}
	params := new(Params)
	ok, err := state.NewManager(view).KVGet(paramsKey, params)
	if err != nil {
		return nil, fmt.Errorf("node: load params: %w", err)
	}
	if ok {
		n.params = params
	}
	return n, nil
}

// Sources exposes the price source registry for feed updaters.
func (n *Node) Sources() *oracle.Sources { return n.sources }

// Initialized reports whether genesis has been applied.
func (n *Node) Initialized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params != nil
}

// Params returns a copy of the genesis settings.
func (n *Node) Params() (Params, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.params == nil {
		return Params{}, ErrNotInitialized
	}
	out := *n.params
	out.Vaults = append([]string(nil), n.params.Vaults...)
	return out, nil
}

// OnCommit registers fn to receive the event records of every committed
// operation. Hooks run with the node lock held and must not call back into
// the node.
func (n *Node) OnCommit(fn func([]types.Record)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks = append(n.hooks, fn)
}

func (n *Node) build(store state.Store, params *Params, emitter events.Emitter) *Engines {
	mgr := state.NewManager(store)
	ctrl := access.New(mgr)
	ctrl.SetEmitter(emitter)
	pauses := nativecommon.NewPauses(mgr)

	tokens := token.New(mgr, ctrl)
	tokens.SetEmitter(emitter)
	orc := oracle.New(mgr, ctrl, n.sources, n.now)
	orc.SetEmitter(emitter)
	rsk := risk.New(mgr, ctrl)
	rsk.SetEmitter(emitter)

	ledger := collateral.New(mgr, ctrl, orc, rsk, tokens, collateral.Config{
		Custody:  CollateralCustody,
		Treasury: params.Treasury,
		Stable:   params.Stable,
	})
	ledger.SetPauses(pauses)
	ledger.SetEmitter(emitter)

	vaults := make(map[string]*subvault.Vault, len(params.Vaults))
	byAddr := make(map[crypto.Address]allocator.Sink, len(params.Vaults))
	for _, name := range params.Vaults {
		if name == "" {
			continue
		}
		v := subvault.New(mgr, ctrl, tokens, name, params.Stable)
		v.SetEmitter(emitter)
		vaults[v.Name()] = v
		byAddr[v.Address()] = v
	}
	alloc := allocator.New(mgr, ctrl, tokens, func(addr crypto.Address) (allocator.Sink, bool) {
		sink, ok := byAddr[addr]
		return sink, ok
	}, allocator.Config{
		Address: AllocatorAddress,
		ChainID: new(big.Int).SetUint64(params.ChainID),
		Stable:  params.Stable,
	}, n.now)
	alloc.SetPauses(pauses)
	alloc.SetEmitter(emitter)

	return &Engines{
		State:      mgr,
		Access:     ctrl,
		Pauses:     pauses,
		Tokens:     tokens,
		Oracle:     orc,
		Risk:       rsk,
		Collateral: ledger,
		Allocator:  alloc,
		Vaults:     vaults,
	}
}

// Execute runs fn as one atomic operation named op. Events emitted by the
// engines are appended to the audit log in the same commit.
func (n *Node) Execute(ctx context.Context, op string, fn func(*Engines) error) ([]types.Record, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.params == nil {
		return nil, ErrNotInitialized
	}
	return n.executeLocked(ctx, op, n.params, fn)
}

func (n *Node) executeLocked(ctx context.Context, op string, params *Params, fn func(*Engines) error) (records []types.Record, err error) {
	_, span := n.tracer.Start(ctx, "kusd."+op, trace.WithAttributes(attribute.String("kusd.op", op)))
	start := time.Now()
	defer func() {
		observability.Engine().ObserveOp(op, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	journal := state.NewJournal(n.db)
	buffer := &events.Buffer{}
	eng := n.build(journal, params, buffer)
	if err := fn(eng); err != nil {
		journal.Discard()
		n.logger.Debug("operation rejected", "op", op, "error", err)
		return nil, err
	}
	records, err = events.NewLog(eng.State).Append(op, n.now(), buffer.Events())
	if err != nil {
		journal.Discard()
		return nil, fmt.Errorf("node: append events: %w", err)
	}
	if err := journal.Commit(); err != nil {
		return nil, fmt.Errorf("node: commit %s: %w", op, err)
	}
	for _, rec := range records {
		observability.Events().Record(rec.Event.Type)
	}
	span.SetAttributes(attribute.Int("kusd.events", len(records)))
	n.logger.Info("operation committed", "op", op, "events", len(records), "duration", time.Since(start))
	for _, hook := range n.hooks {
		hook(records)
	}
	return records, nil
}

// View runs fn against a read-only snapshot of committed state.
func (n *Node) View(fn func(*Engines) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.params == nil {
		return ErrNotInitialized
	}
	return fn(n.build(state.NewView(n.db), n.params, events.NoopEmitter{}))
}

func (n *Node) Deposit(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error {
	_, err := n.Execute(ctx, "collateral.deposit", func(e *Engines) error {
		return e.Collateral.Deposit(user, asset, amount)
	})
	return err
}

func (n *Node) WithdrawCollateral(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error {
	_, err := n.Execute(ctx, "collateral.withdraw", func(e *Engines) error {
		return e.Collateral.WithdrawCollateral(user, asset, amount)
	})
	return err
}

func (n *Node) Borrow(ctx context.Context, user crypto.Address, amount *big.Int) error {
	_, err := n.Execute(ctx, "collateral.borrow", func(e *Engines) error {
		return e.Collateral.Borrow(user, amount)
	})
	return err
}

// Repay returns the amount of debt actually repaid.
func (n *Node) Repay(ctx context.Context, user crypto.Address, amount *big.Int) (*big.Int, error) {
	var paid *big.Int
	_, err := n.Execute(ctx, "collateral.repay", func(e *Engines) error {
		var err error
		paid, err = e.Collateral.Repay(user, amount)
		return err
	})
	return paid, err
}

// Liquidate returns the amount of collateral seized.
func (n *Node) Liquidate(ctx context.Context, liquidator, borrower crypto.Address, asset string, repay *big.Int) (*big.Int, error) {
	var seized *big.Int
	_, err := n.Execute(ctx, "collateral.liquidate", func(e *Engines) error {
		var err error
		seized, err = e.Collateral.Liquidate(liquidator, borrower, asset, repay)
		return err
	})
	return seized, err
}

func (n *Node) AllocatorDeposit(ctx context.Context, user crypto.Address, amount *big.Int, profile allocator.Profile) error {
	_, err := n.Execute(ctx, "allocator.deposit", func(e *Engines) error {
		return e.Allocator.Deposit(user, amount, profile)
	})
	return err
}

func (n *Node) AllocatorWithdraw(ctx context.Context, user crypto.Address, amount *big.Int) error {
	_, err := n.Execute(ctx, "allocator.withdraw", func(e *Engines) error {
		return e.Allocator.Withdraw(user, amount)
	})
	return err
}

func (n *Node) ManualRebalance(ctx context.Context, caller crypto.Address, w allocator.Weights) error {
	_, err := n.Execute(ctx, "allocator.rebalance", func(e *Engines) error {
		return e.Allocator.ManualRebalance(caller, w)
	})
	return err
}

// AIRebalance applies a signed rebalance command and returns its signer.
func (n *Node) AIRebalance(ctx context.Context, params allocator.RebalanceParams, signature []byte) (crypto.Address, error) {
	var signer crypto.Address
	_, err := n.Execute(ctx, "allocator.ai_rebalance", func(e *Engines) error {
		var err error
		signer, err = e.Allocator.AIRebalance(params, signature)
		return err
	})
	return signer, err
}

// SetPaused toggles a module's pause switch. The caller must hold PAUSER in
// the module's scope.
func (n *Node) SetPaused(ctx context.Context, caller crypto.Address, module string, paused bool) error {
	_, err := n.Execute(ctx, "admin.pause", func(e *Engines) error {
		if err := e.Access.Require(module, access.Pauser, caller); err != nil {
			return err
		}
		return e.Pauses.SetPaused(module, paused)
	})
	return err
}

// Summary is the read API's view of one account.
type Summary struct {
	Collateral *collateral.Summary
	Allocator  *allocator.Position
}

func (n *Node) AccountSummary(addr crypto.Address) (*Summary, error) {
	out := new(Summary)
	err := n.View(func(e *Engines) error {
		var err error
		if out.Collateral, err = e.Collateral.Summary(addr); err != nil {
			return err
		}
		out.Allocator, err = e.Allocator.Position(addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Node) TotalValueLocked() (*big.Int, error) {
	var tvl *big.Int
	err := n.View(func(e *Engines) error {
		var err error
		tvl, err = e.Allocator.TotalValueLocked()
		return err
	})
	return tvl, err
}

func (n *Node) Weights() (allocator.Weights, error) {
	var w allocator.Weights
	err := n.View(func(e *Engines) error {
		var err error
		w, err = e.Allocator.Weights()
		return err
	})
	return w, err
}

func (n *Node) RebalancePlan() ([]allocator.PlanEntry, error) {
	var plan []allocator.PlanEntry
	err := n.View(func(e *Engines) error {
		var err error
		plan, err = e.Allocator.RebalancePlan()
		return err
	})
	return plan, err
}

// Events returns up to limit audit records starting at sequence from.
func (n *Node) Events(from uint64, limit int) ([]types.Record, error) {
	var out []types.Record
	err := n.View(func(e *Engines) error {
		var err error
		out, err = events.NewLog(e.State).Range(from, limit)
		return err
	})
	return out, err
}

// PublishGauges refreshes the supply and TVL gauges.
func (n *Node) PublishGauges() error {
	return n.View(func(e *Engines) error {
		stable := n.params.Stable
		supply, err := e.Tokens.TotalSupply(stable)
		if err != nil {
			return err
		}
		decimals, err := e.Tokens.Decimals(stable)
		if err != nil {
			return err
		}
		tvl, err := e.Allocator.TotalValueLocked()
		if err != nil {
			return err
		}
		observability.Engine().SetSupply(supply, decimals)
		observability.Engine().SetTVL(tvl, decimals)
		return nil
	})
}
