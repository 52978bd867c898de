package routes

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kusd/core"
	"kusd/core/types"
	"kusd/crypto"
	"kusd/gateway/middleware"
	"kusd/native/allocator"
	"kusd/services/indexer"
)

// Ledger is the node surface the API serves.
type Ledger interface {
	Initialized() bool
	AccountSummary(addr crypto.Address) (*core.Summary, error)
	TotalValueLocked() (*big.Int, error)
	Weights() (allocator.Weights, error)
	RebalancePlan() ([]allocator.PlanEntry, error)
	Events(from uint64, limit int) ([]types.Record, error)
	AIRebalance(ctx context.Context, params allocator.RebalanceParams, signature []byte) (crypto.Address, error)
	SetPaused(ctx context.Context, caller crypto.Address, module string, paused bool) error
}

// Index answers filtered event and price history queries.
type Index interface {
	Query(ctx context.Context, f indexer.Filter) ([]types.Record, error)
	Samples(ctx context.Context, feed string, limit int) ([]indexer.PriceSample, error)
}

type Config struct {
	Ledger Ledger
	// Index is optional; without it /v1/events reads the ledger directly
	// and ignores filters.
	Index Index
	// Operator is the principal pause commands execute as.
	Operator      crypto.Address
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Rate limit keys used by the router.
const (
	LimitRead      = "read"
	LimitRebalance = "rebalance"
	LimitAdmin     = "admin"
)

func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	obs := cfg.Observability
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, cfg.Logger)
	}
	h := &handlers{ledger: cfg.Ledger, index: cfg.Index, operator: cfg.Operator, timeout: cfg.Timeout, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	r.With(obs.Middleware("healthz")).Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return cfg.RateLimiter.Middleware(key)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(limit(LimitRead))
			read.With(obs.Middleware("positions")).Get("/positions/{addr}", h.position)
			read.With(obs.Middleware("allocator_position")).Get("/allocator/{addr}", h.allocatorPosition)
			read.With(obs.Middleware("tvl")).Get("/tvl", h.tvl)
			read.With(obs.Middleware("weights")).Get("/weights", h.weights)
			read.With(obs.Middleware("rebalance_plan")).Get("/rebalance/plan", h.plan)
			read.With(obs.Middleware("events")).Get("/events", h.events)
			read.With(obs.Middleware("price_samples")).Get("/prices/{feed}/samples", h.priceSamples)
		})
		v1.With(limit(LimitRebalance), obs.Middleware("ai_rebalance")).Post("/rebalance/ai", h.aiRebalance)
		if cfg.Authenticator.Enabled() && !cfg.Operator.IsZero() {
			v1.With(limit(LimitAdmin), obs.Middleware("admin_pause"), cfg.Authenticator.Middleware("pause")).
				Post("/admin/pause", h.pause)
		}
	})
	return r, nil
}
