package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"kusd/core"
	"kusd/crypto"
	"kusd/gateway/middleware"
	"kusd/native/access"
	"kusd/native/allocator"
	"kusd/native/collateral"
	nativecommon "kusd/native/common"
	"kusd/native/oracle"
	"kusd/services/indexer"
)

const requestLimit = 64 << 10

type handlers struct {
	ledger   Ledger
	index    Index
	operator crypto.Address
	timeout  time.Duration
	logger   *slog.Logger
}

type assetJSON struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type positionJSON struct {
	Address         string      `json:"address"`
	Assets          []assetJSON `json:"assets"`
	CollateralValue string      `json:"collateralValue"`
	Debt            string      `json:"debt"`
	HealthFactor    string      `json:"healthFactor"`
}

type allocatorJSON struct {
	Address        string            `json:"address"`
	TotalDeposited string            `json:"totalDeposited"`
	Profile        string            `json:"profile"`
	Allocations    map[string]string `json:"allocations"`
	Reserve        string            `json:"reserve"`
}

type weightsJSON struct {
	RWA     uint64 `json:"rwaWeight"`
	LST     uint64 `json:"lstWeight"`
	DeFi    uint64 `json:"defiWeight"`
	Options uint64 `json:"optionsWeight"`
}

type planJSON struct {
	Slot    string `json:"slot"`
	Sink    string `json:"sink,omitempty"`
	Current string `json:"current"`
	Target  string `json:"target"`
	Delta   string `json:"delta"`
}

type rebalanceRequest struct {
	RWAWeight     uint64 `json:"rwaWeight"`
	LSTWeight     uint64 `json:"lstWeight"`
	DeFiWeight    uint64 `json:"defiWeight"`
	OptionsWeight uint64 `json:"optionsWeight"`
	Deadline      uint64 `json:"deadline"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if !h.ledger.Initialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "awaiting genesis"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) position(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	summary, err := h.ledger.AccountSummary(addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c := summary.Collateral
	out := positionJSON{
		Address:         addr.String(),
		Assets:          make([]assetJSON, 0, len(c.Assets)),
		CollateralValue: amount(c.CollateralValue),
		Debt:            amount(c.Debt),
		HealthFactor:    amount(c.HealthFactor),
	}
	for _, a := range c.Assets {
		out.Assets = append(out.Assets, assetJSON{Asset: a.Asset, Amount: amount(a.Amount)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) allocatorPosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	summary, err := h.ledger.AccountSummary(addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p := summary.Allocator
	out := allocatorJSON{
		Address:        addr.String(),
		TotalDeposited: amount(p.TotalDeposited),
		Profile:        allocator.Profile(p.Profile).String(),
		Allocations:    make(map[string]string, len(p.Allocations)),
		Reserve:        amount(p.Reserve),
	}
	for i, slot := range allocator.Slots() {
		if i < len(p.Allocations) {
			out.Allocations[slot.String()] = amount(p.Allocations[i])
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) tvl(w http.ResponseWriter, r *http.Request) {
	tvl, err := h.ledger.TotalValueLocked()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totalValueLocked": amount(tvl)})
}

func (h *handlers) weights(w http.ResponseWriter, r *http.Request) {
	wt, err := h.ledger.Weights()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, weightsJSON{RWA: wt.RWA, LST: wt.LST, DeFi: wt.DeFi, Options: wt.Options})
}

func (h *handlers) plan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.ledger.RebalancePlan()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]planJSON, 0, len(plan))
	for _, p := range plan {
		entry := planJSON{Slot: p.Slot.String(), Current: amount(p.Current), Target: amount(p.Target), Delta: amount(p.Delta)}
		if !p.Sink.IsZero() {
			entry.Sink = p.Sink.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseUint(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	limit, err := parseUint(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if h.index == nil {
		recs, err := h.ledger.Events(from, int(limit))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}
	filter := indexer.Filter{Type: q.Get("type"), Op: q.Get("op"), From: from, Limit: int(limit)}
	if raw := strings.TrimSpace(q.Get("account")); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid account")
			return
		}
		filter.Account = addr.String()
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	recs, err := h.index.Query(ctx, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) priceSamples(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, http.StatusNotFound, "price history not indexed")
		return
	}
	limit, err := parseUint(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	samples, err := h.index.Samples(ctx, chi.URLParam(r, "feed"), int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *handlers) aiRebalance(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, ok := new(big.Int).SetString(strings.TrimSpace(req.Nonce), 10)
	if !ok || nonce.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "nonce must be a non-negative decimal integer")
		return
	}
	sig, err := hexutil.Decode(strings.TrimSpace(req.Signature))
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature must be 0x-prefixed hex")
		return
	}
	params := allocator.RebalanceParams{
		RWAWeight:     req.RWAWeight,
		LSTWeight:     req.LSTWeight,
		DeFiWeight:    req.DeFiWeight,
		OptionsWeight: req.OptionsWeight,
		Deadline:      req.Deadline,
		Nonce:         nonce,
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	signer, err := h.ledger.AIRebalance(ctx, params, sig)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signer":  signer.String(),
		"nonce":   nonce.String(),
		"weights": weightsJSON{RWA: req.RWAWeight, LST: req.LSTWeight, DeFi: req.DeFiWeight, Options: req.OptionsWeight},
	})
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	module := strings.ToLower(strings.TrimSpace(req.Module))
	if module != collateral.Scope && module != allocator.Scope {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown module %q", req.Module))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.ledger.SetPaused(ctx, h.operator, module, req.Paused); err != nil {
		h.writeError(w, r, err)
		return
	}
	subject, _ := r.Context().Value(middleware.ContextKeySubject).(string)
	h.logger.Info("module pause toggled", "component", module, "paused", req.Paused, "subject", subject,
		"request_id", middleware.RequestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": req.Paused})
}

func (h *handlers) address(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return crypto.Address{}, false
	}
	return addr, true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotInitialized), errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, allocator.ErrInvalidSignature), errors.Is(err, allocator.ErrSignatureExpired):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, allocator.ErrNonceUsed):
		return http.StatusConflict
	case errors.Is(err, allocator.ErrInvalidWeights), errors.Is(err, allocator.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrStaleOrInvalidPrice):
		return http.StatusFailedDependency
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", "error", err, "path", r.URL.Path,
			"request_id", middleware.RequestIDFromContext(r.Context()))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseUint(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
