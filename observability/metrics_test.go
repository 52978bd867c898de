package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEngineMetrics(t *testing.T) {
	m := Engine()
	m.ObserveOp("collateral.borrow", time.Millisecond, nil)
	m.ObserveOp("collateral.borrow", time.Millisecond, errors.New("boom"))
	if got := testutil.ToFloat64(m.ops.WithLabelValues("collateral.borrow", "error")); got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}
	supply, _ := new(big.Int).SetString("2500000000000000000000", 10)
	m.SetSupply(supply, 18)
	if got := testutil.ToFloat64(m.supply); got != 2500 {
		t.Fatalf("expected supply 2500, got %v", got)
	}
}

func TestEventMetrics(t *testing.T) {
	m := Events()
	m.Record("Collateral.Deposit")
	m.Record("")
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("collateral.deposit")); got != 1 {
		t.Fatalf("expected one deposit, got %v", got)
	}
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected one unknown, got %v", got)
	}
}
