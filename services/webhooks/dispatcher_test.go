package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kusd/core/types"
)

func liquidation(seq uint64) types.Record {
	return types.Record{
		Sequence:  seq,
		Timestamp: 1700000000,
		Op:        "collateral.liquidate",
		Event: types.Event{
			Type:       "collateral.liquidation",
			Attributes: map[string]string{"user": "kusd1abc", "debtRepaid": "100"},
		},
	}
}

func TestDispatcherSignsPayload(t *testing.T) {
	secret := []byte("secret")
	var (
		mu        sync.Mutex
		signature string
		body      []byte
		eventHdr  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		body, signature, eventHdr = data, r.Header.Get(HeaderSignature), r.Header.Get(HeaderEvent)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, secret)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	dispatcher.Notify([]types.Record{liquidation(7)})

	waitFor(func() bool { mu.Lock(); defer mu.Unlock(); return signature != "" }, time.Second)
	mu.Lock()
	defer mu.Unlock()
	if signature == "" {
		t.Fatalf("expected signature header")
	}
	if !Verify(secret, body, signature) {
		t.Fatalf("signature %s does not verify", signature)
	}
	if eventHdr != "collateral.liquidation" {
		t.Fatalf("unexpected event header %q", eventHdr)
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Sequence != 7 || payload.Attributes["debtRepaid"] != "100" || payload.DeliveryID == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(liquidation(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second)
	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("expected retries, got %d", got)
	}
}

func TestDispatcherFiltersEventTypes(t *testing.T) {
	hits := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithEvents("collateral.liquidation"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()

	transfer := types.Record{Sequence: 1, Event: types.Event{Type: "token.transfer"}}
	dispatcher.Notify([]types.Record{transfer, liquidation(2)})
	waitFor(func() bool { return atomic.LoadInt32(&hits) >= 1 }, time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
}

func TestNewDispatcherValidates(t *testing.T) {
	if _, err := NewDispatcher(" ", []byte("x")); err != ErrEndpointRequired {
		t.Fatalf("expected endpoint error, got %v", err)
	}
	if _, err := NewDispatcher("http://localhost", nil); err != ErrSecretRequired {
		t.Fatalf("expected secret error, got %v", err)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	dispatcher, err := NewDispatcher("http://127.0.0.1:1", []byte("secret"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatcher.Close()
	if err := dispatcher.Enqueue(liquidation(1)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
