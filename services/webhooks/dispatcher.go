// Package webhooks forwards committed ledger events to an operator endpoint.
// Each delivery is an HMAC-SHA256 signed JSON body retried with exponential
// backoff.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kusd/core/types"
)

const (
	HeaderEvent      = "X-KUSD-Event"
	HeaderSignature  = "X-KUSD-Signature"
	HeaderDeliveryID = "X-KUSD-Delivery"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	queueSize          = 256
)

var (
	ErrEndpointRequired = errors.New("webhook: endpoint required")
	ErrSecretRequired   = errors.New("webhook: secret required")
	ErrClosed           = errors.New("webhook: dispatcher closed")
	ErrQueueFull        = errors.New("webhook: queue full")
)

// Payload is the JSON body of a delivery.
type Payload struct {
	DeliveryID string            `json:"deliveryId"`
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Op         string            `json:"op"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Dispatcher delivers events from a bounded queue on a single worker.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	events      map[string]struct{}
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	id        string
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithEvents restricts deliveries to the listed event types. An empty list
// forwards everything.
func WithEvents(eventTypes ...string) Option {
	return func(d *Dispatcher) {
		if len(eventTypes) == 0 {
			d.events = nil
			return
		}
		d.events = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			if t = strings.TrimSpace(t); t != "" {
				d.events[t] = struct{}{}
			}
		}
	}
}

// WithLogger sets the logger used for failed deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, queueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops the dispatcher and waits for the inflight delivery to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Notify enqueues the subscribed records of a commit. It never blocks the
// caller; records that do not fit the queue are dropped and logged.
func (d *Dispatcher) Notify(records []types.Record) {
	for _, rec := range records {
		if err := d.Enqueue(rec); err != nil && !errors.Is(err, ErrClosed) {
			d.logger.Warn("webhook enqueue failed", "type", rec.Event.Type, "sequence", rec.Sequence, "error", err)
		}
	}
}

// Enqueue schedules a single record for delivery when its type is subscribed.
func (d *Dispatcher) Enqueue(rec types.Record) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if !d.subscribed(rec.Event.Type) {
		return nil
	}
	payload := Payload{
		DeliveryID: uuid.NewString(),
		Sequence:   rec.Sequence,
		Timestamp:  rec.Timestamp,
		Op:         rec.Op,
		Type:       rec.Event.Type,
		Attributes: rec.Event.Attributes,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case d.queue <- delivery{id: payload.DeliveryID, eventType: payload.Type, body: body}:
		return nil
	case <-d.ctx.Done():
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) subscribed(eventType string) bool {
	if len(d.events) == 0 {
		return true
	}
	_, ok := d.events[eventType]
	return ok
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	backoff := d.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Error("webhook delivery abandoned", "delivery", job.id, "type", job.eventType, "attempts", attempt, "error", err)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.eventType)
	req.Header.Set(HeaderDeliveryID, job.id)
	req.Header.Set(HeaderSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
