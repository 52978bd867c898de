package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Record is an Event as persisted in the append-only audit log.
type Record struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	// Op names the ledger operation that produced the event.
	Op    string `json:"op"`
	Event Event  `json:"event"`
}
