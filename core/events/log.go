package events

import (
	"encoding/json"
	"fmt"
	"time"

	"kusd/core/state"
	"kusd/core/types"
)

var (
	logHeadKey   = []byte("events/head")
	logRecordKey = "events/record/%020d"
)

// MaxRangeLimit bounds a single Range query.
const MaxRangeLimit = 500

// Log is the append-only audit record store. Records are only ever added;
// nothing in this package rewrites or removes one.
type Log struct {
	state *state.Manager
}

// NewLog binds the log to a state manager. Appends become durable when the
// underlying journal commits.
func NewLog(mgr *state.Manager) *Log {
	return &Log{state: mgr}
}

// Append writes events in order and returns the stored records.
func (l *Log) Append(op string, at time.Time, evts []Event) ([]types.Record, error) {
	records := make([]types.Record, 0, len(evts))
	for _, evt := range evts {
		rendered := evt.Event()
		if rendered == nil {
			continue
		}
		seq, err := l.state.NextSequence(logHeadKey)
		if err != nil {
			return nil, err
		}
		record := types.Record{
			Sequence:  seq,
			Timestamp: at.Unix(),
			Op:        op,
			Event:     *rendered,
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("events: encode record: %w", err)
		}
		if err := l.state.RawPut(recordKey(seq), encoded); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Head returns the sequence number of the newest record, or zero when empty.
func (l *Log) Head() (uint64, error) {
	return l.state.Sequence(logHeadKey)
}

// Get returns the record with the given sequence number.
func (l *Log) Get(seq uint64) (*types.Record, error) {
	data, err := l.state.RawGet(recordKey(seq))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	record := new(types.Record)
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("events: decode record %d: %w", seq, err)
	}
	return record, nil
}

// Range returns up to limit records starting at sequence from (inclusive).
func (l *Log) Range(from uint64, limit int) ([]types.Record, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 || limit > MaxRangeLimit {
		limit = MaxRangeLimit
	}
	head, err := l.Head()
	if err != nil {
		return nil, err
	}
	out := make([]types.Record, 0)
	for seq := from; seq <= head && len(out) < limit; seq++ {
		record, err := l.Get(seq)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, *record)
		}
	}
	return out, nil
}

func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf(logRecordKey, seq))
}
