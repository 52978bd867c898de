package indexer

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"

	"kusd/core/types"
)

// EventRow is one audit record as stored in the query index.
type EventRow struct {
	Sequence   uint64    `gorm:"primaryKey;autoIncrement:false"`
	Timestamp  time.Time `gorm:"index"`
	Op         string    `gorm:"index"`
	Type       string    `gorm:"index"`
	Account    string    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
}

// PriceSample stores an accepted upstream price observation.
type PriceSample struct {
	ID         uint      `gorm:"primaryKey"`
	Feed       string    `gorm:"index"`
	Provider   string    `gorm:"index"`
	Rate       string    `gorm:"not null"`
	ObservedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the index.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRow{}, &PriceSample{})
}

// accountKeys lists the attributes naming the principal an event concerns,
// in priority order.
var accountKeys = []string{"user", "account", "borrower", "signer"}

func rowFromRecord(rec types.Record) (EventRow, error) {
	attrs, err := json.Marshal(rec.Event.Attributes)
	if err != nil {
		return EventRow{}, err
	}
	row := EventRow{
		Sequence:   rec.Sequence,
		Timestamp:  time.Unix(rec.Timestamp, 0).UTC(),
		Op:         rec.Op,
		Type:       rec.Event.Type,
		Attributes: string(attrs),
	}
	for _, key := range accountKeys {
		if v := strings.TrimSpace(rec.Event.Attributes[key]); v != "" {
			row.Account = strings.ToLower(v)
			break
		}
	}
	return row, nil
}

func (r EventRow) record() (types.Record, error) {
	attrs := map[string]string{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return types.Record{}, err
		}
	}
	return types.Record{
		Sequence:  r.Sequence,
		Timestamp: r.Timestamp.Unix(),
		Op:        r.Op,
		Event:     types.Event{Type: r.Type, Attributes: attrs},
	}, nil
}
