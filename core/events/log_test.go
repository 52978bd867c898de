package events

import (
	"math/big"
	"testing"
	"time"

	"kusd/core/state"
	"kusd/crypto"
	"kusd/storage"
)

func TestBorrowEventAttributes(t *testing.T) {
	var user crypto.Address
	user[19] = 0x10
	evt := CollateralBorrow{User: user, Amount: big.NewInt(2000), Fee: big.NewInt(10)}.Event()
	if evt.Type != TypeCollateralBorrow {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["amount"] != "2000" || evt.Attributes["fee"] != "10" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["user"] != user.String() {
		t.Fatalf("unexpected user attr: %s", evt.Attributes["user"])
	}
}

func TestLogAppendAndRange(t *testing.T) {
	db := storage.NewMemDB()
	tx := state.NewJournal(db)
	log := NewLog(state.NewManager(tx))
	at := time.Unix(1_700_000_000, 0)

	buf := &Buffer{}
	buf.Emit(AllocatorRebalanced{RWA: 2500, LST: 2500, DeFi: 2500, Options: 2500})
	buf.Emit(AllocatorAIRebalance{Nonce: big.NewInt(1)})
	records, err := log.Append("allocator.aiRebalance", at, buf.Events())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(records) != 2 || records[0].Sequence != 1 || records[1].Sequence != 2 {
		t.Fatalf("unexpected records: %+v", records)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A discarded append leaves the committed log untouched.
	tx2 := state.NewJournal(db)
	if _, err := NewLog(state.NewManager(tx2)).Append("x", at, []Event{AllocatorWithdraw{}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	tx2.Discard()

	reader := NewLog(state.NewManager(state.NewView(db)))
	head, err := reader.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 2 {
		t.Fatalf("unexpected head: %d", head)
	}
	got, err := reader.Range(2, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0].Event.Type != TypeAllocatorAIRebalance {
		t.Fatalf("unexpected range result: %+v", got)
	}
	if got[0].Timestamp != at.Unix() || got[0].Op != "allocator.aiRebalance" {
		t.Fatalf("unexpected record metadata: %+v", got[0])
	}
}
