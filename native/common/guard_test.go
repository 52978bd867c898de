package common

import (
	"errors"
	"testing"

	"kusd/core/state"
	"kusd/storage"
)

func TestGuardUsesPersistedSwitch(t *testing.T) {
	pauses := NewPauses(state.NewManager(state.NewJournal(storage.NewMemDB())))
	if err := Guard(pauses, "collateral"); err != nil {
		t.Fatalf("unexpected guard error: %v", err)
	}
	if err := pauses.SetPaused("Collateral", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := Guard(pauses, "collateral"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "allocator"); err != nil {
		t.Fatalf("unrelated module paused: %v", err)
	}
	if err := pauses.SetPaused("collateral", false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := Guard(pauses, "collateral"); err != nil {
		t.Fatalf("guard after unpause: %v", err)
	}
	if err := Guard(nil, "collateral"); err != nil {
		t.Fatalf("nil pause view must not block: %v", err)
	}
}
