package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"kusd/core/types"
	"kusd/services/exports"
	"kusd/services/indexer"
)

func TestCollectRecordsPagesAndExports(t *testing.T) {
	store, err := indexer.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	total := indexer.MaxQueryLimit + 3
	recs := make([]types.Record, 0, total)
	for i := 1; i <= total; i++ {
		recs = append(recs, types.Record{
			Sequence:  uint64(i),
			Timestamp: 1700000000 + int64(i),
			Op:        "token.transfer",
			Event:     types.Event{Type: "token.transfer", Attributes: map[string]string{"amount": "1"}},
		})
	}
	if err := store.Index(context.Background(), recs); err != nil {
		t.Fatalf("index: %v", err)
	}

	got, err := collectRecords(context.Background(), store, indexer.Filter{From: 2})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != total-1 || got[0].Sequence != 2 || got[len(got)-1].Sequence != uint64(total) {
		t.Fatalf("unexpected page walk: %d records", len(got))
	}

	var out, status bytes.Buffer
	if err := writeExport(&out, &status, exports.FormatJSONL, got[:2]); err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Count(out.String(), "\n") != 2 {
		t.Fatalf("expected two lines, got %q", out.String())
	}
	if !strings.HasPrefix(status.String(), "sha256 ") {
		t.Fatalf("expected checksum on status writer, got %q", status.String())
	}
}
