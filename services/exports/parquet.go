package exports

import (
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"kusd/core/types"
)

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Timestamp  string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	Op         string `parquet:"name=op, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// accountKeys are checked in order to fill the account column.
var accountKeys = []string{"user", "account", "borrower", "signer"}

// WriteEventsParquet writes records as a snappy compressed Parquet file.
func WriteEventsParquet(w io.Writer, records []types.Record) error {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		attrs, err := attributesJSON(rec.Event.Attributes)
		if err != nil {
			pw.WriteStop()
			return err
		}
		row := &parquetRow{
			Sequence:   int64(rec.Sequence),
			Timestamp:  formatTimestamp(rec.Timestamp),
			Op:         rec.Op,
			Type:       rec.Event.Type,
			Account:    accountOf(rec.Event.Attributes),
			Attributes: attrs,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}

func accountOf(attrs map[string]string) string {
	for _, key := range accountKeys {
		if v := attrs[key]; v != "" {
			return v
		}
	}
	return ""
}
