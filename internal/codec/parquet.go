package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"stockflow/models"
)

// PriceRow is the parquet layout of one price record. The schema is kept
// identical across every segment so the files stay queryable as a single
// logical table.
type PriceRow struct {
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Volume     int64   `parquet:"name=volume, type=INT64"`
	EventTime  int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	IngestTime int64   `parquet:"name=ingest_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// LatestRow is the parquet layout of one latest-snapshot entry. ingest_time
// is carried so event-time ties can be broken by the later ingest.
type LatestRow struct {
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Volume       int64   `parquet:"name=volume, type=INT64"`
	EventTime    int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	IngestTime   int64   `parquet:"name=ingest_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	EtlLoadingTs int64   `parquet:"name=etl_loading_ts, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memoryFile implements the ParquetFile interface for in-memory writing.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (mf *memoryFile) Create(name string) (source.ParquetFile, error) { return mf, nil }
func (mf *memoryFile) Open(name string) (source.ParquetFile, error)   { return mf, nil }

func (mf *memoryFile) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage; seeking is not required.
	return int64(mf.buffer.Len()), nil
}

func (mf *memoryFile) Read(b []byte) (int, error)  { return mf.buffer.Read(b) }
func (mf *memoryFile) Write(b []byte) (int, error) { return mf.buffer.Write(b) }
func (mf *memoryFile) Close() error                { return nil }
func (mf *memoryFile) Bytes() []byte               { return mf.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// MarshalPrices encodes records as one parquet segment.
func MarshalPrices(records []models.NormalizedRecord, compression string) ([]byte, error) {
	mf := newMemoryFile()
	pw, err := writer.NewParquetWriter(mf, new(PriceRow), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, rec := range records {
		row := PriceRow{
			Symbol:     rec.Symbol,
			Price:      rec.Price.InexactFloat64(),
			Volume:     rec.Volume,
			EventTime:  rec.EventTime.UTC().UnixMilli(),
			IngestTime: rec.IngestTime.UTC().UnixMilli(),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return mf.Bytes(), nil
}

// UnmarshalPrices decodes a parquet segment back into records. Used by the
// dedup index rebuild and by tests; values come back at the precision the
// segment stores (millisecond timestamps, fixed-precision prices).
func UnmarshalPrices(data []byte) ([]models.NormalizedRecord, error) {
	pf, err := buffer.NewBufferFile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet buffer: %w", err)
	}
	defer pf.Close()

	pr, err := reader.NewParquetReader(pf, new(PriceRow), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	rows := make([]PriceRow, num)
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}

	records := make([]models.NormalizedRecord, 0, num)
	for _, row := range rows {
		records = append(records, models.NormalizedRecord{
			Symbol:     row.Symbol,
			Price:      decimal.NewFromFloat(row.Price),
			Volume:     row.Volume,
			EventTime:  time.UnixMilli(row.EventTime).UTC(),
			IngestTime: time.UnixMilli(row.IngestTime).UTC(),
		})
	}
	return records, nil
}

// MarshalLatest encodes a single latest-view entry.
func MarshalLatest(entry models.LatestValueEntry, compression string) ([]byte, error) {
	mf := newMemoryFile()
	pw, err := writer.NewParquetWriter(mf, new(LatestRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	row := LatestRow{
		Symbol:       entry.Symbol,
		Price:        entry.Price.InexactFloat64(),
		Volume:       entry.Volume,
		EventTime:    entry.EventTime.UTC().UnixMilli(),
		IngestTime:   entry.IngestTime.UTC().UnixMilli(),
		EtlLoadingTs: entry.EtlLoadingTs.UTC().UnixMilli(),
	}
	if err := pw.Write(row); err != nil {
		pw.WriteStop()
		return nil, fmt.Errorf("failed to write parquet record: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return mf.Bytes(), nil
}

// UnmarshalLatest decodes a latest-view object written by MarshalLatest.
func UnmarshalLatest(data []byte) (models.LatestValueEntry, error) {
	pf, err := buffer.NewBufferFile(data)
	if err != nil {
		return models.LatestValueEntry{}, fmt.Errorf("failed to open parquet buffer: %w", err)
	}
	defer pf.Close()

	pr, err := reader.NewParquetReader(pf, new(LatestRow), 1)
	if err != nil {
		return models.LatestValueEntry{}, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	if pr.GetNumRows() == 0 {
		return models.LatestValueEntry{}, fmt.Errorf("latest-view object holds no rows")
	}
	rows := make([]LatestRow, 1)
	if err := pr.Read(&rows); err != nil {
		return models.LatestValueEntry{}, fmt.Errorf("failed to read parquet rows: %w", err)
	}

	row := rows[0]
	return models.LatestValueEntry{
		Symbol:       row.Symbol,
		Price:        decimal.NewFromFloat(row.Price),
		Volume:       row.Volume,
		EventTime:    time.UnixMilli(row.EventTime).UTC(),
		IngestTime:   time.UnixMilli(row.IngestTime).UTC(),
		EtlLoadingTs: time.UnixMilli(row.EtlLoadingTs).UTC(),
	}, nil
}
