package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind identifies which delivery path produced a payload.
type SourceKind string

const (
	SourceBatch  SourceKind = "batch"
	SourceStream SourceKind = "stream"
)

// Encoding identifies how the raw payload bytes are laid out.
type Encoding string

const (
	EncodingCSV       Encoding = "csv"
	EncodingJSONLines Encoding = "jsonl"
)

// RawPayload is an opaque blob handed to the pipeline by the delivery
// channel. It is discarded after normalization.
type RawPayload struct {
	Path       string
	Data       []byte
	Encoding   Encoding
	Source     SourceKind
	ReceivedAt time.Time
}

// NormalizedRecord is a single validated price observation. Immutable once
// produced by the normalizer.
type NormalizedRecord struct {
	Symbol     string
	Price      decimal.Decimal
	Volume     int64
	EventTime  time.Time
	IngestTime time.Time
}

// Identity derives the deduplication key for a record. The same rule is
// applied on both the batch and stream paths: symbol, event time at
// millisecond precision and the price rendered at fixed precision, so the
// identity survives a parquet round trip and an index rebuild reproduces
// the exact same keys.
func (r NormalizedRecord) Identity() string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%s", r.Symbol, r.EventTime.UTC().UnixMilli(), r.Price.StringFixed(8))))
	return hex.EncodeToString(h[:])
}

// RejectReason classifies why the normalizer dropped a row.
type RejectReason string

const (
	ReasonMissingField     RejectReason = "missing_field"
	ReasonBadType          RejectReason = "bad_type"
	ReasonSymbolNotAllowed RejectReason = "symbol_not_allowed"
)

// Rejection reports a single dropped row. Rejections are counted, never
// fatal; one malformed row does not abort the cycle.
type Rejection struct {
	Line   int
	Reason RejectReason
	Detail string
}

// LatestValueEntry is the single most recent observation for a symbol,
// overwritten in place in the latest-snapshot store.
type LatestValueEntry struct {
	Symbol       string
	Price        decimal.Decimal
	Volume       int64
	EventTime    time.Time
	IngestTime   time.Time
	EtlLoadingTs time.Time
}

// WriteReport summarises one append call of the partitioned writer.
type WriteReport struct {
	Written          int
	SkippedDuplicate int
	SkippedInvalid   int
}

// Cycle status values reported upward to the delivery channel.
const (
	CycleSuccess     = "success"
	CycleWithWarning = "success with warning"
	CycleFailed      = "failed"
)

// CycleReport is the result of one end-to-end ingestion cycle.
type CycleReport struct {
	CycleID    string
	Source     SourceKind
	Status     string
	Appended   int
	Duplicates int
	Rejected   int
	Unhealthy  bool
	Duration   time.Duration
}
