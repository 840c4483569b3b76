package normalizer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/models"
)

// Accepted event_time layouts: full timestamps on the stream path, bare
// dates on the batch path.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer turns raw payload bytes into validated records. Pure over its
// input: it holds no state across cycles beyond the configured allow-list.
type Normalizer struct {
	allow map[string]struct{}
	log   *logger.Log
}

func New(cfg *appconfig.Config) *Normalizer {
	var allow map[string]struct{}
	if len(cfg.Pipeline.SymbolAllowList) > 0 {
		allow = make(map[string]struct{}, len(cfg.Pipeline.SymbolAllowList))
		for _, s := range cfg.Pipeline.SymbolAllowList {
			allow[strings.ToUpper(s)] = struct{}{}
		}
	}
	return &Normalizer{allow: allow, log: logger.GetLogger()}
}

// Stream yields one result per input row. Finite, consumed once, not
// restartable. Each row is parsed independently; a malformed row produces
// a rejection, never an abort.
type Stream struct {
	norm       *Normalizer
	encoding   models.Encoding
	csvReader  *csv.Reader
	reader     *bufio.Reader
	ingestTime time.Time
	line       int
	headerSeen bool
	done       bool
}

// Normalize opens a result stream over the payload. The payload bytes are
// not referenced after the stream is exhausted.
func (n *Normalizer) Normalize(raw models.RawPayload) *Stream {
	ingest := raw.ReceivedAt
	if ingest.IsZero() {
		ingest = time.Now()
	}
	s := &Stream{
		norm:       n,
		encoding:   raw.Encoding,
		ingestTime: ingest.UTC().Truncate(time.Millisecond),
	}
	switch raw.Encoding {
	case models.EncodingCSV:
		r := csv.NewReader(bytes.NewReader(raw.Data))
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		s.csvReader = r
	default:
		s.reader = bufio.NewReader(bytes.NewReader(raw.Data))
	}
	return s
}

// Next returns the next record or rejection. The third return value is
// false once the stream is exhausted.
func (s *Stream) Next() (models.NormalizedRecord, *models.Rejection, bool) {
	if s.done {
		return models.NormalizedRecord{}, nil, false
	}
	if s.encoding == models.EncodingCSV {
		return s.nextCSV()
	}
	return s.nextJSON()
}

func (s *Stream) nextCSV() (models.NormalizedRecord, *models.Rejection, bool) {
	for {
		fields, err := s.csvReader.Read()
		if err == io.EOF {
			s.done = true
			return models.NormalizedRecord{}, nil, false
		}
		s.line++
		if err != nil {
			return models.NormalizedRecord{}, &models.Rejection{
				Line:   s.line,
				Reason: models.ReasonBadType,
				Detail: fmt.Sprintf("unreadable row: %v", err),
			}, true
		}

		// Skip a leading header row.
		if !s.headerSeen {
			s.headerSeen = true
			if len(fields) > 0 && strings.EqualFold(strings.TrimSpace(fields[0]), "symbol") {
				continue
			}
		}

		if len(fields) < 4 {
			return models.NormalizedRecord{}, &models.Rejection{
				Line:   s.line,
				Reason: models.ReasonMissingField,
				Detail: fmt.Sprintf("expected 4 columns, got %d", len(fields)),
			}, true
		}

		rec, rej := s.buildRecord(fields[0], fields[1], fields[2], fields[3])
		if rej != nil {
			rej.Line = s.line
			return models.NormalizedRecord{}, rej, true
		}
		return rec, nil, true
	}
}

type jsonRow struct {
	Symbol     string      `json:"symbol"`
	Price      json.Number `json:"price"`
	Volume     json.Number `json:"volume"`
	EventTime  string      `json:"event_time"`
	ProducedAt string      `json:"produced_at"`
}

func (s *Stream) nextJSON() (models.NormalizedRecord, *models.Rejection, bool) {
	for {
		// ReadString has no line-length cap, so an oversized row is parsed
		// or rejected instead of silently ending the stream.
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			s.done = true
			return models.NormalizedRecord{}, &models.Rejection{
				Line:   s.line + 1,
				Reason: models.ReasonBadType,
				Detail: fmt.Sprintf("unreadable line: %v", err),
			}, true
		}
		if err == io.EOF {
			s.done = true
		}

		raw := strings.TrimSpace(line)
		if raw == "" {
			if s.done {
				return models.NormalizedRecord{}, nil, false
			}
			s.line++
			continue
		}
		s.line++

		var row jsonRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return models.NormalizedRecord{}, &models.Rejection{
				Line:   s.line,
				Reason: models.ReasonBadType,
				Detail: fmt.Sprintf("invalid json: %v", err),
			}, true
		}

		// Stream producers historically emitted produced_at instead of
		// event_time; accept either.
		eventTime := row.EventTime
		if eventTime == "" {
			eventTime = row.ProducedAt
		}

		rec, rej := s.buildRecord(row.Symbol, row.Price.String(), row.Volume.String(), eventTime)
		if rej != nil {
			rej.Line = s.line
			return models.NormalizedRecord{}, rej, true
		}
		return rec, nil, true
	}
}

func (s *Stream) buildRecord(symbol, price, volume, eventTime string) (models.NormalizedRecord, *models.Rejection) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	price = strings.TrimSpace(price)
	volume = strings.TrimSpace(volume)
	eventTime = strings.TrimSpace(eventTime)

	if symbol == "" {
		return models.NormalizedRecord{}, &models.Rejection{Reason: models.ReasonMissingField, Detail: "symbol is empty"}
	}
	if price == "" {
		return models.NormalizedRecord{}, &models.Rejection{Reason: models.ReasonMissingField, Detail: "price is empty"}
	}
	if eventTime == "" {
		return models.NormalizedRecord{}, &models.Rejection{Reason: models.ReasonMissingField, Detail: "event_time is empty"}
	}

	if s.norm.allow != nil {
		if _, ok := s.norm.allow[symbol]; !ok {
			return models.NormalizedRecord{}, &models.Rejection{
				Reason: models.ReasonSymbolNotAllowed,
				Detail: fmt.Sprintf("symbol %s not in allow-list", symbol),
			}
		}
	}

	priceDec, err := decimal.NewFromString(price)
	if err != nil {
		return models.NormalizedRecord{}, &models.Rejection{
			Reason: models.ReasonBadType,
			Detail: fmt.Sprintf("invalid price '%s'", price),
		}
	}
	if priceDec.IsNegative() {
		return models.NormalizedRecord{}, &models.Rejection{
			Reason: models.ReasonBadType,
			Detail: fmt.Sprintf("negative price '%s'", price),
		}
	}

	var vol int64
	if volume != "" {
		vol, err = strconv.ParseInt(volume, 10, 64)
		if err != nil {
			return models.NormalizedRecord{}, &models.Rejection{
				Reason: models.ReasonBadType,
				Detail: fmt.Sprintf("invalid volume '%s'", volume),
			}
		}
	}

	ts, err := parseEventTime(eventTime)
	if err != nil {
		return models.NormalizedRecord{}, &models.Rejection{
			Reason: models.ReasonBadType,
			Detail: fmt.Sprintf("invalid event_time '%s'", eventTime),
		}
	}

	return models.NormalizedRecord{
		Symbol:     symbol,
		Price:      priceDec,
		Volume:     vol,
		EventTime:  ts,
		IngestTime: s.ingestTime,
	}, nil
}

func parseEventTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			// Millisecond precision matches the persisted form, so record
			// identities survive a storage round trip.
			return ts.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp layout")
}
