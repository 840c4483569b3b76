package materializer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"stockflow/internal/codec"
	"stockflow/internal/keylock"
	"stockflow/internal/metadata"
	"stockflow/internal/storage"
	"stockflow/logger"
	"stockflow/models"
)

// ErrMaterializationConflict is returned when a symbol's latest-view object
// could not be refreshed within the retry budget. The durable partition data
// is unaffected; a later cycle carrying the same or newer records will
// converge the view.
var ErrMaterializationConflict = errors.New("materialization conflict")

// Materializer maintains the latest-value view: one single-row parquet
// object per symbol, overwritten in place. Updates for a symbol are
// serialized through a per-symbol lock, so concurrent cycles touching
// different symbols proceed in parallel while same-symbol refreshes queue.
type Materializer struct {
	store       storage.ObjectStore
	root        string
	locks       *keylock.Map
	compression string
	maxRetries  int
	baseDelay   time.Duration
	now         func() time.Time
	metaGen     *metadata.Generator
	log         *logger.Log
}

func New(store storage.ObjectStore, root, compression string, maxRetries int, baseDelay time.Duration) *Materializer {
	return &Materializer{
		store:       store,
		root:        root,
		locks:       keylock.New(),
		compression: compression,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		now:         time.Now,
		log:         logger.GetLogger(),
	}
}

// WithMetadata attaches a catalog metadata generator for the latest-view
// table. Metadata updates are best effort and never fail a refresh.
func (m *Materializer) WithMetadata(gen *metadata.Generator) *Materializer {
	m.metaGen = gen
	return m
}

// Rematerialize refreshes the latest-value view for every symbol present in
// candidates. Per symbol only the best candidate competes: the one with the
// greatest event time, ties broken by the later ingest time.
func (m *Materializer) Rematerialize(ctx context.Context, candidates []models.NormalizedRecord) error {
	if len(candidates) == 0 {
		return nil
	}

	best := make(map[string]models.NormalizedRecord)
	for _, rec := range candidates {
		cur, ok := best[rec.Symbol]
		if !ok || betterCandidate(rec, cur) {
			best[rec.Symbol] = rec
		}
	}

	symbols := make([]string, 0, len(best))
	for sym := range best {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var errs []error
	for _, sym := range symbols {
		if err := m.refreshSymbol(ctx, best[sym]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func betterCandidate(a, b models.NormalizedRecord) bool {
	if a.EventTime.After(b.EventTime) {
		return true
	}
	if a.EventTime.Equal(b.EventTime) {
		return a.IngestTime.After(b.IngestTime)
	}
	return false
}

func (m *Materializer) refreshSymbol(ctx context.Context, rec models.NormalizedRecord) error {
	unlock := m.locks.Lock(rec.Symbol)
	defer unlock()

	log := m.log.WithComponent("materializer").WithFields(logger.Fields{
		"symbol":     rec.Symbol,
		"event_time": rec.EventTime,
	})

	objKey := path.Join(m.root, rec.Symbol+".parquet")

	var lastErr error
	delay := m.baseDelay
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		refreshed, err := m.tryRefresh(ctx, objKey, rec)
		if err == nil {
			if !refreshed {
				log.Debug("latest view already current, no overwrite")
			}
			return nil
		}
		lastErr = err
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt + 1}).Warn("latest view refresh attempt failed")
	}

	return fmt.Errorf("%w for %s: %w", ErrMaterializationConflict, rec.Symbol, lastErr)
}

// tryRefresh applies the overwrite rule once. A strictly newer event wins;
// at an equal event time identical values are a redelivery and a no-op,
// while conflicting values overwrite only when they carry the later ingest
// time. Older events never overwrite.
func (m *Materializer) tryRefresh(ctx context.Context, objKey string, rec models.NormalizedRecord) (bool, error) {
	data, err := m.store.Get(ctx, objKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// First observation for this symbol.
	case err != nil:
		return false, fmt.Errorf("failed to read latest view: %w", err)
	default:
		prior, err := codec.UnmarshalLatest(data)
		if err != nil {
			return false, fmt.Errorf("failed to decode latest view: %w", err)
		}
		if rec.EventTime.Before(prior.EventTime) {
			return false, nil
		}
		if rec.EventTime.Equal(prior.EventTime) {
			if rec.Price.Equal(prior.Price) && rec.Volume == prior.Volume {
				return false, nil
			}
			if !rec.IngestTime.After(prior.IngestTime) {
				return false, nil
			}
		}
	}

	entry := models.LatestValueEntry{
		Symbol:       rec.Symbol,
		Price:        rec.Price,
		Volume:       rec.Volume,
		EventTime:    rec.EventTime,
		IngestTime:   rec.IngestTime,
		EtlLoadingTs: m.now().UTC().Truncate(time.Millisecond),
	}
	encoded, err := codec.MarshalLatest(entry, m.compression)
	if err != nil {
		return false, fmt.Errorf("failed to encode latest view: %w", err)
	}
	if err := m.store.Put(ctx, objKey, encoded); err != nil {
		return false, fmt.Errorf("failed to write latest view: %w", err)
	}

	if m.metaGen != nil {
		df := metadata.DataFile{
			Path:        objKey,
			FileSize:    int64(len(encoded)),
			RecordCount: 1,
			Partition:   map[string]any{"symbol": rec.Symbol},
			Timestamp:   entry.EtlLoadingTs,
		}
		if err := m.metaGen.AddFile(ctx, df); err != nil {
			m.log.WithComponent("materializer").WithError(err).Warn("failed to update table metadata")
		}
	}

	return true, nil
}

// Latest reads the current view entry for one symbol.
func (m *Materializer) Latest(ctx context.Context, symbol string) (models.LatestValueEntry, error) {
	data, err := m.store.Get(ctx, path.Join(m.root, symbol+".parquet"))
	if err != nil {
		return models.LatestValueEntry{}, err
	}
	return codec.UnmarshalLatest(data)
}
