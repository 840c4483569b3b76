package writer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/google/uuid"

	"stockflow/internal/codec"
	"stockflow/internal/dedup"
	"stockflow/internal/keylock"
	"stockflow/internal/metadata"
	"stockflow/internal/partition"
	"stockflow/internal/storage"
	"stockflow/logger"
	"stockflow/models"
)

// ErrPartitionWriteFailure marks a failed durable append for one partition.
// The partition's prior contents remain readable and its dedup index is not
// advanced, so reprocessing the same input later is safe.
var ErrPartitionWriteFailure = errors.New("partition write failure")

// PartitionedWriter appends validated records to the columnar store,
// grouped by partition key. Each append adds one immutable parquet segment
// to the partition directory; existing segments are never rewritten or
// reordered. The dedup check and the commit for a partition happen under
// that partition's lock, so a check that races a concurrent write cannot
// double-admit the same identity.
type PartitionedWriter struct {
	store       storage.ObjectStore
	index       *dedup.Index
	locks       *keylock.Map
	root        string
	granularity partition.Granularity
	compression string
	metaGen     *metadata.Generator
	log         *logger.Log
}

func NewPartitionedWriter(store storage.ObjectStore, index *dedup.Index, root string, granularity partition.Granularity, compression string) *PartitionedWriter {
	return &PartitionedWriter{
		store:       store,
		index:       index,
		locks:       keylock.New(),
		root:        root,
		granularity: granularity,
		compression: compression,
		log:         logger.GetLogger(),
	}
}

// WithMetadata attaches a catalog metadata generator. Metadata updates are
// best effort and never fail an append.
func (w *PartitionedWriter) WithMetadata(gen *metadata.Generator) *PartitionedWriter {
	w.metaGen = gen
	return w
}

// Append writes all non-duplicate records, grouped by partition. Partitions
// fail independently: a write failure in one partition does not roll back
// another's committed segment, and the returned error wraps
// ErrPartitionWriteFailure for each failed partition.
func (w *PartitionedWriter) Append(ctx context.Context, records []models.NormalizedRecord) (models.WriteReport, error) {
	report := models.WriteReport{}
	if len(records) == 0 {
		return report, nil
	}

	groups := make(map[partition.Key][]models.NormalizedRecord)
	for _, rec := range records {
		key := partition.Resolve(rec.EventTime, w.granularity)
		groups[key] = append(groups[key], rec)
	}

	keys := make([]partition.Key, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var errs []error
	for _, key := range keys {
		written, skipped, err := w.appendPartition(ctx, key, groups[key])
		report.Written += written
		report.SkippedDuplicate += skipped
		if err != nil {
			errs = append(errs, err)
		}
	}

	return report, errors.Join(errs...)
}

// appendPartition performs the check-then-commit protocol for one
// partition: load index, filter, write one segment, advance index. All of
// it runs under the partition lock.
func (w *PartitionedWriter) appendPartition(ctx context.Context, key partition.Key, records []models.NormalizedRecord) (int, int, error) {
	unlock := w.locks.Lock(string(key))
	defer unlock()

	log := w.log.WithComponent("partitioned_writer").WithFields(logger.Fields{
		"partition": string(key),
		"candidates": len(records),
	})

	seen, err := w.index.Load(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("%w for %s: %w", ErrPartitionWriteFailure, key, err)
	}

	fresh := make([]models.NormalizedRecord, 0, len(records))
	identities := make([]string, 0, len(records))
	skipped := 0
	for _, rec := range records {
		id := rec.Identity()
		if _, dup := seen[id]; dup {
			skipped++
			continue
		}
		// Also collapses duplicates inside the same batch.
		seen[id] = struct{}{}
		fresh = append(fresh, rec)
		identities = append(identities, id)
	}

	if len(fresh) == 0 {
		log.WithFields(logger.Fields{"skipped_duplicate": skipped}).Info("partition has no new records")
		return 0, skipped, nil
	}

	data, err := codec.MarshalPrices(fresh, w.compression)
	if err != nil {
		return 0, skipped, fmt.Errorf("%w for %s: %w", ErrPartitionWriteFailure, key, err)
	}

	segKey := path.Join(w.root, string(key), uuid.NewString()+".parquet")
	if err := w.store.Put(ctx, segKey, data); err != nil {
		return 0, skipped, fmt.Errorf("%w for %s: %w", ErrPartitionWriteFailure, key, err)
	}

	// The segment is durable; only now may the index advance. If the index
	// write fails the partition holds data the index does not know about,
	// which a rebuild from segment contents repairs.
	if err := w.index.Record(ctx, key, identities); err != nil {
		log.WithError(err).Warn("failed to advance dedup index, rebuilding from partition contents")
		if _, rerr := w.index.Rebuild(ctx, key); rerr != nil {
			return len(fresh), skipped, fmt.Errorf("%w for %s: index not advanced: %w", ErrPartitionWriteFailure, key, rerr)
		}
	}

	log.WithFields(logger.Fields{
		"segment":           segKey,
		"written":           len(fresh),
		"skipped_duplicate": skipped,
		"segment_bytes":     len(data),
	}).Info("partition segment written")

	if w.metaGen != nil {
		df := metadata.DataFile{
			Path:        segKey,
			FileSize:    int64(len(data)),
			RecordCount: int64(len(fresh)),
			Partition:   map[string]any{"key": string(key)},
			Timestamp:   fresh[0].IngestTime,
		}
		if err := w.metaGen.AddFile(ctx, df); err != nil {
			log.WithError(err).Warn("failed to update table metadata")
		}
	}

	return len(fresh), skipped, nil
}
