package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"stockflow/internal/codec"
	"stockflow/internal/partition"
	"stockflow/internal/storage"
	"stockflow/logger"
)

const indexObject = "_index.json"

// Index tracks which record identities have already been persisted in each
// partition. One JSON object per partition directory keeps lookups scoped:
// checking one partition never touches another. The leading underscore in
// the object name keeps table readers from picking it up as data.
//
// Ordering contract: the index is consulted before a durable write and
// advanced only after the write succeeded. Data without an index entry can
// therefore exist after a crash; Rebuild reconstructs the index from the
// partition's segments to heal that.
type Index struct {
	store storage.ObjectStore
	root  string
	log   *logger.Log
}

type indexFile struct {
	Identities []string `json:"identities"`
}

func NewIndex(store storage.ObjectStore, root string) *Index {
	return &Index{
		store: store,
		root:  strings.TrimSuffix(root, "/"),
		log:   logger.GetLogger(),
	}
}

func (i *Index) indexKey(key partition.Key) string {
	return path.Join(i.root, string(key), indexObject)
}

// Load returns the set of identities recorded for a partition. A missing
// index object means an empty partition, not an error.
func (i *Index) Load(ctx context.Context, key partition.Key) (map[string]struct{}, error) {
	data, err := i.store.Get(ctx, i.indexKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dedup index for %s: %w", key, err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse dedup index for %s: %w", key, err)
	}

	set := make(map[string]struct{}, len(file.Identities))
	for _, id := range file.Identities {
		set[id] = struct{}{}
	}
	return set, nil
}

// Contains answers a membership query for a single identity.
func (i *Index) Contains(ctx context.Context, identity string, key partition.Key) (bool, error) {
	set, err := i.Load(ctx, key)
	if err != nil {
		return false, err
	}
	_, ok := set[identity]
	return ok, nil
}

// Record adds identities to a partition's index. Recording an identity that
// is already present is a no-op, so retried cycles converge.
func (i *Index) Record(ctx context.Context, key partition.Key, identities []string) error {
	set, err := i.Load(ctx, key)
	if err != nil {
		return err
	}

	changed := false
	for _, id := range identities {
		if _, ok := set[id]; !ok {
			set[id] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return i.write(ctx, key, set)
}

// Rebuild reconstructs a partition's index from its segment contents.
// Recovery operation for the crash window between a segment write and the
// index update. Returns the number of identities indexed.
func (i *Index) Rebuild(ctx context.Context, key partition.Key) (int, error) {
	prefix := path.Join(i.root, string(key)) + "/"
	keys, err := i.store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list partition %s: %w", key, err)
	}

	set := make(map[string]struct{})
	for _, objKey := range keys {
		if !strings.HasSuffix(objKey, ".parquet") {
			continue
		}
		data, err := i.store.Get(ctx, objKey)
		if err != nil {
			return 0, fmt.Errorf("failed to read segment %s: %w", objKey, err)
		}
		records, err := codec.UnmarshalPrices(data)
		if err != nil {
			return 0, fmt.Errorf("failed to decode segment %s: %w", objKey, err)
		}
		for _, rec := range records {
			set[rec.Identity()] = struct{}{}
		}
	}

	if err := i.write(ctx, key, set); err != nil {
		return 0, err
	}

	i.log.WithComponent("dedup_index").WithFields(logger.Fields{
		"partition":  string(key),
		"identities": len(set),
	}).Info("dedup index rebuilt from partition contents")

	return len(set), nil
}

func (i *Index) write(ctx context.Context, key partition.Key, set map[string]struct{}) error {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(indexFile{Identities: ids})
	if err != nil {
		return fmt.Errorf("failed to encode dedup index for %s: %w", key, err)
	}
	if err := i.store.Put(ctx, i.indexKey(key), data); err != nil {
		return fmt.Errorf("failed to write dedup index for %s: %w", key, err)
	}
	return nil
}
