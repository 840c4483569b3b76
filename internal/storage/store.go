package storage

import (
	"context"
	"errors"
	"fmt"

	appconfig "stockflow/config"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the narrow durable-storage interface shared by the
// partitioned store, the dedup index, the latest-view store and the
// staging scanner. Keys are slash-separated paths. Put must be atomic at
// the object level: readers see either the previous object or the whole
// new one, never a partial write.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Open selects a storage backend from configuration.
func Open(cfg *appconfig.Config) (ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return NewLocalStore(cfg.Storage.Local.Dir)
	case "s3":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Storage.Backend)
	}
}
