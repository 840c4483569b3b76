package metadata

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"stockflow/internal/storage"
)

func newTestGenerator(t *testing.T) (*Generator, storage.ObjectStore) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return NewGenerator(store, "clean", "price_history"), store
}

func TestAddFileWritesManifestAndMetadata(t *testing.T) {
	gen, store := newTestGenerator(t)
	ctx := context.Background()

	df := DataFile{
		Path:        "clean/p_year=2024/a.parquet",
		FileSize:    123,
		RecordCount: 2,
		Partition:   map[string]any{"key": "p_year=2024"},
		Timestamp:   time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC),
	}
	if err := gen.AddFile(ctx, df); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	data, err := store.Get(ctx, "clean/metadata/metadata.json")
	if err != nil {
		t.Fatalf("metadata.json missing: %v", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(data, &tm); err != nil {
		t.Fatalf("metadata.json invalid: %v", err)
	}
	if tm.FormatVersion != 2 || len(tm.Snapshots) != 1 {
		t.Errorf("unexpected table metadata: %+v", tm)
	}
	if tm.CurrentSnapshotID != tm.Snapshots[0].SnapshotID {
		t.Error("current snapshot must point at the latest snapshot")
	}

	manifest, err := store.Get(ctx, "clean/metadata/"+tm.Snapshots[0].Manifest)
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(manifest, &entries); err != nil {
		t.Fatalf("manifest invalid: %v", err)
	}
	if len(entries) != 1 || entries[0].DataFile.Path != df.Path {
		t.Errorf("unexpected manifest: %+v", entries)
	}
}

func TestAddFileAccumulatesSnapshots(t *testing.T) {
	gen, store := newTestGenerator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		df := DataFile{
			Path:      "clean/p_year=2024/seg.parquet",
			Timestamp: time.Date(2024, 1, 2, 9, 30, i, 0, time.UTC),
		}
		if err := gen.AddFile(ctx, df); err != nil {
			t.Fatalf("AddFile %d failed: %v", i, err)
		}
	}

	data, err := store.Get(ctx, "clean/metadata/metadata.json")
	if err != nil {
		t.Fatalf("metadata.json missing: %v", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(data, &tm); err != nil {
		t.Fatalf("metadata.json invalid: %v", err)
	}
	if len(tm.Snapshots) != 3 {
		t.Errorf("expected 3 snapshots, got %d", len(tm.Snapshots))
	}
}

func TestWriteCatalogEntry(t *testing.T) {
	gen, store := newTestGenerator(t)
	ctx := context.Background()

	if err := gen.WriteCatalogEntry(ctx, "catalog"); err != nil {
		t.Fatalf("WriteCatalogEntry failed: %v", err)
	}

	data, err := store.Get(ctx, "catalog/price_history.json")
	if err != nil {
		t.Fatalf("catalog entry missing: %v", err)
	}
	var entry map[string]string
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("catalog entry invalid: %v", err)
	}
	if entry["metadata_location"] != "clean/metadata/metadata.json" {
		t.Errorf("unexpected catalog entry: %+v", entry)
	}
}
