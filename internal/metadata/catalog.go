package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockflow/internal/storage"
)

// DataFile describes a single parquet object written by the pipeline.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot holds minimal information required for time-travel queries.
type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

// TableMetadata represents the high level table metadata file.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Generator incrementally builds catalog metadata for one logical table
// (price_history, stream_history or latest_prices) so the parquet files
// stay discoverable by ad-hoc SQL engines. Metadata is advisory: a failed
// metadata write is logged by callers but never fails the data write that
// preceded it.
type Generator struct {
	store     storage.ObjectStore
	basePath  string
	tableName string
	tableUUID string

	mu        sync.Mutex
	snapshots []Snapshot
}

// NewGenerator returns a metadata generator for the table rooted at basePath.
func NewGenerator(store storage.ObjectStore, basePath, tableName string) *Generator {
	return &Generator{
		store:     store,
		basePath:  basePath,
		tableName: tableName,
		tableUUID: uuid.NewString(),
	}
}

// AddFile records a newly written parquet object and updates the table
// metadata.
func (g *Generator) AddFile(ctx context.Context, df DataFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapID := df.Timestamp.UnixNano()
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	entry := ManifestEntry{Status: 1, DataFile: df}
	b, err := json.Marshal([]ManifestEntry{entry})
	if err != nil {
		return err
	}
	if err := g.store.Put(ctx, path.Join(g.basePath, "metadata", manifestFile), b); err != nil {
		return err
	}

	g.snapshots = append(g.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
	})
	return g.writeTableMetadata(ctx)
}

func (g *Generator) writeTableMetadata(ctx context.Context) error {
	if len(g.snapshots) == 0 {
		return nil
	}
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         g.tableUUID,
		Location:          g.basePath,
		CurrentSnapshotID: g.snapshots[len(g.snapshots)-1].SnapshotID,
		Snapshots:         g.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return g.store.Put(ctx, path.Join(g.basePath, "metadata", "metadata.json"), b)
}

// WriteCatalogEntry creates a simple catalog entry pointing at the table
// metadata.
func (g *Generator) WriteCatalogEntry(ctx context.Context, catalogDir string) error {
	entry := map[string]string{
		"name":              g.tableName,
		"metadata_location": path.Join(g.basePath, "metadata", "metadata.json"),
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return g.store.Put(ctx, path.Join(catalogDir, fmt.Sprintf("%s.json", g.tableName)), b)
}
