package materializer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockflow/internal/metadata"
	"stockflow/internal/storage"
	"stockflow/models"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return New(store, "latest", "snappy", 2, time.Millisecond)
}

func record(symbol string, price float64, eventTime time.Time) models.NormalizedRecord {
	return models.NormalizedRecord{
		Symbol:     symbol,
		Price:      decimal.NewFromFloat(price),
		Volume:     10,
		EventTime:  eventTime,
		IngestTime: eventTime.Add(time.Hour),
	}
}

func TestRematerializeFirstObservation(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	if err := m.Rematerialize(ctx, []models.NormalizedRecord{record("AAPL", 100, ts)}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	entry, err := m.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !entry.Price.Equal(decimal.NewFromFloat(100)) || !entry.EventTime.Equal(ts) {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.EtlLoadingTs.IsZero() {
		t.Error("etl_loading_ts must be set")
	}
}

func TestRematerializeNewerWins(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	if err := m.Rematerialize(ctx, []models.NormalizedRecord{record("AAPL", 100, old)}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{record("AAPL", 105, newer)}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	entry, err := m.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !entry.Price.Equal(decimal.NewFromFloat(105)) {
		t.Errorf("newer observation must win, got %s", entry.Price)
	}
}

func TestRematerializeOlderIgnored(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	newer := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := m.Rematerialize(ctx, []models.NormalizedRecord{record("AAPL", 105, newer)}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{record("AAPL", 99, old)}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	entry, err := m.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !entry.Price.Equal(decimal.NewFromFloat(105)) {
		t.Errorf("older observation must not overwrite, got %s", entry.Price)
	}
}

func TestRematerializeRedeliveryNoOp(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	rec := record("AAPL", 100, ts)

	loadTimes := []time.Time{
		time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 13, 0, 0, 0, time.UTC),
	}
	i := 0
	m.now = func() time.Time {
		ts := loadTimes[i]
		if i < len(loadTimes)-1 {
			i++
		}
		return ts
	}

	if err := m.Rematerialize(ctx, []models.NormalizedRecord{rec}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{rec}); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	entry, err := m.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !entry.EtlLoadingTs.Equal(loadTimes[0]) {
		t.Errorf("redelivery of identical values must not rewrite the view: %v", entry.EtlLoadingTs)
	}
}

func TestRematerializeEqualTimeCorrection(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	if err := m.Rematerialize(ctx, []models.NormalizedRecord{record("AAPL", 100, ts)}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	correction := record("AAPL", 101, ts)
	correction.IngestTime = ts.Add(2 * time.Hour)
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{correction}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	entry, err := m.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !entry.Price.Equal(decimal.NewFromFloat(101)) {
		t.Errorf("a later-ingested correction at the same event time must overwrite, got %s", entry.Price)
	}
	if !entry.IngestTime.Equal(correction.IngestTime) {
		t.Errorf("ingest time not persisted: %v", entry.IngestTime)
	}
}

func TestRematerializeStaleIngestDoesNotOverwrite(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	current := record("AAPL", 101, ts)
	current.IngestTime = ts.Add(2 * time.Hour)
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{current}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	// A redelivered older-ingest value at the same event time lost the tie
	// once and must keep losing it.
	stale := record("AAPL", 100, ts)
	stale.IngestTime = ts.Add(time.Hour)
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{stale}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	entry, err := m.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !entry.Price.Equal(decimal.NewFromFloat(101)) {
		t.Errorf("stale-ingest value must not overwrite, got %s", entry.Price)
	}
}

func TestRematerializeBestCandidatePerSymbol(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	if err := m.Rematerialize(ctx, []models.NormalizedRecord{
		record("AAPL", 100, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		record("AAPL", 105, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)),
		record("AAPL", 102, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
		record("MSFT", 200, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
	}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	entry, err := m.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !entry.Price.Equal(decimal.NewFromFloat(105)) {
		t.Errorf("expected the newest candidate, got %s", entry.Price)
	}
	if _, err := m.Latest(ctx, "MSFT"); err != nil {
		t.Errorf("MSFT view missing: %v", err)
	}
}

func TestRematerializeRecordsTableMetadata(t *testing.T) {
	base, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	gen := metadata.NewGenerator(base, "latest", "latest_prices")
	m := New(base, "latest", "snappy", 2, time.Millisecond).WithMetadata(gen)
	ctx := context.Background()

	rec := record("AAPL", 100, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{rec}); err != nil {
		t.Fatalf("Rematerialize failed: %v", err)
	}

	if _, err := base.Get(ctx, "latest/metadata/metadata.json"); err != nil {
		t.Errorf("table metadata missing after refresh: %v", err)
	}
}

// flakyStore fails latest-view Puts a fixed number of times.
type flakyStore struct {
	storage.ObjectStore
	failures int
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	if strings.HasPrefix(key, "latest/") && f.failures > 0 {
		f.failures--
		return fmt.Errorf("injected write failure")
	}
	return f.ObjectStore.Put(ctx, key, data)
}

func TestRematerializeRetries(t *testing.T) {
	base, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	m := New(&flakyStore{ObjectStore: base, failures: 2}, "latest", "snappy", 2, time.Millisecond)
	ctx := context.Background()

	rec := record("AAPL", 100, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err := m.Rematerialize(ctx, []models.NormalizedRecord{rec}); err != nil {
		t.Fatalf("Rematerialize should survive transient failures: %v", err)
	}
	if _, err := m.Latest(ctx, "AAPL"); err != nil {
		t.Errorf("view missing after retries: %v", err)
	}
}

func TestRematerializeConflictAfterRetryBudget(t *testing.T) {
	base, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	m := New(&flakyStore{ObjectStore: base, failures: 100}, "latest", "snappy", 2, time.Millisecond)

	rec := record("AAPL", 100, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	err = m.Rematerialize(context.Background(), []models.NormalizedRecord{rec})
	if !errors.Is(err, ErrMaterializationConflict) {
		t.Fatalf("expected ErrMaterializationConflict, got %v", err)
	}
}
