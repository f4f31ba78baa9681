package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rawlake/internal/blob"
	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/cleaner"
	"github.com/roach88/rawlake/internal/content"
	"github.com/roach88/rawlake/internal/manifest"
	"github.com/roach88/rawlake/internal/parser"
	"github.com/roach88/rawlake/internal/source"
	"github.com/roach88/rawlake/internal/store"
	"github.com/roach88/rawlake/internal/testutil"
	"github.com/roach88/rawlake/internal/warehouse"
)

const panicCleanerID = "test-panic"

func init() {
	cleaner.Register(panicCleanerID, func(parser.Row, catalog.Recipe) (map[string]any, error) {
		panic("cleaner exploded")
	})
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

type env struct {
	man     *manifest.Manifest
	blobs   blob.Store
	wh      *warehouse.Store
	metrics *Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "rawlake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	wh, err := warehouse.Open(warehouse.DriverSQLite, filepath.Join(dir, "warehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })

	return &env{
		man:     manifest.New(st.DB()).WithClock(testutil.NewStepClock()),
		blobs:   blob.NewSQLiteStore(st.DB()),
		wh:      wh,
		metrics: NewMetrics(),
	}
}

func (e *env) options(extra ...Option) []Option {
	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(e.metrics),
		WithRetry(fastRetry),
		WithWorkers(4),
	}
	return append(opts, extra...)
}

func (e *env) ingest(t *testing.T, files map[string]string) Summary {
	t.Helper()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var cands []source.Candidate
	for _, p := range paths {
		cands = append(cands, source.Candidate{Path: p, Source: "test", Data: []byte(files[p])})
	}
	s, err := NewIngester(e.man, e.blobs, e.options()...).IngestAll(context.Background(), source.FromSlice(cands...))
	require.NoError(t, err)
	return s
}

func (e *env) transformer(t *testing.T, recipes []catalog.Recipe, extra ...Option) *Transformer {
	t.Helper()
	cat, err := catalog.New("test", recipes, cleaner.Known)
	require.NoError(t, err)
	return NewTransformer(e.man, e.blobs, cat, e.wh, e.options(extra...)...)
}

func (e *env) status(t *testing.T, data string) manifest.Entry {
	t.Helper()
	entry, err := e.man.Get(context.Background(), content.Hash([]byte(data)))
	require.NoError(t, err)
	return entry
}

func (e *env) count(t *testing.T, table string) int {
	t.Helper()
	n, err := e.wh.Count(context.Background(), table)
	require.NoError(t, err)
	return n
}

func ordersRecipe(cleanerID string) catalog.Recipe {
	return catalog.Recipe{
		TargetTable: "orders",
		CleanerID:   cleanerID,
		Parser: catalog.ParserConfig{
			HeaderSkip: catalog.AutoHeader,
			DeclaredColumns: []catalog.ColumnSpec{
				{Source: "Qty", Type: catalog.TypeInteger},
				{Source: "Date", Type: catalog.TypeDate},
			},
		},
	}
}

func TestPipeline_RoundTrip(t *testing.T) {
	e := newEnv(t)
	data := testutil.CSV("Qty,Date", "10,2023-01-01")

	in := e.ingest(t, map[string]string{"drop/a.csv": data})
	assert.Equal(t, 1, in.Ingested)
	assert.Equal(t, manifest.StatusRawIngested, e.status(t, data).Status)

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Transformed)
	assert.Equal(t, 1, s.RowsLoaded)
	assert.False(t, s.HasFailures())

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusTransformedSuccess, entry.Status)
	assert.Equal(t, "orders", entry.TargetTable)
	assert.Equal(t, 1, entry.ProcessedRowCount)
	assert.NotNil(t, entry.TransformEndTime)
	assert.Equal(t, 1, e.count(t, "orders"))

	var qty int64
	var date, hash string
	require.NoError(t, e.wh.DB().QueryRow(`SELECT qty, "date", content_hash FROM orders`).Scan(&qty, &date, &hash))
	assert.Equal(t, int64(10), qty)
	assert.Equal(t, "2023-01-01", date)
	assert.Equal(t, string(entry.ContentHash), hash)
}

func TestPipeline_IdempotentIngestion(t *testing.T) {
	e := newEnv(t)
	data := testutil.CSV("Qty,Date", "1,2023-01-01", "2,2023-01-02")

	first := e.ingest(t, map[string]string{"drop/a.csv": data})
	second := e.ingest(t, map[string]string{"drop/copy-of-a.csv": data, "archive/a.csv": data})
	assert.Equal(t, 1, first.Ingested)
	assert.Equal(t, 0, second.Ingested)
	assert.Equal(t, 2, second.Duplicates)

	counts, err := e.man.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[manifest.StatusRawIngested])

	sightings, err := e.man.Sightings(context.Background(), content.Hash([]byte(data)))
	require.NoError(t, err)
	assert.Len(t, sightings, 3)

	tr := e.transformer(t, []catalog.Recipe{ordersRecipe("")})
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	again, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{}, again)
	assert.Equal(t, 2, e.count(t, "orders"))

	// Ingesting the same bytes after transformation changes nothing.
	third := e.ingest(t, map[string]string{"drop/late.csv": data})
	assert.Equal(t, 1, third.Duplicates)
	assert.Equal(t, manifest.StatusTransformedSuccess, e.status(t, data).Status)
}

func TestPipeline_FingerprintInvariance(t *testing.T) {
	e := newEnv(t)
	files := map[string]string{
		"a.csv": testutil.CSV("Qty,Date", "1,2023-01-01"),
		"b.csv": testutil.CSV(" qty , DATE ", "2,2023-01-02"),
		"c.csv": testutil.CSV("Order export", "", "Qty,Date", "3,2023-01-03"),
		"d.csv": testutil.CSV("Qty;Date", "4;2023-01-04"),
	}
	e.ingest(t, files)

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, s.Transformed)
	assert.Equal(t, 4, e.count(t, "orders"))

	fp := e.status(t, files["a.csv"]).Fingerprint
	for name, data := range files {
		assert.Equal(t, fp, e.status(t, data).Fingerprint, name)
	}
}

func TestPipeline_UnknownFormatQuarantined(t *testing.T) {
	e := newEnv(t)
	data := testutil.CSV("Ticker,Close", "AAA,1.5")
	e.ingest(t, map[string]string{"px.csv": data})

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Quarantined)
	assert.False(t, s.HasFailures())

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusQuarantined, entry.Status)
	assert.NotEmpty(t, entry.Fingerprint)
	assert.Empty(t, entry.TargetTable)
	assert.Equal(t, 0, e.count(t, "orders"))
}

func TestPipeline_NoHeaderQuarantined(t *testing.T) {
	e := newEnv(t)
	data := "1,2\n3,4\n"
	e.ingest(t, map[string]string{"nums.csv": data})

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Quarantined)

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusQuarantined, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "fingerprint not found")
}

func TestPipeline_PartialValidity(t *testing.T) {
	e := newEnv(t)
	data := testutil.CSV("Qty,Date", "1,2023-01-01", "abc,2023-01-02", "3,2023-01-03")
	e.ingest(t, map[string]string{"a.csv": data})

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Transformed)
	assert.Equal(t, 2, s.RowsLoaded)
	assert.Equal(t, 1, s.RowsQuarantined)

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusTransformedSuccess, entry.Status)
	assert.Equal(t, 2, entry.ProcessedRowCount)
	assert.Equal(t, 1, entry.QuarantinedRowCount)
	assert.Equal(t, 2, e.count(t, "orders"))

	rows, err := e.wh.Quarantined(context.Background(), entry.ContentHash)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].RowIndex)
	assert.Equal(t, 3, rows[0].Line)
	assert.Equal(t, "abc", rows[0].Raw["qty"])
	assert.Contains(t, rows[0].Reason, "qty")
}

func TestPipeline_AllRowsInvalid(t *testing.T) {
	e := newEnv(t)
	data := testutil.CSV("Qty,Date", "x,2023-01-01", "y,2023-01-02")
	e.ingest(t, map[string]string{"a.csv": data})

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.ValidationErrors)
	assert.True(t, s.HasFailures())

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusValidationError, entry.Status)
	assert.Equal(t, 0, entry.ProcessedRowCount)
	assert.Equal(t, 2, entry.QuarantinedRowCount)
	assert.Equal(t, 0, e.count(t, "orders"))
}

func TestPipeline_HeaderOnlyFileSucceedsEmpty(t *testing.T) {
	e := newEnv(t)
	data := testutil.CSV("Qty,Date")
	e.ingest(t, map[string]string{"a.csv": data})

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Transformed)

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusTransformedSuccess, entry.Status)
	assert.Equal(t, 0, entry.ProcessedRowCount)
}

func TestPipeline_FaultIsolation(t *testing.T) {
	e := newEnv(t)
	files := map[string]string{}
	for i := 1; i <= 5; i++ {
		files[fmt.Sprintf("f%d.csv", i)] = testutil.CSV("Qty,Date", fmt.Sprintf("%d,2023-01-0%d", i, i))
	}
	bad := testutil.CSV("Qty,Date", "30,2023-01-03", "31,2023-01-03,extra")
	files["f3.csv"] = bad
	e.ingest(t, files)

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, s.Transformed)
	assert.Equal(t, 1, s.Failed)

	entry := e.status(t, bad)
	assert.Equal(t, manifest.StatusTransformationFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "parse error at line 3")
	assert.Equal(t, 0, entry.ProcessedRowCount)

	// Nothing from the failed file is visible.
	assert.Equal(t, 4, e.count(t, "orders"))
	var n int
	require.NoError(t, e.wh.DB().QueryRow(`SELECT COUNT(*) FROM orders WHERE content_hash = ?`, string(entry.ContentHash)).Scan(&n))
	assert.Zero(t, n)
}

func TestPipeline_PanickingCleanerIsContained(t *testing.T) {
	e := newEnv(t)
	boom := testutil.CSV("Qty,Date", "1,2023-01-01")
	fine := testutil.CSV("Qty,Price", "1,2.5")
	e.ingest(t, map[string]string{"boom.csv": boom, "fine.csv": fine})

	prices := catalog.Recipe{
		TargetTable: "prices",
		Parser: catalog.ParserConfig{
			HeaderSkip: catalog.AutoHeader,
			DeclaredColumns: []catalog.ColumnSpec{
				{Source: "Qty", Type: catalog.TypeInteger},
				{Source: "Price", Type: catalog.TypeDecimal},
			},
		},
	}
	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe(panicCleanerID), prices}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Transformed)

	entry := e.status(t, boom)
	assert.Equal(t, manifest.StatusTransformationFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "cleaner exploded")
	assert.Equal(t, 0, e.count(t, "orders"))
	assert.Equal(t, 1, e.count(t, "prices"))
}

func TestPipeline_MissingBlob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := testutil.CSV("Qty,Date", "1,2023-01-01")
	h := content.Hash([]byte(data))

	_, _, err := e.man.Discover(ctx, h, "ghost.csv", "test", int64(len(data)))
	require.NoError(t, err)
	_, err = e.man.MarkIngested(ctx, h)
	require.NoError(t, err)

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.IngestionFailed)

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusRawIngestionFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "blob not found")

	// Re-discovering the file repairs it.
	in := e.ingest(t, map[string]string{"ghost.csv": data})
	assert.Equal(t, 1, in.Ingested)
	assert.Equal(t, manifest.StatusRawIngested, e.status(t, data).Status)
}

func TestPipeline_ReprocessAfterCatalogUpdate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	orders := testutil.CSV("Qty,Date", "1,2023-01-01")
	prices := testutil.CSV("Ticker,Close", "AAA,1.5", "BBB,2")
	e.ingest(t, map[string]string{"o.csv": orders, "p.csv": prices})

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Quarantined)
	assert.Equal(t, manifest.StatusQuarantined, e.status(t, prices).Status)

	// Reprocess with the old catalog leaves the quarantined file alone.
	s, err = e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Reprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Requeued)

	closes := catalog.Recipe{
		TargetTable: "closes",
		Parser: catalog.ParserConfig{
			HeaderSkip: catalog.AutoHeader,
			DeclaredColumns: []catalog.ColumnSpec{
				{Source: "Ticker"},
				{Source: "Close", Type: catalog.TypeDecimal},
			},
		},
	}
	s, err = e.transformer(t, []catalog.Recipe{ordersRecipe(""), closes}).Reprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Requeued)
	assert.Equal(t, 1, s.Transformed)

	entry := e.status(t, prices)
	assert.Equal(t, manifest.StatusTransformedSuccess, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, 2, e.count(t, "closes"))
	assert.Equal(t, 1, e.count(t, "orders"))
}

func TestPipeline_ReprocessSkipsDeterministicFailureUntilRecipeChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bad := testutil.CSV("Qty,Date", "1,2023-01-01", "2,2023-01-02,extra")
	e.ingest(t, map[string]string{"bad.csv": bad})

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.Failed)
	assert.NotEmpty(t, e.status(t, bad).RecipeDigest)

	for i := 0; i < 2; i++ {
		s, err = e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Reprocess(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, s.Requeued)
	}
	entry := e.status(t, bad)
	assert.Equal(t, manifest.StatusTransformationFailed, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)

	changed := ordersRecipe("")
	changed.Description = "orders export, v2"
	s, err = e.transformer(t, []catalog.Recipe{changed}).Reprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Requeued)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, e.status(t, bad).RetryCount)
}

func TestPipeline_ReprocessRetriesExhaustedTransientFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := testutil.CSV("Qty,Date", "1,2023-01-01")
	e.ingest(t, map[string]string{"a.csv": data})

	cat, err := catalog.New("test", []catalog.Recipe{ordersRecipe("")}, cleaner.Known)
	require.NoError(t, err)
	wh := &flakyWriter{Writer: e.wh, beginFailures: 100}
	s, err := NewTransformer(e.man, e.blobs, cat, wh, e.options()...).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.Failed)
	assert.Empty(t, e.status(t, data).RecipeDigest)

	s, err = e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Reprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Requeued)
	assert.Equal(t, 1, s.Transformed)
	assert.Equal(t, 1, e.count(t, "orders"))
}

func TestPipeline_RecoversStuckTransforms(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := testutil.CSV("Qty,Date", "1,2023-01-01")
	e.ingest(t, map[string]string{"a.csv": data})

	h := content.Hash([]byte(data))
	_, err := e.man.BeginTransform(ctx, h, "", "orders")
	require.NoError(t, err)

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Recovered)
	assert.Equal(t, 1, s.Transformed)
	assert.Equal(t, manifest.StatusTransformedSuccess, e.status(t, data).Status)
	assert.Equal(t, 1, e.count(t, "orders"))
}

func TestPipeline_RecoveryAfterCommitDoesNotDuplicateRows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := testutil.CSV("Qty,Date", "1,2023-01-01")
	e.ingest(t, map[string]string{"a.csv": data})

	// The warehouse commit landed but the process died before the
	// manifest recorded the outcome.
	h := content.Hash([]byte(data))
	_, err := e.man.BeginTransform(ctx, h, "", "orders")
	require.NoError(t, err)
	cols := []catalog.ColumnSpec{
		{Source: "Qty", Name: "qty", Type: catalog.TypeInteger},
		{Source: "Date", Name: "date", Type: catalog.TypeDate},
	}
	_, err = warehouse.Load(ctx, e.wh, h, "orders", cols, []cleaner.Record{{
		ContentHash: h,
		RowIndex:    0,
		Values:      map[string]any{"qty": int64(1), "date": time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, e.count(t, "orders"))

	s, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Recovered)
	assert.Equal(t, 1, s.Transformed)
	assert.Equal(t, manifest.StatusTransformedSuccess, e.status(t, data).Status)
	assert.Equal(t, 1, e.count(t, "orders"))
}

func TestPipeline_RunIDStampedOnEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := testutil.CSV("Qty,Date", "1,2023-01-01")

	_, err := NewIngester(e.man, e.blobs, e.options(WithRunIDs(NewFixedGenerator("ingest-run")))...).
		IngestAll(ctx, source.FromSlice(source.Candidate{Path: "a.csv", Data: []byte(data)}))
	require.NoError(t, err)
	_, err = e.transformer(t, []catalog.Recipe{ordersRecipe("")}, WithRunIDs(NewFixedGenerator("transform-run"))).Run(ctx)
	require.NoError(t, err)

	events, err := e.man.Events(ctx, content.Hash([]byte(data)))
	require.NoError(t, err)
	var got []string
	for _, ev := range events {
		got = append(got, fmt.Sprintf("%s>%s@%s", ev.From, ev.To, ev.RunID))
	}
	assert.Equal(t, []string{
		">DISCOVERED@ingest-run",
		"DISCOVERED>RAW_INGESTED@ingest-run",
		"RAW_INGESTED>TRANSFORMING@transform-run",
		"TRANSFORMING>TRANSFORMED_SUCCESS@transform-run",
	}, got)
}

// flakyBlobs fails the first putFailures Puts with a transient error.
type flakyBlobs struct {
	blob.Store
	putFailures int32
	permanent   bool
	puts        atomic.Int32
}

func (f *flakyBlobs) Put(ctx context.Context, h content.ContentHash, data []byte) error {
	if f.puts.Add(1) <= f.putFailures {
		return &blob.StorageError{Op: "put", Hash: h, Err: errors.New("disk busy"), Permanent: f.permanent}
	}
	return f.Store.Put(ctx, h, data)
}

func TestIngest_RetriesTransientBlobWrite(t *testing.T) {
	e := newEnv(t)
	blobs := &flakyBlobs{Store: e.blobs, putFailures: 2}
	data := testutil.CSV("Qty,Date", "1,2023-01-01")

	res, err := NewIngester(e.man, blobs, e.options()...).Ingest(context.Background(),
		source.Candidate{Path: "a.csv", Data: []byte(data)})
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRawIngested, res.Status)
	assert.True(t, res.Created)
	assert.Equal(t, int32(3), blobs.puts.Load())
	assert.Equal(t, 2.0, promtestutil.ToFloat64(e.metrics.retries.WithLabelValues("blob_put")))
}

func TestIngest_PermanentBlobFailure(t *testing.T) {
	e := newEnv(t)
	blobs := &flakyBlobs{Store: e.blobs, putFailures: 1, permanent: true}
	data := testutil.CSV("Qty,Date", "1,2023-01-01")

	res, err := NewIngester(e.man, blobs, e.options()...).Ingest(context.Background(),
		source.Candidate{Path: "a.csv", Data: []byte(data)})
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRawIngestionFailed, res.Status)
	assert.Equal(t, int32(1), blobs.puts.Load())
	assert.Contains(t, e.status(t, data).ErrorMessage, "disk busy")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(e.metrics.ingested.WithLabelValues("failed")))
}

// rejectingBlobs fails every write of one content hash permanently.
type rejectingBlobs struct {
	blob.Store
	reject content.ContentHash
}

func (r *rejectingBlobs) Put(ctx context.Context, h content.ContentHash, data []byte) error {
	if h == r.reject {
		return &blob.StorageError{Op: "put", Hash: h, Err: errors.New("volume read-only"), Permanent: true}
	}
	return r.Store.Put(ctx, h, data)
}

func TestIngestAll_RepeatedBlobFailureKeepsWalking(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bad := testutil.CSV("Qty,Date", "1,2023-01-01")
	good := testutil.CSV("Qty,Date", "2,2023-01-02")
	in := NewIngester(e.man, &rejectingBlobs{Store: e.blobs, reject: content.Hash([]byte(bad))}, e.options()...)

	res, err := in.Ingest(ctx, source.Candidate{Path: "a.csv", Source: "test", Data: []byte(bad)})
	require.NoError(t, err)
	require.Equal(t, manifest.StatusRawIngestionFailed, res.Status)

	s, err := in.IngestAll(ctx, source.FromSlice(
		source.Candidate{Path: "a2.csv", Source: "test", Data: []byte(bad)},
		source.Candidate{Path: "b.csv", Source: "test", Data: []byte(good)},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, s.IngestionFailed)
	assert.Equal(t, 1, s.Ingested)

	failed := e.status(t, bad)
	assert.Equal(t, manifest.StatusRawIngestionFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "volume read-only")
	assert.Equal(t, manifest.StatusRawIngested, e.status(t, good).Status)
	assert.Equal(t, 2.0, promtestutil.ToFloat64(e.metrics.ingested.WithLabelValues("failed")))
}

func TestIngestAll_CountsUnreadable(t *testing.T) {
	e := newEnv(t)
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{
		"a.csv": testutil.CSV("Qty,Date", "1,2023-01-01"),
		"b.csv": testutil.CSV("Qty,Date", "2,2023-01-02"),
	})
	it, err := source.NewDir(dir, "test", source.DirOptions{})
	require.NoError(t, err)

	s, err := NewIngester(e.man, e.blobs, e.options()...).IngestAll(context.Background(), &failingIterator{Iterator: it, failAt: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Ingested)
	assert.Equal(t, 1, s.Unreadable)
	assert.True(t, s.HasFailures())
}

// failingIterator replaces the failAt-th candidate with a read error.
type failingIterator struct {
	source.Iterator
	failAt int
	n      int
}

func (f *failingIterator) Next(ctx context.Context) (source.Candidate, error) {
	c, err := f.Iterator.Next(ctx)
	f.n++
	if err == nil && f.n-1 == f.failAt {
		return source.Candidate{}, &source.ReadError{Path: c.Path, Err: errors.New("permission denied")}
	}
	return c, err
}

// flakyWriter fails the first beginFailures Begins.
type flakyWriter struct {
	warehouse.Writer
	beginFailures int32
	begins        atomic.Int32
	onBegin       func()
}

type tempError struct{}

func (tempError) Error() string   { return "database is locked" }
func (tempError) Transient() bool { return true }

func (f *flakyWriter) Begin(ctx context.Context, hash content.ContentHash, table string, cols []catalog.ColumnSpec) (warehouse.FileLoad, error) {
	if f.onBegin != nil {
		f.onBegin()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if f.begins.Add(1) <= f.beginFailures {
		return nil, tempError{}
	}
	return f.Writer.Begin(ctx, hash, table, cols)
}

func TestTransform_RetriesTransientLoad(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := testutil.CSV("Qty,Date", "1,2023-01-01")
	e.ingest(t, map[string]string{"a.csv": data})

	cat, err := catalog.New("test", []catalog.Recipe{ordersRecipe("")}, cleaner.Known)
	require.NoError(t, err)
	wh := &flakyWriter{Writer: e.wh, beginFailures: 1}

	s, err := NewTransformer(e.man, e.blobs, cat, wh, e.options()...).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Transformed)

	entry := e.status(t, data)
	assert.Equal(t, manifest.StatusTransformedSuccess, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, 1, e.count(t, "orders"))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(e.metrics.retries.WithLabelValues("load")))
}

func TestTransform_CancelReturnsClaimedFileToQueue(t *testing.T) {
	e := newEnv(t)
	files := map[string]string{
		"a.csv": testutil.CSV("Qty,Date", "1,2023-01-01"),
		"b.csv": testutil.CSV("Qty,Date", "2,2023-01-02"),
		"c.csv": testutil.CSV("Qty,Date", "3,2023-01-03"),
	}
	e.ingest(t, files)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cat, err := catalog.New("test", []catalog.Recipe{ordersRecipe("")}, cleaner.Known)
	require.NoError(t, err)
	wh := &flakyWriter{Writer: e.wh, onBegin: cancel}

	s, err := NewTransformer(e.man, e.blobs, cat, wh, e.options(WithWorkers(1))...).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.Interrupted)
	assert.Zero(t, s.Transformed)

	counts, err := e.man.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[manifest.StatusRawIngested])
	assert.Zero(t, counts[manifest.StatusTransforming])
	assert.Equal(t, 0, e.count(t, "orders"))

	// A later run picks everything up.
	s, err = e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Transformed)
}

func TestTransform_Metrics(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, map[string]string{
		"a.csv": testutil.CSV("Qty,Date", "1,2023-01-01", "bad,2023-01-02"),
		"b.csv": testutil.CSV("Ticker,Close", "AAA,1"),
	})

	_, err := e.transformer(t, []catalog.Recipe{ordersRecipe("")}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, promtestutil.ToFloat64(e.metrics.ingested.WithLabelValues("new")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(e.metrics.files.WithLabelValues("TRANSFORMED_SUCCESS")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(e.metrics.files.WithLabelValues("QUARANTINED")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(e.metrics.rows.WithLabelValues("loaded")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(e.metrics.rows.WithLabelValues("quarantined")))

	n, err := promtestutil.GatherAndCount(e.metrics.Registry(), "rawlake_transform_file_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSummary_String(t *testing.T) {
	assert.Equal(t, "nothing to do", Summary{}.String())
	s := Summary{Ingested: 2, Failed: 1}
	assert.True(t, strings.Contains(s.String(), "ingested=2"))
	assert.True(t, strings.Contains(s.String(), "failed=1"))
	assert.True(t, s.HasFailures())
	assert.False(t, Summary{Quarantined: 3}.HasFailures())
	assert.Equal(t, Summary{Ingested: 3, RowsLoaded: 5}, Summary{Ingested: 1, RowsLoaded: 2}.Add(Summary{Ingested: 2, RowsLoaded: 3}))
}
