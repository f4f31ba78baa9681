package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rawlake/internal/blob"
	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/cleaner"
	"github.com/roach88/rawlake/internal/content"
	"github.com/roach88/rawlake/internal/fingerprint"
	"github.com/roach88/rawlake/internal/manifest"
	"github.com/roach88/rawlake/internal/parser"
	"github.com/roach88/rawlake/internal/warehouse"
)

// Transformer turns RAW_INGESTED files into rows of their recipe's target
// table. Files are processed concurrently and independently: a failure in
// one never affects another.
type Transformer struct {
	man   *manifest.Manifest
	blobs blob.Store
	cat   *catalog.Catalog
	wh    warehouse.Writer
	opts  options
}

// NewTransformer creates a Transformer.
func NewTransformer(man *manifest.Manifest, blobs blob.Store, cat *catalog.Catalog, wh warehouse.Writer, opts ...Option) *Transformer {
	return &Transformer{
		man:   man,
		blobs: blobs,
		cat:   cat,
		wh:    wh,
		opts:  applyOptions(opts),
	}
}

// run is the per-invocation state: one run ID for every audit event.
type run struct {
	man *manifest.Manifest
	log *slog.Logger

	mu      sync.Mutex
	summary Summary
}

func (r *run) add(s Summary) {
	r.mu.Lock()
	r.summary = r.summary.Add(s)
	r.mu.Unlock()
}

func (t *Transformer) newRun() *run {
	runID := t.opts.runIDs.Generate()
	return &run{
		man: t.man.WithRunID(runID),
		log: t.opts.logger.With("stage", "transform", "run_id", runID),
	}
}

// Run recovers entries left TRANSFORMING by an interrupted run, then
// transforms every RAW_INGESTED entry. Per-file failures are recorded in the
// manifest and counted in the summary. The returned error is non-nil only
// when the manifest could not be written or ctx was canceled; files not yet
// started when ctx is canceled stay RAW_INGESTED.
func (t *Transformer) Run(ctx context.Context) (Summary, error) {
	r := t.newRun()
	err := t.run(ctx, r)
	return r.summary, err
}

// Reprocess queues QUARANTINED entries whose fingerprint now has a recipe
// and TRANSFORMATION_FAILED entries worth another attempt (see
// reprocessable), then runs a transformation pass.
func (t *Transformer) Reprocess(ctx context.Context) (Summary, error) {
	r := t.newRun()
	queued, err := r.man.QueueReprocess(ctx, t.reprocessable)
	r.summary.Requeued = len(queued)
	if err != nil {
		return r.summary, err
	}
	r.log.Info("queued for reprocess", "count", len(queued))
	err = t.run(ctx, r)
	return r.summary, err
}

// reprocessable reports whether e should be queued again. A failure that
// was deterministic under the recipe the catalog still holds would only
// fail the same way, so it waits for a recipe change.
func (t *Transformer) reprocessable(e manifest.Entry) bool {
	recipe, err := t.cat.Lookup(e.Fingerprint)
	switch e.Status {
	case manifest.StatusQuarantined:
		return err == nil
	case manifest.StatusTransformationFailed:
		return err != nil || e.RecipeDigest == "" || e.RecipeDigest != recipe.Digest()
	}
	return false
}

func (t *Transformer) run(ctx context.Context, r *run) error {
	mctx := context.WithoutCancel(ctx)

	recovered, err := r.man.RecoverStuck(mctx)
	r.summary.Recovered += len(recovered)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		r.log.Warn("recovered interrupted transforms", "count", len(recovered))
	}

	pending, err := r.man.ListByStatus(ctx, manifest.StatusRawIngested)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	r.log.Info("transform started", "pending", len(pending), "workers", t.opts.workers)

	var g errgroup.Group
	g.SetLimit(t.opts.workers)
	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			s, err := t.processFile(ctx, r, e)
			r.add(s)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		r.log.Warn("transform interrupted", "summary", r.summary.String())
		return err
	}
	r.log.Info("transform finished", "summary", r.summary.String())
	return nil
}

// processFile takes one entry to a terminal status (or back to RAW_INGESTED
// when interrupted). Only manifest write failures are returned.
func (t *Transformer) processFile(ctx context.Context, r *run, e manifest.Entry) (s Summary, err error) {
	start := time.Now()
	hash := e.ContentHash
	log := r.log.With("content_hash", hash.Short(), "path", e.OriginalPath)
	mctx := context.WithoutCancel(ctx)

	var (
		claimed bool
		det     fingerprint.Result
		recipe  catalog.Recipe
	)

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		cause := fmt.Errorf("panic: %v", rec)
		log.Error("transform panicked", "error", cause)
		if !claimed {
			if _, cerr := r.man.BeginTransform(mctx, hash, det.Fingerprint, recipe.TargetTable); cerr != nil {
				s, err = Summary{}, cerr
				return
			}
		}
		out := manifest.Outcome{
			Status:      manifest.StatusTransformationFailed,
			Fingerprint: det.Fingerprint,
			TargetTable: recipe.TargetTable,
			Err:         cause,
		}
		if recipe.TargetTable != "" {
			out.RecipeDigest = recipe.Digest()
		}
		s, err = t.complete(mctx, r, log, hash, out, start)
	}()

	var data []byte
	retries, gerr := Retry(ctx, t.opts.retry, func(ctx context.Context) error {
		var err error
		data, err = t.blobs.Get(ctx, hash)
		return err
	})
	t.opts.metrics.retried("blob_get", retries)
	if gerr != nil {
		if ctx.Err() != nil {
			return Summary{Interrupted: 1}, nil
		}
		log.Error("raw blob unreadable", "error", gerr)
		if _, err := r.man.MarkIngestionFailed(mctx, hash, gerr); err != nil {
			return Summary{}, skipConflict(err)
		}
		t.opts.metrics.fileDone(manifest.StatusRawIngestionFailed, time.Since(start))
		return Summary{IngestionFailed: 1}, nil
	}

	det, derr := fingerprint.Detect(data, t.opts.fingerprint)
	if derr == nil {
		recipe, derr = t.cat.Lookup(det.Fingerprint)
	}
	if derr != nil {
		log.Warn("no recipe for file", "fingerprint", det.Fingerprint, "reason", derr)
		if _, err := r.man.MarkQuarantined(mctx, hash, det.Fingerprint, derr.Error()); err != nil {
			return Summary{}, skipConflict(err)
		}
		t.opts.metrics.fileDone(manifest.StatusQuarantined, time.Since(start))
		return Summary{Quarantined: 1}, nil
	}

	if _, err := r.man.BeginTransform(mctx, hash, det.Fingerprint, recipe.TargetTable); err != nil {
		if manifest.IsTransitionError(err) {
			log.Debug("claimed by another worker")
			return Summary{}, nil
		}
		return Summary{}, err
	}
	claimed = true

	var res loadResult
	retries, lerr := Retry(ctx, t.opts.retry, func(ctx context.Context) error {
		var err error
		res, err = t.load(ctx, hash, data, det, recipe)
		return err
	})
	t.opts.metrics.retried("load", retries)

	if lerr != nil && ctx.Err() != nil {
		log.Warn("transform interrupted", "error", lerr)
		if _, err := r.man.Transition(mctx, hash, manifest.StatusRawIngested, nil, "interrupted"); err != nil {
			return Summary{}, err
		}
		return Summary{Interrupted: 1}, nil
	}

	out := manifest.Outcome{
		Fingerprint:     det.Fingerprint,
		TargetTable:     recipe.TargetTable,
		RowsLoaded:      res.loaded,
		RowsQuarantined: res.quarantined,
		Retries:         retries,
		Err:             lerr,
	}
	if lerr == nil || !IsRetryable(lerr) {
		out.RecipeDigest = recipe.Digest()
	}
	switch {
	case lerr != nil:
		out.Status = manifest.StatusTransformationFailed
		out.RowsLoaded, out.RowsQuarantined = 0, 0
	case res.loaded == 0 && res.quarantined > 0:
		out.Status = manifest.StatusValidationError
		out.Err = fmt.Errorf("all %d rows failed validation", res.quarantined)
	default:
		out.Status = manifest.StatusTransformedSuccess
	}
	if lerr == nil {
		t.opts.metrics.rowsDone(res.loaded, res.quarantined, res.skipped)
	}
	return t.complete(mctx, r, log, hash, out, start)
}

func (t *Transformer) complete(ctx context.Context, r *run, log *slog.Logger, hash content.ContentHash, out manifest.Outcome, start time.Time) (Summary, error) {
	if _, err := r.man.CompleteTransform(ctx, hash, out); err != nil {
		return Summary{}, err
	}
	elapsed := time.Since(start)
	t.opts.metrics.fileDone(out.Status, elapsed)

	var s Summary
	switch out.Status {
	case manifest.StatusTransformedSuccess:
		s.Transformed = 1
		s.RowsLoaded = out.RowsLoaded
		s.RowsQuarantined = out.RowsQuarantined
		log.Info("transformed", "table", out.TargetTable, "rows", out.RowsLoaded,
			"quarantined", out.RowsQuarantined, "elapsed", elapsed)
	case manifest.StatusValidationError:
		s.ValidationErrors = 1
		s.RowsQuarantined = out.RowsQuarantined
		log.Warn("no valid rows", "table", out.TargetTable, "quarantined", out.RowsQuarantined)
	default:
		s.Failed = 1
		log.Error("transform failed", "table", out.TargetTable, "error", out.Err)
	}
	return s, nil
}

type loadResult struct {
	loaded      int
	quarantined int
	skipped     int
}

// load parses, cleans and writes one file inside a single warehouse
// transaction. Nothing is visible in the warehouse unless every batch
// succeeds.
func (t *Transformer) load(ctx context.Context, hash content.ContentHash, data []byte, det fingerprint.Result, recipe catalog.Recipe) (res loadResult, err error) {
	cfg := recipe.Parser.Resolve(det)
	rd, err := parser.Open(data, cfg, t.opts.batchSize)
	if err != nil {
		return res, err
	}
	cl, err := cleaner.New(recipe)
	if err != nil {
		return res, err
	}

	fl, err := t.wh.Begin(ctx, hash, recipe.TargetTable, cfg.DeclaredColumns)
	if err != nil {
		return res, err
	}
	committed := false
	defer func() {
		if !committed {
			fl.Rollback()
		}
	}()

	for {
		b, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return loadResult{}, err
		}
		cr := cl.Clean(hash, b.Rows)
		n, err := fl.Load(ctx, cr.Valid)
		if err != nil {
			return loadResult{}, err
		}
		q, err := fl.Quarantine(ctx, cr.Quarantined)
		if err != nil {
			return loadResult{}, err
		}
		res.loaded += n
		res.quarantined += q
		res.skipped += cr.Skipped
	}

	if err := fl.Commit(); err != nil {
		return loadResult{}, err
	}
	committed = true
	return res, nil
}

// skipConflict drops a lost race on a manifest edge; any other error is
// returned.
func skipConflict(err error) error {
	if manifest.IsTransitionError(err) {
		return nil
	}
	return err
}
