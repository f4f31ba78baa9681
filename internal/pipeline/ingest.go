package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/rawlake/internal/blob"
	"github.com/roach88/rawlake/internal/content"
	"github.com/roach88/rawlake/internal/manifest"
	"github.com/roach88/rawlake/internal/source"
)

// IngestResult describes what happened to one candidate.
type IngestResult struct {
	Hash   content.ContentHash
	Path   string
	Status manifest.Status

	// Created is set when this was the first sighting of the content.
	Created bool

	// Duplicate is set when the content was already ingested; nothing was
	// written besides the sighting.
	Duplicate bool
}

// Ingester stores discovered files in the raw blob store.
type Ingester struct {
	man   *manifest.Manifest
	blobs blob.Store
	opts  options
	log   *slog.Logger
}

// NewIngester creates an Ingester. All manifest events it writes carry one
// run ID.
func NewIngester(man *manifest.Manifest, blobs blob.Store, opts ...Option) *Ingester {
	o := applyOptions(opts)
	runID := o.runIDs.Generate()
	return &Ingester{
		man:   man.WithRunID(runID),
		blobs: blobs,
		opts:  o,
		log:   o.logger.With("stage", "ingest", "run_id", runID),
	}
}

// Ingest records one candidate. The manifest entry advances to
// RAW_INGESTED only after the blob write succeeded. A blob failure is
// recorded as RAW_INGESTION_FAILED and is not returned as an error; the
// returned error means the manifest itself could not be written.
func (in *Ingester) Ingest(ctx context.Context, c source.Candidate) (IngestResult, error) {
	h := content.Hash(c.Data)
	log := in.log.With("content_hash", h.Short(), "path", c.Path)

	entry, created, err := in.man.Discover(ctx, h, c.Path, c.Source, int64(len(c.Data)))
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest %s: %w", c.Path, err)
	}
	res := IngestResult{Hash: h, Path: c.Path, Status: entry.Status, Created: created}

	switch entry.Status {
	case manifest.StatusDiscovered, manifest.StatusRawIngestionFailed:
	default:
		log.Debug("already ingested", "status", entry.Status, "first_path", entry.OriginalPath)
		res.Duplicate = true
		in.opts.metrics.ingestResult("duplicate")
		return res, nil
	}

	retries, err := Retry(ctx, in.opts.retry, func(ctx context.Context) error {
		return in.blobs.Put(ctx, h, c.Data)
	})
	in.opts.metrics.retried("blob_put", retries)
	if err != nil {
		log.Warn("blob write failed", "error", err, "retries", retries)
		e, terr := in.man.MarkIngestionFailed(context.WithoutCancel(ctx), h, err)
		if manifest.IsTransitionError(terr) {
			// Another ingester stored the same content meanwhile.
			res.Duplicate = true
			in.opts.metrics.ingestResult("duplicate")
			if current, gerr := in.man.Get(ctx, h); gerr == nil {
				res.Status = current.Status
			}
			return res, nil
		}
		if terr != nil {
			return res, fmt.Errorf("ingest %s: %w", c.Path, terr)
		}
		res.Status = e.Status
		in.opts.metrics.ingestResult("failed")
		return res, nil
	}

	e, err := in.man.MarkIngested(ctx, h)
	var te *manifest.TransitionError
	if errors.As(err, &te) {
		// Another ingester advanced the same content first.
		res.Duplicate = true
		in.opts.metrics.ingestResult("duplicate")
		current, gerr := in.man.Get(ctx, h)
		if gerr == nil {
			res.Status = current.Status
		}
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("ingest %s: %w", c.Path, err)
	}
	res.Status = e.Status
	in.opts.metrics.ingestResult("new")
	log.Info("ingested", "size", len(c.Data), "new", created)
	return res, nil
}

// IngestAll drains it. Unreadable files are counted and skipped; a
// manifest failure or cancellation stops the walk and is returned along
// with the counts so far.
func (in *Ingester) IngestAll(ctx context.Context, it source.Iterator) (Summary, error) {
	var s Summary
	for {
		c, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if source.IsReadError(err) {
			in.log.Warn("unreadable file", "error", err)
			in.opts.metrics.ingestResult("unreadable")
			s.Unreadable++
			continue
		}
		if err != nil {
			return s, err
		}

		res, err := in.Ingest(ctx, c)
		if err != nil {
			return s, err
		}
		switch {
		case res.Duplicate:
			s.Duplicates++
		case res.Status == manifest.StatusRawIngestionFailed:
			s.IngestionFailed++
		default:
			s.Ingested++
		}
	}
}
