package cli

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/rawlake/internal/pipeline"
	"github.com/roach88/rawlake/internal/source"
)

// IngestOptions holds flags shared by ingest and run.
type IngestOptions struct {
	*RootOptions
	Source     string
	Extensions []string
	MaxSize    int64
}

func addIngestFlags(cmd *cobra.Command, opts *IngestOptions) {
	cmd.Flags().StringVar(&opts.Source, "source", "", "source system label (default: base name of the path)")
	cmd.Flags().StringSliceVar(&opts.Extensions, "ext", nil, "file extensions to include, e.g. .csv,.tsv (overrides config)")
	cmd.Flags().Int64Var(&opts.MaxSize, "max-size", 0, "skip files larger than this many bytes (0 = no limit)")
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Store new files in the raw blob store",
		Long: `Hash every file under path and record it in the manifest.

Content already in the manifest is not stored again; the new path is
recorded as another sighting of it.

Example:
  rawlake ingest ./drop --source erp
  rawlake ingest ./drop/2024-01-31.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}
	addIngestFlags(cmd, opts)
	return cmd
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	a, err := openApp(opts.RootOptions, cmd, false)
	if err != nil {
		return outputError(f, err)
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd, a.log)
	defer cancel()
	a.serveMetrics(ctx)

	s, err := ingest(ctx, a, opts, path)
	return summaryResult(f, s, err)
}

// NewRunCommand creates the run command: ingest followed by transform.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Ingest files under path, then transform everything pending",
		Long: `Run a full pass: ingest path, then transform every RAW_INGESTED file.

Exit status is 0 when every file reached an expected status, 1 when any
file failed or the run was interrupted, and 2 on configuration or storage
errors.

Example:
  rawlake run ./drop --catalog recipes.yaml --workers 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll(opts, args[0], cmd)
		},
	}
	addIngestFlags(cmd, opts)
	return cmd
}

func runAll(opts *IngestOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	a, err := openApp(opts.RootOptions, cmd, true)
	if err != nil {
		return outputError(f, err)
	}
	defer a.Close()

	// Load the catalog first: a broken catalog must not leave files half
	// way through the pipeline.
	cat, err := a.loadCatalog()
	if err != nil {
		return outputError(f, err)
	}

	ctx, cancel := signalContext(cmd, a.log)
	defer cancel()
	a.serveMetrics(ctx)

	in, err := ingest(ctx, a, opts, path)
	if err != nil {
		return summaryResult(f, in, err)
	}

	tr := pipeline.NewTransformer(a.man, a.blobs, cat, a.wh, a.pipelineOptions()...)
	out, err := tr.Run(ctx)
	return summaryResult(f, in.Add(out), err)
}

func ingest(ctx context.Context, a *app, opts *IngestOptions, path string) (pipeline.Summary, error) {
	src := opts.Source
	if src == "" {
		src = filepath.Base(filepath.Clean(path))
	}
	exts := a.cfg.Extensions
	if len(opts.Extensions) > 0 {
		exts = opts.Extensions
	}
	it, err := source.NewDir(path, src, source.DirOptions{Extensions: exts, MaxSize: opts.MaxSize})
	if err != nil {
		return pipeline.Summary{}, err
	}
	a.log.Info("ingesting", "path", path, "source", src, "files", it.Len())

	in := pipeline.NewIngester(a.man, a.blobs, a.pipelineOptions()...)
	return in.IngestAll(ctx, it)
}
