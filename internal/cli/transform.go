package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/rawlake/internal/pipeline"
)

// NewTransformCommand creates the transform command.
func NewTransformCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Transform every RAW_INGESTED file using the catalog",
		Long: `Fingerprint each pending file, look up its recipe, and load its rows.

Files left TRANSFORMING by an interrupted run are picked up again first.
Files with no matching recipe are QUARANTINED until a reprocess.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(rootOpts, cmd, (*pipeline.Transformer).Run)
		},
	}
	return cmd
}

// NewReprocessCommand creates the reprocess command.
func NewReprocessCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry quarantined and failed files after a catalog update",
		Long: `Queue QUARANTINED files whose fingerprint now has a recipe, and every
TRANSFORMATION_FAILED file, then run a transformation pass.

Example:
  rawlake reprocess --catalog recipes.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(rootOpts, cmd, (*pipeline.Transformer).Reprocess)
		},
	}
	return cmd
}

func runTransform(opts *RootOptions, cmd *cobra.Command, pass func(*pipeline.Transformer, context.Context) (pipeline.Summary, error)) error {
	f := newFormatter(opts, cmd)
	a, err := openApp(opts, cmd, true)
	if err != nil {
		return outputError(f, err)
	}
	defer a.Close()

	cat, err := a.loadCatalog()
	if err != nil {
		return outputError(f, err)
	}

	ctx, cancel := signalContext(cmd, a.log)
	defer cancel()
	a.serveMetrics(ctx)

	tr := pipeline.NewTransformer(a.man, a.blobs, cat, a.wh, a.pipelineOptions()...)
	s, err := pass(tr, ctx)
	return summaryResult(f, s, err)
}
