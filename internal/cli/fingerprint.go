package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/fingerprint"
)

// FingerprintOptions holds flags for the fingerprint command.
type FingerprintOptions struct {
	*RootOptions
	Recipe bool
	Table  string
}

// FingerprintReport is the fingerprint command's JSON payload.
type FingerprintReport struct {
	Path        string   `json:"path"`
	Fingerprint string   `json:"fingerprint"`
	HeaderLine  int      `json:"header_line"`
	Encoding    string   `json:"encoding"`
	Delimiter   string   `json:"delimiter"`
	Columns     []string `json:"columns"`
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FingerprintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fingerprint <file>",
		Short: "Detect a file's header and print its fingerprint",
		Long: `Detect the header row of a file and print the format fingerprint the
catalog would be searched with.

With --recipe, print a catalog entry skeleton for the file instead, with
every column declared as a string.

Example:
  rawlake fingerprint ./drop/trades.csv
  rawlake fingerprint ./drop/trades.csv --recipe --table trades >> recipes.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Recipe, "recipe", false, "print a recipe skeleton as YAML")
	cmd.Flags().StringVar(&opts.Table, "table", "", "target table for --recipe (default: derived from the file name)")
	return cmd
}

func runFingerprint(opts *FingerprintOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return outputError(f, CommandError(ErrCodeConfig, "failed to load config", err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return outputError(f, err)
	}
	det, err := fingerprint.Detect(data, fingerprintOptions(cfg))
	if err != nil {
		return outputError(f, CommandError(ErrCodeGeneric, "no header detected", err))
	}

	if opts.Recipe {
		out, err := catalog.MarshalYAML([]catalog.Recipe{recipeSkeleton(path, opts.Table, det)})
		if err != nil {
			return outputError(f, err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}

	r := FingerprintReport{
		Path:        path,
		Fingerprint: det.Fingerprint,
		HeaderLine:  det.HeaderLine,
		Encoding:    det.Encoding,
		Delimiter:   string(det.Delimiter),
		Columns:     det.Columns,
	}
	return f.Render(r, func(w io.Writer) {
		fmt.Fprintf(w, "fingerprint: %s\n", r.Fingerprint)
		fmt.Fprintf(w, "header line: %d\n", r.HeaderLine)
		fmt.Fprintf(w, "encoding:    %s\n", r.Encoding)
		fmt.Fprintf(w, "delimiter:   %q\n", r.Delimiter)
		fmt.Fprintf(w, "columns:     %s\n", strings.Join(r.Columns, " | "))
	})
}

func recipeSkeleton(path, table string, det fingerprint.Result) catalog.Recipe {
	if table == "" {
		table = catalog.Identifier(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	cols := make([]catalog.ColumnSpec, len(det.Columns))
	for i, c := range det.Columns {
		cols[i] = catalog.ColumnSpec{Source: c, Name: catalog.Identifier(c), Type: catalog.TypeString}
	}
	return catalog.Recipe{
		Fingerprint: det.Fingerprint,
		TargetTable: table,
		Parser: catalog.ParserConfig{
			Encoding:        det.Encoding,
			Delimiter:       string(det.Delimiter),
			HeaderSkip:      catalog.AutoHeader,
			DeclaredColumns: cols,
		},
		CleanerID: "default",
	}
}
