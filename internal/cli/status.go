package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/rawlake/internal/content"
	"github.com/roach88/rawlake/internal/manifest"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Status string
	Limit  int
}

// StatusCount is one row of the status summary.
type StatusCount struct {
	Status manifest.Status `json:"status"`
	Files  int             `json:"files"`
}

// StatusReport is the status command's JSON payload.
type StatusReport struct {
	Counts []StatusCount    `json:"counts,omitempty"`
	Total  int              `json:"total"`
	Files  []manifest.Entry `json:"files,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show manifest counts, or the files in one status",
		Long: `Without --status, print the number of files in every status.
With --status, list the files in that status, oldest first.

Example:
  rawlake status
  rawlake status --status QUARANTINED --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "list files in this status")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "list at most this many files (0 = all)")
	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	a, err := openApp(opts.RootOptions, cmd, false)
	if err != nil {
		return outputError(f, err)
	}
	defer a.Close()
	ctx := cmd.Context()

	if opts.Status != "" {
		st, err := manifest.ParseStatus(opts.Status)
		if err != nil {
			return outputError(f, err)
		}
		entries, err := a.man.ListByStatus(ctx, st)
		if err != nil {
			return outputError(f, err)
		}
		if opts.Limit > 0 && len(entries) > opts.Limit {
			entries = entries[:opts.Limit]
		}
		report := StatusReport{Total: len(entries), Files: entries}
		return f.Render(report, func(w io.Writer) { writeEntries(w, entries) })
	}

	counts, err := a.man.Counts(ctx)
	if err != nil {
		return outputError(f, err)
	}
	var report StatusReport
	for _, st := range manifest.AllStatuses {
		report.Counts = append(report.Counts, StatusCount{Status: st, Files: counts[st]})
		report.Total += counts[st]
	}
	return f.Render(report, func(w io.Writer) { writeCounts(w, report) })
}

func writeCounts(w io.Writer, r StatusReport) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tFILES")
	for _, c := range r.Counts {
		fmt.Fprintf(tw, "%s\t%d\n", c.Status, c.Files)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\n", r.Total)
	tw.Flush()
}

func writeEntries(w io.Writer, entries []manifest.Entry) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tSTATUS\tTABLE\tROWS\tQUARANTINED\tPATH\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.ContentHash.Short(), e.Status, dash(e.TargetTable),
			e.ProcessedRowCount, e.QuarantinedRowCount, e.OriginalPath, dash(e.ErrorMessage))
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ShowReport is the show command's JSON payload.
type ShowReport struct {
	Entry       manifest.Entry      `json:"entry"`
	Events      []manifest.Event    `json:"events"`
	Sightings   []manifest.Sighting `json:"sightings"`
	Quarantined []quarantinedRow    `json:"quarantined,omitempty"`
}

type quarantinedRow struct {
	RowIndex int               `json:"row_index"`
	Line     int               `json:"line"`
	Reason   string            `json:"reason"`
	Raw      map[string]string `json:"raw"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <content-hash>",
		Short: "Show one file's manifest entry, audit trail and rejected rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runShow(opts *RootOptions, arg string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	hash, err := content.Parse(arg)
	if err != nil {
		return outputError(f, err)
	}
	a, err := openApp(opts, cmd, true)
	if err != nil {
		return outputError(f, err)
	}
	defer a.Close()
	ctx := cmd.Context()

	var r ShowReport
	if r.Entry, err = a.man.Get(ctx, hash); err != nil {
		return outputError(f, CommandError(ErrCodeNotFound, "no manifest entry", err))
	}
	if r.Events, err = a.man.Events(ctx, hash); err != nil {
		return outputError(f, err)
	}
	if r.Sightings, err = a.man.Sightings(ctx, hash); err != nil {
		return outputError(f, err)
	}
	rows, err := a.wh.Quarantined(ctx, hash)
	if err != nil {
		return outputError(f, err)
	}
	for _, q := range rows {
		r.Quarantined = append(r.Quarantined, quarantinedRow{RowIndex: q.RowIndex, Line: q.Line, Reason: q.Reason, Raw: q.Raw})
	}

	return f.Render(r, func(w io.Writer) { writeShow(w, r) })
}

func writeShow(w io.Writer, r ShowReport) {
	e := r.Entry
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "hash:\t%s\n", e.ContentHash)
	fmt.Fprintf(tw, "status:\t%s\n", e.Status)
	fmt.Fprintf(tw, "path:\t%s\n", e.OriginalPath)
	fmt.Fprintf(tw, "source:\t%s\n", dash(e.SourceSystem))
	fmt.Fprintf(tw, "size:\t%d\n", e.SizeBytes)
	fmt.Fprintf(tw, "fingerprint:\t%s\n", dash(e.Fingerprint))
	fmt.Fprintf(tw, "table:\t%s\n", dash(e.TargetTable))
	fmt.Fprintf(tw, "rows:\t%d loaded, %d quarantined\n", e.ProcessedRowCount, e.QuarantinedRowCount)
	fmt.Fprintf(tw, "retries:\t%d\n", e.RetryCount)
	if e.ErrorMessage != "" {
		fmt.Fprintf(tw, "error:\t%s\n", e.ErrorMessage)
	}
	tw.Flush()

	fmt.Fprintln(w, "\nevents:")
	for _, ev := range r.Events {
		fmt.Fprintf(w, "  %s  %s -> %s  %s\n", ev.At.Format("2006-01-02T15:04:05Z07:00"), dash(string(ev.From)), ev.To, ev.Message)
	}
	fmt.Fprintln(w, "\nsightings:")
	for _, s := range r.Sightings {
		fmt.Fprintf(w, "  %s (%s) seen %d time(s)\n", s.OriginalPath, dash(s.SourceSystem), s.SeenCount)
	}
	if len(r.Quarantined) > 0 {
		fmt.Fprintln(w, "\nquarantined rows:")
		for _, q := range r.Quarantined {
			fmt.Fprintf(w, "  line %d: %s\n", q.Line, q.Reason)
		}
	}
}
