package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/recstore/internal/facade"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/store"
)

// ListOptions holds list flags.
type ListOptions struct {
	Page     int
	PageSize int
	Start    string
	End      string
}

// listOutput renders a facade.ListResult as text.
type listOutput facade.ListResult

func (r listOutput) renderText(w io.Writer) error {
	for _, rec := range r.Items {
		if _, err := fmt.Fprintf(w, "%s  %s  %d bytes\n", rec.Digest, rec.ClaimedAt, len(rec.Content)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "page %d of %d (%d records)\n", r.Page, r.TotalPages, r.Total)
	return err
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records by claim time",
		Long: `List records ordered by claim time, one page at a time.

--start and --end take RFC 3339 timestamps and are inclusive.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 20, "records per page")
	cmd.Flags().StringVar(&opts.Start, "start", "", "earliest claim time (RFC 3339)")
	cmd.Flags().StringVar(&opts.End, "end", "", "latest claim time (RFC 3339)")

	return cmd
}

func runList(rootOpts *RootOptions, opts *ListOptions, cmd *cobra.Command) error {
	q := store.PageQuery{Page: opts.Page, PageSize: opts.PageSize}
	var err error
	if q.Start, err = parseBound("start", opts.Start); err != nil {
		return rootOpts.formatter(cmd).Fail(err)
	}
	if q.End, err = parseBound("end", opts.End); err != nil {
		return rootOpts.formatter(cmd).Fail(err)
	}

	return rootOpts.run(cmd, func(s *session) error {
		page, err := s.f.Page(s.ctx, q)
		if err != nil {
			return err
		}
		return s.out.Success(listOutput(facade.NewListResult(page)))
	})
}

func parseBound(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fault.Validation("list", "--%s: %v", name, err)
	}
	return &t, nil
}
