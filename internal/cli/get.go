package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/recstore/internal/facade"
	"github.com/roach88/recstore/internal/fault"
)

// GetOptions holds get flags.
type GetOptions struct {
	Raw bool
}

// GetOutput is the output of get.
type GetOutput struct {
	Records []facade.GetResult `json:"records"`
	Missing []string           `json:"missing,omitempty"`
}

func (r GetOutput) renderText(w io.Writer) error {
	for _, rec := range r.Records {
		if _, err := fmt.Fprintf(w, "%s  %s  %d bytes\n", rec.Digest, rec.ClaimedAt, len(rec.Content)); err != nil {
			return err
		}
	}
	for _, d := range r.Missing {
		if _, err := fmt.Fprintf(w, "%s  missing\n", d); err != nil {
			return err
		}
	}
	return nil
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{}

	cmd := &cobra.Command{
		Use:   "get <digest...>",
		Short: "Read records by digest",
		Long: `Read the records stored under the given digests.

With --raw and a single digest, the content is written to stdout unchanged.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "write the content of a single record to stdout")

	return cmd
}

func runGet(rootOpts *RootOptions, opts *GetOptions, args []string, cmd *cobra.Command) error {
	if opts.Raw && len(args) != 1 {
		return rootOpts.formatter(cmd).Fail(fault.Validation("get", "--raw takes exactly one digest"))
	}

	return rootOpts.run(cmd, func(s *session) error {
		if len(args) == 1 {
			rec, err := s.f.Get(s.ctx, args[0])
			if err != nil {
				return err
			}
			if opts.Raw {
				_, err := s.out.Writer.Write(rec.Content)
				return err
			}
			return s.out.Success(GetOutput{Records: []facade.GetResult{facade.NewGetResult(rec)}})
		}

		found, err := s.f.GetMany(s.ctx, args)
		if err != nil {
			return err
		}
		out := GetOutput{Records: []facade.GetResult{}}
		seen := make(map[string]bool, len(args))
		for _, arg := range args {
			// found is keyed by the normalized digest.
			d, _ := s.f.NormalizeDigest(s.ctx, arg)
			if seen[d] {
				continue
			}
			seen[d] = true
			if rec, ok := found[d]; ok {
				out.Records = append(out.Records, facade.NewGetResult(rec))
			} else {
				out.Missing = append(out.Missing, d)
			}
		}
		if err := s.out.Success(out); err != nil {
			return err
		}
		if len(out.Missing) > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d digest(s) not found", len(out.Missing)))
		}
		return nil
	})
}
