package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// DeleteResult is the output of delete.
type DeleteResult struct {
	Requested int `json:"requested"`
	Deleted   int `json:"deleted"`
}

func (r DeleteResult) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "deleted %d of %d\n", r.Deleted, r.Requested)
	return err
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "delete <digest...>",
		Short:         "Delete records by digest",
		Long:          "Delete the records stored under the given digests. Missing digests are not an error.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runDelete(rootOpts *RootOptions, args []string, cmd *cobra.Command) error {
	return rootOpts.run(cmd, func(s *session) error {
		result := DeleteResult{Requested: len(args)}
		if len(args) == 1 {
			deleted, err := s.f.Delete(s.ctx, args[0])
			if err != nil {
				return err
			}
			if deleted {
				result.Deleted = 1
			}
			return s.out.Success(result)
		}

		n, err := s.f.DeleteMany(s.ctx, args)
		if err != nil {
			return err
		}
		result.Deleted = n
		return s.out.Success(result)
	})
}
