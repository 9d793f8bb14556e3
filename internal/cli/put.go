package cli

import (
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/recstore/internal/facade"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/store"
)

// PutOptions holds put flags.
type PutOptions struct {
	Text      bool
	Normalize bool
}

// PutResult is the output of put.
type PutResult struct {
	Saved   int                   `json:"saved"`
	Skipped int                   `json:"skipped"`
	Records []facade.CreateResult `json:"records"`
}

func (r PutResult) renderText(w io.Writer) error {
	for _, rec := range r.Records {
		if _, err := fmt.Fprintf(w, "%s  %s\n", rec.Digest, rec.ClaimedAt); err != nil {
			return err
		}
	}
	if len(r.Records) > 1 {
		_, err := fmt.Fprintf(w, "saved %d, skipped %d\n", r.Saved, r.Skipped)
		return err
	}
	return nil
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{}

	cmd := &cobra.Command{
		Use:   "put [file...]",
		Short: "Store content and print its digest",
		Long: `Store the content of each file and print its digest and claim time.

With no arguments, content is read from stdin. With --text, arguments are
stored as literal strings. Several inputs are stored in one batch.`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Text, "text", "t", false, "treat arguments as literal text")
	cmd.Flags().BoolVar(&opts.Normalize, "normalize", false, "apply Unicode NFC to UTF-8 input before hashing")

	return cmd
}

func runPut(rootOpts *RootOptions, opts *PutOptions, args []string, cmd *cobra.Command) error {
	inputs, err := readInputs(rootOpts, opts, args)
	if err != nil {
		return rootOpts.formatter(cmd).Fail(err)
	}

	// A single input goes through SaveMany too so skipped content is reported.
	return rootOpts.run(cmd, func(s *session) error {
		batch := make([]store.Record, len(inputs))
		for i, content := range inputs {
			batch[i] = store.Record{Content: content}
		}
		result, err := s.f.SaveMany(s.ctx, batch)
		if err != nil {
			return err
		}

		out := PutResult{Saved: result.Saved, Skipped: result.Skipped, Records: make([]facade.CreateResult, len(result.Records))}
		for i, rec := range result.Records {
			out.Records[i] = facade.NewCreateResult(rec)
		}
		return s.out.Success(out)
	})
}

func readInputs(rootOpts *RootOptions, opts *PutOptions, args []string) ([][]byte, error) {
	var inputs [][]byte
	switch {
	case opts.Text:
		if len(args) == 0 {
			return nil, fault.Validation("put", "--text requires at least one argument")
		}
		for _, a := range args {
			inputs = append(inputs, []byte(a))
		}
	case len(args) == 0:
		data, err := io.ReadAll(rootOpts.stdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		inputs = append(inputs, data)
	default:
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fault.Validation("put", "%v", err)
			}
			inputs = append(inputs, data)
		}
	}

	if opts.Normalize {
		for i, in := range inputs {
			if utf8.Valid(in) {
				inputs[i] = norm.NFC.Bytes(in)
			}
		}
	}
	return inputs, nil
}
