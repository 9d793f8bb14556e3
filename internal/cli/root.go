package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/store"
)

// Version is reported in metrics resources; overridden at link time.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	ConfigPath  string
	DBPath      string
	Engine      string
	MetricsAddr string

	// Clock overrides the claim-time clock. Nil uses the system clock.
	Clock store.Clock

	// Stdin is read by put when no inputs are given. Nil means os.Stdin.
	Stdin io.Reader
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the recstore CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recstore",
		Short: "recstore - content-addressable record store",
		Long: `A content-addressable record store.

Records are identified by a digest of their content and ordered by the
time they were claimed. Digest collisions escalate the hash algorithm.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Engine != "" {
				if _, err := backend.Lookup(opts.Engine); err != nil {
					return err
				}
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&opts.DBPath, "db", "", "database file (sqlite) or DSN (postgres)")
	flags.StringVar(&opts.Engine, "engine", "", fmt.Sprintf("backing engine %v", backend.Names()))
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")

	// Add subcommands
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) stdin() io.Reader {
	if o.Stdin != nil {
		return o.Stdin
	}
	return os.Stdin
}
