package cli

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/recstore/internal/config"
	"github.com/roach88/recstore/internal/facade"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/logging"
	"github.com/roach88/recstore/internal/telemetry"
)

// session is what a command body receives.
type session struct {
	ctx context.Context
	f   *facade.Facade
	out *OutputFormatter
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// loadConfig resolves configuration: file, then environment, then flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.Engine != "" {
		cfg.Database.Engine = o.Engine
	}
	if o.DBPath != "" {
		if cfg.Database.Engine == "postgres" {
			cfg.Database.DSN = o.DBPath
		} else {
			cfg.Database.Path = o.DBPath
		}
	}
	if o.MetricsAddr != "" {
		cfg.Metrics.Addr = o.MetricsAddr
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// run opens a facade for the command, serves metrics when configured and
// reports any failure of fn through the formatter.
func (o *RootOptions) run(cmd *cobra.Command, fn func(s *session) error) error {
	out := o.formatter(cmd)

	cfg, err := o.loadConfig()
	if err != nil {
		return out.Fail(err)
	}

	logger, err := o.logger(cmd, cfg)
	if err != nil {
		return out.Fail(fault.Validation("config", "%v", err))
	}
	defer logger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := []facade.Option{facade.WithLogger(logger.Logger)}
	if o.Clock != nil {
		opts = append(opts, facade.WithClock(o.Clock))
	}

	if cfg.Metrics.Addr != "" {
		provider, err := telemetry.Setup(ctx, telemetry.Config{
			ServiceName:      "recstore",
			ServiceVersion:   Version,
			EnablePrometheus: true,
		})
		if err != nil {
			return out.Fail(err)
		}
		defer provider.Shutdown(context.Background())

		serveCtx, stop := context.WithCancel(ctx)
		addr, done, err := telemetry.Serve(serveCtx, cfg.Metrics.Addr, provider.Handler(),
			logging.WithComponent(logger.Logger, "metrics"))
		if err != nil {
			stop()
			return out.Fail(err)
		}
		defer func() {
			stop()
			<-done
		}()
		out.VerboseLog("metrics on http://%s/metrics", addr)
		opts = append(opts, facade.WithMeter(provider.Meter()))
	}

	err = facade.Run(ctx, cfg, func(f *facade.Facade) error {
		return fn(&session{ctx: ctx, f: f, out: out})
	}, opts...)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return out.Fail(err)
}

func (o *RootOptions) logger(cmd *cobra.Command, cfg config.Config) (*logging.Logger, error) {
	w := cmd.ErrOrStderr()
	if w == os.Stderr {
		return logging.Stderr(cfg.LogOptions())
	}
	opts := cfg.LogOptions()
	opts.NoColor = true
	return logging.New(w, opts)
}
