// Package cli implements the dagpipe command: validating workflow files and
// inspecting or clearing checkpoint directories. Running tasks needs Go
// handlers, so execution stays a library call.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avi3tal/dagpipe/pkg/checkpoints"
	"github.com/avi3tal/dagpipe/pkg/pipeline"
)

const (
	backendFile   = "file"
	backendBadger = "badger"
)

type options struct {
	logLevel  string
	logFormat string
	backend   string
	dir       string

	logger *slog.Logger
}

// NewRootCommand returns the dagpipe command tree. Logs go to errW.
func NewRootCommand(errW io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "dagpipe",
		Short:         "Inspect dagpipe workflows and checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.backend {
			case backendFile, backendBadger:
			default:
				return fmt.Errorf("unknown backend %q (want %s or %s)", opts.backend, backendFile, backendBadger)
			}
			opts.logger = newLogger(opts.logLevel, opts.logFormat, errW)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.backend, "backend", backendFile, "checkpoint backend: file or badger")
	flags.StringVar(&opts.dir, "dir", pipeline.DefaultCheckpointDir, "checkpoint directory")

	root.AddCommand(
		newValidateCommand(opts),
		newStatusCommand(opts),
		newClearCommand(opts),
	)
	return root
}

// openStore opens the configured checkpoint backend. The returned function
// releases it.
func (o *options) openStore() (checkpoints.Store, func() error, error) {
	switch o.backend {
	case backendBadger:
		s, err := checkpoints.NewBadgerStore(o.dir, checkpoints.BadgerOptions{Logger: o.logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := checkpoints.NewFileStore(o.dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
}
