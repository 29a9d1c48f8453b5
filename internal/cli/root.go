// Package cli implements inlinectl, the operator tool for a session's
// update engine. Commands that change state go through the daemon's ingest
// socket; read-only queries open the session store directly.
package cli

import (
	"fmt"
	"slices"

	"github.com/matheus3301/inline/internal/session"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Session string
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// SessionName resolves the session the command runs against.
func (o *RootOptions) SessionName() (string, error) {
	name := session.Resolve(o.Session)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// NewRootCommand creates the root command for inlinectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "inlinectl",
		Short: "inlinectl - inspect and drive the inline update engine",
		Long: "Operator tool for a session's update engine: apply update batches, queue " +
			"outbound messages, watch committed changes and query the local store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err *ExitError
			if !slices.Contains(ValidFormats, opts.Format) {
				err = NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			} else if _, sessErr := opts.SessionName(); sessErr != nil {
				err = WrapExitError(ExitCommandError, "invalid session", sessErr)
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
				return err
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.Session, "session", "s", "", "session name (overrides config default)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewChatsCommand(opts))
	cmd.AddCommand(NewMessagesCommand(opts))
	cmd.AddCommand(NewPresenceCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
