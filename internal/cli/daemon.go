package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/matheus3301/inline/internal/ingest"
	"github.com/matheus3301/inline/internal/session"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

func ingestClient(opts *RootOptions) (*ingest.Client, string, error) {
	name, err := opts.SessionName()
	if err != nil {
		return nil, "", err
	}
	return ingest.NewClient(session.IngestSocketPath(name)), name, nil
}

// requestFailed maps a client error onto the output and an exit code.
func requestFailed(f *OutputFormatter, sessionName string, err error) error {
	var apiErr *ingest.APIError
	if errors.As(err, &apiErr) {
		return f.Fail(ExitFailure, apiErr.Code, apiErr.Message, nil)
	}
	msg := fmt.Sprintf("cannot reach daemon for session %q", sessionName)
	return f.Fail(ExitCommandError, ErrCodeNoDaemon, msg, err)
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <batch-file>",
		Short: "Apply a batch of updates",
		Long: `Post a YAML or JSON batch document to the daemon and apply it as one
transaction. Use "-" to read the batch from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(rootOpts, args[0], cmd)
		},
	}
}

func runApply(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		file, err := os.Open(path)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "cannot open batch file", err)
		}
		defer func() { _ = file.Close() }()
		r = file
	}

	client, name, err := ingestClient(opts)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid session", err)
	}
	f.VerboseLog("Posting %s to session %q", path, name)

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	res, err := client.ApplyBatch(ctx, r)
	if err != nil {
		return requestFailed(f, name, err)
	}
	return f.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Applied batch of %d update(s)\n", res.Updates)
	})
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat-id> <text>",
		Short: "Queue an outbound text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			chatID, err := parseChatID(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid chat id", err)
			}
			client, name, err := ingestClient(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid session", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := client.Send(ctx, chatID, args[1])
			if err != nil {
				return requestFailed(f, name, err)
			}
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Queued message for chat %d (random id %d)\n", res.ChatID, res.RandomID)
			})
		},
	}
}

// NewPresenceCommand creates the presence command.
func NewPresenceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "presence <chat-id>",
		Short: "Show who is typing or uploading in a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			chatID, err := parseChatID(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid chat id", err)
			}
			client, name, err := ingestClient(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid session", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			entries, err := client.Presence(ctx, chatID)
			if err != nil {
				return requestFailed(f, name, err)
			}
			return f.Success(entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No activity.")
					return
				}
				for _, e := range entries {
					fmt.Fprintf(w, "user %-12d %-20s since %s\n", e.UserID, e.Action, e.Since.Format(time.TimeOnly))
				}
			})
		},
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var namespace string
	var limit int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream committed changes and presence events",
		Long: `Stream events from the daemon until interrupted. --namespace filters by
event kind prefix, e.g. "change.message." or "presence.".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			client, name, err := ingestClient(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid session", err)
			}

			seen := 0
			errDone := errors.New("limit reached")
			err = client.Watch(cmd.Context(), namespace, func(fr ingest.Frame) error {
				if fr.Type != ingest.FrameEvent {
					f.VerboseLog("Watching %q on session %q", fr.Namespace, name)
					return nil
				}
				if err := writeFrame(f, fr); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					return errDone
				}
				return nil
			})
			switch {
			case err == nil, errors.Is(err, errDone), errors.Is(err, context.Canceled):
				return nil
			default:
				return requestFailed(f, name, err)
			}
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "event kind prefix to watch")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many events (0 = unlimited)")
	return cmd
}

// writeFrame prints one event per line: the raw frame as JSON, or a
// timestamped kind and payload as text.
func writeFrame(f *OutputFormatter, fr ingest.Frame) error {
	return f.Success(fr, func(w io.Writer) {
		fmt.Fprintf(w, "%s %-28s %s\n", fr.Timestamp.Format(time.StampMilli), fr.Kind, fr.Payload)
	})
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("chat id must not be zero")
	}
	return id, nil
}
