package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/matheus3301/inline/internal/daemon"
	"github.com/matheus3301/inline/internal/ingest"
	"github.com/matheus3301/inline/internal/lock"
	"github.com/matheus3301/inline/internal/session"
	"github.com/matheus3301/inline/internal/store"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusView is the output of the status command.
type StatusView struct {
	Session   string              `json:"session"`
	Running   bool                `json:"running"`
	PID       int                 `json:"pid,omitempty"`
	Engine    *ingest.StatsResult `json:"engine,omitempty"`
	LastBatch *BatchCheckpoint    `json:"last_batch,omitempty"`
	Chats     int64               `json:"chats"`
	Messages  int64               `json:"messages"`
}

// BatchCheckpoint is the last committed batch as recorded in the store.
type BatchCheckpoint struct {
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
	Size int       `json:"size"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, engine and store status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	name, err := opts.SessionName()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid session", err)
	}
	view := StatusView{Session: name}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if stats, err := ingest.NewClient(session.IngestSocketPath(name)).Stats(ctx); err == nil {
		view.Running = true
		view.Engine = &stats
		if h, err := lock.Read(session.LockPath(name)); err == nil {
			view.PID = h.PID
		}
	} else {
		f.VerboseLog("Daemon not reachable: %v", err)
	}

	db, err := openStore(opts, &OutputFormatter{Format: f.Format, Writer: io.Discard, Verbose: false})
	if err == nil {
		defer func() { _ = db.Close() }()
		if view.LastBatch, err = lastBatch(db); err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "read checkpoints", err)
		}
		if view.Chats, err = db.ChatCount(); err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "count chats", err)
		}
		if view.Messages, err = db.MessageCount(); err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "count messages", err)
		}
	}

	return f.Success(view, func(w io.Writer) {
		fmt.Fprintf(w, "Session:  %s\n", view.Session)
		if view.Running {
			fmt.Fprintf(w, "Daemon:   running (pid %d)\n", view.PID)
			e := view.Engine
			fmt.Fprintf(w, "Engine:   %s since %s\n", e.State, e.Since.Format(time.DateTime))
			fmt.Fprintf(w, "Batches:  %d (%d applied, %d skipped, %d failed)\n", e.Batches, e.Applied, e.Skipped, e.Failures)
		} else {
			fmt.Fprintln(w, "Daemon:   not running")
		}
		if b := view.LastBatch; b != nil {
			fmt.Fprintf(w, "Last:     batch %s of %d update(s) at %s\n", b.ID, b.Size, b.At.Format(time.DateTime))
		}
		fmt.Fprintf(w, "Store:    %d chat(s), %d message(s)\n", view.Chats, view.Messages)
	})
}

// lastBatch reads the batch checkpoints. It returns nil before the first
// batch commits.
func lastBatch(db *store.DB) (*BatchCheckpoint, error) {
	id, err := db.Checkpoint(store.CheckpointLastBatchID)
	if err != nil || id == "" {
		return nil, err
	}
	b := &BatchCheckpoint{ID: id}
	at, err := db.Checkpoint(store.CheckpointLastBatchAt)
	if err != nil {
		return nil, err
	}
	if ms, err := strconv.ParseInt(at, 10, 64); err == nil {
		b.At = time.UnixMilli(ms)
	}
	size, err := db.Checkpoint(store.CheckpointLastBatchSize)
	if err != nil {
		return nil, err
	}
	b.Size, _ = strconv.Atoi(size)
	return b, nil
}

// HealthView is the output of the health command.
type HealthView struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the daemon's gRPC health service",
		Long: `Query the gRPC health service on the session's daemon socket. Exits
non-zero unless the service reports SERVING.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			name, err := rootOpts.SessionName()
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid session", err)
			}

			conn, err := grpc.NewClient(
				"unix://"+session.SocketPath(name),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeNoDaemon, "cannot create health client", err)
			}
			defer func() { _ = conn.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				msg := fmt.Sprintf("cannot reach daemon for session %q", name)
				return f.Fail(ExitCommandError, ErrCodeNoDaemon, msg, err)
			}

			view := HealthView{Service: service, Status: resp.Status.String()}
			if view.Service == "" {
				view.Service = "(daemon)"
			}
			if err := f.Success(view, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", view.Service, view.Status)
			}); err != nil {
				return err
			}
			if resp.Status != healthpb.HealthCheckResponse_SERVING {
				return NewExitError(ExitFailure, "not serving")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", daemon.EngineService, "health service name (empty for the daemon)")
	return cmd
}
