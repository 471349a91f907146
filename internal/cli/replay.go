package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/authority"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/kanban"
	"github.com/roach88/lockstep/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayReport is the outcome of replaying one board.
type ReplayReport struct {
	EntityID string `json:"entityId"`
	OK       bool   `json:"ok"`
	Versions int    `json:"versions"`
	Digest   string `json:"digest,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [id...]",
		Short: "Re-derive boards from their audit logs",
		Long: `Replay every accepted action of a board from its initial state and check
each step against the recorded state digest. Without ids every board in the
database is replayed.

The database is opened directly; no server needs to run.

Exit codes:
  0 - Every board replayed to its stored state
  1 - A board diverged from its log
  2 - Command error (database not found, etc.)

Example:
  lockstep replay --db ./boards.db
  lockstep replay --db ./boards.db team-board --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $LOCKSTEP_DB or lockstep.db)")
	return cmd
}

func runReplay(opts *ReplayOptions, ids []string, cmd *cobra.Command) error {
	path := opts.Database
	if path == "" {
		cfg, err := config.LoadServer(config.Options{Environment: opts.Environment})
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		path = cfg.DB
	}
	// Opening would create an empty database; replaying one is a mistake.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if len(ids) == 0 {
		ids, err = st.ListEntities(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list boards", err)
		}
	}

	auth := authority.New(st, kanban.Domain{})
	f := newFormatter(cmd, opts.RootOptions)

	reports := make([]ReplayReport, 0, len(ids))
	failed := 0
	for _, id := range ids {
		f.VerboseLog("replaying %s", id)
		res, err := auth.Replay(ctx, id)
		report := ReplayReport{EntityID: id, OK: err == nil, Versions: res.Versions, Digest: res.Digest}
		if err != nil {
			report.Error = err.Error()
			failed++
		}
		reports = append(reports, report)

		if f.JSON() {
			continue
		}
		if report.OK {
			f.Ok("%s: %d versions, digest %s", id, report.Versions, shortDigest(report.Digest))
		} else {
			f.Fail("%s: %s", id, report.Error)
		}
	}

	if f.JSON() {
		if err := f.Success(reports); err != nil {
			return err
		}
	} else if len(ids) == 0 {
		fmt.Fprintln(f.Writer, "No boards found.")
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d boards diverged from their audit log", failed, len(ids)))
	}
	return nil
}
