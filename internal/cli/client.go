package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/api"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/protocol"
)

// ClientOptions holds the connection flags shared by client commands.
type ClientOptions struct {
	*RootOptions
	Server  string
	Token   string
	Timeout time.Duration
}

func addClientFlags(cmd *cobra.Command, opts *ClientOptions) {
	cmd.Flags().StringVar(&opts.Server, "server", "", "server URL (default $LOCKSTEP_SERVER or http://127.0.0.1:8080)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token (default $LOCKSTEP_TOKEN)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-request timeout (default $LOCKSTEP_TIMEOUT or 10s)")
}

// apiClient resolves configuration, letting flags win over the environment.
func (o *ClientOptions) apiClient() (*api.Client, error) {
	cfg, err := config.LoadClient(config.Options{Environment: o.Environment})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Server != "" {
		cfg.Server = o.Server
	}
	if o.Token != "" {
		cfg.Token = o.Token
	}
	if o.Timeout > 0 {
		cfg.Timeout = o.Timeout
	}
	if cfg.Token == "" {
		return nil, NewExitError(ExitCommandError, "a token is required: pass --token or set LOCKSTEP_TOKEN")
	}
	return api.NewClient(cfg.Server, cfg.Token, api.WithTimeout(cfg.Timeout)), nil
}

// reportError prints err in JSON mode and converts it to an exit error.
// Text mode leaves printing to main.
func reportError(f *OutputFormatter, message string, err error) error {
	if f.JSON() {
		code := string(protocol.CodeOf(err))
		if code == "" {
			code = "ERROR"
		}
		_ = f.Error(code, fmt.Sprintf("%s: %v", message, err), nil)
	}
	return WrapExitError(ExitFailure, message, err)
}

// printSnapshot writes one entity snapshot.
func printSnapshot(f *OutputFormatter, snap protocol.EntitySnapshot) error {
	if f.JSON() {
		return f.Success(snap)
	}
	fmt.Fprintf(f.Writer, "%s @ version %d\n", snap.EntityID, snap.Version)
	fmt.Fprintln(f.Writer, indent(snap.State))
	return nil
}

func indent(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Create a board owned by the token's actor",
		Long: `Create a new board at version 0. Without an id the server picks one.

Example:
  lockstep create team-board`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runCreate(opts, id, cmd)
		},
	}
	addClientFlags(cmd, opts)
	return cmd
}

func runCreate(opts *ClientOptions, id string, cmd *cobra.Command) error {
	c, err := opts.apiClient()
	if err != nil {
		return err
	}
	f := newFormatter(cmd, opts.RootOptions)

	snap, err := c.Create(cmd.Context(), id)
	if err != nil {
		return reportError(f, "create failed", err)
	}
	if f.JSON() {
		return f.Success(snap)
	}
	f.Ok("created %s at version %d", snap.EntityID, snap.Version)
	return nil
}

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	ClientOptions
	Watch bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "sync <id>",
		Short: "Print a board's authoritative snapshot",
		Long: `Fetch the current version and state of a board.

With --watch the command stays subscribed and prints every snapshot the
server pushes until interrupted or until access is revoked.

Example:
  lockstep sync team-board
  lockstep sync team-board --watch --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}
	addClientFlags(cmd, &opts.ClientOptions)
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "stream realtime updates")
	return cmd
}

func runSync(opts *SyncOptions, id string, cmd *cobra.Command) error {
	c, err := opts.apiClient()
	if err != nil {
		return err
	}
	f := newFormatter(cmd, opts.RootOptions)

	if opts.Watch {
		return watch(cmd.Context(), f, c, id)
	}

	snap, err := c.Sync(cmd.Context(), id)
	if err != nil {
		return reportError(f, "sync failed", err)
	}
	return printSnapshot(f, protocol.EntitySnapshot{EntityID: id, Version: snap.Version, State: snap.State})
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit <id>",
		Short: "Print a board's audit log",
		Long: `Print every accepted change of a board in version order: who made it,
which action it was and the digest of the resulting state.

Example:
  lockstep audit team-board`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, args[0], cmd)
		},
	}
	addClientFlags(cmd, opts)
	return cmd
}

func runAudit(opts *ClientOptions, id string, cmd *cobra.Command) error {
	c, err := opts.apiClient()
	if err != nil {
		return err
	}
	f := newFormatter(cmd, opts.RootOptions)

	entries, err := c.Audit(cmd.Context(), id)
	if err != nil {
		return reportError(f, "audit failed", err)
	}
	if f.JSON() {
		return f.Success(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(f.Writer, "%s has no changes yet.\n", id)
		return nil
	}
	fmt.Fprintf(f.Writer, "%-8s %-12s %-14s %s\n", "VERSION", "ACTOR", "ACTION", "DIGEST")
	for _, e := range entries {
		fmt.Fprintf(f.Writer, "%-8d %-12s %-14s %s\n", e.Version, e.Actor, actionType(e.Action), shortDigest(e.StateDigest))
	}
	return nil
}

// actionType extracts the "type" tag of an action for display.
func actionType(action protocol.Action) string {
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(action, &tagged); err != nil || tagged.Type == "" {
		return "?"
	}
	return tagged.Type
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
