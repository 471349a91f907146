package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	ClientOptions
	Base      int64
	RequestID string
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "dispatch <id> <action-json>",
		Short: "Send one action to a board",
		Long: `Send one action to the server and print its reply.

Without --base the board is synced first and the action is sent against the
current version. A pinned --base that is behind the server yields a conflict.
Retrying with the same --request-id never applies an action twice.

Exit codes:
  0 - Accepted
  1 - Conflict, rejected or unreachable server
  2 - Command error (bad arguments, missing token, etc.)

Examples:
  lockstep dispatch team-board '{"type":"AddColumn","col":"Todo","limit":3}'
  lockstep dispatch team-board '{"type":"AddCard","col":"Todo","title":"x"}' --base 1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, args[0], args[1], cmd)
		},
	}
	addClientFlags(cmd, &opts.ClientOptions)
	cmd.Flags().Int64Var(&opts.Base, "base", -1, "base version (default: the current server version)")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "idempotency key (default: a fresh UUID)")
	return cmd
}

func runDispatch(opts *DispatchOptions, id, actionJSON string, cmd *cobra.Command) error {
	action, err := ir.Canonicalize([]byte(actionJSON))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action JSON", err)
	}
	c, err := opts.apiClient()
	if err != nil {
		return err
	}
	f := newFormatter(cmd, opts.RootOptions)
	ctx := cmd.Context()

	base := protocol.Version(opts.Base)
	if opts.Base < 0 {
		snap, err := c.Sync(ctx, id)
		if err != nil {
			return reportError(f, "sync failed", err)
		}
		base = snap.Version
		f.VerboseLog("synced %s at version %d", id, base)
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	reply, err := c.Dispatch(ctx, protocol.DispatchRequest{
		EntityID:    id,
		RequestID:   requestID,
		BaseVersion: base,
		Action:      action,
	})
	if err != nil {
		return reportError(f, "dispatch failed", err)
	}
	return printReply(f, reply)
}

// printReply writes a dispatch reply. Anything but Accepted is a failure.
func printReply(f *OutputFormatter, reply protocol.Reply) error {
	if f.JSON() {
		if err := f.Success(protocol.Envelope(reply)); err != nil {
			return err
		}
	}
	switch r := reply.(type) {
	case protocol.Accepted:
		if !f.JSON() {
			f.Ok("accepted at version %d", r.Version)
		}
		return nil
	case protocol.Conflict:
		if !f.JSON() {
			f.Warn("conflict: the server is at version %d", r.Version)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("dispatch conflicted at version %d", r.Version))
	case protocol.Rejected:
		if !f.JSON() {
			f.Fail("rejected [%s]: %s", r.Code, r.Reason)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("dispatch rejected: %s", r.Code))
	default:
		return NewExitError(ExitFailure, "unknown reply")
	}
}

// MultiOptions holds flags for the multi command.
type MultiOptions struct {
	ClientOptions
	Bases     map[string]int64
	RequestID string
}

// NewMultiCommand creates the multi command.
func NewMultiCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MultiOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "multi <action-json>",
		Short: "Send one action spanning several boards",
		Long: `Send a multi-board action, such as moving a card between boards. Either
every touched board changes or none does.

--base pins the version a board was read at; unpinned boards are not checked
for staleness.

Example:
  lockstep multi '{"type":"MoveCardTo","src":"a","dst":"b","card":1,"toCol":"Todo"}' --base a=3`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMulti(opts, args[0], cmd)
		},
	}
	addClientFlags(cmd, &opts.ClientOptions)
	cmd.Flags().StringToInt64Var(&opts.Bases, "base", nil, "pinned base versions as board=version")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "idempotency key (default: a fresh UUID)")
	return cmd
}

func runMulti(opts *MultiOptions, actionJSON string, cmd *cobra.Command) error {
	action, err := ir.Canonicalize([]byte(actionJSON))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action JSON", err)
	}
	c, err := opts.apiClient()
	if err != nil {
		return err
	}
	f := newFormatter(cmd, opts.RootOptions)

	var bases map[string]protocol.Version
	if len(opts.Bases) > 0 {
		bases = make(map[string]protocol.Version, len(opts.Bases))
		for id, v := range opts.Bases {
			bases[id] = protocol.Version(v)
		}
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	reply, err := c.MultiDispatch(cmd.Context(), protocol.MultiDispatchRequest{
		RequestID:    requestID,
		Action:       action,
		BaseVersions: bases,
	})
	if err != nil {
		return reportError(f, "multi-dispatch failed", err)
	}

	if f.JSON() {
		if err := f.Success(reply); err != nil {
			return err
		}
	}
	switch reply.Status {
	case protocol.StatusAccepted:
		if !f.JSON() {
			f.Ok("accepted; changed %v", reply.Changed)
			for _, id := range ir.SortedKeys(reply.Versions) {
				fmt.Fprintf(f.Writer, "  %s @ version %d\n", id, reply.Versions[id])
			}
		}
		return nil
	case protocol.StatusConflict:
		if !f.JSON() {
			f.Warn("conflict: a pinned board has moved on")
		}
		return NewExitError(ExitFailure, "multi-dispatch conflicted")
	default:
		if !f.JSON() {
			f.Fail("rejected [%s]: %s", reply.Code, reply.Reason)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("multi-dispatch rejected: %s", reply.Code))
	}
}
