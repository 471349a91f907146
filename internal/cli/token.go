package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/identity"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Secret string
	TTL    time.Duration
}

// TokenResult is the JSON payload of the token command.
type TokenResult struct {
	Actor string `json:"actor"`
	Token string `json:"token"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <actor>",
		Short: "Issue a bearer token for an actor",
		Long: `Issue a signed bearer token proving the given actor.

The token is signed with LOCKSTEP_TOKEN_SECRET (or --secret), which must
match the server's secret.

Example:
  export LOCKSTEP_TOKEN=$(lockstep token alice)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (default $LOCKSTEP_TOKEN_SECRET)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", identity.DefaultTTL, "token lifetime")

	return cmd
}

func runToken(opts *TokenOptions, actor string, cmd *cobra.Command) error {
	secret := opts.Secret
	if secret == "" {
		cfg, err := config.LoadServer(config.Options{Environment: opts.Environment})
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		secret = cfg.TokenSecret
	}
	if actor == "" {
		return NewExitError(ExitCommandError, "actor is required")
	}

	keys, err := identity.New(secret, identity.WithTTL(opts.TTL))
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot sign tokens", err)
	}
	token, err := keys.Issue(actor)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to issue token", err)
	}

	f := newFormatter(cmd, opts.RootOptions)
	if f.JSON() {
		return f.Success(TokenResult{Actor: actor, Token: token})
	}
	return f.Success(token)
}
