package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lockstep/internal/api"
	"github.com/roach88/lockstep/internal/authority"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/identity"
	"github.com/roach88/lockstep/internal/kanban"
	"github.com/roach88/lockstep/internal/realtime"
	"github.com/roach88/lockstep/internal/schema"
	"github.com/roach88/lockstep/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	Database  string
	RedisAddr string

	// OnListen is called with the bound address once the server accepts
	// connections (for testing).
	OnListen func(net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authority HTTP and realtime server",
		Long: `Run the lockstep server.

The server stores boards in SQLite, orders dispatches against each board's
version, and pushes accepted snapshots to websocket subscribers. With a Redis
address, snapshots are relayed through Redis so several server processes can
share one database and still notify every subscriber.

Configuration is read from LOCKSTEP_* environment variables; flags override
them. LOCKSTEP_TOKEN_SECRET is required.

Example:
  LOCKSTEP_TOKEN_SECRET=s3cret lockstep serve --db ./boards.db
  lockstep serve --addr :8080 --redis localhost:6379 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default $LOCKSTEP_ADDR or 127.0.0.1:8080)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $LOCKSTEP_DB or lockstep.db)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "Redis address for cross-process realtime fan-out")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.LoadServer(config.Options{Environment: opts.Environment})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.DB = opts.Database
	}
	if opts.RedisAddr != "" {
		cfg.RedisAddr = opts.RedisAddr
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger, err := newLogger(cmd.ErrOrStderr(), opts.Verbose, cfg.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger.Info("opening database", "path", cfg.DB)
	st, err := store.Open(cfg.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	keys, err := identity.New(cfg.TokenSecret)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	validator, err := schema.New()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile action schema", err)
	}

	domain := kanban.Domain{}
	hub := realtime.NewHub(domain, realtime.WithHubLogger(logger))
	defer hub.Close()

	var broadcaster authority.Broadcaster = hub
	var relay *realtime.RedisRelay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		relay = realtime.NewRedisRelay(rdb, hub, logger)
		broadcaster = relay
		logger.Info("realtime relay enabled", "redis", cfg.RedisAddr)
	}

	auth := authority.New(st, domain,
		authority.WithBroadcaster(broadcaster),
		authority.WithLogger(logger),
		authority.WithMaxStorageRetries(cfg.MaxStorageRetries),
	)
	coord := coordinator.New(st, domain,
		coordinator.WithBroadcaster(broadcaster),
		coordinator.WithLogger(logger),
		coordinator.WithMaxStorageRetries(cfg.MaxStorageRetries),
	)

	srv := &http.Server{
		Handler: api.NewServer(api.Deps{
			Authority:   auth,
			Coordinator: coord,
			Realtime:    realtime.NewHandler(auth, hub, keys, logger),
			Keys:        keys,
			Validator:   validator,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})

	// Publishes are only safe once the relay's subscription is confirmed.
	if relay != nil {
		select {
		case <-relay.Ready():
		case <-gctx.Done():
		}
	}
	announce(cmd, opts, logger, ln.Addr())

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

func announce(cmd *cobra.Command, opts *ServeOptions, logger *slog.Logger, addr net.Addr) {
	logger.Info("server listening", "addr", addr.String())
	if opts.Format != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", addr)
	}
	if opts.OnListen != nil {
		opts.OnListen(addr)
	}
}
