package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/command"
	"github.com/grovetools/prdflow/config"
	"github.com/grovetools/prdflow/git"
	"github.com/grovetools/prdflow/internal/engine"
	"github.com/grovetools/prdflow/internal/hub"
	"github.com/grovetools/prdflow/internal/pidfile"
	"github.com/grovetools/prdflow/internal/server"
	"github.com/grovetools/prdflow/logging"
	"github.com/grovetools/prdflow/pkg/paths"
	"github.com/grovetools/prdflow/pkg/session"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd returns the command that runs the prdflow server in the
// foreground.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the prdflow server",
		Long: `Serve prdflow sessions over HTTP, Server-Sent Events and WebSocket.

The server edits the git working tree named by engine.repo_dir with the
generator named by engine.command. Configuration changes to the level of
logging and the session idle TTL are applied without a restart.`,
		Example: `# Serve the current repository
prdflow serve --command aider --command --yes-always --command --message

# Listen on all interfaces
prdflow serve --address 0.0.0.0:5000`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "Listen address (host:port)")
	cmd.Flags().StringSlice("command", nil, "Generator command and leading arguments")
	cmd.Flags().String("repo", "", "Repository the generator edits")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := cli.GetOptions(cmd)
	cfg, err := cli.LoadConfig(opts)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	// The server is a foreground process; its logs always reach stderr.
	cli.ApplyLogging(opts, cfg, func(c *logging.Config) {
		if c.Format.StructuredToStderr == "" {
			c.Format.StructuredToStderr = "always"
		}
	})
	logger := logging.NewLogger("server")

	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	pidPath := paths.PidFilePath()
	if err := pidfile.Acquire(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := pidfile.Release(pidPath); err != nil {
			logger.WithError(err).Error("Failed to release pidfile")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := git.Open(ctx, cfg.Engine.RepoDir, cfg.Engine.Ignore)
	if err != nil {
		return err
	}
	gen, err := engine.NewCommandGenerator(cfg.Engine.Command, cfg.Engine.Timeout.D(), command.NewSafeBuilder(), logging.NewLogger("engine"))
	if err != nil {
		return err
	}

	var events *hub.Hub
	var runner *engine.Runner
	registry := session.NewRegistry(session.RegistryOptions{
		IdleTTL:       cfg.Sessions.IdleTTL.D(),
		SweepInterval: cfg.Sessions.SweepInterval.D(),
		OnEvict: func(id string) {
			runner.CancelSession(id)
			events.CloseSession(id)
		},
	}, logging.NewLogger("session"))
	events = hub.New(registry, cfg.Server.EventBuffer, logging.NewLogger("hub"))
	runner = engine.NewRunner(gen, repo, events, logging.NewLogger("engine"))

	generator := filepath.Base(cfg.Engine.Command[0])
	srv := server.New(registry, events, runner, repo, engine.NewScraper(nil), server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Generator:      generator,
		Tasks: server.TaskLimits{
			Default: cfg.Workflow.DefaultTaskCount,
			Min:     cfg.Workflow.MinTaskCount,
			Max:     cfg.Workflow.MaxTaskCount,
		},
	}, logger)
	srv.SetRunningConfig(&server.RunningConfig{
		Address:   cfg.Server.Address,
		Backend:   cfg.Transport.Backend,
		IdleTTL:   cfg.Sessions.IdleTTL.D(),
		Generator: strings.Join(cfg.Engine.Command, " "),
		RepoDir:   repo.Dir(),
		StartedAt: time.Now(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Server.Address)
	})
	g.Go(func() error {
		return registry.Run(gctx)
	})
	if len(cfg.Sources) > 0 {
		watcher, err := config.NewWatcher(cfg.Sources, config.DefaultDebounce,
			func() (*config.Config, error) { return cli.LoadConfig(opts) },
			func(next *config.Config) { reloadServe(opts, next, registry, logger) },
			logging.NewLogger("config"))
		if err != nil {
			logger.WithError(err).Warn("Config watcher disabled")
		} else {
			g.Go(func() error {
				watcher.Start(gctx)
				return nil
			})
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received stop signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"pid":       os.Getpid(),
		"address":   cfg.Server.Address,
		"repo":      repo.Dir(),
		"generator": generator,
	}).Info("Starting prdflow server")

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// applyServeFlags lets flags override the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("address") {
		cfg.Server.Address, _ = cmd.Flags().GetString("address")
	}
	if cmd.Flags().Changed("command") {
		cfg.Engine.Command, _ = cmd.Flags().GetStringSlice("command")
	}
	if cmd.Flags().Changed("repo") {
		cfg.Engine.RepoDir, _ = cmd.Flags().GetString("repo")
	}
	return cfg.Validate()
}

// reloadServe applies the settings that can change while serving.
func reloadServe(opts cli.CommandOptions, cfg *config.Config, registry *session.Registry, logger *logrus.Entry) {
	cli.ApplyLogging(opts, cfg, func(c *logging.Config) {
		if c.Format.StructuredToStderr == "" {
			c.Format.StructuredToStderr = "always"
		}
	})
	registry.SetIdleTTL(cfg.Sessions.IdleTTL.D())
	logger.WithFields(logrus.Fields{
		"sources":  cfg.Sources,
		"idle_ttl": cfg.Sessions.IdleTTL.D(),
	}).Info("Configuration reloaded")
}
