package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/goatkit/extensionhost/internal/artifact"
	"github.com/goatkit/extensionhost/internal/extension"
	"github.com/goatkit/extensionhost/internal/script"
	"github.com/goatkit/extensionhost/internal/server"
	"github.com/goatkit/extensionhost/internal/service"
	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var enableAll bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extension host",
		Long: `Run discovers the installed packages, keeps the registry in sync with
package changes and serves the admin API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cmd, g, enableAll)
		},
	}
	cmd.Flags().BoolVar(&enableAll, "enable-all", false, "enable every discovered extension on startup")
	return cmd
}

func runHost(ctx context.Context, cmd *cobra.Command, g *globalFlags, enableAll bool) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr())

	cat, err := openCatalog(cmd, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cat.Close()

	store := artifact.NewStore()
	logs := script.NewLogBuffer(cfg.Script.LogBuffer)
	bridge := service.NewBridge(cat,
		service.WithLogger(logger),
		service.WithPluginLogger(hclog.New(&hclog.LoggerOptions{
			Name:   "service",
			Level:  hclog.LevelFromString(cfg.Log.Level),
			Output: cmd.ErrOrStderr(),
		})),
	)

	opts := []extension.Option{
		extension.WithLogger(logger),
		extension.WithRuntimeHostFactory(script.NewFactory(
			script.WithLogger(logger),
			script.WithLogBuffer(logs),
			script.WithTimeout(cfg.Script.Timeout),
		)),
		extension.WithServiceBridge(bridge),
		extension.WithArtifactSink(store),
		extension.WithRescanSchedule(cfg.RescanSchedule),
	}
	if cfg.RequireSignatures {
		opts = append(opts, extension.WithTrustPolicy(extension.RequireSignature(pkgext.SignatureTrusted)))
	}

	mgr := extension.NewManager(cfg.Contract, cat, opts...)
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize manager: %w", err)
	}
	defer mgr.Close()

	if enableAll {
		snaps, err := mgr.Snapshots(ctx)
		if err != nil {
			return err
		}
		for _, s := range snaps {
			if err := mgr.Enable(ctx, s.ID); err != nil {
				logger.Warn("extension enabled but not loaded", "extension", s.ID, "error", err)
			}
		}
	}

	if cfg.Watch {
		if err := cat.Watch(ctx); err != nil {
			return err
		}
	}

	logger.Info("extension host started",
		"contract", cfg.Contract,
		"packages", cfg.PackagesDir,
		"version", version,
	)

	if cfg.HTTP.Addr == "" {
		<-ctx.Done()
		return nil
	}
	srv := server.New(mgr,
		server.WithLogger(logger),
		server.WithLogBuffer(logs),
		server.WithArtifactStore(store),
		server.WithInstaller(cat),
		server.WithMetrics(),
	)
	defer srv.Close()
	return srv.Run(ctx, cfg.HTTP.Addr)
}
