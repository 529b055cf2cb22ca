package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/programs"
	"github.com/marmos91/dittorpc/pkg/config"
	"github.com/marmos91/dittorpc/pkg/pmap"
	"github.com/marmos91/dittorpc/pkg/rpcsvc"
	"github.com/marmos91/dittorpc/pkg/server"
	"github.com/marmos91/dittorpc/pkg/transport"
)

var serveArgs struct {
	logLevel      string
	transportOpts map[string]string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the RPC server",
	Example: `  dittorpc serve --config /etc/dittorpc/config.yaml
  dittorpc serve --log-level debug -o port=24010 -o allow_insecure=false`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveArgs.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	f.StringToStringVarP(&serveArgs.transportOpts, "transport-opt", "o", nil,
		"override a transport option, for example -o port=24010")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return nil, err
	}
	if serveArgs.logLevel != "" {
		cfg.Logging.Level = serveArgs.logLevel
	}
	if len(serveArgs.transportOpts) > 0 {
		m := make(map[string]any, len(serveArgs.transportOpts))
		for k, v := range serveArgs.transportOpts {
			m[k] = v
		}
		if cfg.Transport, err = transport.OptionsFromMap(cfg.Transport, m); err != nil {
			return nil, err
		}
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	if err := logger.SetFormat(cfg.Format); err != nil {
		return err
	}
	return logger.SetOutput(cfg.Output)
}

func openMapper(ctx context.Context, cfg config.PortmapConfig) (pmap.Mapper, error) {
	if !cfg.Enabled {
		return pmap.NoopMapper{}, nil
	}
	return pmap.NewBadgerMapper(ctx, pmap.BadgerConfig{
		DBPath:   cfg.DBPath,
		InMemory: cfg.InMemory,
	})
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.Info("dittorpc %s starting (pid %d)", version, os.Getpid())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := config.InitializeMetrics(cfg)
	svc := rpcsvc.New(cfg.ServiceConfig(), m.RPCMetrics)

	mapper, err := openMapper(ctx, cfg.Portmap)
	if err != nil {
		return fmt.Errorf("failed to open port mapper: %w", err)
	}
	defer func() {
		if err := mapper.Close(); err != nil {
			logger.Warn("Closing port mapper: %v", err)
		}
	}()
	svc.SetPortMapper(mapper)

	echo := programs.EchoProgramDef()
	echo.Portmap = true
	if err := svc.Register(ctx, echo); err != nil {
		return err
	}
	if cfg.Portmap.Enabled {
		portmap := programs.PortmapProgramDef(mapper)
		portmap.Portmap = true
		if err := svc.Register(ctx, portmap); err != nil {
			return err
		}
	}

	srv := server.New(cfg.Server.ShutdownTimeout)
	if err := srv.AddAdapter(svc); err != nil {
		return err
	}
	srv.SetMetricsServer(m.Server)

	logger.Info("Server is running. Press Ctrl+C to stop.")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
