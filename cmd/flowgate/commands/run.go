package commands

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/slok/flowgate/internal/control"
	"github.com/slok/flowgate/internal/proxy"
	"github.com/slok/flowgate/internal/sites"
	storageio "github.com/slok/flowgate/internal/storage/io"
)

//go:embed conf.default.yml
var defaultConfig []byte

// RunCommand runs the reverse proxy.
type RunCommand struct {
	cmd        *kingpin.CmdClause
	rootConfig *RootCommand
}

// NewRunCommand creates the run command.
func NewRunCommand(rootConfig *RootCommand, app *kingpin.Application) RunCommand {
	cmd := app.Command("run", "Runs the reverse proxy.")
	return RunCommand{
		cmd:        cmd,
		rootConfig: rootConfig,
	}
}

// Name returns the command name.
func (c RunCommand) Name() string { return c.cmd.FullCommand() }

// Run starts the listeners and blocks until the context ends.
func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootConfig.Logger

	// First start ever: materialize the embedded default configuration so
	// the proxy comes up with something editable.
	configPath := c.rootConfig.ConfigPath
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(configPath, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		logger.Infof("Wrote default configuration to %s", configPath)
	}

	// Certificate paths inside the file resolve relative to the file itself.
	dir, file := filepath.Split(configPath)
	if dir == "" {
		dir = "."
	}
	repo := storageio.NewConfigYAMLRepository(os.DirFS(dir), logger)
	cfg, err := repo.GetConfig(ctx, file)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	table := sites.NewTable(cfg.Sites)

	server, err := proxy.NewServer(proxy.ServerConfig{
		HTTPAddr:           cfg.HTTPAddr,
		HTTPSAddr:          cfg.HTTPSAddr,
		Sites:              table,
		PoolSize:           cfg.PoolSize,
		ConnTimeout:        cfg.ConnTimeout,
		IncomingForwarding: cfg.IncomingForwarding,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("could not create proxy server: %w", err)
	}

	var g run.Group

	// Plaintext listener.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return server.RunHTTP(ctx) },
			func(_ error) { cancel() },
		)
	}

	// TLS listener.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return server.RunHTTPS(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Optional control channel.
	if cfg.ControlAddr != "" {
		ctrl, err := control.NewServer(control.ServerConfig{
			ListenAddr: cfg.ControlAddr,
			Sites:      table,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("could not create control server: %w", err)
		}

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return ctrl.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	return g.Run()
}
