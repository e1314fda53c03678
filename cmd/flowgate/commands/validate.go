package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	storageio "github.com/slok/flowgate/internal/storage/io"
)

// ValidateCommand checks a configuration file without starting anything.
type ValidateCommand struct {
	cmd        *kingpin.CmdClause
	rootConfig *RootCommand
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootConfig *RootCommand, app *kingpin.Application) ValidateCommand {
	cmd := app.Command("validate", "Validates the configuration file and exits.")
	return ValidateCommand{
		cmd:        cmd,
		rootConfig: rootConfig,
	}
}

// Name returns the command name.
func (c ValidateCommand) Name() string { return c.cmd.FullCommand() }

// Run loads the configuration and reports the result.
func (c ValidateCommand) Run(ctx context.Context) error {
	dir, file := filepath.Split(c.rootConfig.ConfigPath)
	if dir == "" {
		dir = "."
	}

	repo := storageio.NewConfigYAMLRepository(os.DirFS(dir), c.rootConfig.Logger)
	cfg, err := repo.GetConfig(ctx, file)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Fprintf(c.rootConfig.Stdout, "%s OK: %d sites, http on %s, https on %s\n",
		c.rootConfig.ConfigPath, len(cfg.Sites), cfg.HTTPAddr, cfg.HTTPSAddr)

	return nil
}
