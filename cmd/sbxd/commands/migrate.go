package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/saashqdev/delightful-sub003/internal/printer"
	"github.com/saashqdev/delightful-sub003/internal/storage/sqlite"
	"github.com/saashqdev/delightful-sub003/internal/storage/sqlite/migrations"
)

type MigrateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	down bool
}

// NewMigrateCommand returns the migrate command.
func NewMigrateCommand(rootCmd *RootCommand, app *kingpin.Application) *MigrateCommand {
	c := &MigrateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("migrate", "Apply the database migrations and exit.")
	c.Cmd.Flag("down", "Revert every migration instead.").BoolVar(&c.down)

	return c
}

func (c MigrateCommand) Name() string { return c.Cmd.FullCommand() }

func (c MigrateCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}

	db, err := sqlite.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := migrations.NewMigrator(db, c.rootCmd.Logger)
	if err != nil {
		return fmt.Errorf("could not create migrator: %w", err)
	}

	if c.down {
		err = m.Down(ctx)
	} else {
		err = m.Up(ctx)
	}
	if err != nil {
		return fmt.Errorf("could not migrate: %w", err)
	}

	version, dirty, err := m.Version(ctx)
	if err != nil {
		return fmt.Errorf("could not get schema version: %w", err)
	}

	msg := fmt.Sprintf("Schema at version %d of %s", version, cfg.DBPath)
	if dirty {
		msg += " (dirty)"
	}
	return printer.NewTablePrinter(c.rootCmd.Stdout).PrintMessage(msg)
}
