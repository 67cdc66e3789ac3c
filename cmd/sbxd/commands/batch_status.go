package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/saashqdev/delightful-sub003/internal/printer"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

type BatchStatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	key       string
	requester string
	format    string
}

// NewBatchStatusCommand returns the batch status command.
func NewBatchStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *BatchStatusCommand {
	c := &BatchStatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("batch-status", "Show the progress of a batch file operation.")
	c.Cmd.Arg("batch-key", "Batch key returned on submission.").Required().StringVar(&c.key)
	c.Cmd.Flag("requester", "User that submitted the batch.").Required().StringVar(&c.requester)
	c.Cmd.Flag("format", "Output format (table, json).").Default(printer.FormatTable).EnumVar(&c.format, printer.FormatTable, printer.FormatJSON)

	return c
}

func (c BatchStatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c BatchStatusCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}

	svcs, err := wiring.NewServices(ctx, cfg, wiring.Options{Storage: wiring.StorageSQLite, Engine: wiring.EngineFake}, c.rootCmd.Logger)
	if err != nil {
		return err
	}
	defer svcs.Close()

	view, err := svcs.Batch.CheckStatus(ctx, c.key, c.requester)
	if err != nil {
		return fmt.Errorf("could not get batch status: %w", err)
	}

	if err := printer.New(c.format, c.rootCmd.Stdout).PrintBatchStatus(*view); err != nil {
		return fmt.Errorf("could not print batch status: %w", err)
	}
	return nil
}
