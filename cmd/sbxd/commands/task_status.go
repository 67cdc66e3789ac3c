package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/saashqdev/delightful-sub003/internal/printer"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

type TaskStatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	format string
}

// NewTaskStatusCommand returns the task status command.
func NewTaskStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *TaskStatusCommand {
	c := &TaskStatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("task-status", "Show the status and usage of a task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("format", "Output format (table, json).").Default(printer.FormatTable).EnumVar(&c.format, printer.FormatTable, printer.FormatJSON)

	return c
}

func (c TaskStatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskStatusCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}

	st, err := wiring.NewStores(ctx, cfg, wiring.StorageSQLite, c.rootCmd.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	task, err := st.Repository.GetTask(ctx, c.taskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}

	if err := printer.New(c.format, c.rootCmd.Stdout).PrintTask(*task); err != nil {
		return fmt.Errorf("could not print task: %w", err)
	}
	return nil
}
