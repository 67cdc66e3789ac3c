package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/saashqdev/delightful-sub003/internal/printer"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

type ProbeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	topicIDs []string
	format   string
}

// NewProbeCommand returns the probe command.
func NewProbeCommand(rootCmd *RootCommand, app *kingpin.Application) *ProbeCommand {
	c := &ProbeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("probe", "Check the sandbox status of topics.")
	c.Cmd.Arg("topic-ids", "Topic IDs.").Required().StringsVar(&c.topicIDs)
	c.Cmd.Flag("format", "Output format (table, json).").Default(printer.FormatTable).EnumVar(&c.format, printer.FormatTable, printer.FormatJSON)

	return c
}

func (c ProbeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ProbeCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}

	svcs, err := wiring.NewServices(ctx, cfg, wiring.Options{Storage: wiring.StorageSQLite, Engine: c.rootCmd.Engine}, c.rootCmd.Logger)
	if err != nil {
		return err
	}
	defer svcs.Close()

	probes, err := svcs.Tasks.ProbeTopics(ctx, c.topicIDs)
	if err != nil {
		return fmt.Errorf("could not probe topics: %w", err)
	}

	if err := printer.New(c.format, c.rootCmd.Stdout).PrintProbes(probes); err != nil {
		return fmt.Errorf("could not print probes: %w", err)
	}
	return nil
}
