package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/saashqdev/delightful-sub003/internal/app/ingest"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/printer"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

type DeliverCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	sandboxID     string
	file          string
	correlationID string
	format        string
}

// NewDeliverCommand returns the deliver command.
func NewDeliverCommand(rootCmd *RootCommand, app *kingpin.Application) *DeliverCommand {
	c := &DeliverCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("deliver", "Deliver a sandbox message envelope and process it.")
	c.Cmd.Arg("sandbox-id", "Sandbox that sends the message.").Required().StringVar(&c.sandboxID)
	c.Cmd.Flag("file", "Envelope file in JSON or YAML, - reads stdin.").Short('f').Default("-").StringVar(&c.file)
	c.Cmd.Flag("correlation-id", "Correlation id, generated when empty.").StringVar(&c.correlationID)
	c.Cmd.Flag("format", "Output format (table, json).").Default(printer.FormatTable).EnumVar(&c.format, printer.FormatTable, printer.FormatJSON)

	return c
}

func (c DeliverCommand) Name() string { return c.Cmd.FullCommand() }

func (c DeliverCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	data, err := c.read()
	if err != nil {
		return err
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return err
	}

	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}

	// The bus is sync so the message is processed before returning.
	svcs, err := wiring.NewServices(ctx, cfg, wiring.Options{Storage: wiring.StorageSQLite, Engine: c.rootCmd.Engine, SyncBus: true}, logger)
	if err != nil {
		return err
	}
	defer svcs.Close()

	corrID := c.correlationID
	if corrID == "" {
		corrID = ulid.Make().String()
	}

	res, err := svcs.Ingest.Deliver(ctx, ingest.DeliverRequest{
		SandboxID:     c.sandboxID,
		Envelope:      *env,
		CorrelationID: corrID,
	})
	if err != nil {
		return fmt.Errorf("could not deliver message: %w", err)
	}

	p := printer.New(c.format, c.rootCmd.Stdout)
	if err := p.PrintMessage(fmt.Sprintf("Message %s delivered (correlation id %s)", res.MessageID, corrID)); err != nil {
		return fmt.Errorf("could not print result: %w", err)
	}

	return nil
}

func (c DeliverCommand) read() ([]byte, error) {
	if c.file == "-" {
		data, err := io.ReadAll(c.rootCmd.Stdin)
		if err != nil {
			return nil, fmt.Errorf("could not read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(c.file)
	if err != nil {
		return nil, fmt.Errorf("could not read envelope file: %w", err)
	}
	return data, nil
}

// decodeEnvelope accepts JSON and YAML. YAML is converted to JSON first so
// both formats share the envelope JSON field names.
func decodeEnvelope(data []byte) (*model.Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("envelope is empty: %w", model.ErrNotValid)
	}

	if !json.Valid(data) {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("envelope is neither JSON nor YAML: %s: %w", err, model.ErrNotValid)
		}
		js, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("could not convert YAML envelope: %s: %w", err, model.ErrNotValid)
		}
		data = js
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %s: %w", err, model.ErrNotValid)
	}
	return &env, nil
}
