package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/saashqdev/delightful-sub003/internal/config"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DataDir    string
	DBPath     string
	ConfigPath string
	Engine     string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	defaultDataDir := filepath.Join(homedir.HomeDir(), ".sbxd")
	app.Flag("data-dir", "Directory for the database and the local file store.").Default(defaultDataDir).StringVar(&c.DataDir)
	app.Flag("db-path", "Path to the SQLite database file, defaults to the data dir.").StringVar(&c.DBPath)
	app.Flag("config", "Path to the YAML configuration file.").StringVar(&c.ConfigPath)
	app.Flag("engine", "Sandbox engine.").Default(wiring.EngineDocker).EnumVar(&c.Engine, wiring.EngineFake, wiring.EngineDocker)

	return c
}

// LoadConfig returns the configuration file on top of the defaults, with the
// global flags on top of both.
func (r RootCommand) LoadConfig(ctx context.Context) (config.Config, error) {
	cfg := config.Default()
	if r.ConfigPath != "" {
		path, err := filepath.Abs(r.ConfigPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid config path: %w", err)
		}

		repo := config.NewYAMLRepository(os.DirFS(filepath.Dir(path)))
		cfg, err = repo.GetConfig(ctx, filepath.Base(path))
		if err != nil {
			return config.Config{}, fmt.Errorf("could not load config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = r.DataDir
	}
	switch {
	case r.DBPath != "":
		cfg.DBPath = r.DBPath
	case cfg.DBPath == "":
		cfg.DBPath = filepath.Join(cfg.DataDir, "sbxd.db")
	}

	return cfg, nil
}
