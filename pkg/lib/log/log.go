// Package log has the loggers accepted by the orchestrator SDK.
//
// [Noop] is used when [lib.Config] has no logger. [NewLogrus] gives the same
// structured output the sbxd daemon writes:
//
//	client, err := lib.New(ctx, lib.Config{
//	    Logger: log.NewLogrus(log.LogrusConfig{Debug: true, JSON: true}),
//	})
//
// Any other logger can be plugged by implementing [Logger].
package log

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/saashqdev/delightful-sub003/internal/log"
	loglogrus "github.com/saashqdev/delightful-sub003/internal/log/logrus"
)

// Logger is the logger used by every SDK service.
//
// Task, topic and correlation ids are attached through [Kv] values.
type Logger = log.Logger

// Kv are structured log fields.
type Kv = log.Kv

// Noop discards everything.
var Noop Logger = log.Noop

// LogrusConfig configures [NewLogrus].
type LogrusConfig struct {
	// Out defaults to stderr.
	Out   io.Writer
	Debug bool
	JSON  bool
}

// NewLogrus returns a logrus backed [Logger] tagged with the SDK as app.
func NewLogrus(cfg LogrusConfig) Logger {
	l := logrus.New()
	if cfg.Out != nil {
		l.SetOutput(cfg.Out)
	}
	if cfg.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return loglogrus.NewLogrus(logrus.NewEntry(l)).WithValues(Kv{"app": "sbxd-lib"})
}
