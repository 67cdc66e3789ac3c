package sbxd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/saashqdev/delightful-sub003/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "sbxd"
	}

	// go test changes the CWD to the test package directory.
	if !filepath.IsAbs(c.Binary) {
		return fmt.Errorf("SBXD_INTEGRATION_BINARY must be an absolute path, got %q", c.Binary)
	}
	if _, err := os.Stat(c.Binary); err != nil {
		return fmt.Errorf("sbxd binary not found at %q: %w", c.Binary, err)
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "SBXD_INTEGRATION"
		envBinary     = "SBXD_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{Binary: os.Getenv(envBinary)}
	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// runCmd runs sbxd against the data dir with the fake engine.
func runCmd(t *testing.T, config Config, dataDir, cmdArgs string) (string, error) {
	t.Helper()

	args := fmt.Sprintf("--data-dir %s --engine fake %s", dataDir, cmdArgs)
	stdout, stderr, err := testutils.RunSBXD(context.Background(), nil, config.Binary, args, true)
	if err != nil {
		return string(stdout), fmt.Errorf("%w: %s", err, stderr)
	}
	return string(stdout), nil
}
