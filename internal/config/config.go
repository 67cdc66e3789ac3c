package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"

	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/retry"
)

// Config is the orchestrator runtime configuration.
type Config struct {
	HTTPAddress string
	DBPath      string
	// DataDir holds the local file store objects.
	DataDir string
	// AgentUserID is the identity set on every envelope sent to a sandbox.
	AgentUserID string
	Sandbox     SandboxConfig
	Session     SessionConfig
	Locks       LocksConfig
	Offload     OffloadConfig
	Retry       RetryConfig
	Batch       BatchConfig
	Delivery    DeliveryConfig
}

// SandboxConfig controls how sandboxes are created and probed.
type SandboxConfig struct {
	Image         string
	Env           map[string]string
	GatewayPort   int
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	CallTimeout   time.Duration
	ProbeFanOut   int
}

// SessionConfig holds the session protocol timeouts.
type SessionConfig struct {
	ConnectTimeout time.Duration
	InitTimeout    time.Duration
	ChatTimeout    time.Duration
	TaskTimeout    time.Duration
	ReadTimeout    time.Duration
}

// LocksConfig holds the lock TTLs per resource and the spin window.
type LocksConfig struct {
	SandboxTTL  time.Duration
	TopicTTL    time.Duration
	FileTTL     time.Duration
	RollbackTTL time.Duration
	BatchTTL    time.Duration
	// StartTTL covers the sandbox readiness wait of a task start.
	StartTTL time.Duration
	Wait     time.Duration
}

// OffloadConfig controls when tool content is moved to the file store.
type OffloadConfig struct {
	ObjectSizeThreshold int
	MinContentLength    int
}

// RetryConfig is the retry policy of transient remote failures.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Policy returns the retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		Backoff:     r.Backoff,
		MaxBackoff:  r.MaxBackoff,
	}
}

// BatchConfig controls batch records.
type BatchConfig struct {
	RecordTTL     time.Duration
	SweepInterval time.Duration
}

// DeliveryConfig controls the recovery of deliveries left unprocessed.
type DeliveryConfig struct {
	ReplayInterval time.Duration
	ReplayLimit    int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTPAddress: ":8080",
		AgentUserID: "agent",
		Sandbox: SandboxConfig{
			Image:         "ghcr.io/saashqdev/delightful-sandbox:latest",
			Env:           map[string]string{},
			GatewayPort:   8002,
			ReadyTimeout:  10 * time.Minute,
			ReadyInterval: 2 * time.Second,
			CallTimeout:   10 * time.Second,
			ProbeFanOut:   10,
		},
		Session: SessionConfig{
			ConnectTimeout: 30 * time.Second,
			InitTimeout:    900 * time.Second,
			ChatTimeout:    60 * time.Second,
			TaskTimeout:    30 * time.Minute,
			ReadTimeout:    30 * time.Second,
		},
		Locks: LocksConfig{
			SandboxTTL:  10 * time.Second,
			TopicTTL:    15 * time.Second,
			FileTTL:     10 * time.Second,
			RollbackTTL: 30 * time.Second,
			BatchTTL:    5 * time.Minute,
			StartTTL:    11 * time.Minute,
			Wait:        2 * time.Second,
		},
		Offload: OffloadConfig{
			ObjectSizeThreshold: 64 << 10,
			MinContentLength:    1 << 10,
		},
		Retry: RetryConfig{
			MaxAttempts: retry.Default.MaxAttempts,
			Backoff:     retry.Default.Backoff,
			MaxBackoff:  retry.Default.MaxBackoff,
		},
		Batch: BatchConfig{
			RecordTTL:     24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Delivery: DeliveryConfig{
			ReplayInterval: 30 * time.Second,
			ReplayLimit:    100,
		},
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http address is required")
	}
	if c.AgentUserID == "" {
		return fmt.Errorf("agent user id is required")
	}
	if c.Sandbox.Image != "" {
		if _, err := name.ParseReference(c.Sandbox.Image); err != nil {
			return fmt.Errorf("invalid sandbox image %q: %w", c.Sandbox.Image, err)
		}
	}
	if c.Sandbox.GatewayPort <= 0 || c.Sandbox.GatewayPort > 65535 {
		return fmt.Errorf("sandbox gateway port out of range, got: %d", c.Sandbox.GatewayPort)
	}
	if c.Sandbox.ProbeFanOut <= 0 {
		return fmt.Errorf("sandbox probe fan-out must be positive, got: %d", c.Sandbox.ProbeFanOut)
	}
	if c.Sandbox.ReadyInterval >= c.Sandbox.ReadyTimeout {
		return fmt.Errorf("sandbox ready interval must be lower than the ready timeout")
	}
	// A start holds the topic lock while the sandbox gets ready.
	if c.Locks.StartTTL <= c.Sandbox.ReadyTimeout {
		return fmt.Errorf("start lock ttl must be greater than the sandbox ready timeout")
	}
	if c.Offload.ObjectSizeThreshold <= 0 {
		return fmt.Errorf("offload object size threshold must be positive, got: %d", c.Offload.ObjectSizeThreshold)
	}
	if c.Offload.MinContentLength < 0 {
		return fmt.Errorf("offload min content length can't be negative, got: %d", c.Offload.MinContentLength)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive, got: %d", c.Retry.MaxAttempts)
	}
	if c.Delivery.ReplayLimit <= 0 {
		return fmt.Errorf("delivery replay limit must be positive, got: %d", c.Delivery.ReplayLimit)
	}

	durations := map[string]time.Duration{
		"sandbox ready timeout":   c.Sandbox.ReadyTimeout,
		"sandbox ready interval":  c.Sandbox.ReadyInterval,
		"sandbox call timeout":    c.Sandbox.CallTimeout,
		"session connect timeout": c.Session.ConnectTimeout,
		"session init timeout":    c.Session.InitTimeout,
		"session chat timeout":    c.Session.ChatTimeout,
		"session task timeout":    c.Session.TaskTimeout,
		"session read timeout":    c.Session.ReadTimeout,
		"sandbox lock ttl":        c.Locks.SandboxTTL,
		"topic lock ttl":          c.Locks.TopicTTL,
		"file lock ttl":           c.Locks.FileTTL,
		"rollback lock ttl":       c.Locks.RollbackTTL,
		"batch lock ttl":          c.Locks.BatchTTL,
		"start lock ttl":          c.Locks.StartTTL,
		"lock wait":               c.Locks.Wait,
		"batch record ttl":        c.Batch.RecordTTL,
		"batch sweep interval":    c.Batch.SweepInterval,
		"delivery replay":         c.Delivery.ReplayInterval,
	}
	for n, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got: %s", n, d)
		}
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff can't be negative")
	}

	return nil
}

// YAMLRepository loads the configuration from YAML files.
type YAMLRepository struct {
	fs fs.FS
}

// NewYAMLRepository returns a new YAML config repository.
func NewYAMLRepository(filesystem fs.FS) *YAMLRepository {
	return &YAMLRepository{fs: filesystem}
}

// GetConfig loads a YAML file on top of the defaults and returns a validated configuration.
func (r *YAMLRepository) GetConfig(ctx context.Context, path string) (Config, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return Config{}, ctx.Err()
	}

	f := newFileConfig(Default())
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parsing YAML: %w", err)
	}

	cfg := f.toModel()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %s: %w", err, model.ErrNotValid)
	}

	return cfg, nil
}

// fileConfig is the YAML representation, durations use Go duration strings.
type fileConfig struct {
	HTTPAddress string       `yaml:"http_address"`
	DBPath      string       `yaml:"db_path"`
	DataDir     string       `yaml:"data_dir"`
	AgentUserID string       `yaml:"agent_user_id"`
	Sandbox     fileSandbox  `yaml:"sandbox"`
	Session     fileSession  `yaml:"session"`
	Locks       fileLocks    `yaml:"locks"`
	Offload     fileOffload  `yaml:"offload"`
	Retry       fileRetry    `yaml:"retry"`
	Batch       fileBatch    `yaml:"batch"`
	Delivery    fileDelivery `yaml:"delivery"`
}

type fileSandbox struct {
	Image         string            `yaml:"image"`
	Env           map[string]string `yaml:"env"`
	GatewayPort   int               `yaml:"gateway_port"`
	ReadyTimeout  time.Duration     `yaml:"ready_timeout"`
	ReadyInterval time.Duration     `yaml:"ready_interval"`
	CallTimeout   time.Duration     `yaml:"call_timeout"`
	ProbeFanOut   int               `yaml:"probe_fan_out"`
}

type fileSession struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	ChatTimeout    time.Duration `yaml:"chat_timeout"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type fileLocks struct {
	SandboxTTL  time.Duration `yaml:"sandbox_ttl"`
	TopicTTL    time.Duration `yaml:"topic_ttl"`
	FileTTL     time.Duration `yaml:"file_ttl"`
	RollbackTTL time.Duration `yaml:"rollback_ttl"`
	BatchTTL    time.Duration `yaml:"batch_ttl"`
	StartTTL    time.Duration `yaml:"start_ttl"`
	Wait        time.Duration `yaml:"wait"`
}

type fileOffload struct {
	ObjectSizeThreshold int `yaml:"object_size_threshold"`
	MinContentLength    int `yaml:"min_content_length"`
}

type fileRetry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type fileBatch struct {
	RecordTTL     time.Duration `yaml:"record_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type fileDelivery struct {
	ReplayInterval time.Duration `yaml:"replay_interval"`
	ReplayLimit    int           `yaml:"replay_limit"`
}

func newFileConfig(c Config) fileConfig {
	return fileConfig{
		HTTPAddress: c.HTTPAddress,
		DBPath:      c.DBPath,
		DataDir:     c.DataDir,
		AgentUserID: c.AgentUserID,
		Sandbox:     fileSandbox(c.Sandbox),
		Session:     fileSession(c.Session),
		Locks:       fileLocks(c.Locks),
		Offload:     fileOffload(c.Offload),
		Retry:       fileRetry(c.Retry),
		Batch:       fileBatch(c.Batch),
		Delivery:    fileDelivery(c.Delivery),
	}
}

func (f fileConfig) toModel() Config {
	c := Config{
		HTTPAddress: f.HTTPAddress,
		DBPath:      f.DBPath,
		DataDir:     f.DataDir,
		AgentUserID: f.AgentUserID,
		Sandbox:     SandboxConfig(f.Sandbox),
		Session:     SessionConfig(f.Session),
		Locks:       LocksConfig(f.Locks),
		Offload:     OffloadConfig(f.Offload),
		Retry:       RetryConfig(f.Retry),
		Batch:       BatchConfig(f.Batch),
		Delivery:    DeliveryConfig(f.Delivery),
	}
	c.Sandbox.Env = maps.Clone(f.Sandbox.Env)
	if c.Sandbox.Env == nil {
		c.Sandbox.Env = map[string]string{}
	}
	return c
}
