package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logpkg "github.com/rzbill/stageflow/pkg/log"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string `json:"dataDir" yaml:"dataDir" env:"STAGEFLOW_DATA_DIR"`
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr" env:"STAGEFLOW_HTTP_ADDR"`
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr" env:"STAGEFLOW_GRPC_ADDR"`
	// Fsync is one of always|interval|never.
	Fsync string `json:"fsync" yaml:"fsync" env:"STAGEFLOW_FSYNC"`

	Log       logpkg.Config   `json:"log" yaml:"log"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Artifacts ArtifactsConfig `json:"artifacts" yaml:"artifacts"`

	// Defaults fills any zero-valued policy field of a stage.
	Defaults  StageConfig      `json:"defaults" yaml:"defaults"`
	Pipelines []PipelineConfig `json:"pipelines" yaml:"pipelines"`
}

// WorkerConfig tunes the in-process stage runners.
type WorkerConfig struct {
	// Holder identifies this process on leases. Empty means a random UUID.
	Holder string `json:"holder" yaml:"holder" env:"STAGEFLOW_WORKER_ID"`
	// AutoExtendLease heartbeats leases at half the visibility timeout while
	// a handler runs.
	AutoExtendLease bool `json:"autoExtendLease" yaml:"autoExtendLease" env:"STAGEFLOW_AUTO_EXTEND_LEASE"`
	// ScheduleIntervalMs re-triggers local runners on a ticker. 0 disables.
	ScheduleIntervalMs int `json:"scheduleIntervalMs" yaml:"scheduleIntervalMs" env:"STAGEFLOW_SCHEDULE_INTERVAL_MS"`
	// SweepIntervalMs controls the expired-lease sweeper. 0 disables.
	SweepIntervalMs int `json:"sweepIntervalMs" yaml:"sweepIntervalMs" env:"STAGEFLOW_SWEEP_INTERVAL_MS"`
}

// RedisConfig enables the redis trigger transport.
type RedisConfig struct {
	// URL such as redis://localhost:6379/0. Stages whose endpoint uses the
	// redis scheme without a host fall back to this URL.
	URL string `json:"url" yaml:"url" env:"STAGEFLOW_REDIS_URL"`
	// Listen makes server start consume trigger lists for local stages.
	Listen bool `json:"listen" yaml:"listen" env:"STAGEFLOW_REDIS_LISTEN"`
}

// ArtifactsConfig selects where per-stage artifacts are written.
type ArtifactsConfig struct {
	// Backend is pebble (default) or minio.
	Backend string      `json:"backend" yaml:"backend" env:"STAGEFLOW_ARTIFACTS_BACKEND"`
	MinIO   MinIOConfig `json:"minio" yaml:"minio"`
}

// MinIOConfig holds S3-compatible object storage settings.
type MinIOConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" env:"STAGEFLOW_MINIO_ENDPOINT"`
	AccessKey string `json:"accessKey" yaml:"accessKey" env:"STAGEFLOW_MINIO_ACCESS_KEY"`
	SecretKey string `json:"secretKey" yaml:"secretKey" env:"STAGEFLOW_MINIO_SECRET_KEY"`
	Bucket    string `json:"bucket" yaml:"bucket" env:"STAGEFLOW_MINIO_BUCKET"`
	Region    string `json:"region" yaml:"region" env:"STAGEFLOW_MINIO_REGION"`
	UseSSL    bool   `json:"useSSL" yaml:"useSSL" env:"STAGEFLOW_MINIO_USE_SSL"`
}

// PipelineConfig is an ordered list of stages.
type PipelineConfig struct {
	Name   string        `json:"name" yaml:"name"`
	Stages []StageConfig `json:"stages" yaml:"stages"`
}

// StageConfig is the per-stage routing and retry policy.
type StageConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Queue defaults to "{pipeline}.{stage}".
	Queue string `json:"queue,omitempty" yaml:"queue,omitempty"`
	// Next overrides the following stage. Empty means the next entry in the
	// pipeline list; "-" marks the stage terminal.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`
	// Endpoint is local, http(s)://host:port or redis://host:port/db.
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Concurrency int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Priority    int32  `json:"priority,omitempty" yaml:"priority,omitempty"`

	MaxAttempts        int     `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty" env:"STAGEFLOW_MAX_ATTEMPTS"`
	BackoffBaseSeconds float64 `json:"backoffBaseSeconds,omitempty" yaml:"backoffBaseSeconds,omitempty" env:"STAGEFLOW_BACKOFF_BASE_SECONDS"`
	BackoffCapSeconds  float64 `json:"backoffCapSeconds,omitempty" yaml:"backoffCapSeconds,omitempty" env:"STAGEFLOW_BACKOFF_CAP_SECONDS"`
	// BackoffJitter is the fraction in [0,1) added on top of each delay.
	BackoffJitter      float64 `json:"backoffJitter,omitempty" yaml:"backoffJitter,omitempty" env:"STAGEFLOW_BACKOFF_JITTER"`
	RetryPriorityDelta int32   `json:"retryPriorityDelta,omitempty" yaml:"retryPriorityDelta,omitempty"`
	VisibilitySeconds  int     `json:"visibilitySeconds,omitempty" yaml:"visibilitySeconds,omitempty" env:"STAGEFLOW_VISIBILITY_SECONDS"`
	BatchSize          int     `json:"batchSize,omitempty" yaml:"batchSize,omitempty" env:"STAGEFLOW_BATCH_SIZE"`

	Handler HandlerConfig `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// HandlerConfig configures the built-in remote handler for a stage.
type HandlerConfig struct {
	URL            string `json:"url,omitempty" yaml:"url,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// TerminalStage is the Next value marking a stage as the last one.
const TerminalStage = "-"

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Fsync:    "always",
		Log:      logpkg.Config{Level: "info", Format: "text"},
		Worker: WorkerConfig{
			AutoExtendLease:    true,
			ScheduleIntervalMs: 0,
			SweepIntervalMs:    1000,
		},
		Artifacts: ArtifactsConfig{Backend: "pebble"},
		Defaults: StageConfig{
			Endpoint:           "local",
			Concurrency:        1,
			MaxAttempts:        5,
			BackoffBaseSeconds: 2,
			BackoffCapSeconds:  300,
			BackoffJitter:      0.2,
			VisibilitySeconds:  300,
			BatchSize:          10,
			Handler:            HandlerConfig{TimeoutSeconds: 60},
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Resolve returns s with zero-valued fields taken from defaults.
func (s StageConfig) Resolve(defaults StageConfig) StageConfig {
	if s.Endpoint == "" {
		s.Endpoint = defaults.Endpoint
	}
	if s.Concurrency <= 0 {
		s.Concurrency = defaults.Concurrency
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaults.MaxAttempts
	}
	if s.BackoffBaseSeconds <= 0 {
		s.BackoffBaseSeconds = defaults.BackoffBaseSeconds
	}
	if s.BackoffCapSeconds <= 0 {
		s.BackoffCapSeconds = defaults.BackoffCapSeconds
	}
	if s.BackoffJitter <= 0 {
		s.BackoffJitter = defaults.BackoffJitter
	}
	if s.RetryPriorityDelta == 0 {
		s.RetryPriorityDelta = defaults.RetryPriorityDelta
	}
	if s.VisibilitySeconds <= 0 {
		s.VisibilitySeconds = defaults.VisibilitySeconds
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaults.BatchSize
	}
	if s.Handler.TimeoutSeconds <= 0 {
		s.Handler.TimeoutSeconds = defaults.Handler.TimeoutSeconds
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	return s
}

// QueueName returns the queue a stage reads from.
func QueueName(pipeline string, s StageConfig) string {
	if s.Queue != "" {
		return s.Queue
	}
	return pipeline + "." + s.Name
}

// Pipeline returns the named pipeline definition.
func (c Config) Pipeline(name string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

// Stage returns the resolved stage configuration, or defaults when the stage
// is not declared.
func (c Config) Stage(pipeline, stage string) StageConfig {
	if p, ok := c.Pipeline(pipeline); ok {
		for _, s := range p.Stages {
			if s.Name == stage {
				return s.Resolve(c.Defaults)
			}
		}
	}
	s := c.Defaults
	s.Name = stage
	return s.Resolve(c.Defaults)
}

// NextStage returns the stage following stage in pipeline, or "" when it is
// the last one.
func (p PipelineConfig) NextStage(stage string) string {
	for i, s := range p.Stages {
		if s.Name != stage {
			continue
		}
		if s.Next == TerminalStage {
			return ""
		}
		if s.Next != "" {
			return s.Next
		}
		if i+1 < len(p.Stages) {
			return p.Stages[i+1].Name
		}
		return ""
	}
	return ""
}

// Validate rejects pipeline definitions the dispatcher could not route.
func (c Config) Validate() error {
	seenPipelines := map[string]bool{}
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipeline name required")
		}
		if seenPipelines[p.Name] {
			return fmt.Errorf("duplicate pipeline %q", p.Name)
		}
		seenPipelines[p.Name] = true
		if len(p.Stages) == 0 {
			return fmt.Errorf("pipeline %q has no stages", p.Name)
		}
		stages := map[string]bool{}
		for _, s := range p.Stages {
			if s.Name == "" {
				return fmt.Errorf("pipeline %q: stage name required", p.Name)
			}
			if stages[s.Name] {
				return fmt.Errorf("pipeline %q: duplicate stage %q", p.Name, s.Name)
			}
			stages[s.Name] = true
		}
		for _, s := range p.Stages {
			if s.Next != "" && s.Next != TerminalStage && !stages[s.Next] {
				return fmt.Errorf("pipeline %q: stage %q routes to unknown stage %q", p.Name, s.Name, s.Next)
			}
			r := s.Resolve(c.Defaults)
			if r.BackoffJitter < 0 || r.BackoffJitter >= 1 {
				return fmt.Errorf("pipeline %q: stage %q: backoffJitter must be in [0,1)", p.Name, s.Name)
			}
			if r.BackoffCapSeconds < r.BackoffBaseSeconds {
				return fmt.Errorf("pipeline %q: stage %q: backoff cap below base", p.Name, s.Name)
			}
		}
	}
	switch c.Artifacts.Backend {
	case "", "pebble":
	case "minio":
		if c.Artifacts.MinIO.Endpoint == "" || c.Artifacts.MinIO.Bucket == "" {
			return fmt.Errorf("artifacts: minio backend needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("artifacts: unknown backend %q", c.Artifacts.Backend)
	}
	return nil
}
