package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cartridge/learner/internal/codec"
	"github.com/cartridge/learner/internal/types"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "LEARNER"

// Checkpoint backends.
const (
	CheckpointNone     = "none"
	CheckpointMemory   = "memory"
	CheckpointBadger   = "badger"
	CheckpointPostgres = "postgres"
)

// Config holds all learner configuration
type Config struct {
	// Listeners
	EnvAddr  string `mapstructure:"env_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	// Window shape
	ObservationSize int `mapstructure:"observation_size"`
	ActionSize      int `mapstructure:"action_size"`
	HiddenSize      int `mapstructure:"hidden_size"`
	BurnIn          int `mapstructure:"burn_in"`
	Trace           int `mapstructure:"trace"`

	// Environment sessions
	NumEnvs      int     `mapstructure:"num_envs"`
	EpsilonBase  float64 `mapstructure:"epsilon_base"`
	ReturnSize   int     `mapstructure:"return_size"`
	SyncInterval int     `mapstructure:"sync_interval"`

	// Replay
	ReplayCapacity       int     `mapstructure:"replay_capacity"`
	HighValueCapacity    int     `mapstructure:"high_value_capacity"`
	HighValueProbability float64 `mapstructure:"high_value_probability"`
	WarmupThreshold      int     `mapstructure:"warmup_threshold"`
	ProgressInterval     int     `mapstructure:"progress_interval"`
	Compression          string  `mapstructure:"compression"`
	QueueCapacity        int     `mapstructure:"queue_capacity"`
	TrackerSize          int     `mapstructure:"tracker_size"`

	// Training
	Replicas                 int     `mapstructure:"replicas"`
	BatchSize                int     `mapstructure:"batch_size"`
	LearningRate             float64 `mapstructure:"learning_rate"`
	Gamma                    float64 `mapstructure:"gamma"`
	PriorityEta              float64 `mapstructure:"priority_eta"`
	TargetUpdateInterval     int     `mapstructure:"target_update_interval"`
	TrainingProgressInterval int     `mapstructure:"training_progress_interval"`
	Seed                     int64   `mapstructure:"seed"`

	// Checkpoints
	CheckpointBackend  string `mapstructure:"checkpoint_backend"`
	CheckpointInterval int    `mapstructure:"checkpoint_interval"`
	CheckpointDir      string `mapstructure:"checkpoint_dir"`
	PostgresDSN        string `mapstructure:"postgres_dsn"`

	// Events
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`

	// Monitoring and lifecycle
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		EnvAddr:  "127.0.0.1:7000",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",

		ObservationSize: 64,
		ActionSize:      4,
		HiddenSize:      16,
		BurnIn:          40,
		Trace:           80,

		NumEnvs:      8,
		EpsilonBase:  0.4,
		ReturnSize:   4,
		SyncInterval: 100,

		ReplayCapacity:       100000,
		HighValueCapacity:    10000,
		HighValueProbability: 0.1,
		WarmupThreshold:      2500,
		ProgressInterval:     500,
		Compression:          string(codec.AlgorithmZstd),
		QueueCapacity:        128,
		TrackerSize:          10,

		Replicas:                 2,
		BatchSize:                32,
		LearningRate:             1e-3,
		Gamma:                    0.997,
		PriorityEta:              0.9,
		TargetUpdateInterval:     2500,
		TrainingProgressInterval: 100,

		CheckpointBackend:  CheckpointMemory,
		CheckpointInterval: 1000,
		CheckpointDir:      "checkpoints",

		NATSSubject: "learner",

		MonitorInterval: 10 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Shape returns the window shape.
func (c *Config) Shape() types.Shape {
	return types.Shape{
		ObservationSize: c.ObservationSize,
		ActionSize:      c.ActionSize,
		HiddenSize:      c.HiddenSize,
		BurnIn:          c.BurnIn,
		Trace:           c.Trace,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.EnvAddr == "" {
		return fmt.Errorf("env_addr is required")
	}
	if err := c.Shape().Validate(); err != nil {
		return err
	}
	if c.NumEnvs <= 0 {
		return fmt.Errorf("num_envs must be positive")
	}
	if c.EpsilonBase <= 0 || c.EpsilonBase > 1 {
		return fmt.Errorf("epsilon_base must be in (0,1]")
	}
	if c.ReturnSize <= 0 {
		return fmt.Errorf("return_size must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.ReplayCapacity <= 0 {
		return fmt.Errorf("replay_capacity must be positive")
	}
	if c.HighValueCapacity < 0 {
		return fmt.Errorf("high_value_capacity must not be negative")
	}
	if c.HighValueProbability < 0 || c.HighValueProbability > 1 {
		return fmt.Errorf("high_value_probability must be in [0,1]")
	}
	if c.WarmupThreshold <= 0 || c.WarmupThreshold > c.ReplayCapacity {
		return fmt.Errorf("warmup_threshold must be in [1,replay_capacity]")
	}
	switch codec.Algorithm(c.Compression) {
	case codec.AlgorithmZstd, codec.AlgorithmNone:
	default:
		return fmt.Errorf("compression must be one of zstd, none")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if c.Replicas <= 0 {
		return fmt.Errorf("replicas must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive")
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be in [0,1]")
	}
	if c.PriorityEta < 0 || c.PriorityEta > 1 {
		return fmt.Errorf("priority_eta must be in [0,1]")
	}
	if c.TargetUpdateInterval <= 0 {
		return fmt.Errorf("target_update_interval must be positive")
	}
	switch c.CheckpointBackend {
	case CheckpointNone, CheckpointMemory:
	case CheckpointBadger:
		if c.CheckpointDir == "" {
			return fmt.Errorf("checkpoint_dir is required for the badger backend")
		}
	case CheckpointPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint_backend must be one of none, memory, badger, postgres")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console")
	}
	return nil
}

// Load reads configuration from v (flags, environment and optional config
// file) on top of the defaults.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// NewViper returns a viper instance bound to flags and LEARNER_* environment
// variables. Flag names use dashes; keys use underscores.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	return v, nil
}
