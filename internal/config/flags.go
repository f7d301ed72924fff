package config

import (
	"github.com/spf13/pflag"
)

// RegisterFlags declares one flag per configuration key, defaulting to cfg.
func RegisterFlags(flags *pflag.FlagSet, cfg *Config) {
	// Listeners
	flags.String("env-addr", cfg.EnvAddr, "Address environments connect to")
	flags.String("http-addr", cfg.HTTPAddr, "Admin HTTP address (empty disables)")
	flags.String("grpc-addr", cfg.GRPCAddr, "Admin gRPC address (empty disables)")

	// Window shape
	flags.Int("observation-size", cfg.ObservationSize, "Observation bytes per step")
	flags.Int("action-size", cfg.ActionSize, "Number of discrete actions")
	flags.Int("hidden-size", cfg.HiddenSize, "Recurrent state width")
	flags.Int("burn-in", cfg.BurnIn, "Burn-in positions per window")
	flags.Int("trace", cfg.Trace, "Scored positions per window")

	// Environment sessions
	flags.Int("num-envs", cfg.NumEnvs, "Number of environments, used to spread exploration rates")
	flags.Float64("epsilon-base", cfg.EpsilonBase, "Base of the per-environment exploration rate")
	flags.Int("return-size", cfg.ReturnSize, "Windows a session collects before enqueueing")
	flags.Int("sync-interval", cfg.SyncInterval, "Steps between inference parameter refreshes")

	// Replay
	flags.Int("replay-capacity", cfg.ReplayCapacity, "Main replay store capacity in windows")
	flags.Int("high-value-capacity", cfg.HighValueCapacity, "High-value store capacity (0 disables)")
	flags.Float64("high-value-probability", cfg.HighValueProbability, "Probability a batch slot draws from the high-value store")
	flags.Int("warmup-threshold", cfg.WarmupThreshold, "Windows required before sampling starts")
	flags.Int("progress-interval", cfg.ProgressInterval, "Inserts between fill progress logs")
	flags.String("compression", cfg.Compression, "Replay record compression (zstd, none)")
	flags.Int("queue-capacity", cfg.QueueCapacity, "Ingestion queue capacity in batches")
	flags.Int("tracker-size", cfg.TrackerSize, "High-reward tracker size")

	// Training
	flags.Int("replicas", cfg.Replicas, "Number of training replicas")
	flags.Int("batch-size", cfg.BatchSize, "Sequences per replica batch")
	flags.Float64("learning-rate", cfg.LearningRate, "Optimizer learning rate")
	flags.Float64("gamma", cfg.Gamma, "Discount factor")
	flags.Float64("priority-eta", cfg.PriorityEta, "Mix of max and mean TD error in priorities")
	flags.Int("target-update-interval", cfg.TargetUpdateInterval, "Steps between target network updates")
	flags.Int("training-progress-interval", cfg.TrainingProgressInterval, "Steps between training progress reports")
	flags.Int64("seed", cfg.Seed, "Model initialization seed (0 uses the clock)")

	// Checkpoints
	flags.String("checkpoint-backend", cfg.CheckpointBackend, "Checkpoint ledger (none, memory, badger, postgres)")
	flags.Int("checkpoint-interval", cfg.CheckpointInterval, "Steps between checkpoints (0 disables)")
	flags.String("checkpoint-dir", cfg.CheckpointDir, "Directory for the badger ledger")
	flags.String("postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string for the postgres ledger")

	// Events
	flags.String("nats-url", cfg.NATSURL, "NATS server URL (empty disables events)")
	flags.String("nats-subject", cfg.NATSSubject, "Base NATS subject for events")

	// Monitoring and lifecycle
	flags.Duration("monitor-interval", cfg.MonitorInterval, "Interval between monitor reports")
	flags.Duration("shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")

	// Logging
	flags.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-format", cfg.LogFormat, "Log format (json, console)")
}
