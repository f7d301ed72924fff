package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "learner",
	Short: "Recurrent replay learner",
	Long: `Learner that serves actions to connected environments, assembles their
steps into overlapping sequences, keeps them in a prioritized replay store
and trains synchronized model replicas from it.

Every flag can also be set through a LEARNER_<FLAG> environment variable,
for example LEARNER_REPLAY_CAPACITY=50000.`,
	SilenceUsage: true,
	RunE:         runLearner,
}

func init() {
	config.RegisterFlags(rootCmd.Flags(), config.Default())
}

func runLearner(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	learner, err := service.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create learner: %w", err)
	}

	logger.Info().
		Str("env_addr", learner.EnvAddr()).
		Str("http_addr", learner.HTTPAddr()).
		Str("grpc_addr", learner.GRPCAddr()).
		Int("replicas", cfg.Replicas).
		Int("replay_capacity", cfg.ReplayCapacity).
		Int("warmup_threshold", cfg.WarmupThreshold).
		Str("checkpoint_backend", cfg.CheckpointBackend).
		Msg("Starting learner")

	done := make(chan error, 1)
	go func() { done <- learner.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("Shutdown signal received")

	select {
	case err := <-done:
		return err
	case <-time.After(2 * cfg.ShutdownTimeout):
		return fmt.Errorf("learner did not stop within %s", 2*cfg.ShutdownTimeout)
	}
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "learner").Logger(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
